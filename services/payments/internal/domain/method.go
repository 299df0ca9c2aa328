package domain

// ItemType — тип оплачиваемой позиции каталога.
type ItemType string

const (
	// ItemTypeCourse — запись на курс.
	ItemTypeCourse ItemType = "course"

	// ItemTypeProgram — запись на образовательную программу.
	ItemTypeProgram ItemType = "program"
)

// Valid проверяет, что тип позиции известен.
func (t ItemType) Valid() bool {
	return t == ItemTypeCourse || t == ItemTypeProgram
}

// ParseItemType разбирает тип позиции из пути запроса.
func ParseItemType(s string) (ItemType, error) {
	t := ItemType(s)
	if !t.Valid() {
		return "", ErrInvalidItemType
	}
	return t, nil
}

// Method — метод оплаты.
type Method string

const (
	// MethodRedirectProcessor — оплата через внешний redirect-процессор:
	// пользователь уходит на страницу процессора, результат приходит capture-запросом.
	MethodRedirectProcessor Method = "redirect_processor"

	// MethodManualTransfer — ручной банковский перевод: пользователь прикладывает
	// квитанцию, заявку проверяет администратор.
	MethodManualTransfer Method = "manual_transfer"
)

// Valid проверяет, что метод оплаты известен.
func (m Method) Valid() bool {
	return m == MethodRedirectProcessor || m == MethodManualTransfer
}

// ParseMethod разбирает метод оплаты из запроса.
func ParseMethod(s string) (Method, error) {
	m := Method(s)
	if !m.Valid() {
		return "", ErrInvalidMethod
	}
	return m, nil
}

// RequiresVerification возвращает true, если метод требует проверки администратором.
// Redirect-процессор подтверждает оплату сам.
func (m Method) RequiresVerification() bool {
	return m == MethodManualTransfer
}

// Допустимые типы файла квитанции.
var allowedProofMIMETypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"application/pdf": {},
}

// ValidProofMIMEType проверяет тип файла квитанции.
func ValidProofMIMEType(mimeType string) bool {
	_, ok := allowedProofMIMETypes[mimeType]
	return ok
}
