// Package domain содержит бизнес-сущности и доменные ошибки Payments Service.
package domain

import "errors"

// Доменные ошибки Payments Service.
// Используются для передачи бизнес-ошибок между слоями приложения.
var (
	// ErrSessionNotFound возвращается, когда платёжная сессия не найдена в базе данных.
	ErrSessionNotFound = errors.New("платёжная сессия не найдена")

	// ErrActiveSessionExists возвращается при попытке создать вторую активную сессию
	// для той же пары (пользователь, позиция).
	ErrActiveSessionExists = errors.New("по этой позиции уже есть активная платёжная сессия")

	// ErrInvalidTransition возвращается при недопустимом переходе статуса сессии.
	ErrInvalidTransition = errors.New("недопустимый переход статуса сессии")

	// ErrConcurrentUpdate возвращается, когда условное обновление не прошло:
	// статус сессии в БД уже изменён конкурирующим переходом.
	ErrConcurrentUpdate = errors.New("сессия изменена конкурирующим переходом")

	// ErrInvalidItemType возвращается при неизвестном типе позиции.
	ErrInvalidItemType = errors.New("некорректный тип позиции")

	// ErrInvalidMethod возвращается при неизвестном методе оплаты.
	ErrInvalidMethod = errors.New("некорректный метод оплаты")

	// ErrMethodNotEligible возвращается, когда метод оплаты отключён
	// настройками площадки или недоступен для позиции.
	ErrMethodNotEligible = errors.New("метод оплаты недоступен")

	// ErrItemNotFound возвращается, когда позиция отсутствует в каталоге.
	ErrItemNotFound = errors.New("позиция каталога не найдена")

	// ErrInvalidPaymentParams возвращается при capture с неизвестными или
	// неконсистентными параметрами (нет сохранённого intent).
	ErrInvalidPaymentParams = errors.New("некорректные параметры платежа")

	// ErrSubmissionInFlight возвращается при повторном сабмите, пока
	// предыдущий по той же позиции ещё выполняется.
	ErrSubmissionInFlight = errors.New("сабмит по этой позиции уже выполняется")

	// ErrDuplicateCapture возвращается при повторном capture того же платежа.
	ErrDuplicateCapture = errors.New("платёж уже обработан")

	// ErrInvalidUserID возвращается при пустом идентификаторе пользователя.
	ErrInvalidUserID = errors.New("некорректный идентификатор пользователя")

	// ErrInvalidAmount возвращается при отрицательной сумме.
	ErrInvalidAmount = errors.New("некорректная сумма")

	// Ошибки валидации реквизитов ручного перевода.

	// ErrInvalidFullName возвращается при пустом ФИО плательщика.
	ErrInvalidFullName = errors.New("ФИО плательщика не может быть пустым")

	// ErrInvalidAccountNumber возвращается при пустом номере счёта.
	ErrInvalidAccountNumber = errors.New("номер счёта не может быть пустым")

	// ErrInvalidTransferReference возвращается при пустом номере перевода.
	ErrInvalidTransferReference = errors.New("номер перевода не может быть пустым")

	// ErrInvalidPhone возвращается при некорректном телефоне.
	ErrInvalidPhone = errors.New("некорректный номер телефона")

	// ErrInvalidEmail возвращается при некорректном email.
	ErrInvalidEmail = errors.New("некорректный email")

	// Ошибки валидации квитанции.

	// ErrMissingProof возвращается, когда к заявке не приложена квитанция.
	ErrMissingProof = errors.New("квитанция об оплате обязательна")

	// ErrInvalidProofType возвращается при недопустимом типе файла квитанции.
	ErrInvalidProofType = errors.New("недопустимый тип файла квитанции")

	// ErrProofTooLarge возвращается при превышении лимита размера квитанции.
	ErrProofTooLarge = errors.New("файл квитанции слишком большой")
)
