package clients

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"example.com/enrollment-payments/pkg/circuitbreaker"
	"example.com/enrollment-payments/pkg/logger"
)

// ArtifactUpload — файл квитанции для загрузки в хранилище.
type ArtifactUpload struct {
	FileName    string // Имя файла от пользователя
	ContentType string // MIME тип (image/jpeg, image/png, application/pdf)
	Data        []byte // Содержимое файла
}

// uploadResponse — ответ хранилища на загрузку.
type uploadResponse struct {
	ArtifactID string `json:"artifact_id"`
}

// ArtifactClient — клиент файлового хранилища квитанций.
type ArtifactClient struct {
	http    *resty.Client
	breaker *circuitbreaker.Breaker
}

// NewArtifactClient создаёт клиент хранилища квитанций.
func NewArtifactClient(baseURL string, timeout time.Duration) *ArtifactClient {
	return &ArtifactClient{
		http:    newHTTPClient(baseURL, timeout),
		breaker: circuitbreaker.New("artifact-store"),
	}
}

// Upload загружает квитанцию в хранилище и возвращает её ID.
func (c *ArtifactClient) Upload(ctx context.Context, upload ArtifactUpload) (string, error) {
	var result uploadResponse
	var statusCode int

	err := c.breaker.Execute(func() (int, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetFileReader("file", upload.FileName, bytes.NewReader(upload.Data)).
			SetMultipartField("content_type", "", "text/plain", bytes.NewReader([]byte(upload.ContentType))).
			SetResult(&result).
			Post("/internal/v1/artifacts")
		if err != nil {
			return 0, err
		}
		statusCode = resp.StatusCode()
		return statusCode, nil
	})
	if err != nil {
		return "", fmt.Errorf("хранилище квитанций недоступно: %w", err)
	}

	if statusCode != http.StatusCreated && statusCode != http.StatusOK {
		return "", fmt.Errorf("хранилище квитанций вернуло статус %d", statusCode)
	}

	if result.ArtifactID == "" {
		return "", fmt.Errorf("хранилище квитанций вернуло пустой artifact_id")
	}

	return result.ArtifactID, nil
}

// Delete удаляет квитанцию из хранилища.
// Идемпотентно: 404 — квитанция уже удалена, это успех. Компенсация может
// прийти повторно после retry, и повтор не должен падать.
func (c *ArtifactClient) Delete(ctx context.Context, artifactID string) error {
	var statusCode int

	err := c.breaker.Execute(func() (int, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			Delete("/internal/v1/artifacts/" + artifactID)
		if err != nil {
			return 0, err
		}
		statusCode = resp.StatusCode()
		return statusCode, nil
	})
	if err != nil {
		return fmt.Errorf("хранилище квитанций недоступно: %w", err)
	}

	switch statusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		logger.Ctx(ctx).Debug().
			Str("artifact_id", artifactID).
			Msg("Квитанция уже удалена из хранилища")
		return nil
	default:
		return fmt.Errorf("хранилище квитанций вернуло статус %d", statusCode)
	}
}
