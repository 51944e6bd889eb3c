package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var indexRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cs_index_requests_total",
	Help: "Количество запросов к поисковому индексу",
}, []string{"operation", "result"}) // operation: upsert, delete; result: ok, error

// Client: HTTP-клиент индекса с REST API объектов:
//   - PUT    {base}/1/indexes/{index}/{objectID}
//   - DELETE {base}/1/indexes/{index}/{objectID}
type Client struct {
	baseURL    string
	index      string
	appID      string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient создаёт клиент поискового индекса.
func NewClient(baseURL, index, appID, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		index:      index,
		appID:      appID,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With(slog.String("component", "search_index")),
	}
}

func (c *Client) objectURL(objectID string) string {
	return fmt.Sprintf("%s/1/indexes/%s/%s", c.baseURL, url.PathEscape(c.index), url.PathEscape(objectID))
}

// Upsert сохраняет документ целиком (PUT).
func (c *Client) Upsert(ctx context.Context, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("кодирование документа %s: %w", doc.ObjectID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(doc.ObjectID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("создание запроса Upsert: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.do(req, "upsert", false); err != nil {
		return fmt.Errorf("upsert %s: %w", doc.ObjectID, err)
	}
	return nil
}

// Delete удаляет документ. 404 считается успехом.
func (c *Client) Delete(ctx context.Context, objectID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(objectID), nil)
	if err != nil {
		return fmt.Errorf("создание запроса Delete: %w", err)
	}

	if err := c.do(req, "delete", true); err != nil {
		return fmt.Errorf("delete %s: %w", objectID, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, operation string, notFoundOK bool) error {
	req.Header.Set("X-Algolia-Application-Id", c.appID)
	req.Header.Set("X-Algolia-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		indexRequestsTotal.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("запрос к индексу: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && notFoundOK {
		indexRequestsTotal.WithLabelValues(operation, "ok").Inc()
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		indexRequestsTotal.WithLabelValues(operation, "error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("индекс вернул статус %d: %s", resp.StatusCode, string(body))
	}

	indexRequestsTotal.WithLabelValues(operation, "ok").Inc()
	return nil
}

// HealthURL возвращает URL для проверки доступности индекса.
func (c *Client) HealthURL() string {
	return c.baseURL + "/1/isalive"
}
