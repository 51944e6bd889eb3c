// Пакет apiclient: HTTP-клиент внешних API, общий для драйверов
// коннекторов. Создаётся на одни учётные данные на время запуска,
// запоминает остаток квоты из заголовков ответа и отображает HTTP-статусы
// на ошибки пакета connector.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bigkaa/connector-sync/internal/connector"
	"github.com/bigkaa/connector-sync/internal/ratelimit"
)

// maxBodyBytes: предел читаемого тела ответа. Содержимое всё равно
// обрезается до бюджета записи.
const maxBodyBytes = 4 << 20

// Authorizer добавляет авторизацию к запросу.
type Authorizer func(req *http.Request)

// Bearer: заголовок Authorization: Bearer <token>.
func Bearer(token string) Authorizer {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// Basic: HTTP Basic авторизация.
func Basic(user, password string) Authorizer {
	return func(req *http.Request) {
		req.SetBasicAuth(user, password)
	}
}

// Query: авторизация параметрами запроса (key/token trello).
func Query(params map[string]string) Authorizer {
	return func(req *http.Request) {
		q := req.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
}

// Option настраивает Client.
type Option func(*Client)

// WithTracker включает учёт квоты по заголовку ответа.
func WithTracker(t *ratelimit.Tracker) Option {
	return func(c *Client) { c.tracker = t }
}

// WithHTTPClient подменяет http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// Client: клиент одного внешнего API.
type Client struct {
	name       string
	baseURL    string
	auth       Authorizer
	httpClient *http.Client
	tracker    *ratelimit.Tracker
}

// New создаёт клиент. name используется в сообщениях об ошибках.
func New(name, baseURL string, auth Authorizer, opts ...Option) *Client {
	c := &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RemainingQuota реализует ratelimit.QuotaReporter.
func (c *Client) RemainingQuota() (int, bool) {
	if c.tracker == nil {
		return 0, false
	}
	return c.tracker.RemainingQuota()
}

// URL строит адрес запроса. Абсолютные адреса используются как есть.
func (c *Client) URL(path string, query url.Values) string {
	u := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		u = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + query.Encode()
	}
	return u
}

// GetJSON выполняет GET и декодирует JSON-ответ в out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, _, err := c.Get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("декодирование ответа %s %s: %w", c.name, path, err)
	}
	return nil
}

// Get выполняет GET и возвращает тело и заголовки ответа.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path, query), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("создание запроса %s: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		c.auth(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("%w: запрос %s %s: %v", connector.ErrTransient, c.name, path, err)
	}
	defer resp.Body.Close()

	if c.tracker != nil {
		c.tracker.Observe(resp.Header)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: чтение ответа %s %s: %v", connector.ErrTransient, c.name, path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, resp.Header, classify(c.name, path, resp.StatusCode, body)
	}
	return body, resp.Header, nil
}

// classify отображает HTTP-статус на ошибку пакета connector.
func classify(name, path string, status int, body []byte) error {
	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = connector.ErrUnauthorized
	case status == http.StatusNotFound || status == http.StatusGone:
		kind = connector.ErrGone
	case status == http.StatusTooManyRequests || status >= 500:
		kind = connector.ErrTransient
	default:
		kind = connector.ErrPermanent
	}
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("%w: %s %s вернул статус %d: %s", kind, name, path, status, msg)
}
