// Пакет config отвечает за загрузку и валидацию конфигурации Connector Sync
// из переменных окружения (префикс CS_).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые теги коннекторов для CS_CONNECTORS.
var knownConnectors = map[string]bool{
	"gdrive": true, "jira": true, "helpscout": true, "helpscout_docs": true,
	"pipedrive": true, "intercom": true, "github": true, "trello": true,
}

// Config содержит все параметры конфигурации Connector Sync.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут чтения HTTP-запроса
	HTTPReadTimeout time.Duration
	// Таймаут записи HTTP-ответа
	HTTPWriteTimeout time.Duration
	// Таймаут простоя keep-alive соединения
	HTTPIdleTimeout time.Duration

	// --- Хранилище записей ---

	// Бэкенд хранилища: postgres или memory
	StorageBackend string
	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Очередь задач ---

	// URL Redis (redis://host:6379/0). Пустое значение включает in-memory очередь.
	RedisURL string
	// Порог глубины очереди, выше которого периодические запуски пропускаются
	QueueThreshold int
	// Количество воркеров, обрабатывающих задачи
	Workers int
	// Время ожидания задачи одним воркером
	DequeueTimeout time.Duration
	// TTL аренды учётных данных на время запуска синхронизации
	LeaseTTL time.Duration

	// --- Поисковый индекс ---

	// Базовый URL поискового индекса. Пустое значение включает in-memory индекс.
	SearchURL string
	// Имя индекса
	SearchIndex string
	// Идентификатор приложения индекса
	SearchAppID string
	// API-ключ индекса
	SearchAPIKey string

	// --- Синхронизация ---

	// Интервал периодической синхронизации (UpdateSynchronization)
	UpdateInterval time.Duration
	// Включённые коннекторы
	Connectors []string
	// Размер LRU-кэша учётных данных
	CredentialCacheSize int
	// TTL записи в кэше учётных данных
	CredentialCacheTTL time.Duration
	// Маркер скрытой папки в описании (gdrive)
	GDriveHiddenMarker string
	// API-ключ приложения Trello (передаётся вместе с токеном пользователя)
	TrelloAPIKey string
	// Порог оставшейся квоты API, ниже которого запуск останавливается
	RateLimitThreshold int
	// Задержки между элементами по коннекторам
	Delays ConnectorDelays
	// Базовые URL внешних API (переопределяются для staging/тестов)
	APIBaseURLs map[string]string

	// --- JWT (опционально) ---

	// URL JWKS endpoint. Пустое значение отключает аутентификацию API.
	JWTJWKSURL string
	// Ожидаемый issuer JWT
	JWTIssuer string
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration

	// --- topologymetrics ---

	// Группа в метриках зависимостей
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// ConnectorDelays описывает фиксированные паузы для коннекторов без сигнала квоты.
type ConnectorDelays struct {
	JiraPage     time.Duration
	JiraProject  time.Duration
	HelpScout    time.Duration
	Pipedrive    time.Duration
	Intercom     time.Duration
	GitHub       time.Duration
	TrelloBoard  time.Duration
	TrelloUpdate time.Duration
	FetchStagger time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("CS_PORT", 8010)
	if err != nil {
		return nil, fmt.Errorf("CS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("CS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("CS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("CS_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("CS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("CS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.HTTPReadTimeout, err = getEnvDuration("CS_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_HTTP_READ_TIMEOUT: %w", err)
	}

	cfg.HTTPWriteTimeout, err = getEnvDuration("CS_HTTP_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_HTTP_WRITE_TIMEOUT: %w", err)
	}

	cfg.HTTPIdleTimeout, err = getEnvDuration("CS_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- Хранилище ---

	cfg.StorageBackend = getEnvDefault("CS_STORAGE_BACKEND", "postgres")
	switch cfg.StorageBackend {
	case "postgres":
		if err := loadPostgres(cfg); err != nil {
			return nil, err
		}
	case "memory":
	default:
		return nil, fmt.Errorf("CS_STORAGE_BACKEND: недопустимое значение %q, допустимые: postgres, memory", cfg.StorageBackend)
	}

	// --- Очередь ---

	cfg.RedisURL = getEnvDefault("CS_REDIS_URL", "")

	cfg.QueueThreshold, err = getEnvInt("CS_QUEUE_THRESHOLD", 100)
	if err != nil {
		return nil, fmt.Errorf("CS_QUEUE_THRESHOLD: %w", err)
	}
	if cfg.QueueThreshold < 1 {
		return nil, fmt.Errorf("CS_QUEUE_THRESHOLD: значение %d должно быть положительным", cfg.QueueThreshold)
	}

	cfg.Workers, err = getEnvInt("CS_WORKERS", 4)
	if err != nil {
		return nil, fmt.Errorf("CS_WORKERS: %w", err)
	}
	if cfg.Workers < 1 || cfg.Workers > 256 {
		return nil, fmt.Errorf("CS_WORKERS: значение %d вне допустимого диапазона 1-256", cfg.Workers)
	}

	cfg.DequeueTimeout, err = getEnvDuration("CS_DEQUEUE_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_DEQUEUE_TIMEOUT: %w", err)
	}

	cfg.LeaseTTL, err = getEnvDuration("CS_LEASE_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("CS_LEASE_TTL: %w", err)
	}

	// --- Поисковый индекс ---

	cfg.SearchURL = strings.TrimRight(getEnvDefault("CS_SEARCH_URL", ""), "/")
	cfg.SearchIndex = getEnvDefault("CS_SEARCH_INDEX", "synced_objects")
	cfg.SearchAppID = getEnvDefault("CS_SEARCH_APP_ID", "")
	cfg.SearchAPIKey = getEnvDefault("CS_SEARCH_API_KEY", "")
	if cfg.SearchURL != "" && cfg.SearchAPIKey == "" {
		return nil, fmt.Errorf("CS_SEARCH_API_KEY: обязателен, если задан CS_SEARCH_URL")
	}

	// --- Синхронизация ---

	cfg.UpdateInterval, err = getEnvDuration("CS_UPDATE_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_UPDATE_INTERVAL: %w", err)
	}

	cfg.Connectors = parseCSV(getEnvDefault("CS_CONNECTORS",
		"gdrive,jira,helpscout,helpscout_docs,pipedrive,intercom,github,trello"))
	for _, c := range cfg.Connectors {
		if !knownConnectors[c] {
			return nil, fmt.Errorf("CS_CONNECTORS: неизвестный коннектор %q", c)
		}
	}

	cfg.CredentialCacheSize, err = getEnvInt("CS_CREDENTIAL_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("CS_CREDENTIAL_CACHE_SIZE: %w", err)
	}

	cfg.CredentialCacheTTL, err = getEnvDuration("CS_CREDENTIAL_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("CS_CREDENTIAL_CACHE_TTL: %w", err)
	}

	cfg.GDriveHiddenMarker = getEnvDefault("CS_GDRIVE_HIDDEN_MARKER", "#nosync")
	cfg.TrelloAPIKey = getEnvDefault("CS_TRELLO_API_KEY", "")

	cfg.RateLimitThreshold, err = getEnvInt("CS_RATE_LIMIT_THRESHOLD", 100)
	if err != nil {
		return nil, fmt.Errorf("CS_RATE_LIMIT_THRESHOLD: %w", err)
	}

	if err := loadDelays(cfg); err != nil {
		return nil, err
	}

	cfg.APIBaseURLs = map[string]string{
		"gdrive":         getEnvDefault("CS_GDRIVE_API_URL", "https://www.googleapis.com/drive/v3"),
		"jira":           getEnvDefault("CS_JIRA_API_URL", ""),
		"helpscout":      getEnvDefault("CS_HELPSCOUT_API_URL", "https://api.helpscout.net"),
		"helpscout_docs": getEnvDefault("CS_HELPSCOUT_DOCS_API_URL", "https://docsapi.helpscout.net"),
		"pipedrive":      getEnvDefault("CS_PIPEDRIVE_API_URL", "https://api.pipedrive.com"),
		"intercom":       getEnvDefault("CS_INTERCOM_API_URL", "https://api.intercom.io"),
		"github":         getEnvDefault("CS_GITHUB_API_URL", "https://api.github.com"),
		"trello":         getEnvDefault("CS_TRELLO_API_URL", "https://api.trello.com"),
	}

	// --- JWT ---

	cfg.JWTJWKSURL = getEnvDefault("CS_JWT_JWKS_URL", "")
	cfg.JWTIssuer = getEnvDefault("CS_JWT_ISSUER", "")

	cfg.JWTLeeway, err = getEnvDuration("CS_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_JWT_LEEWAY: %w", err)
	}

	cfg.JWKSRefreshInterval, err = getEnvDuration("CS_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("CS_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("CS_DEPHEALTH_GROUP", "connector-sync")

	cfg.DephealthCheckInterval, err = getEnvDuration("CS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("CS_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// loadPostgres читает параметры PostgreSQL (только для бэкенда postgres).
func loadPostgres(cfg *Config) error {
	var err error

	cfg.DBHost, err = getEnvRequired("CS_DB_HOST")
	if err != nil {
		return err
	}

	cfg.DBPort, err = getEnvInt("CS_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("CS_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("CS_DB_NAME")
	if err != nil {
		return err
	}

	cfg.DBUser, err = getEnvRequired("CS_DB_USER")
	if err != nil {
		return err
	}

	cfg.DBPassword, err = getEnvRequired("CS_DB_PASSWORD")
	if err != nil {
		return err
	}

	cfg.DBSSLMode = getEnvDefault("CS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return fmt.Errorf("CS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	return nil
}

// loadDelays читает паузы коннекторов. Значения по умолчанию подобраны под
// публичные лимиты внешних API.
func loadDelays(cfg *Config) error {
	delays := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"CS_JIRA_PAGE_DELAY", 2 * time.Second, &cfg.Delays.JiraPage},
		{"CS_JIRA_PROJECT_DELAY", 5 * time.Second, &cfg.Delays.JiraProject},
		{"CS_HELPSCOUT_DELAY", time.Second, &cfg.Delays.HelpScout},
		{"CS_PIPEDRIVE_DELAY", time.Second, &cfg.Delays.Pipedrive},
		{"CS_INTERCOM_DELAY", 500 * time.Millisecond, &cfg.Delays.Intercom},
		{"CS_GITHUB_DELAY", time.Second, &cfg.Delays.GitHub},
		{"CS_TRELLO_BOARD_DELAY", 30 * time.Second, &cfg.Delays.TrelloBoard},
		{"CS_TRELLO_UPDATE_DELAY", time.Second, &cfg.Delays.TrelloUpdate},
		{"CS_FETCH_STAGGER", time.Second, &cfg.Delays.FetchStagger},
	}
	for _, d := range delays {
		v, err := getEnvDuration(d.key, d.def)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: отрицательная длительность %s", d.key, v)
		}
		*d.dst = v
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
}

// ConnectorEnabled сообщает, включён ли коннектор в CS_CONNECTORS.
func (c *Config) ConnectorEnabled(tag string) bool {
	for _, name := range c.Connectors {
		if name == tag {
			return true
		}
	}
	return false
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
