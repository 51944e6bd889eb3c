package config

import (
	"log/slog"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"CS_DB_HOST":     "localhost",
		"CS_DB_NAME":     "connector_sync",
		"CS_DB_USER":     "connector_sync",
		"CS_DB_PASSWORD": "secret",
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 8010 {
		t.Errorf("Port = %d, ожидается 8010", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.StorageBackend != "postgres" {
		t.Errorf("StorageBackend = %q, ожидается postgres", cfg.StorageBackend)
	}
	if cfg.QueueThreshold != 100 {
		t.Errorf("QueueThreshold = %d, ожидается 100", cfg.QueueThreshold)
	}
	if cfg.UpdateInterval != time.Minute {
		t.Errorf("UpdateInterval = %v, ожидается 1m", cfg.UpdateInterval)
	}
	if cfg.GDriveHiddenMarker != "#nosync" {
		t.Errorf("GDriveHiddenMarker = %q, ожидается #nosync", cfg.GDriveHiddenMarker)
	}
	if len(cfg.Connectors) != 8 {
		t.Errorf("Connectors = %v, ожидается 8 коннекторов", cfg.Connectors)
	}
	if cfg.Delays.JiraPage != 2*time.Second {
		t.Errorf("Delays.JiraPage = %v, ожидается 2s", cfg.Delays.JiraPage)
	}
	if cfg.Delays.TrelloBoard != 30*time.Second {
		t.Errorf("Delays.TrelloBoard = %v, ожидается 30s", cfg.Delays.TrelloBoard)
	}
	if cfg.RedisURL != "" {
		t.Errorf("RedisURL = %q, ожидается пустая строка", cfg.RedisURL)
	}
	if cfg.HTTPReadTimeout != 30*time.Second || cfg.HTTPIdleTimeout != 2*time.Minute {
		t.Errorf("HTTP таймауты = %v/%v, ожидается 30s/2m", cfg.HTTPReadTimeout, cfg.HTTPIdleTimeout)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, ожидается 10s", cfg.ShutdownTimeout)
	}
}

func TestLoad_MemoryBackendWithoutDB(t *testing.T) {
	t.Setenv("CS_STORAGE_BACKEND", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.DBHost != "" {
		t.Errorf("DBHost = %q, ожидается пустая строка", cfg.DBHost)
	}
}

func TestLoad_TrelloAPIKey(t *testing.T) {
	t.Setenv("CS_STORAGE_BACKEND", "memory")
	t.Setenv("CS_TRELLO_API_KEY", "app-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.TrelloAPIKey != "app-key" {
		t.Errorf("TrelloAPIKey = %q, ожидается app-key", cfg.TrelloAPIKey)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		envs map[string]string
	}{
		{"нет CS_DB_HOST", map[string]string{"CS_DB_NAME": "x", "CS_DB_USER": "x", "CS_DB_PASSWORD": "x"}},
		{"неизвестный бэкенд", map[string]string{"CS_STORAGE_BACKEND": "sqlite"}},
		{"неизвестный коннектор", map[string]string{"CS_STORAGE_BACKEND": "memory", "CS_CONNECTORS": "gdrive,slack"}},
		{"некорректный порог", map[string]string{"CS_STORAGE_BACKEND": "memory", "CS_QUEUE_THRESHOLD": "0"}},
		{"некорректная длительность", map[string]string{"CS_STORAGE_BACKEND": "memory", "CS_UPDATE_INTERVAL": "минута"}},
		{"отрицательная пауза", map[string]string{"CS_STORAGE_BACKEND": "memory", "CS_JIRA_PAGE_DELAY": "-1s"}},
		{"индекс без ключа", map[string]string{"CS_STORAGE_BACKEND": "memory", "CS_SEARCH_URL": "http://search"}},
		{"некорректный уровень", map[string]string{"CS_STORAGE_BACKEND": "memory", "CS_LOG_LEVEL": "trace"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnvs(t, tt.envs)
			if _, err := Load(); err == nil {
				t.Error("ожидалась ошибка, получен nil")
			}
		})
	}
}

func TestLoad_ConnectorEnabled(t *testing.T) {
	setEnvs(t, map[string]string{
		"CS_STORAGE_BACKEND": "memory",
		"CS_CONNECTORS":      " jira , github ,",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if !cfg.ConnectorEnabled("jira") || !cfg.ConnectorEnabled("github") {
		t.Errorf("jira и github должны быть включены: %v", cfg.Connectors)
	}
	if cfg.ConnectorEnabled("gdrive") {
		t.Error("gdrive не должен быть включён")
	}
}

func TestParseCSV(t *testing.T) {
	got := parseCSV(" a, ,b ,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("parseCSV: ожидалось %v, получено %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("parseCSV[%d] = %q, ожидается %q", i, got[i], want[i])
		}
	}
	if parseCSV("") != nil {
		t.Error("parseCSV(\"\") должен вернуть nil")
	}
}
