// sync.go: внутренний API синхронизации.
//
//	POST   /api/v1/users/{userID}/connectors/{connector}/sync    → 202
//	GET    /api/v1/users/{userID}/connectors/{connector}/status  → 200
//	DELETE /api/v1/users/{userID}/objects                        → 202
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/connector-sync/internal/api/errors"
	"github.com/bigkaa/connector-sync/internal/api/middleware"
	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/service"
	"github.com/bigkaa/connector-sync/internal/taskqueue"
)

// SyncService: операции оркестратора, доступные через API.
type SyncService interface {
	StartSynchronization(ctx context.Context, userID string, c model.Connector) error
	SyncStatus(ctx context.Context, userID string, c model.Connector) (model.SyncStatus, error)
	RequestPurge(ctx context.Context, userID string) error
}

// SyncHandler: обработчики внутреннего API.
type SyncHandler struct {
	svc    SyncService
	logger *slog.Logger
}

// NewSyncHandler создаёт обработчики внутреннего API.
func NewSyncHandler(svc SyncService, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		svc:    svc,
		logger: logger.With(slog.String("component", "sync_api")),
	}
}

type acceptedResponse struct {
	Status string `json:"status"`
}

type syncStatusResponse struct {
	Count      int  `json:"count"`
	ReadyCount int  `json:"ready_count"`
	InProgress bool `json:"in_progress"`
	HasStarted bool `json:"has_started"`
}

// StartSync: POST .../connectors/{connector}/sync.
func (h *SyncHandler) StartSync(w http.ResponseWriter, r *http.Request) {
	userID, c, ok := h.params(w, r)
	if !ok {
		return
	}
	if err := h.svc.StartSynchronization(r.Context(), userID, c); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("Синхронизация запрошена",
		slog.String("user_id", userID),
		slog.String("connector", string(c)),
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "queued"})
}

// GetStatus: GET .../connectors/{connector}/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, c, ok := h.params(w, r)
	if !ok {
		return
	}
	status, err := h.svc.SyncStatus(r.Context(), userID, c)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncStatusResponse{
		Count:      status.Count,
		ReadyCount: status.ReadyCount,
		InProgress: status.InProgress,
		HasStarted: status.HasStarted,
	})
}

// PurgeUser: DELETE /api/v1/users/{userID}/objects.
func (h *SyncHandler) PurgeUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		apierrors.ValidationError(w, "Не указан userID")
		return
	}
	if err := h.svc.RequestPurge(r.Context(), userID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("Удаление данных пользователя запрошено",
		slog.String("user_id", userID),
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "queued"})
}

func (h *SyncHandler) params(w http.ResponseWriter, r *http.Request) (string, model.Connector, bool) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		apierrors.ValidationError(w, "Не указан userID")
		return "", "", false
	}
	c := model.Connector(chi.URLParam(r, "connector"))
	if !c.Valid() {
		apierrors.ValidationError(w, "Неизвестный коннектор: "+string(c))
		return "", "", false
	}
	return userID, c, true
}

func (h *SyncHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownConnector):
		apierrors.NotFound(w, "Коннектор не включён")
	case errors.Is(err, service.ErrNoCredential):
		apierrors.NotFound(w, "Учётные данные коннектора не найдены")
	case errors.Is(err, taskqueue.ErrClosed):
		apierrors.QueueUnavailable(w, "Очередь задач недоступна")
	default:
		h.logger.Error("Ошибка обработки запроса",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка")
	}
}
