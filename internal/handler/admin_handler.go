package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vending-service/internal/models"
	"vending-service/internal/service"
	"vending-service/internal/util"
)

// AdminHandler exposes the operational surface: listing and cleaning up
// machine sessions and correcting counter drift.
type AdminHandler struct {
	sessions *service.SessionService
	logger   *zap.Logger
	status   *SessionHandler
}

func NewAdminHandler(sessions *service.SessionService, status *SessionHandler, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		sessions: sessions,
		logger:   logger,
		status:   status,
	}
}

// RegisterRoutes registers all admin routes.
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin", func(r chi.Router) {
		r.Get("/machines/{machineID}/sessions", h.ListSessions)
		r.Post("/machines/{machineID}/cleanup", h.CleanupMachine)
		r.Get("/machines/{machineID}/counter", h.VerifyCounter)
		r.Post("/machines/{machineID}/reset-counter", h.ResetCounter)
		r.Delete("/sessions/{sessionID}", h.ForceDeleteSession)
	})
}

func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineID")

	sessions, err := h.sessions.ListSessions(r.Context(), machineID)
	if err != nil {
		h.status.respondWithError(w, h.status.getStatusCode(w, err), err, "Failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*models.VendingSession{}
	}
	h.status.respondWithJSON(w, http.StatusOK, successResponse(sessions, ""))
}

func (h *AdminHandler) CleanupMachine(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineID")

	cancelled, err := h.sessions.CleanupMachine(r.Context(), machineID)
	if err != nil {
		h.status.respondWithError(w, h.status.getStatusCode(w, err), err, "Failed to clean up machine")
		return
	}

	h.status.respondWithJSON(w, http.StatusOK, successResponse(
		map[string]int{"cancelled": cancelled}, "Machine cleaned up"))
	h.logger.Info("Machine sessions cleaned up",
		util.String("machine_id", machineID),
		util.Int("cancelled", cancelled))
}

// VerifyCounter reports drift between the in-memory counter and the
// session store without correcting it.
func (h *AdminHandler) VerifyCounter(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineID")

	report, err := h.sessions.VerifyCounter(r.Context(), machineID)
	if err != nil && report == nil {
		h.status.respondWithError(w, h.status.getStatusCode(w, err), err, "Failed to verify counter")
		return
	}
	if err != nil {
		// Drift detected: surface the report with the conflict status so
		// operators see the numbers, not just the error.
		h.status.respondWithJSON(w, http.StatusConflict, errorResponseWithData(err, report))
		return
	}
	h.status.respondWithJSON(w, http.StatusOK, successResponse(report, ""))
}

func (h *AdminHandler) ResetCounter(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineID")

	report, err := h.sessions.ResetCounter(r.Context(), machineID)
	if err != nil {
		h.status.respondWithError(w, h.status.getStatusCode(w, err), err, "Failed to reset counter")
		return
	}

	h.status.respondWithJSON(w, http.StatusOK, successResponse(report, "Counter reset"))
	h.logger.Warn("Machine counter reset by admin",
		util.String("machine_id", machineID),
		util.Int("drift", report.Drift))
}

func (h *AdminHandler) ForceDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.sessions.ForceDelete(r.Context(), sessionID); err != nil {
		h.status.respondWithError(w, h.status.getStatusCode(w, err), err, "Failed to delete session")
		return
	}
	h.status.respondWithJSON(w, http.StatusOK, successResponse(nil, "Session deleted"))
}

func errorResponseWithData(err error, data interface{}) Response {
	return Response{Success: false, Error: err.Error(), Data: data}
}
