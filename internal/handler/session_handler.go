package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vending-service/internal/limiter"
	"vending-service/internal/repository"
	"vending-service/internal/service"
	"vending-service/internal/util"
)

// SessionHandler handles kiosk-facing HTTP requests.
type SessionHandler struct {
	sessions   *service.SessionService
	reconciler *service.ReconcileService
	logger     *zap.Logger

	maxOrderPayload int64
}

func NewSessionHandler(sessions *service.SessionService, reconciler *service.ReconcileService, maxOrderPayload int, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:        sessions,
		reconciler:      reconciler,
		logger:          logger,
		maxOrderPayload: int64(maxOrderPayload),
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

// RegisterRoutes registers all kiosk routes.
func (h *SessionHandler) RegisterRoutes(router chi.Router) {
	router.Route("/vending", func(r chi.Router) {
		r.Post("/session", h.CreateSession)
		r.Get("/session/{sessionID}/status", h.GetStatus)
		r.Post("/session/{sessionID}/designing", h.ReportDesigning)
		r.Post("/session/{sessionID}/order-summary", h.SubmitOrderSummary)
		r.Post("/session/{sessionID}/cancel", h.CancelSession)
		r.Post("/session/{sessionID}/reconcile-payment", h.ReconcilePayment)
		r.Post("/payment-callback", h.PaymentCallback)
	})
}

// CreateSessionRequest is the kiosk session creation payload.
type CreateSessionRequest struct {
	MachineID string `json:"machine_id"`
}

func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	session, err := h.sessions.CreateSession(ctx, req.MachineID, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(w, err), err, "Failed to create session")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(
		map[string]string{"session_id": session.SessionID}, "Session created"))
	h.logger.Info("Session created via HTTP",
		util.String("session_id", session.SessionID),
		util.String("machine_id", session.MachineID),
		util.Duration("duration", time.Since(startTime)))
}

func (h *SessionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	view, err := h.sessions.GetStatus(r.Context(), sessionID, clientIP(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(w, err), err, "Failed to get session status")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(view, ""))
}

func (h *SessionHandler) ReportDesigning(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.sessions.ReportDesigning(r.Context(), sessionID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(w, err), err, "Failed to record design activity")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(session.View(), ""))
}

func (h *SessionHandler) SubmitOrderSummary(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	payload, err := io.ReadAll(io.LimitReader(r.Body, h.maxOrderPayload+1))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Failed to read order payload")
		return
	}

	session, err := h.sessions.SubmitOrderSummary(r.Context(), sessionID, payload)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(w, err), err, "Failed to accept order summary")
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, successResponse(session.View(), "Order summary accepted"))
}

func (h *SessionHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.sessions.Cancel(r.Context(), sessionID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(w, err), err, "Failed to cancel session")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(session.View(), "Session cancelled"))
}

// ReconcilePayment triggers the manufacturer handshake for a session.
// Internal endpoint; the kiosk frontend calls it once payment is taken.
func (h *SessionHandler) ReconcilePayment(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	startTime := time.Now()

	session, err := h.reconciler.Reconcile(r.Context(), sessionID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(w, err), err, "Payment reconciliation failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(session.View(), "Payment reconciled"))
	h.logger.Info("Payment reconciled via HTTP",
		util.String("session_id", sessionID),
		util.Duration("duration", time.Since(startTime)))
}

// PaymentCallbackRequest is the inbound manufacturer confirmation.
type PaymentCallbackRequest struct {
	ThirdID   string `json:"third_id"`
	PaymentID string `json:"id"`
	Status    string `json:"status"`
}

// PaymentCallback accepts the manufacturer's asynchronous payment
// confirmation. It is authoritative and may complete a session the
// outbound flow already gave up on.
func (h *SessionHandler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req PaymentCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid callback body")
		return
	}
	if req.ThirdID == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("missing third_id"), "Invalid callback body")
		return
	}

	session, err := h.reconciler.HandleCallback(r.Context(), req.ThirdID, req.PaymentID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(w, err), err, "Failed to apply payment callback")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(session.View(), "Callback applied"))
	h.logger.Info("Manufacturer callback applied",
		util.String("third_id", req.ThirdID),
		util.String("session_id", session.SessionID))
}

// Helper Methods

func (h *SessionHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *SessionHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message))
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode maps service errors onto HTTP statuses. Rate-limit
// rejections also set Retry-After so the kiosk backs off correctly.
func (h *SessionHandler) getStatusCode(w http.ResponseWriter, err error) int {
	var rateLimited *limiter.RateLimitedError
	var blocked *limiter.BlockedError
	var reconFailure *service.ReconciliationFailure

	switch {
	case errors.As(err, &rateLimited):
		setRetryAfter(w, rateLimited.RetryAfter)
		return http.StatusTooManyRequests
	case errors.As(err, &blocked):
		setRetryAfter(w, blocked.RetryAfter)
		return http.StatusTooManyRequests
	case errors.As(err, &reconFailure):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrMachineSessionLimit):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrCounterDrift):
		return http.StatusConflict
	case errors.Is(err, service.ErrSessionExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// clientIP extracts the caller address; RealIP middleware has already
// resolved proxies into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
