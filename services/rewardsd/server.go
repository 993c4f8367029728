package rewardsd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"surveyrewards/core/ledger"
	"surveyrewards/observability"
)

// Server exposes the reward ledger over HTTP.
type Server struct {
	engine  *ledger.Engine
	auth    *Authenticator
	limiter *ClaimLimiter
	hub     *Hub
	queue   *EventQueue
	store   *Store
	logger  *slog.Logger
	metrics *observability.RewardsMetrics
}

// ServerOptions carries the collaborators for NewServer.
type ServerOptions struct {
	Engine  *ledger.Engine
	Auth    *Authenticator
	Limiter *ClaimLimiter
	Hub     *Hub
	Queue   *EventQueue
	Store   *Store
	Logger  *slog.Logger
}

// NewServer validates the options and constructs a Server.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if opts.Auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewClaimLimiter(60, 10)
	}
	return &Server{
		engine:  opts.Engine,
		auth:    opts.Auth,
		limiter: limiter,
		hub:     opts.Hub,
		queue:   opts.Queue,
		store:   opts.Store,
		logger:  logger,
		metrics: observability.Rewards(),
	}, nil
}

// Router assembles the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(httpMetricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		r.Get("/ws/events", s.hub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireAdmin)
			r.Post("/rewardToken", s.handleSetRewardToken)
			r.Post("/surveys", s.handleCreateSurvey)
			r.Post("/surveys/{surveyID}/status", s.handleToggleStatus)
			r.Post("/withdraw", s.handleWithdraw)
			r.Get("/audit", s.handleAuditTrail)
		})

		r.Get("/rewardToken", s.handleGetRewardToken)
		r.Get("/surveys/{surveyID}", s.handleGetSurvey)
		r.Get("/surveys/{surveyID}/participation/{userID}", s.handleParticipation)
		r.Get("/events/recent", s.handleRecentEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/surveys/{surveyID}/claim", s.handleClaim)
		})
	})

	return r
}

func httpMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		observability.HTTP().Observe(route, ww.Status(), time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setRewardTokenRequest struct {
	Token string `json:"tokenId"`
}

func (s *Server) handleSetRewardToken(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	var req setRewardTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.engine.SetRewardToken(identity.Subject, req.Token); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.audit(r, identity.Subject, "set_reward_token", req.Token)
	writeJSON(w, http.StatusOK, map[string]string{"tokenId": req.Token})
}

func (s *Server) handleGetRewardToken(w http.ResponseWriter, r *http.Request) {
	token, ok := s.engine.RewardToken()
	if !ok {
		writeError(w, http.StatusNotFound, "not_configured", "reward token not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tokenId": token})
}

type createSurveyRequest struct {
	RewardAmount string `json:"rewardAmount"`
}

type surveyResponse struct {
	ID           uint64 `json:"surveyId"`
	RewardAmount string `json:"rewardAmount"`
	Active       bool   `json:"active"`
	CreatedAt    int64  `json:"createdAt"`
	Participants uint64 `json:"participants"`
}

func surveyToResponse(s *ledger.Survey) surveyResponse {
	amount := "0"
	if s.RewardAmount != nil {
		amount = s.RewardAmount.String()
	}
	return surveyResponse{
		ID:           s.ID,
		RewardAmount: amount,
		Active:       s.Active,
		CreatedAt:    s.CreatedAt,
		Participants: s.Participants,
	}
}

func (s *Server) handleCreateSurvey(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	var req createSurveyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reward, ok := new(big.Int).SetString(req.RewardAmount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_argument", "rewardAmount must be a decimal integer")
		return
	}
	survey, err := s.engine.CreateSurvey(identity.Subject, reward)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.audit(r, identity.Subject, "create_survey", strconv.FormatUint(survey.ID, 10))
	writeJSON(w, http.StatusOK, surveyToResponse(survey))
}

func (s *Server) handleGetSurvey(w http.ResponseWriter, r *http.Request) {
	surveyID, err := parseSurveyID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	survey, ok := s.engine.Survey(surveyID)
	if !ok {
		writeError(w, http.StatusNotFound, "survey_not_found", "unknown survey")
		return
	}
	writeJSON(w, http.StatusOK, surveyToResponse(survey))
}

type toggleStatusRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleToggleStatus(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	surveyID, err := parseSurveyID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	var req toggleStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.engine.ToggleSurveyStatus(identity.Subject, surveyID, req.Active); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	survey, _ := s.engine.Survey(surveyID)
	s.audit(r, identity.Subject, "toggle_survey_status",
		fmt.Sprintf("survey=%d active=%t", surveyID, req.Active))
	writeJSON(w, http.StatusOK, surveyToResponse(survey))
}

type claimRequest struct {
	UserID        string `json:"userId"`
	ResponseProof string `json:"responseProof"`
}

type claimResponse struct {
	SurveyID    uint64 `json:"surveyId"`
	UserID      string `json:"userId"`
	Amount      string `json:"amount"`
	TxRef       string `json:"txRef,omitempty"`
	ProofDigest string `json:"proofDigest"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	surveyID, err := parseSurveyID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	result, err := s.engine.SubmitAndClaim(r.Context(), surveyID, req.UserID, req.ResponseProof)
	if err != nil {
		s.metrics.ObserveClaim(claimOutcome(err), time.Since(start))
		if errors.Is(err, ledger.ErrTransferFailed) {
			s.metrics.ObserveTransferFailure()
		}
		s.writeLedgerError(w, err)
		return
	}
	s.metrics.ObserveClaim("success", time.Since(start))
	writeJSON(w, http.StatusOK, claimResponse{
		SurveyID:    result.SurveyID,
		UserID:      result.UserID,
		Amount:      result.Amount.String(),
		TxRef:       result.TxRef,
		ProofDigest: fmt.Sprintf("%x", result.ProofDigest),
	})
}

func (s *Server) handleParticipation(w http.ResponseWriter, r *http.Request) {
	surveyID, err := parseSurveyID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	userID := chi.URLParam(r, "userID")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"surveyId":        surveyID,
		"userId":          userID,
		"hasParticipated": s.engine.HasParticipated(surveyID, userID),
	})
}

type withdrawRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_argument", "amount must be a decimal integer")
		return
	}
	txRef, err := s.engine.WithdrawRemaining(r.Context(), identity.Subject, amount)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.audit(r, identity.Subject, "withdraw", req.Amount)
	writeJSON(w, http.StatusOK, map[string]string{"txRef": txRef})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeJSON(w, http.StatusOK, []LedgerEvent{})
		return
	}
	writeJSON(w, http.StatusOK, s.queue.Recent())
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []AuditLog{})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	entries, err := s.store.AuditTrail(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "audit trail unavailable")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) audit(r *http.Request, actor, action, detail string) {
	if s.store == nil {
		return
	}
	if err := s.store.RecordAudit(r.Context(), actor, action, detail); err != nil {
		s.logger.Error("record audit entry", "action", action, "error", err)
	}
}

// writeLedgerError maps engine sentinels onto HTTP statuses with a stable
// machine-readable code.
func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidArgument), errors.Is(err, ledger.ErrInvalidConfiguration):
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, ledger.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, ledger.ErrSurveyNotFound):
		writeError(w, http.StatusNotFound, "survey_not_found", err.Error())
	case errors.Is(err, ledger.ErrSurveyInactive):
		writeError(w, http.StatusForbidden, "survey_inactive", err.Error())
	case errors.Is(err, ledger.ErrAlreadyParticipated):
		writeError(w, http.StatusConflict, "already_participated", err.Error())
	case errors.Is(err, ledger.ErrNotConfigured):
		writeError(w, http.StatusConflict, "not_configured", err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient_funds", err.Error())
	case errors.Is(err, ledger.ErrTransferFailed):
		writeError(w, http.StatusBadGateway, "transfer_failed", err.Error())
	default:
		s.logger.Error("unexpected ledger error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func claimOutcome(err error) string {
	switch {
	case errors.Is(err, ledger.ErrAlreadyParticipated):
		return "already_participated"
	case errors.Is(err, ledger.ErrSurveyInactive):
		return "survey_inactive"
	case errors.Is(err, ledger.ErrSurveyNotFound):
		return "survey_not_found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ledger.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ledger.ErrNotConfigured):
		return "not_configured"
	default:
		return "error"
	}
}

func parseSurveyID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "surveyID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("survey id must be a non-negative integer")
	}
	return id, nil
}

func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
