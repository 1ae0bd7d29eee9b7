package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/auth"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/models"
)

// PortalApp defines what the service layer needs from the portal application
type PortalApp interface {
	ListTeamChallenges(ctx context.Context, teamID string) ([]models.Challenge, error)
	Submit(ctx context.Context, teamID string, req models.SubmissionRequest) (*models.SubmissionResponse, error)
	StartWorkshop(ctx context.Context, startedBy string) (bool, error)
}

// Service exposes the portal over HTTP+JSON
type Service struct {
	app PortalApp
}

// NewService creates a new portal HTTP service
func NewService(app PortalApp) *Service {
	return &Service{app: app}
}

// Register mounts the API on mux behind bearer authentication.
func (s *Service) Register(mux *http.ServeMux, verifier auth.Verifier) {
	authed := auth.Middleware(verifier)
	mux.Handle("GET /api/challenges", authed(http.HandlerFunc(s.ListChallenges)))
	mux.Handle("POST /api/challenges/submit", authed(http.HandlerFunc(s.SubmitFlag)))
	mux.Handle("POST /api/workshop/start", authed(http.HandlerFunc(s.StartWorkshop)))
}

// ListChallenges returns the caller's challenge collection
func (s *Service) ListChallenges(w http.ResponseWriter, r *http.Request) {
	claims, ok := teamClaims(w, r)
	if !ok {
		return
	}

	challenges, err := s.app.ListTeamChallenges(r.Context(), claims.Team)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, challenges)
}

// SubmitFlag checks a flag for the caller's team
func (s *Service) SubmitFlag(w http.ResponseWriter, r *http.Request) {
	claims, ok := teamClaims(w, r)
	if !ok {
		return
	}

	var req models.SubmissionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "malformed submission"})
		return
	}

	resp, err := s.app.Submit(r.Context(), claims.Team, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// StartWorkshop is the administrative start trigger
func (s *Service) StartWorkshop(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok || !claims.Admin {
		writeError(w, r, ErrForbidden)
		return
	}

	startedBy := claims.Subject
	if startedBy == "" {
		startedBy = "admin"
	}

	started, err := s.app.StartWorkshop(r.Context(), startedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.WorkshopStartResponse{Started: started})
}

func teamClaims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok || claims.Team == "" {
		writeJSON(w, http.StatusForbidden, models.ErrorResponse{Error: "credential carries no team"})
		return nil, false
	}
	return claims, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var notActive *NotActiveError
	switch {
	case errors.As(err, &notActive):
		record := notActive.Challenge
		writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: err.Error(), Challenge: &record})
	case errors.Is(err, ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrEmptySubmission):
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrForbidden):
		writeJSON(w, http.StatusForbidden, models.ErrorResponse{Error: err.Error()})
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}
