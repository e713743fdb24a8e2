package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/ingest"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/settlement"
)

type RunSummary struct {
	TotalDistance float64   `json:"totalDistance"`
	TotalSteps    int       `json:"totalSteps"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime"`
}

type SubmitRunRequest struct {
	IdempotencyKey string                `json:"idempotencyKey"`
	Points         []citylord.TrackPoint `json:"points"`
	Summary        RunSummary            `json:"summary"`
	SourceApp      string                `json:"sourceApp,omitempty"`
	Faction        citylord.Faction      `json:"faction,omitempty"`
}

func (req SubmitRunRequest) submission() citylord.RunSubmission {
	sub := citylord.RunSubmission{
		Points:         req.Points,
		DistanceMeters: req.Summary.TotalDistance,
		TotalSteps:     req.Summary.TotalSteps,
		Timestamp:      req.Summary.StartTime,
		SourceApp:      req.SourceApp,
		Faction:        req.Faction,
	}
	if s, e := req.Summary.StartTime, req.Summary.EndTime; !s.IsZero() && e.After(s) {
		sub.DurationSeconds = int(e.Sub(s).Seconds())
	}
	return sub
}

func handleSubmitRun(logger *slog.Logger, svc *settlement.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRunRequest
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			key = strings.TrimSpace(req.IdempotencyKey)
		}
		if !req.Faction.Valid() {
			writeError(w, http.StatusBadRequest, "faction must be red or blue")
			return
		}

		userID := userFrom(r)
		res, err := svc.SettleRun(r.Context(), userID, req.submission(), key)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, res)
		case errors.Is(err, ingest.ErrInvalidSchema),
			errors.Is(err, ingest.ErrTooFewPoints),
			errors.Is(err, settlement.ErrMissingIdempotencyKey):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, settlement.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			logger.Error("settling run", "user", userID, "key", key, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}
}
