package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/ingest"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/settlement"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/sweeper"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
)

func handleAdminAttack(logger *slog.Logger, svc *settlement.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req settlement.AttackRequest
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		res, err := svc.AttackTerritory(r.Context(), req)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, res)
		case errors.Is(err, ingest.ErrInvalidSchema):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, territory.ErrCannotAttackOwnTerritory),
			errors.Is(err, territory.ErrTileNotOwned),
			errors.Is(err, territory.ErrAlreadyAttackedToday),
			errors.Is(err, territory.ErrTerritoryInCooldown):
			writeError(w, http.StatusConflict, err.Error())
		default:
			logger.Error("admin attack", "tile", req.TileID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}
}

func handleAdminSweep(logger *slog.Logger, sw *sweeper.Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := sw.Run(r.Context())
		if err != nil {
			logger.Error("sweep", "error", err)
			writeError(w, http.StatusInternalServerError, "sweep failed")
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}
