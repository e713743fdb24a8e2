package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/hotzone"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/sweeper"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/tile"
)

type TileResponse struct {
	citylord.Tile
	Boundary citylord.Ring   `json:"boundary"`
	Center   citylord.LatLng `json:"center"`
	HotZone  *hotzone.Status `json:"hotZone,omitempty"`
}

type UserTilesResponse struct {
	UserID string          `json:"userId"`
	Count  int             `json:"count"`
	Tiles  []citylord.Tile `json:"tiles"`
}

type UserScoreResponse struct {
	UserID string  `json:"userId"`
	Score  float64 `json:"score"`
}

func handleGetTile(logger *slog.Logger, store *territory.Store, index *tile.Index, hot HotZones) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "tileID")
		boundary, err := index.TileToBoundary(id)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid tile id")
			return
		}
		center, _ := index.Grid().TileCenter(id)

		t, err := store.GetTile(r.Context(), id)
		if err != nil {
			logger.Error("loading tile", "tile", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		resp := TileResponse{Tile: t, Boundary: boundary, Center: center}
		if st, err := hot.IsHotZone(r.Context(), id); err != nil {
			logger.Warn("hot zone lookup failed", "tile", id, "error", err)
		} else {
			resp.HotZone = &st
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleUserTiles(logger *slog.Logger, store *territory.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		tiles, err := store.ListOwnedBy(r.Context(), userID)
		if err != nil {
			logger.Error("listing user tiles", "user", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if tiles == nil {
			tiles = []citylord.Tile{}
		}
		writeJSON(w, http.StatusOK, UserTilesResponse{UserID: userID, Count: len(tiles), Tiles: tiles})
	}
}

func handleUserScore(logger *slog.Logger, store *territory.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		score, err := store.UserScore(r.Context(), userID)
		if err != nil {
			logger.Error("loading user score", "user", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, UserScoreResponse{UserID: userID, Score: score})
	}
}

func handleFactions(logger *slog.Logger, sw *sweeper.Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := sw.FactionSnapshot(r.Context())
		if errors.Is(err, territory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no faction snapshot yet")
			return
		}
		if err != nil {
			logger.Error("loading faction snapshot", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}
