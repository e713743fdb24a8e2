package server

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/swaggest/swgui/v5emb"
)

func addRoutes(r chi.Router, logger *slog.Logger, d Deps) {
	r.Get("/openapi.json", handleOpenAPI())
	r.Mount("/docs", v5emb.New("City Lord Territory API", "/openapi.json", "/docs"))

	r.Route("/api", func(r chi.Router) {
		r.Use(rateLimitMiddleware(d.RatePerSec, d.Burst))

		r.With(userMiddleware).Post("/runs", handleSubmitRun(logger, d.Settlement))
		r.Get("/tiles/{tileID}", handleGetTile(logger, d.Territory, d.Index, d.HotZones))
		r.Get("/users/{userID}/tiles", handleUserTiles(logger, d.Territory))
		r.Get("/users/{userID}/score", handleUserScore(logger, d.Territory))
		r.Get("/factions", handleFactions(logger, d.Sweeper))
		r.Get("/events", handleEvents(d.Broker))

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminKeyMiddleware(d.AdminKeyHash))
			if d.EnableDebugAttack {
				r.Post("/attack", handleAdminAttack(logger, d.Settlement))
			}
			r.Post("/sweep", handleAdminSweep(logger, d.Sweeper))
		})
	})
}
