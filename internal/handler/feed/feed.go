// Package feed streams every ownership change over a websocket.
package feed

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/events"
)

type Handler struct {
	broker *events.Broker
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger, broker *events.Broker) *Handler {
	return &Handler{broker: broker, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/feed", h.feed)
	return r
}

func (h *Handler) feed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ch := h.broker.Subscribe(events.AllTopic)
	defer h.broker.Unsubscribe(events.AllTopic, ch)

	// The feed is write-only; CloseRead handles pings and notices the
	// client going away.
	ctx := conn.CloseRead(r.Context())

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("websocket feed ended", "error", ctx.Err())
			return
		case data := <-ch:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				h.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
