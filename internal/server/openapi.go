package server

import (
	"encoding/json"
	"net/http"

	openapi "github.com/swaggest/openapi-go"
	"github.com/swaggest/openapi-go/openapi3"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/settlement"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/sweeper"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
)

// ErrorResponse is returned for all error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

type userHeader struct {
	UserID string `header:"X-User-ID" required:"true"`
}

type adminHeader struct {
	AdminKey string `header:"X-Admin-Key" required:"true"`
}

type submitRunInput struct {
	userHeader
	IdempotencyKey string `header:"Idempotency-Key"`
	SubmitRunRequest
}

type attackInput struct {
	adminHeader
	settlement.AttackRequest
}

type tileInput struct {
	TileID string `path:"tileID"`
}

type userInput struct {
	UserID string `path:"userID"`
}

type eventsInput struct {
	User string `query:"user" required:"true"`
}

func newOpenAPISpec() *openapi3.Spec {
	r := openapi3.NewReflector()
	r.Spec.Info.Title = "City Lord Territory API"
	r.Spec.Info.Version = "0.1.0"
	r.Spec.Info.WithDescription("Territory capture, contest and decay engine.")

	// GET /healthz
	getHealthz, _ := r.NewOperationContext(http.MethodGet, "/healthz")
	getHealthz.SetSummary("Health check")
	getHealthz.SetDescription("Reports the status and latency of the store and cache.")
	getHealthz.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusOK))
	getHealthz.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusServiceUnavailable))
	_ = r.AddOperation(getHealthz)

	// GET /ws/feed
	getFeed, _ := r.NewOperationContext(http.MethodGet, "/ws/feed")
	getFeed.SetSummary("Ownership feed")
	getFeed.SetDescription("Upgrades to a WebSocket that streams every ownership change as JSON.")
	getFeed.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusSwitchingProtocols),
		openapi.WithContentType("text/plain"))
	_ = r.AddOperation(getFeed)

	// POST /api/runs
	postRun, _ := r.NewOperationContext(http.MethodPost, "/api/runs")
	postRun.SetSummary("Submit run")
	postRun.SetDescription("Validates a GPS track and settles the tiles it captures or attacks. " +
		"Resubmitting the same idempotency key returns the stored result.")
	postRun.AddReqStructure(submitRunInput{})
	postRun.AddRespStructure(settlement.Result{}, openapi.WithHTTPStatus(http.StatusOK))
	postRun.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
	postRun.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	postRun.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusTooManyRequests))
	_ = r.AddOperation(postRun)

	// GET /api/tiles/{tileID}
	getTile, _ := r.NewOperationContext(http.MethodGet, "/api/tiles/{tileID}")
	getTile.SetSummary("Get tile")
	getTile.SetDescription("Returns a tile's state, boundary and hot zone status. Unknown tiles are neutral.")
	getTile.AddReqStructure(tileInput{})
	getTile.AddRespStructure(TileResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	getTile.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
	_ = r.AddOperation(getTile)

	// GET /api/users/{userID}/tiles
	getUserTiles, _ := r.NewOperationContext(http.MethodGet, "/api/users/{userID}/tiles")
	getUserTiles.SetSummary("List user tiles")
	getUserTiles.AddReqStructure(userInput{})
	getUserTiles.AddRespStructure(UserTilesResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(getUserTiles)

	// GET /api/users/{userID}/score
	getUserScore, _ := r.NewOperationContext(http.MethodGet, "/api/users/{userID}/score")
	getUserScore.SetSummary("Get user score")
	getUserScore.AddReqStructure(userInput{})
	getUserScore.AddRespStructure(UserScoreResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(getUserScore)

	// GET /api/factions
	getFactions, _ := r.NewOperationContext(http.MethodGet, "/api/factions")
	getFactions.SetSummary("Faction snapshot")
	getFactions.SetDescription("Returns the owned area per faction as of the last sweep.")
	getFactions.AddRespStructure(citylord.FactionSnapshot{}, openapi.WithHTTPStatus(http.StatusOK))
	getFactions.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	_ = r.AddOperation(getFactions)

	// GET /api/events
	getEvents, _ := r.NewOperationContext(http.MethodGet, "/api/events")
	getEvents.SetSummary("SSE event stream")
	getEvents.SetDescription("Server-Sent Events stream of ownership changes involving the user.")
	getEvents.AddReqStructure(eventsInput{})
	getEvents.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusOK),
		openapi.WithContentType("text/event-stream"))
	getEvents.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
	_ = r.AddOperation(getEvents)

	// POST /api/admin/attack
	postAttack, _ := r.NewOperationContext(http.MethodPost, "/api/admin/attack")
	postAttack.SetSummary("Debug attack")
	postAttack.SetDescription("Damages a tile directly. Only mounted when ENABLE_DEBUG_ATTACK is set.")
	postAttack.AddReqStructure(attackInput{})
	postAttack.AddRespStructure(territory.DamageResult{}, openapi.WithHTTPStatus(http.StatusOK))
	postAttack.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
	postAttack.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	postAttack.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusConflict))
	_ = r.AddOperation(postAttack)

	// POST /api/admin/sweep
	postSweep, _ := r.NewOperationContext(http.MethodPost, "/api/admin/sweep")
	postSweep.SetSummary("Run sweep")
	postSweep.SetDescription("Prunes history, decays neglected tiles, lifts expired cooldowns and refreshes the faction snapshot.")
	postSweep.AddReqStructure(adminHeader{})
	postSweep.AddRespStructure(sweeper.Report{}, openapi.WithHTTPStatus(http.StatusOK))
	postSweep.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	postSweep.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusForbidden))
	_ = r.AddOperation(postSweep)

	return r.Spec
}

func handleOpenAPI() http.HandlerFunc {
	spec := newOpenAPISpec()
	data, _ := json.MarshalIndent(spec, "", "  ")

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}
