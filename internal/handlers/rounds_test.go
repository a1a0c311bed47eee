package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena-control-backend/internal/config"
	"arena-control-backend/internal/handlers"
	"arena-control-backend/internal/middleware"
	"arena-control-backend/internal/models"
	"arena-control-backend/internal/observability"
	"arena-control-backend/internal/services"
)

type roundFixture struct {
	router *gin.Engine
	store  *services.RedisService
	mr     *miniredis.Miniredis
}

func newRoundFixture(t *testing.T) *roundFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := services.NewRedisServiceFromClient(client)
	require.NoError(t, store.SeedRoundConfig(context.Background(), &models.RoundConfig{
		RoundID:                          1,
		RewardItemAmountPerLegitPlayer:   1,
		RewardItemAmountMax:              20,
		RewardWinnerAmountPerLegitPlayer: 5,
		RewardWinnerAmountMax:            80,
		Drops:                            map[string]int64{models.DropGuardian: 1},
	}))

	engine := services.NewSettlementEngine(store, discardLogger(), observability.Discard())
	h := handlers.NewRoundHandler(engine, store, discardLogger())

	router := gin.New()
	rpc := router.Group("/rpc")
	rpc.Use(func(c *gin.Context) {
		if gsid := c.GetHeader("X-Test-Subject"); gsid != "" {
			c.Set(middleware.ContextSubject, gsid)
			c.Set(middleware.ContextRole, services.RoleGameServer)
		}
		c.Next()
	})
	{
		rpc.POST("/init", h.Init)
		rpc.POST("/configureRequest", h.Configure)
		rpc.POST("/checkpointRequest", h.Checkpoint)
		rpc.POST("/saveRoundRequest", h.SaveRound)
	}
	router.GET("/rounds/:roundId", h.RoundResults)
	router.GET("/config/drops", h.Drops)
	router.POST("/config/drops", h.SetDrop)

	return &roundFixture{router: router, store: store, mr: mr}
}

func (f *roundFixture) post(target string, body any, headers ...string) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *roundFixture) get(target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func clients(n int) []models.Client {
	out := make([]models.Client, n)
	for i := range out {
		out[i] = models.Client{ID: fmt.Sprintf("c%d", i), Address: fmt.Sprintf("addr-%d", i)}
	}
	return out
}

func TestInit(t *testing.T) {
	f := newRoundFixture(t)

	w := f.post("/rpc/init", models.InitRequest{GSID: "gs-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":1,"id":"gs-1"}`, w.Body.String())
	assert.True(t, f.mr.Exists("gs:gs-1:info"))

	w = f.post("/rpc/init", struct{}{}, "X-Test-Subject", "gs-token-subject")
	assert.JSONEq(t, `{"status":1,"id":"gs-token-subject"}`, w.Body.String())

	w = f.post("/rpc/init", struct{}{})
	var resp models.InitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.CallStatusSuccess, resp.Status)
	assert.NotEmpty(t, resp.ID)
}

func TestInitRenewsInstanceToken(t *testing.T) {
	f := newRoundFixture(t)

	jwtService, err := services.NewJWTService(&config.Config{
		JWTSecret:      "test-secret",
		JWTIssuer:      "arena-control",
		JWTTTL:         time.Hour,
		JWTInstanceTTL: 24 * time.Hour,
	})
	require.NoError(t, err)

	engine := services.NewSettlementEngine(f.store, discardLogger(), observability.Discard())
	h := handlers.NewRoundHandler(engine, f.store, discardLogger()).WithInstanceTokens(jwtService)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if gsid := c.GetHeader("X-Test-Subject"); gsid != "" {
			c.Set(middleware.ContextSubject, gsid)
			c.Set(middleware.ContextRole, services.RoleGameServer)
		}
		c.Next()
	})
	router.POST("/rpc/init", h.Init)

	callInit := func(body any, headers ...string) models.InitResponse {
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/rpc/init", strings.NewReader(string(raw)))
		req.Header.Set("Content-Type", "application/json")
		for i := 0; i+1 < len(headers); i += 2 {
			req.Header.Set(headers[i], headers[i+1])
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var resp models.InitResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	resp := callInit(struct{}{}, "X-Test-Subject", "gs-1")
	assert.Equal(t, "gs-1", resp.ID)
	require.NotEmpty(t, resp.Token)

	claims, err := jwtService.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "gs-1", claims.Subject)
	assert.Equal(t, services.RoleGameServer, claims.Role)

	// No token for another instance's id or for callers that are not game servers.
	resp = callInit(models.InitRequest{GSID: "gs-2"}, "X-Test-Subject", "gs-1")
	assert.Empty(t, resp.Token)
	resp = callInit(models.InitRequest{GSID: "gs-3"})
	assert.Empty(t, resp.Token)
}

func TestConfigureRequestCapsRewards(t *testing.T) {
	f := newRoundFixture(t)

	w := f.post("/rpc/configureRequest", models.ConfigureRequest{GSID: "gs-1", Clients: clients(20)})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.ConfigureResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.CallStatusSuccess, resp.Status)
	require.NotNil(t, resp.Config)
	assert.Equal(t, 80.0, resp.Config.RewardWinnerAmount)
	assert.Equal(t, 20.0, resp.Config.RewardItemAmount)
}

func TestConfigureRequestRequiresGSID(t *testing.T) {
	f := newRoundFixture(t)

	w := f.post("/rpc/configureRequest", models.ConfigureRequest{Clients: clients(2)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"status":0`)
}

func TestSaveRoundRequestIsIdempotent(t *testing.T) {
	f := newRoundFixture(t)

	f.post("/rpc/configureRequest", models.ConfigureRequest{GSID: "gs-1", Clients: clients(4)})

	save := models.SaveRoundRequest{
		GSID:        "gs-1",
		StartedDate: 1000,
		EndedAt:     5000,
		Players:     []models.Player{{ID: "p1"}, {ID: "p2"}},
		Winners:     []models.Player{{ID: "p1"}},
	}

	w := f.post("/rpc/saveRoundRequest", save)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":1,"roundId":2,"result":1}`, w.Body.String())

	w = f.post("/rpc/saveRoundRequest", save)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":1,"roundId":2,"result":1}`, w.Body.String())

	cfg, err := f.store.GetRoundConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), cfg.RoundID)

	w = f.get("/rounds/1")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Status  int                   `json:"status"`
		RoundID int64                 `json:"roundId"`
		Results []*models.RoundResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Results, 1)
	assert.Equal(t, 20.0, list.Results[0].RewardWinnerAmount)
	require.Len(t, list.Results[0].Winners, 1)
	assert.Equal(t, 20.0, list.Results[0].Winners[0].Amount)

	w = f.get("/rounds/1?gsid=gs-1")
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.get("/rounds/1?gsid=gs-404")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.get("/rounds/abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSaveRoundRequestRejectsBackwardsRound(t *testing.T) {
	f := newRoundFixture(t)

	w := f.post("/rpc/saveRoundRequest", models.SaveRoundRequest{GSID: "gs-1", StartedDate: 5000, EndedAt: 1000})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"status":0`)

	cfg, err := f.store.GetRoundConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), cfg.RoundID)
}

func TestSaveRoundRequestWithoutOpenRound(t *testing.T) {
	f := newRoundFixture(t)

	w := f.post("/rpc/saveRoundRequest", models.SaveRoundRequest{GSID: "gs-1", StartedDate: 1000, EndedAt: 2000})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"status":0`)

	cfg, err := f.store.GetRoundConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), cfg.RoundID)
}

func TestCheckpointRequest(t *testing.T) {
	f := newRoundFixture(t)

	checkpoint := models.CheckpointRequest{
		GSID:               "gs-1",
		RoundID:            1,
		Round:              models.RoundState{StartedAt: 100, Players: []models.Player{{ID: "p1"}}},
		RewardWinnerAmount: 25,
	}

	w := f.post("/rpc/checkpointRequest", checkpoint)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":1,"applied":true}`, w.Body.String())

	game, err := f.store.GetUnsavedGame(context.Background(), "gs-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 25.0, game.RewardWinnerAmount)

	f.post("/rpc/saveRoundRequest", models.SaveRoundRequest{GSID: "gs-1", RoundID: 1, StartedDate: 100, EndedAt: 200})

	w = f.post("/rpc/checkpointRequest", checkpoint)
	assert.JSONEq(t, `{"status":1,"applied":false}`, w.Body.String())
}

func TestDrops(t *testing.T) {
	f := newRoundFixture(t)

	w := f.post("/config/drops", models.DropRequest{Feature: models.DropTrinket, UnlockAt: 1 << 50})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.get("/config/drops")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Drops    map[string]int64 `json:"drops"`
		Unlocked map[string]bool  `json:"unlocked"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(1<<50), body.Drops[models.DropTrinket])
	assert.True(t, body.Unlocked[models.DropGuardian])
	assert.False(t, body.Unlocked[models.DropTrinket])

	w = f.post("/config/drops", map[string]any{"unlockAt": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
