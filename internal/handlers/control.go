package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"arena-control-backend/internal/models"
	"arena-control-backend/internal/services"
)

// Fleet is the lifecycle surface of services.Supervisor.
type Fleet interface {
	Start(ctx context.Context) error
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Stop(ctx context.Context) error
	Reboot(ctx context.Context) error
	Upgrade(ctx context.Context) error
	Clone(ctx context.Context) error
	Snapshot() []models.ProcessInfo
}

// Bridge is implemented by services.CallBridge.
type Bridge interface {
	Call(ctx context.Context, method, signature string, data json.RawMessage, params map[string]string) *models.CallResponse
	ServerInfo(ctx context.Context) *models.CallResponse
	GetConfig(ctx context.Context) *models.CallResponse
}

type ControlHandler struct {
	fleet       Fleet
	bridge      Bridge
	realm       services.Caller
	diagnostics *services.Diagnostics
	logger      *slog.Logger
}

func NewControlHandler(fleet Fleet, bridge Bridge, realm services.Caller, diagnostics *services.Diagnostics, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{
		fleet:       fleet,
		bridge:      bridge,
		realm:       realm,
		diagnostics: diagnostics,
		logger:      logger,
	}
}

func (h *ControlHandler) Start(c *gin.Context)     { h.lifecycle(c, "start", h.fleet.Start) }
func (h *ControlHandler) Connect(c *gin.Context)   { h.lifecycle(c, "connect", h.fleet.Connect) }
func (h *ControlHandler) Reconnect(c *gin.Context) { h.lifecycle(c, "reconnect", h.fleet.Reconnect) }
func (h *ControlHandler) Stop(c *gin.Context)      { h.lifecycle(c, "stop", h.fleet.Stop) }
func (h *ControlHandler) Reboot(c *gin.Context)    { h.lifecycle(c, "reboot", h.fleet.Reboot) }
func (h *ControlHandler) Upgrade(c *gin.Context)   { h.lifecycle(c, "upgrade", h.fleet.Upgrade) }
func (h *ControlHandler) Clone(c *gin.Context)     { h.lifecycle(c, "clone", h.fleet.Clone) }

// lifecycle runs op and reports it as a status body. The operation keeps
// running when the client goes away.
func (h *ControlHandler) lifecycle(c *gin.Context, op string, fn func(ctx context.Context) error) {
	if err := fn(context.WithoutCancel(c.Request.Context())); err != nil {
		c.JSON(http.StatusInternalServerError, models.StatusResponse{
			Status: models.CallStatusFailure,
			Error:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, models.StatusResponse{Status: models.CallStatusSuccess})
}

func (h *ControlHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    models.CallStatusSuccess,
		"instances": h.fleet.Snapshot(),
	})
}

// UpgradeRealm asks realm to run its own upgrade.
func (h *ControlHandler) UpgradeRealm(c *gin.Context) {
	resp, err := h.realm.Call(c.Request.Context(), models.MethodUpgrade, "", nil)
	if err != nil {
		h.logger.Warn("realm upgrade failed", "error", err)
		c.JSON(http.StatusBadGateway, models.StatusResponse{
			Status: models.CallStatusFailure,
			Error:  err.Error(),
		})
		return
	}
	if !resp.OK() {
		c.JSON(http.StatusBadGateway, models.StatusResponse{
			Status: models.CallStatusFailure,
			Error:  resp.Error,
		})
		return
	}

	c.JSON(http.StatusOK, models.StatusResponse{Status: models.CallStatusSuccess})
}

func (h *ControlHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, h.bridge.ServerInfo(c.Request.Context()))
}

func (h *ControlHandler) Config(c *gin.Context) {
	c.JSON(http.StatusOK, h.bridge.GetConfig(c.Request.Context()))
}

// Call relays :method to the fleet. Route and query parameters travel with
// the realm audit record.
func (h *ControlHandler) Call(c *gin.Context) {
	method := c.Param("method")

	var req models.CallRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, models.StatusResponse{
			Status: models.CallStatusFailure,
			Error:  "Invalid request: " + err.Error(),
		})
		return
	}

	params := make(map[string]string, len(c.Params)+len(c.Request.URL.Query()))
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	for _, param := range c.Params {
		params[param.Key] = param.Value
	}

	c.JSON(http.StatusOK, h.bridge.Call(c.Request.Context(), method, req.Signature, req.Data, params))
}

// Test runs the named diagnostic.
func (h *ControlHandler) Test(c *gin.Context) {
	name := c.Param("testName")

	result, ok, err := h.diagnostics.Run(c.Request.Context(), name)
	if !ok {
		c.JSON(http.StatusOK, models.StatusResponse{
			Status: models.CallStatusFailure,
			Error:  "unknown test " + name,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"status": models.CallStatusFailure,
			"error":  err.Error(),
			"result": result,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": models.CallStatusSuccess,
		"result": result,
	})
}

func Readiness(c *gin.Context) { c.String(http.StatusOK, "OK") }

func Liveness(c *gin.Context) { c.String(http.StatusOK, "OK") }
