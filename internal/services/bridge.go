package services

import (
	"context"
	"encoding/json"
	"log/slog"

	"arena-control-backend/internal/models"
)

// Forwarder receives audit records of successful calls.
type Forwarder interface {
	Forward(record models.ModRecord)
}

// CallBridge relays calls to the game server fleet and converts every
// failure into a status 0 response.
type CallBridge struct {
	fleet     Caller
	forwarder Forwarder
	logger    *slog.Logger
}

func NewCallBridge(fleet Caller, forwarder Forwarder, logger *slog.Logger) *CallBridge {
	return &CallBridge{
		fleet:     fleet,
		forwarder: forwarder,
		logger:    logger,
	}
}

// Call relays method to the connected game server and returns its
// response unmodified. A successful response also starts a ModRequest
// forward carrying params and the request body; the forward is started
// before Call returns but not awaited.
func (b *CallBridge) Call(ctx context.Context, method, signature string, data json.RawMessage, params map[string]string) *models.CallResponse {
	resp := b.relay(ctx, method, signature, data)
	if resp.OK() && b.forwarder != nil {
		b.forwarder.Forward(models.ModRecord{
			Method:    method,
			Params:    params,
			Body:      data,
			Signature: signature,
			Response:  resp.Data,
		})
	}
	return resp
}

func (b *CallBridge) ServerInfo(ctx context.Context) *models.CallResponse {
	return b.relay(ctx, models.MethodServerInfo, "", nil)
}

func (b *CallBridge) GetConfig(ctx context.Context) *models.CallResponse {
	return b.relay(ctx, models.MethodGetConfig, "", nil)
}

func (b *CallBridge) relay(ctx context.Context, method, signature string, data json.RawMessage) *models.CallResponse {
	resp, err := b.fleet.Call(ctx, method, signature, data)
	if err != nil {
		b.logger.Warn("bridge call failed", "method", method, "error", err)
		return models.FailedResponse(err)
	}
	if resp == nil {
		return models.FailedResponse(nil)
	}
	return resp
}
