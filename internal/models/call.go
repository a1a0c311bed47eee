package models

import "encoding/json"

// CallStatus is the status code every bridged response carries.
type CallStatus int

const (
	CallStatusFailure CallStatus = 0
	CallStatusSuccess CallStatus = 1
)

// Bridged methods with a fixed meaning on the backend side.
const (
	MethodServerInfo = "ServerInfoRequest"
	MethodGetConfig  = "GetConfigRequest"
	MethodMod        = "ModRequest"
	MethodUpgrade    = "UpgradeRequest"
	MethodBroadcast  = "BroadcastRequest"
)

// CallEnvelope is one request frame on the bridge.
type CallEnvelope struct {
	ID        string          `json:"id"`
	Method    string          `json:"method"`
	Signature string          `json:"signature,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CallResponse is the reply frame matched to a CallEnvelope by ID.
type CallResponse struct {
	ID     string          `json:"id,omitempty"`
	Status CallStatus      `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (r *CallResponse) OK() bool {
	return r != nil && r.Status == CallStatusSuccess
}

// FailedResponse converts err into the response shape callers expect.
func FailedResponse(err error) *CallResponse {
	resp := &CallResponse{Status: CallStatusFailure}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// CallRequest is the HTTP body of the generic call route.
type CallRequest struct {
	Signature string          `json:"signature,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ModRecord is the audit record forwarded to realm after a successful call.
type ModRecord struct {
	Method      string            `json:"method"`
	Params      map[string]string `json:"params"`
	Body        json.RawMessage   `json:"body,omitempty"`
	Signature   string            `json:"signature,omitempty"`
	Response    json.RawMessage   `json:"response,omitempty"`
	ForwardedAt int64             `json:"forwardedAt"`
}

type BroadcastNotice struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	At      int64  `json:"at"`
}
