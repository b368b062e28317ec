package rpc

import (
	"bytes"
	"encoding/json"

	"github.com/parallel-codex/pcodex/internal/errors"
)

// Version is the JSON-RPC protocol version carried on every frame.
const Version = "2.0"

// ErrorObject is the JSON-RPC error member of an error response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Frame is the closed set of inbound message shapes: Response,
// ErrorResponse, or Notification. Lines that parse as JSON but match none
// of these shapes are reported as malformed by DecodeFrame.
type Frame interface{ frame() }

// Response is a successful reply correlated to a request by id.
type Response struct {
	ID     int64
	Result json.RawMessage
}

// ErrorResponse is a failed reply correlated to a request by id.
type ErrorResponse struct {
	ID  int64
	Err ErrorObject
}

// Notification is a server-initiated message with no reply expected.
// Some servers include an id for correlation; classification is based on
// the absence of result/error rather than the absence of id.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (Response) frame()      {}
func (ErrorResponse) frame() {}
func (Notification) frame()  {}

// envelope is the superset of all inbound frame fields.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *ErrorObject    `json:"error"`
}

// DecodeFrame parses one line into a Frame. It returns an error for lines
// that are not JSON or that lack the minimum JSON-RPC shape: an id plus
// either result or error, or a method for notifications.
func DecodeFrame(line []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, errors.Wrap(err, "invalid JSON frame")
	}

	if env.Method != "" && env.Result == nil && env.Error == nil {
		return Notification{Method: env.Method, Params: env.Params}, nil
	}
	if env.ID != nil && env.Error != nil {
		return ErrorResponse{ID: *env.ID, Err: *env.Error}, nil
	}
	if env.ID != nil && env.Result != nil {
		return Response{ID: *env.ID, Result: env.Result}, nil
	}
	return nil, errors.New("frame lacks minimum JSON-RPC shape")
}

// request is the outbound wire shape for requests and notifications.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// encodeRequest serializes a request frame. encoding/json escapes embedded
// newlines, so the result is always a single line.
func encodeRequest(id int64, method string, params any) ([]byte, error) {
	b, err := json.Marshal(request{JSONRPC: Version, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode request %s", method)
	}
	return b, nil
}

// encodeNotification serializes a notification frame (no id).
func encodeNotification(method string, params any) ([]byte, error) {
	b, err := json.Marshal(request{JSONRPC: Version, Method: method, Params: params})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode notification %s", method)
	}
	return b, nil
}

// notificationPayload returns the effective payload object of a
// notification. Codex wraps event fields in a nested "msg" object for some
// notification kinds; when present, that object is the payload.
func (n Notification) payload() map[string]json.RawMessage {
	var params map[string]json.RawMessage
	if err := json.Unmarshal(n.Params, &params); err != nil || params == nil {
		return nil
	}
	if raw, ok := params["msg"]; ok && len(raw) > 0 && raw[0] == '{' {
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(raw, &msg); err == nil {
			return msg
		}
	}
	return params
}

// RelatedRequestID extracts the request id this notification refers to,
// checking params._meta.requestId, then related_request_id / request_id at
// the top level and inside the nested msg object.
func (n Notification) RelatedRequestID() (int64, bool) {
	var params map[string]json.RawMessage
	if err := json.Unmarshal(n.Params, &params); err != nil || params == nil {
		return 0, false
	}

	if raw, ok := params["_meta"]; ok {
		var meta map[string]json.RawMessage
		if err := json.Unmarshal(raw, &meta); err == nil {
			if id, ok := decodeID(meta["requestId"]); ok {
				return id, true
			}
		}
	}

	scopes := []map[string]json.RawMessage{params, n.payload()}
	for _, scope := range scopes {
		for _, key := range []string{"related_request_id", "request_id"} {
			if id, ok := decodeID(scope[key]); ok {
				return id, true
			}
		}
	}
	return 0, false
}

// decodeID parses a request id that may appear on the wire as either a
// JSON number or a numeric string.
func decodeID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var num json.Number
	if err := json.Unmarshal(bytes.TrimSpace(raw), &num); err == nil {
		if id, err := num.Int64(); err == nil {
			return id, true
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		var num2 json.Number = json.Number(s)
		if id, err := num2.Int64(); err == nil {
			return id, true
		}
	}
	return 0, false
}

// RawPayload returns the effective payload bytes: the nested msg object
// when present, otherwise params.
func (n Notification) RawPayload() json.RawMessage {
	var params map[string]json.RawMessage
	if err := json.Unmarshal(n.Params, &params); err != nil || params == nil {
		return n.Params
	}
	if raw, ok := params["msg"]; ok && len(raw) > 0 && raw[0] == '{' {
		return raw
	}
	return n.Params
}

// EventType returns the agent event type of the notification payload, if
// present. Codex carries it as the "type" field of the nested msg object.
func (n Notification) EventType() string {
	payload := n.payload()
	raw, ok := payload["type"]
	if !ok {
		return ""
	}
	var t string
	if err := json.Unmarshal(raw, &t); err != nil {
		return ""
	}
	return t
}

// SessionID extracts the agent-side session id from the notification
// payload, if present.
func (n Notification) SessionID() (string, bool) {
	payload := n.payload()
	raw, ok := payload["session_id"]
	if !ok {
		return "", false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return "", false
	}
	return id, true
}
