package rpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    any
		wantErr bool
	}{
		{
			name: "response",
			line: `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`,
			want: Response{ID: 7, Result: json.RawMessage(`{"ok":true}`)},
		},
		{
			name: "error response",
			line: `{"jsonrpc":"2.0","id":3,"error":{"code":-32600,"message":"bad"}}`,
			want: ErrorResponse{ID: 3, Err: ErrorObject{Code: -32600, Message: "bad"}},
		},
		{
			name: "notification",
			line: `{"jsonrpc":"2.0","method":"codex/event","params":{"a":1}}`,
			want: Notification{Method: "codex/event", Params: json.RawMessage(`{"a":1}`)},
		},
		{
			name: "notification with id still classifies as notification",
			line: `{"jsonrpc":"2.0","id":9,"method":"codex/event","params":{}}`,
			want: Notification{Method: "codex/event", Params: json.RawMessage(`{}`)},
		},
		{
			name:    "not json",
			line:    `hello`,
			wantErr: true,
		},
		{
			name:    "shapeless object",
			line:    `{"jsonrpc":"2.0"}`,
			wantErr: true,
		},
		{
			name:    "result without id",
			line:    `{"jsonrpc":"2.0","result":{}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFrame([]byte(tt.line))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %#v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}

			switch want := tt.want.(type) {
			case Response:
				resp, ok := got.(Response)
				if !ok {
					t.Fatalf("got %T, want Response", got)
				}
				if resp.ID != want.ID || string(resp.Result) != string(want.Result) {
					t.Errorf("got %+v, want %+v", resp, want)
				}
			case ErrorResponse:
				resp, ok := got.(ErrorResponse)
				if !ok {
					t.Fatalf("got %T, want ErrorResponse", got)
				}
				if resp.ID != want.ID || resp.Err.Code != want.Err.Code || resp.Err.Message != want.Err.Message {
					t.Errorf("got %+v, want %+v", resp, want)
				}
			case Notification:
				n, ok := got.(Notification)
				if !ok {
					t.Fatalf("got %T, want Notification", got)
				}
				if n.Method != want.Method || string(n.Params) != string(want.Params) {
					t.Errorf("got %+v, want %+v", n, want)
				}
			}
		})
	}
}

func TestEncodeRequestIsSingleLine(t *testing.T) {
	frame, err := encodeRequest(1, "tools/call", map[string]string{"text": "line1\nline2"})
	if err != nil {
		t.Fatalf("encodeRequest: %v", err)
	}
	if strings.ContainsAny(string(frame), "\n\r") {
		t.Fatalf("frame contains raw newline: %q", frame)
	}
}

func TestRelatedRequestID(t *testing.T) {
	tests := []struct {
		name   string
		params string
		want   int64
		ok     bool
	}{
		{
			name:   "meta requestId",
			params: `{"_meta":{"requestId":42}}`,
			want:   42, ok: true,
		},
		{
			name:   "meta requestId as string",
			params: `{"_meta":{"requestId":"42"}}`,
			want:   42, ok: true,
		},
		{
			name:   "top-level related_request_id",
			params: `{"related_request_id":7}`,
			want:   7, ok: true,
		},
		{
			name:   "top-level request_id",
			params: `{"request_id":9}`,
			want:   9, ok: true,
		},
		{
			name:   "nested in msg",
			params: `{"msg":{"type":"session_configured","request_id":11}}`,
			want:   11, ok: true,
		},
		{
			name:   "meta wins over top-level",
			params: `{"_meta":{"requestId":1},"request_id":2}`,
			want:   1, ok: true,
		},
		{
			name:   "absent",
			params: `{"msg":{"type":"agent_message"}}`,
			ok:     false,
		},
		{
			name:   "non-numeric string",
			params: `{"request_id":"abc"}`,
			ok:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Notification{Method: "codex/event", Params: json.RawMessage(tt.params)}
			got, ok := n.RelatedRequestID()
			if ok != tt.ok || got != tt.want {
				t.Errorf("RelatedRequestID() = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSessionID(t *testing.T) {
	tests := []struct {
		name   string
		params string
		want   string
		ok     bool
	}{
		{
			name:   "nested in msg",
			params: `{"msg":{"type":"session_configured","session_id":"sess-1"}}`,
			want:   "sess-1", ok: true,
		},
		{
			name:   "top level",
			params: `{"session_id":"sess-2"}`,
			want:   "sess-2", ok: true,
		},
		{
			name:   "absent",
			params: `{"msg":{"type":"task_started"}}`,
			ok:     false,
		},
		{
			name:   "empty string rejected",
			params: `{"session_id":""}`,
			ok:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Notification{Method: "codex/event", Params: json.RawMessage(tt.params)}
			got, ok := n.SessionID()
			if ok != tt.ok || got != tt.want {
				t.Errorf("SessionID() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}
