package socketrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/model"
)

type stubBackend struct{}

func (b *stubBackend) ListCollections() ([]model.CollectionInfo, error) {
	return []model.CollectionInfo{{ID: "0000", Active: true}}, nil
}
func (b *stubBackend) Lines(collectionID string) ([]model.LineInfo, error) {
	if collectionID == "gone" {
		return nil, fmt.Errorf("collection %q: %w", collectionID, ErrNotFound)
	}
	return []model.LineInfo{{Hash: "h", Counter: "c"}}, nil
}
func (b *stubBackend) Stats(key model.SubscriptionKey) (model.Stats, error) {
	return model.Stats{Count: 1, Total: 1, Mean: 1}, nil
}
func (b *stubBackend) History(key model.SubscriptionKey, limit int) ([]model.Point, error) {
	return []model.Point{{Timestamp: 1, Value: 1}}, nil
}
func (b *stubBackend) Rollover(ctx context.Context) (string, error) { return "0001", nil }
func (b *stubBackend) DropCollection(collectionID string) error    { return nil }
func (b *stubBackend) Export(dir string) (string, error)           { return dir, nil }
func (b *stubBackend) TotalSampleCount() (int64, error)            { return 100, nil }
func (b *stubBackend) Snapshot(path string) (int64, error) {
	return 0, fmt.Errorf("snapshot: %w", ErrUnavailable)
}

func newTestDispatcher() *Server {
	return &Server{backend: &stubBackend{}, log: zap.NewNop(), quit: make(chan struct{})}
}

func TestDispatch_AllMethods(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher()

	tests := []struct {
		method string
		params string
	}{
		{"ListCollections", `{}`},
		{"Lines", `{"Collection":"current"}`},
		{"Stats", `{"Key":{"counter":"c","instance":{"locality":"0","thread":"*"}}}`},
		{"History", `{"Key":{"counter":"c"},"Limit":10}`},
		{"Rollover", `{}`},
		{"DropCollection", `{"Collection":"0000"}`},
		{"Export", `{"Dir":"/tmp/x"}`},
		{"TotalSampleCount", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			t.Parallel()
			req := Request{
				JSONRPC: "2.0",
				ID:      1,
				Method:  tt.method,
				Params:  json.RawMessage(tt.params),
			}
			resp := srv.dispatch(req)
			if resp.Error != nil {
				t.Fatalf("dispatch(%s) error: %s", tt.method, resp.Error.Message)
			}
			if resp.Result == nil {
				t.Fatalf("dispatch(%s) returned nil result", tt.method)
			}
			if resp.JSONRPC != "2.0" {
				t.Errorf("JSONRPC = %q, want 2.0", resp.JSONRPC)
			}
			if resp.ID != 1 {
				t.Errorf("ID = %d, want 1", resp.ID)
			}
		})
	}
}

func TestDispatch_MethodNotFound(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher()

	resp := srv.dispatch(Request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "NonExistentMethod",
		Params:  json.RawMessage(`{}`),
	})
	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("error code = %d, want -32601", resp.Error.Code)
	}
}

func TestDispatch_InvalidParams(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher()

	tests := []struct {
		name   string
		method string
		params string
	}{
		{"malformed", "History", `not json`},
		{"missing counter", "Stats", `{"Key":{}}`},
		{"missing params", "DropCollection", ``},
		{"null params", "Export", `null`},
		{"missing path", "Snapshot", `{"Path":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := srv.dispatch(Request{
				JSONRPC: "2.0",
				ID:      2,
				Method:  tt.method,
				Params:  json.RawMessage(tt.params),
			})
			if resp.Error == nil {
				t.Fatal("expected error for invalid params")
			}
			if resp.Error.Code != -32602 {
				t.Errorf("error code = %d, want -32602 (invalid params)", resp.Error.Code)
			}
		})
	}
}

func TestDispatch_EmptyParamsOnOptionalMethods(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher()

	methods := []string{"ListCollections", "Lines", "Rollover", "TotalSampleCount"}

	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			t.Parallel()
			resp := srv.dispatch(Request{
				JSONRPC: "2.0",
				ID:      1,
				Method:  method,
				Params:  nil,
			})
			if resp.Error != nil {
				t.Fatalf("dispatch(%s) with nil params: %s", method, resp.Error.Message)
			}
		})
	}
}

func TestDispatch_ErrorCodes(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher()

	resp := srv.dispatch(Request{JSONRPC: "2.0", ID: 3, Method: "Lines", Params: json.RawMessage(`{"Collection":"gone"}`)})
	if resp.Error == nil || resp.Error.Code != codeNotFound {
		t.Fatalf("Lines(gone) error = %+v, want code %d", resp.Error, codeNotFound)
	}

	resp = srv.dispatch(Request{JSONRPC: "2.0", ID: 4, Method: "Snapshot", Params: json.RawMessage(`{"Path":"/tmp/s"}`)})
	if resp.Error == nil || resp.Error.Code != codeApplication {
		t.Fatalf("Snapshot error = %+v, want code %d", resp.Error, codeApplication)
	}
}

func TestDispatch_PreservesRequestID(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher()

	for _, id := range []int{0, 1, 42, 9999} {
		resp := srv.dispatch(Request{
			JSONRPC: "2.0",
			ID:      id,
			Method:  "ListCollections",
			Params:  json.RawMessage(`{}`),
		})
		if resp.ID != id {
			t.Errorf("request ID %d: response ID = %d", id, resp.ID)
		}
	}
}
