package socketrpc

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// JSON-RPC 2.0 Method Reference
//
// The socket RPC server exposes a Backend over a Unix domain socket, one
// newline-delimited JSON object per request and per response.
//
//   Method              Params                                  Result
//   ────────────────    ─────────────────────────────────────   ──────────────────
//   ListCollections     (none)                                  []CollectionInfo
//   Lines               {Collection: string}                    []LineInfo
//   Stats               {Key: SubscriptionKey}                  Stats
//   History             {Key: SubscriptionKey, Limit: int}      []Point
//   Rollover            (none)                                  string (new id)
//   DropCollection      {Collection: string}                    null
//   Export              {Dir: string}                           string (session dir)
//   TotalSampleCount    (none)                                  int64
//   Snapshot            {Path: string}                          int64 (bytes)
//
// Collection "" (or "current") is the active collection. Limit 0 returns the
// whole history.
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error
//   -32001  Not found (unknown collection or line)

const (
	codeParse          = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeApplication    = -32000
	codeNotFound       = -32001
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// Is lets callers match not-found responses with errors.Is(err, ErrNotFound).
func (e *RPCError) Is(target error) bool {
	return target == ErrNotFound && e.Code == codeNotFound
}

// DefaultSocketPath returns the default Unix socket path. It prefers
// $XDG_RUNTIME_DIR/hpx-dashboard/hpx-dashboard.sock and falls back to
// ~/.local/state/hpx-dashboard/hpx-dashboard.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "hpx-dashboard", "hpx-dashboard.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "hpx-dashboard.sock")
	}
	return filepath.Join(home, ".local", "state", "hpx-dashboard", "hpx-dashboard.sock")
}
