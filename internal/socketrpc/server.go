// Package socketrpc serves session, collection and mirror queries to local
// tools over a Unix domain socket using JSON-RPC 2.0.
package socketrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/model"
)

const (
	// scannerInitBufSize is the initial buffer size for the per-connection scanner (64 KB).
	scannerInitBufSize = 64 * 1024
	// scannerMaxTokenSize is the maximum request size the scanner will accept (1 MB).
	scannerMaxTokenSize = 1024 * 1024
	// callTimeout bounds methods that wait on the ingestion pipeline.
	callTimeout = 10 * time.Second
)

// Config holds optional server settings.
type Config struct {
	Logger *zap.Logger
}

// Server exposes a Backend over a Unix domain socket.
type Server struct {
	socketPath string
	backend    Backend
	log        *zap.Logger
	listener   net.Listener
	wg         sync.WaitGroup
	quit       chan struct{}
	stopOnce   sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a new socket RPC server.
func NewServer(socketPath string, backend Backend, conf ...Config) *Server {
	logger := zap.NewNop()
	if len(conf) > 0 && conf[0].Logger != nil {
		logger = conf[0].Logger
	}
	return &Server{
		socketPath: socketPath,
		backend:    backend,
		log:        logger.Named("socketrpc"),
		quit:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start begins listening on the Unix socket and accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("socketrpc: mkdir: %w", err)
	}

	if _, err := os.Stat(s.socketPath); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if dialErr != nil {
			// Nobody is listening; the file is stale.
			os.Remove(s.socketPath)
		} else {
			conn.Close()
			return fmt.Errorf("socketrpc: another server is already listening on %s", s.socketPath)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("socketrpc: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("listening", zap.String("socket", s.socketPath))
	return nil
}

// Stop closes the listener and open connections, waits for handlers, and
// removes the socket file. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		os.Remove(s.socketPath)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				// Transient errors such as fd exhaustion do not end the loop.
				s.log.Warn("accept error", zap.Error(err))
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}
		s.mu.Lock()
		select {
		case <-s.quit:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			encoder.Encode(Response{JSONRPC: "2.0", Error: &RPCError{Code: codeParse, Message: "parse error"}})
			continue
		}

		resp := s.dispatch(req)
		if err := encoder.Encode(resp); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Debug("connection closed", zap.Error(err))
	}
}

// callCtx ends when the call times out or the server stops.
func (s *Server) callCtx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	marshalResult := func(v interface{}, err error) Response {
		if err != nil {
			code := codeApplication
			if errors.Is(err, ErrNotFound) {
				code = codeNotFound
			}
			resp.Error = &RPCError{Code: code, Message: err.Error()}
			return resp
		}
		data, merr := json.Marshal(v)
		if merr != nil {
			resp.Error = &RPCError{Code: codeInternal, Message: merr.Error()}
			return resp
		}
		resp.Result = data
		return resp
	}

	invalidParams := func(err error) Response {
		resp.Error = &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
		return resp
	}

	// decode tolerates absent or null params for methods with defaults.
	decode := func(dest any, optional bool) error {
		if len(req.Params) == 0 || string(req.Params) == "null" {
			if optional {
				return nil
			}
			return errors.New("params required")
		}
		return json.Unmarshal(req.Params, dest)
	}

	switch req.Method {
	case "ListCollections":
		return marshalResult(s.backend.ListCollections())

	case "Lines":
		var p struct{ Collection string }
		if err := decode(&p, true); err != nil {
			return invalidParams(err)
		}
		return marshalResult(s.backend.Lines(p.Collection))

	case "Stats":
		var p struct{ Key model.SubscriptionKey }
		if err := decode(&p, false); err != nil {
			return invalidParams(err)
		}
		if p.Key.Counter == "" {
			return invalidParams(errors.New("missing Key.counter"))
		}
		return marshalResult(s.backend.Stats(p.Key))

	case "History":
		var p struct {
			Key   model.SubscriptionKey
			Limit int
		}
		if err := decode(&p, false); err != nil {
			return invalidParams(err)
		}
		if p.Key.Counter == "" {
			return invalidParams(errors.New("missing Key.counter"))
		}
		return marshalResult(s.backend.History(p.Key, p.Limit))

	case "Rollover":
		ctx, cancel := s.callCtx()
		defer cancel()
		return marshalResult(s.backend.Rollover(ctx))

	case "DropCollection":
		var p struct{ Collection string }
		if err := decode(&p, false); err != nil {
			return invalidParams(err)
		}
		return marshalResult(nil, s.backend.DropCollection(p.Collection))

	case "Export":
		var p struct{ Dir string }
		if err := decode(&p, false); err != nil {
			return invalidParams(err)
		}
		return marshalResult(s.backend.Export(p.Dir))

	case "TotalSampleCount":
		return marshalResult(s.backend.TotalSampleCount())

	case "Snapshot":
		var p struct{ Path string }
		if err := decode(&p, false); err != nil {
			return invalidParams(err)
		}
		if p.Path == "" {
			return invalidParams(errors.New("missing Path"))
		}
		return marshalResult(s.backend.Snapshot(p.Path))

	default:
		resp.Error = &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
		return resp
	}
}
