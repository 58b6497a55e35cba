package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/metrics"
	"github.com/egparedes/hpx-dashboard/internal/model"
)

// DefaultMaxLineSize is the default maximum size (in bytes) of a single counter record.
const DefaultMaxLineSize = 1024 * 1024 // 1MB

// SourceName tags envelopes produced by the listener.
const SourceName = "tcp"

// Sink receives raw records. Put blocks while the sink is full.
type Sink interface {
	Put(ctx context.Context, env model.IngestEnvelope) error
}

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	MaxLineSize int
	Logger      *zap.Logger
	Metrics     *metrics.Pipeline
}

// Server accepts agent connections and forwards newline-delimited counter
// records to a Sink.
type Server struct {
	listener    net.Listener
	addr        string
	sink        Sink
	maxLineSize int
	log         *zap.Logger
	metrics     *metrics.Pipeline

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// DefaultAddr returns the loopback address on the default agent port.
func DefaultAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(model.DefaultListenPort))
}

// NewServer creates a new TCP server. An empty addr binds DefaultAddr.
func NewServer(addr string, sink Sink, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = DefaultAddr()
	}
	maxLineSize := DefaultMaxLineSize
	logger := zap.NewNop()
	var m *metrics.Pipeline
	if len(conf) > 0 {
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
		m = conf[0].Metrics
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		sink:        sink,
		maxLineSize: maxLineSize,
		log:         logger.Named("tcpserver"),
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Start binds the listen address and begins accepting connections. A bind
// failure is the only error it reports.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("tcpserver: listen %s: %w", s.addr, err)
	}
	s.listener = listener
	s.log.Info("listening for agents", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Warn("accept failed", zap.Error(err))
				continue
			}
			if !s.track(conn) {
				_ = conn.Close()
				return
			}
			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}()

	return nil
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.metrics.ConnectionOpened()
	s.log.Debug("agent connected", zap.String("remote", remote))

	err := s.readRecords(conn)
	s.metrics.ConnectionClosed(err)
	switch {
	case err == nil:
		s.log.Debug("agent disconnected", zap.String("remote", remote))
	case errors.Is(err, bufio.ErrTooLong):
		s.log.Warn("dropped connection: record exceeds max size",
			zap.String("remote", remote), zap.Int("max_line_size", s.maxLineSize))
	default:
		s.log.Warn("connection closed with error", zap.String("remote", remote), zap.Error(err))
	}
}

// readRecords returns nil on a clean EOF or server shutdown.
func (s *Server) readRecords(conn net.Conn) error {
	scanner := bufio.NewScanner(conn)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, s.maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.metrics.RecordReceived(SourceName)
		if err := s.sink.Put(s.ctx, model.IngestEnvelope{Source: SourceName, Line: line}); err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("enqueue: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		if s.ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

// Stop closes the listener and every live connection, then waits for the
// connection handlers to return. It is safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.cancel()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ActiveConnections reports the number of open agent connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
