package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/metrics"
	"github.com/egparedes/hpx-dashboard/internal/tcpserver"
)

// StdinConfig holds tunable parameters for the stdin source.
type StdinConfig struct {
	MaxLineSize int
	Logger      *zap.Logger
	Metrics     *metrics.Pipeline
}

// StdinSource reads counter records piped from an HPX application, e.g.
// `app --hpx:print-counter=/threads/idle-rate | hpx-dashboard`.
type StdinSource struct {
	r           io.Reader
	maxLineSize int
	log         *zap.Logger
	metrics     *metrics.Pipeline
}

// NewStdinSource creates a source reading os.Stdin.
func NewStdinSource(conf ...StdinConfig) *StdinSource {
	return newStdinSourceWithReader(os.Stdin, conf...)
}

func newStdinSourceWithReader(r io.Reader, conf ...StdinConfig) *StdinSource {
	s := &StdinSource{
		r:           r,
		maxLineSize: tcpserver.DefaultMaxLineSize,
		log:         zap.NewNop(),
	}
	if len(conf) > 0 {
		if conf[0].MaxLineSize > 0 {
			s.maxLineSize = conf[0].MaxLineSize
		}
		if conf[0].Logger != nil {
			s.log = conf[0].Logger
		}
		s.metrics = conf[0].Metrics
	}
	s.log = s.log.Named("stdin")
	return s
}

func (s *StdinSource) Name() string { return "stdin" }

// Run returns nil at EOF. Scanning happens on a helper goroutine so that a
// blocked read does not delay shutdown.
func (s *StdinSource) Run(ctx context.Context, sink Sink) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.r)
		scanner.Buffer(make([]byte, 0, 64*1024), s.maxLineSize)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return s.finish(scanErr)
			}
			s.metrics.RecordReceived(s.Name())
			if err := sink.Put(ctx, envelope(s.Name(), line)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("stdin: enqueue: %w", err)
			}
		}
	}
}

func (s *StdinSource) finish(scanErr <-chan error) error {
	var err error
	select {
	case err = <-scanErr:
	default:
	}
	switch {
	case err == nil:
		s.log.Info("stdin closed")
		return nil
	case errors.Is(err, bufio.ErrTooLong):
		s.log.Warn("stdin record exceeded max size, stopping stdin source", zap.Int("max_line_size", s.maxLineSize))
		return nil
	default:
		return fmt.Errorf("stdin: read: %w", err)
	}
}

// StdinIsPiped reports whether stdin is a pipe or file rather than a terminal.
func StdinIsPiped() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}
