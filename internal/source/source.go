// Package source holds the ingestion inputs that feed raw counter records into
// the ingestion queue: the agent TCP listener, stdin, an OTLP metrics receiver
// and the server's own host monitor.
package source

import (
	"context"

	"github.com/egparedes/hpx-dashboard/internal/model"
	"github.com/egparedes/hpx-dashboard/internal/tcpserver"
)

// Sink receives raw records. Put blocks while the sink is full.
type Sink = tcpserver.Sink

// Source is a running ingestion input.
type Source interface {
	Name() string
	// Run forwards records to sink until ctx ends or the input is exhausted.
	Run(ctx context.Context, sink Sink) error
}

// TCPSource adapts an already-started tcpserver.Server. The server pushes into
// its own sink; Run only ties its lifetime to ctx.
type TCPSource struct {
	server *tcpserver.Server
}

// NewTCPSource wraps a started TCP server.
func NewTCPSource(server *tcpserver.Server) *TCPSource {
	return &TCPSource{server: server}
}

func (t *TCPSource) Name() string { return tcpserver.SourceName }

func (t *TCPSource) Run(ctx context.Context, _ Sink) error {
	<-ctx.Done()
	return t.server.Stop()
}

// Addr returns the bound listen address.
func (t *TCPSource) Addr() string { return t.server.Addr() }

func envelope(source, line string) model.IngestEnvelope {
	return model.IngestEnvelope{Source: source, Line: line}
}
