package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
	collectorpb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/egparedes/hpx-dashboard/internal/metrics"
	"github.com/egparedes/hpx-dashboard/internal/model"
	"github.com/egparedes/hpx-dashboard/internal/wire"
)

// DefaultOTLPPort is the standard OTLP/gRPC port.
const DefaultOTLPPort = 4317

// Data point attributes that map onto the counter instance.
var (
	localityKeys = []string{"hpx.locality", "locality"}
	poolKeys     = []string{"hpx.pool", "pool"}
	threadKeys   = []string{"hpx.worker_thread", "worker-thread", "thread"}
)

// OTLPConfig holds tunable parameters for the OTLP receiver.
type OTLPConfig struct {
	Logger  *zap.Logger
	Metrics *metrics.Pipeline
}

// OTLPSource accepts OTLP/gRPC metric exports and converts gauge and sum data
// points into counter records. Histograms and summaries are ignored.
type OTLPSource struct {
	collectorpb.UnimplementedMetricsServiceServer

	addr     string
	listener net.Listener
	server   *grpc.Server
	log      *zap.Logger
	metrics  *metrics.Pipeline

	mu   sync.Mutex
	sink Sink
	ctx  context.Context
	seq  map[string]uint64
}

// NewOTLPSource creates a receiver for addr. Listen must be called before Run.
func NewOTLPSource(addr string, conf ...OTLPConfig) *OTLPSource {
	s := &OTLPSource{
		addr: addr,
		log:  zap.NewNop(),
		seq:  make(map[string]uint64),
	}
	if len(conf) > 0 {
		if conf[0].Logger != nil {
			s.log = conf[0].Logger
		}
		s.metrics = conf[0].Metrics
	}
	s.log = s.log.Named("otlp")
	return s
}

func (s *OTLPSource) Name() string { return "otlp" }

// Listen binds the receiver address.
func (s *OTLPSource) Listen() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("otlp: listen %s: %w", s.addr, err)
	}
	s.listener = lis
	s.server = grpc.NewServer()
	collectorpb.RegisterMetricsServiceServer(s.server, s)
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *OTLPSource) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Run serves exports until ctx ends.
func (s *OTLPSource) Run(ctx context.Context, sink Sink) error {
	if s.server == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.sink = sink
	s.ctx = ctx
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("OTLP receiver listening", zap.String("addr", s.listener.Addr().String()))
		errCh <- s.server.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.server.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("otlp: serve: %w", err)
		}
		return nil
	}
}

// Export implements the OTLP MetricsService.
func (s *OTLPSource) Export(ctx context.Context, req *collectorpb.ExportMetricsServiceRequest) (*collectorpb.ExportMetricsServiceResponse, error) {
	s.mu.Lock()
	sink, runCtx := s.sink, s.ctx
	s.mu.Unlock()
	if sink == nil {
		return nil, status.Error(codes.Unavailable, "receiver not running")
	}
	if runCtx != nil {
		var cancel context.CancelFunc
		ctx, cancel = mergeDone(ctx, runCtx)
		defer cancel()
	}

	s.log.Debug("export received", zap.Int("bytes", proto.Size(req)))

	lines, rejected := s.convert(req)
	if rejected > 0 {
		s.log.Debug("rejected data points", zap.Int64("count", rejected))
	}
	for _, line := range lines {
		s.metrics.RecordReceived(s.Name())
		if err := sink.Put(ctx, envelope(s.Name(), line)); err != nil {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
	}
	resp := &collectorpb.ExportMetricsServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &collectorpb.ExportMetricsPartialSuccess{RejectedDataPoints: rejected}
	}
	return resp, nil
}

// convert flattens an export request into wire records. Sequence numbers are
// assigned per line in arrival order.
func (s *OTLPSource) convert(req *collectorpb.ExportMetricsServiceRequest) (out []string, rejected int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rm := range req.GetResourceMetrics() {
		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				var points []*metricspb.NumberDataPoint
				switch {
				case m.GetGauge() != nil:
					points = m.GetGauge().GetDataPoints()
				case m.GetSum() != nil:
					points = m.GetSum().GetDataPoints()
				default:
					continue
				}
				name := counterName(m.GetName())
				unit := ""
				if u := strings.TrimSpace(m.GetUnit()); u != "" && u != "1" {
					unit = "[" + u + "]"
				}
				for _, dp := range points {
					sample, ok := toSample(name, unit, dp)
					if !ok {
						rejected++
						continue
					}
					key := wire.FormatCounterName(sample.Name, sample.Instance)
					sample.Sequence = s.seq[key]
					s.seq[key]++
					out = append(out, wire.Encode(sample))
				}
			}
		}
	}
	return out, rejected
}

func counterName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '{', '}', ',', '\n', '\r':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return name
}

func toSample(name, unit string, dp *metricspb.NumberDataPoint) (model.CounterSample, bool) {
	var value float64
	switch v := dp.GetValue().(type) {
	case *metricspb.NumberDataPoint_AsDouble:
		value = v.AsDouble
	case *metricspb.NumberDataPoint_AsInt:
		value = float64(v.AsInt)
	default:
		return model.CounterSample{}, false
	}
	inst := model.NewInstance(
		attr(dp.GetAttributes(), localityKeys),
		attr(dp.GetAttributes(), poolKeys),
		attr(dp.GetAttributes(), threadKeys),
	)
	if inst.Locality == "" && !inst.IsZero() {
		inst.Locality = "0"
	}
	sample := model.CounterSample{
		Name:      name,
		Instance:  inst,
		Timestamp: float64(dp.GetTimeUnixNano()) / 1e9,
		Value:     value,
		Unit:      unit,
	}
	// Reject anything the decoder would not accept back.
	if _, err := wire.Decode(wire.Encode(sample)); err != nil {
		return model.CounterSample{}, false
	}
	return sample, true
}

func attr(kvs []*commonpb.KeyValue, keys []string) string {
	for _, key := range keys {
		for _, kv := range kvs {
			if kv.GetKey() != key {
				continue
			}
			switch v := kv.GetValue().GetValue().(type) {
			case *commonpb.AnyValue_StringValue:
				return v.StringValue
			case *commonpb.AnyValue_IntValue:
				return fmt.Sprint(v.IntValue)
			}
		}
	}
	return ""
}

// mergeDone returns a context of a that is also cancelled when b ends.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
