package source

import (
	"context"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/metrics"
	"github.com/egparedes/hpx-dashboard/internal/model"
	"github.com/egparedes/hpx-dashboard/internal/wire"
)

// Counter names emitted by the host monitor.
const (
	HostCPUUtilization = "/host/cpu-utilization"
	HostMemoryTotal    = "/host/memory/total"
	HostMemoryUsed     = "/host/memory/used"
)

// HostProbe reads host statistics. The default uses gopsutil.
type HostProbe interface {
	CPUPercent() ([]float64, error)
	Memory() (total, used uint64, err error)
}

type gopsutilProbe struct{}

func (gopsutilProbe) CPUPercent() ([]float64, error) { return cpu.Percent(0, true) }

func (gopsutilProbe) Memory() (uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Used, nil
}

// SelfMonitorConfig holds tunable parameters for the host monitor.
type SelfMonitorConfig struct {
	Probe   HostProbe
	Logger  *zap.Logger
	Metrics *metrics.Pipeline
	// Now returns the sample clock; tests override it.
	Now func() time.Time
}

// SelfMonitor samples host CPU and memory of the dashboard machine on an
// interval and emits them as locality 0 counters, one line per CPU.
type SelfMonitor struct {
	interval time.Duration
	probe    HostProbe
	log      *zap.Logger
	metrics  *metrics.Pipeline
	now      func() time.Time
	start    time.Time
	seq      uint64
}

// NewSelfMonitor creates a monitor sampling every interval.
func NewSelfMonitor(interval time.Duration, conf ...SelfMonitorConfig) *SelfMonitor {
	m := &SelfMonitor{
		interval: interval,
		probe:    gopsutilProbe{},
		log:      zap.NewNop(),
		now:      time.Now,
	}
	if len(conf) > 0 {
		if conf[0].Probe != nil {
			m.probe = conf[0].Probe
		}
		if conf[0].Logger != nil {
			m.log = conf[0].Logger
		}
		if conf[0].Now != nil {
			m.now = conf[0].Now
		}
		m.metrics = conf[0].Metrics
	}
	m.log = m.log.Named("selfmon")
	return m
}

func (m *SelfMonitor) Name() string { return "self" }

func (m *SelfMonitor) Run(ctx context.Context, sink Sink) error {
	m.start = m.now()
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for _, line := range m.sample() {
				m.metrics.RecordReceived(m.Name())
				if err := sink.Put(ctx, envelope(m.Name(), line)); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
		}
	}
}

// sample takes one reading. Timestamps are seconds since Run started.
func (m *SelfMonitor) sample() []string {
	ts := m.now().Sub(m.start).Seconds()
	seq := m.seq
	m.seq++

	var lines []string
	if pct, err := m.probe.CPUPercent(); err != nil {
		m.log.Debug("cpu probe failed", zap.Error(err))
	} else {
		for i, p := range pct {
			lines = append(lines, wire.Encode(model.CounterSample{
				Name:      HostCPUUtilization,
				Instance:  model.NewInstance("0", "", strconv.Itoa(i)),
				Sequence:  seq,
				Timestamp: ts,
				Value:     p,
				Unit:      "[%]",
			}))
		}
	}
	if total, used, err := m.probe.Memory(); err != nil {
		m.log.Debug("memory probe failed", zap.Error(err))
	} else {
		host := model.NewInstance("0", "", "")
		lines = append(lines,
			wire.Encode(model.CounterSample{Name: HostMemoryTotal, Instance: host, Sequence: seq, Timestamp: ts, Value: float64(total), Unit: "[B]"}),
			wire.Encode(model.CounterSample{Name: HostMemoryUsed, Instance: host, Sequence: seq, Timestamp: ts, Value: float64(used), Unit: "[B]"}),
		)
	}
	return lines
}
