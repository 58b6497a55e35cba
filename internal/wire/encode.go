package wire

import (
	"strconv"
	"strings"

	"github.com/egparedes/hpx-dashboard/internal/model"
)

// Encode renders a sample in the wire format accepted by Decode.
// For every sample Decode accepts, Decode(Encode(s)) == s.
func Encode(s model.CounterSample) string {
	var b strings.Builder
	b.Grow(len(s.Name) + 64)

	b.WriteString(FormatCounterName(s.Name, s.Instance))
	b.WriteByte(',')
	b.WriteString(strconv.FormatUint(s.Sequence, 10))
	b.WriteByte(',')
	b.WriteString(FormatFloat(s.Timestamp))
	b.WriteByte(',')
	b.WriteString(TimestampUnit)
	b.WriteByte(',')
	b.WriteString(FormatFloat(s.Value))
	if s.Unit != "" {
		b.WriteByte(',')
		b.WriteString(s.Unit)
	}
	return b.String()
}

// FormatCounterName embeds the instance block after the first path segment of
// name, so "/threads/idle-rate" becomes "/threads{locality#0/total}/idle-rate".
func FormatCounterName(name string, inst model.InstanceDescriptor) string {
	if inst.IsZero() {
		return name
	}
	block := "{" + inst.String() + "}"
	if len(name) > 1 {
		if i := strings.IndexByte(name[1:], '/'); i >= 0 {
			split := i + 1
			return name[:split] + block + name[split:]
		}
	}
	return name + block
}

// FormatFloat formats v with the shortest representation that parses back exactly.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
