// Package wire decodes and encodes the line-oriented counter records sent by
// dashboard agents. The format is the CSV emitted by HPX --hpx:print-counter:
//
//	/threads{locality#0/pool#default/worker-thread#0}/idle-rate,12,1.502840,[s],42,[0.01%]
//
// The fields are counter name with an embedded instance block, sequence number,
// timestamp, timestamp unit, value and an optional value unit.
package wire

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/egparedes/hpx-dashboard/internal/model"
)

// Sentinel causes wrapped by DecodeError.
var (
	ErrFieldCount  = errors.New("wrong field count")
	ErrCounterName = errors.New("malformed counter name")
	ErrInstance    = errors.New("malformed instance descriptor")
	ErrSequence    = errors.New("malformed sequence number")
	ErrTimestamp   = errors.New("malformed timestamp")
	ErrValue       = errors.New("malformed value")
)

// TimestampUnit is the only accepted unit of the timestamp field.
const TimestampUnit = "[s]"

// DecodeError reports why a raw record could not be decoded.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode %.80q: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(line string, cause error, format string, args ...any) error {
	if format != "" {
		cause = fmt.Errorf("%w: "+format, append([]any{cause}, args...)...)
	}
	return &DecodeError{Line: line, Err: cause}
}

// Decode parses one raw record. It is pure: invalid input yields a *DecodeError
// and never panics.
func Decode(line string) (model.CounterSample, error) {
	var s model.CounterSample
	raw := line
	line = strings.TrimRight(line, "\r\n")

	fields := strings.Split(line, ",")
	if len(fields) != 5 && len(fields) != 6 {
		return s, decodeErr(raw, ErrFieldCount, "got %d, want 5 or 6", len(fields))
	}

	name, instance, err := parseCounterName(fields[0])
	if err != nil {
		return s, &DecodeError{Line: raw, Err: err}
	}

	seq, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return s, decodeErr(raw, ErrSequence, "%q", fields[1])
	}

	ts, err := parseFinite(fields[2])
	if err != nil {
		return s, decodeErr(raw, ErrTimestamp, "%q", fields[2])
	}
	if strings.TrimSpace(fields[3]) != TimestampUnit {
		return s, decodeErr(raw, ErrTimestamp, "unit %q", fields[3])
	}

	value, err := parseFinite(fields[4])
	if err != nil {
		return s, decodeErr(raw, ErrValue, "%q", fields[4])
	}

	unit := ""
	if len(fields) == 6 {
		unit = strings.TrimSpace(fields[5])
		if unit == "" {
			return s, decodeErr(raw, ErrValue, "empty unit")
		}
	}

	return model.CounterSample{
		Name:      name,
		Instance:  instance,
		Sequence:  seq,
		Timestamp: ts,
		Value:     value,
		Unit:      unit,
	}, nil
}

func parseFinite(field string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("not finite")
	}
	return v, nil
}

// parseCounterName splits "/object{instance}/rest" into "/object/rest" and the
// parsed instance. A name without braces has an empty instance.
func parseCounterName(full string) (string, model.InstanceDescriptor, error) {
	var inst model.InstanceDescriptor

	open := strings.IndexByte(full, '{')
	end := strings.IndexByte(full, '}')
	switch {
	case open < 0 && end < 0:
		if err := validateName(full); err != nil {
			return "", inst, err
		}
		return full, inst, nil
	case open < 0 || end < open:
		return "", inst, fmt.Errorf("%w: unbalanced braces in %q", ErrCounterName, full)
	}

	rest := full[end+1:]
	if strings.ContainsAny(rest, "{}") {
		return "", inst, fmt.Errorf("%w: more than one instance block in %q", ErrCounterName, full)
	}
	name := full[:open] + rest
	if err := validateName(name); err != nil {
		return "", inst, err
	}

	inst, err := ParseInstance(full[open+1 : end])
	if err != nil {
		return "", inst, err
	}
	return name, inst, nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrCounterName)
	}
	if name != strings.TrimSpace(name) || strings.ContainsAny(name, "{},\n\r") {
		return fmt.Errorf("%w: invalid characters in %q", ErrCounterName, name)
	}
	return nil
}

// ParseInstance parses HPX instance notation such as
// "locality#0/pool#default/worker-thread#1" or "locality#0/total".
func ParseInstance(s string) (model.InstanceDescriptor, error) {
	var inst model.InstanceDescriptor
	if s == "" {
		return inst, nil
	}

	var seenLocality, seenPool, seenThread, seenTotal bool
	for _, part := range strings.Split(s, "/") {
		if part == "total" {
			if seenTotal || seenThread {
				return inst, fmt.Errorf("%w: unexpected total in %q", ErrInstance, s)
			}
			seenTotal = true
			continue
		}
		key, val, ok := strings.Cut(part, "#")
		if !ok || val == "" {
			return inst, fmt.Errorf("%w: component %q in %q", ErrInstance, part, s)
		}
		switch key {
		case "locality":
			if seenLocality || !isIndex(val) {
				return inst, fmt.Errorf("%w: locality %q in %q", ErrInstance, val, s)
			}
			seenLocality = true
			inst.Locality = val
		case "pool":
			if seenPool || strings.ContainsAny(val, "#") {
				return inst, fmt.Errorf("%w: pool %q in %q", ErrInstance, val, s)
			}
			seenPool = true
			inst.Pool = val
		case "worker-thread":
			if seenThread || seenTotal || !isIndex(val) {
				return inst, fmt.Errorf("%w: worker-thread %q in %q", ErrInstance, val, s)
			}
			seenThread = true
			inst.Thread = val
		default:
			return inst, fmt.Errorf("%w: unknown component %q in %q", ErrInstance, key, s)
		}
	}
	if !seenLocality {
		return inst, fmt.Errorf("%w: missing locality in %q", ErrInstance, s)
	}
	return inst, nil
}

func isIndex(s string) bool {
	if s == model.Wildcard {
		return true
	}
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
