package report

import (
	"fmt"

	"github.com/weiihann/devbench/telemetry"
)

// Protocol selects which telemetry grammar drives the stop condition of an
// attempt. Both grammars are always parsed.
type Protocol string

const (
	// ProtocolCombined targets print one multi-sample counter line per
	// report and number their reports; an attempt stops after the
	// requested number of report boundaries.
	ProtocolCombined Protocol = "combined"

	// ProtocolStructured targets print aggregated single-line counters;
	// an attempt stops after the requested number of performance records.
	ProtocolStructured Protocol = "structured"
)

// ParseProtocol validates a protocol name.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(s); p {
	case ProtocolCombined, ProtocolStructured:
		return p, nil
	default:
		return "", fmt.Errorf("unknown protocol %q (want %s or %s)",
			s, ProtocolCombined, ProtocolStructured)
	}
}

// AttemptResult holds every record collected by one attempt.
type AttemptResult struct {
	Performance []telemetry.PerformanceRecord
	Memory      []telemetry.MemoryRecord
}

// Accumulator groups classified records of one attempt by report boundary
// and record kind.
type Accumulator struct {
	protocol Protocol
	reports  uint64

	boundary uint64
	result   AttemptResult
}

// NewAccumulator returns an Accumulator that is done after reports
// reports, counted the way protocol counts them.
func NewAccumulator(protocol Protocol, reports int) *Accumulator {
	if reports < 0 {
		reports = 0
	}

	return &Accumulator{protocol: protocol, reports: uint64(reports)}
}

// Add appends rec to the running result.
func (a *Accumulator) Add(rec telemetry.Record) {
	switch r := rec.(type) {
	case telemetry.Boundary:
		// Out of order or skipped boundaries are taken as is.
		a.boundary = r.Number

	case telemetry.Samples:
		for _, v := range r.Values {
			a.result.Performance = append(a.result.Performance,
				telemetry.PerformanceRecord{
					Report:  a.boundary,
					Name:    r.Name,
					TimeUS:  v,
					Samples: 1,
				})
		}

	case telemetry.Counter:
		a.result.Performance = append(a.result.Performance,
			telemetry.PerformanceRecord{
				Report:  a.boundary,
				Name:    r.Name,
				TimeUS:  r.TimeUS,
				Cycles:  r.Cycles,
				Samples: r.Samples,
			})

	case telemetry.Memory:
		a.result.Memory = append(a.result.Memory, telemetry.MemoryRecord{
			Report:     a.boundary,
			Name:       r.Name,
			UsageBytes: r.Bytes,
		})
	}
}

// Boundary returns the last report number seen, zero before any.
func (a *Accumulator) Boundary() uint64 { return a.boundary }

// PerformanceCount returns the number of performance records collected.
func (a *Accumulator) PerformanceCount() int { return len(a.result.Performance) }

// Progress returns how far the attempt is towards its stop condition.
func (a *Accumulator) Progress() uint64 {
	if a.protocol == ProtocolStructured {
		return uint64(len(a.result.Performance))
	}

	return a.boundary
}

// Total returns the number Progress must reach for Done.
func (a *Accumulator) Total() uint64 { return a.reports }

// Done reports whether the requested number of reports was collected.
// Memory records never count towards it.
func (a *Accumulator) Done() bool { return a.Progress() >= a.reports }

// Result returns the records collected so far.
func (a *Accumulator) Result() AttemptResult { return a.result }
