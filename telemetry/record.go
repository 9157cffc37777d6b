// Package telemetry classifies the line-oriented telemetry printed by
// benchmark targets into typed records.
package telemetry

// Record is one classified telemetry line. The concrete type is one of
// Boundary, Samples, Counter or Memory.
type Record interface {
	record()
}

// Boundary marks the start of a numbered report.
type Boundary struct {
	Number uint64
}

// Samples is a combined performance line carrying every raw sample of a
// counter since the previous report.
type Samples struct {
	Name   string
	Values []float64
}

// Counter is a structured performance line with the aggregated time,
// cycle count and sample count of a counter.
type Counter struct {
	Name    string
	TimeUS  float64
	Cycles  uint64
	Samples uint64
}

// Memory is a stack or heap usage line.
type Memory struct {
	Name  string
	Bytes uint64
}

func (Boundary) record() {}
func (Samples) record()  {}
func (Counter) record()  {}
func (Memory) record()   {}

// PerformanceRecord is one persisted performance row. Records built from
// a combined line hold a single sample: TimeUS is the sample value and
// Samples is 1.
type PerformanceRecord struct {
	Report  uint64
	Name    string
	TimeUS  float64
	Cycles  uint64
	Samples uint64
}

// MemoryRecord is one persisted memory row.
type MemoryRecord struct {
	Report     uint64
	Name       string
	UsageBytes uint64
}
