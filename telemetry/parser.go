package telemetry

import (
	"bytes"
	"regexp"
	"strconv"
)

// pattern pairs a literal that must appear in the line with the
// constructor that extracts a record from it.
type pattern struct {
	literal []byte
	re      *regexp.Regexp
	build   func(groups [][]byte) (Record, bool)
}

// Patterns are not anchored: targets logging through ESP-IDF prefix every
// line with a level, timestamp and tag.
var patterns = []pattern{
	{
		literal: []byte("# REPORT "),
		re:      regexp.MustCompile(`# REPORT (\d+)`),
		build:   buildBoundary,
	},
	{
		literal: []byte("Performance counter "),
		re: regexp.MustCompile(
			`Performance counter ([^:]+): ([0-9]+(?:\.[0-9]+)?) us` +
				`(?: = ([0-9]+) cycles)? \(([0-9]+) sampl\.\)`),
		build: buildCounter,
	},
	{
		literal: []byte("Performance counter "),
		re:      regexp.MustCompile(`Performance counter ([^:]+): \[([0-9.,]+)\] us`),
		build:   buildSamples,
	},
	{
		literal: []byte(" stack usage: "),
		re:      regexp.MustCompile(`(\w+) stack usage: (\d+) B`),
		build:   buildMemory,
	},
	{
		literal: []byte("Heap usage: "),
		re:      regexp.MustCompile(`(Heap) usage: (\d+) B`),
		build:   buildMemory,
	},
}

// Parse classifies a single telemetry line. It returns false for lines
// that match no known record kind; such lines are ordinary diagnostic
// output and not an error. The first matching pattern wins.
func Parse(line []byte) (Record, bool) {
	for _, p := range patterns {
		if !bytes.Contains(line, p.literal) {
			continue
		}

		groups := p.re.FindSubmatch(line)
		if groups == nil {
			continue
		}

		if rec, ok := p.build(groups); ok {
			return rec, true
		}
	}

	return nil, false
}

func buildBoundary(groups [][]byte) (Record, bool) {
	n, err := strconv.ParseUint(string(groups[1]), 10, 64)
	if err != nil {
		return nil, false
	}

	return Boundary{Number: n}, true
}

func buildCounter(groups [][]byte) (Record, bool) {
	timeUS, err := strconv.ParseFloat(string(groups[2]), 64)
	if err != nil {
		return nil, false
	}

	var cycles uint64
	if len(groups[3]) > 0 {
		cycles, err = strconv.ParseUint(string(groups[3]), 10, 64)
		if err != nil {
			return nil, false
		}
	}

	samples, err := strconv.ParseUint(string(groups[4]), 10, 64)
	if err != nil {
		return nil, false
	}

	return Counter{
		Name:    string(groups[1]),
		TimeUS:  timeUS,
		Cycles:  cycles,
		Samples: samples,
	}, true
}

func buildSamples(groups [][]byte) (Record, bool) {
	fields := bytes.Split(groups[2], []byte(","))
	values := make([]float64, 0, len(fields))

	for _, f := range fields {
		v, err := strconv.ParseFloat(string(f), 64)
		if err != nil {
			return nil, false
		}

		values = append(values, v)
	}

	return Samples{Name: string(groups[1]), Values: values}, true
}

func buildMemory(groups [][]byte) (Record, bool) {
	n, err := strconv.ParseUint(string(groups[2]), 10, 64)
	if err != nil {
		return nil, false
	}

	return Memory{Name: string(groups[1]), Bytes: n}, true
}
