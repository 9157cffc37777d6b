package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/weiihann/devbench/telemetry"
)

var (
	performanceHeader = []string{"report_number", "name", "time_us", "cycles", "samples"}
	memoryHeader      = []string{"report_number", "name", "usage_bytes"}
)

// WriteIteration persists the records of a finished attempt as two CSV
// files. The memory file is published last: an iteration counts as
// complete only when both files exist, so a crash in between leaves it
// pending.
func WriteIteration(perfPath, memPath string, result AttemptResult) error {
	perf := make([][]string, 0, len(result.Performance))
	for _, r := range result.Performance {
		perf = append(perf, []string{
			strconv.FormatUint(r.Report, 10),
			r.Name,
			strconv.FormatFloat(r.TimeUS, 'g', -1, 64),
			strconv.FormatUint(r.Cycles, 10),
			strconv.FormatUint(r.Samples, 10),
		})
	}

	mem := make([][]string, 0, len(result.Memory))
	for _, r := range result.Memory {
		mem = append(mem, []string{
			strconv.FormatUint(r.Report, 10),
			r.Name,
			strconv.FormatUint(r.UsageBytes, 10),
		})
	}

	if err := writeCSV(perfPath, performanceHeader, perf); err != nil {
		return fmt.Errorf("write performance report: %w", err)
	}

	if err := writeCSV(memPath, memoryHeader, mem); err != nil {
		return fmt.Errorf("write memory report: %w", err)
	}

	return nil
}

// writeCSV renders rows in memory, writes them to a temporary file next
// to path, syncs it and renames it into place. Readers never observe a
// truncated report.
func writeCSV(path string, header []string, rows [][]string) error {
	var buf bytes.Buffer

	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}

	tmpPath := path + ".tmp"

	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpPath, err)
	}

	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("write %s: %w", tmpPath, err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("close %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("rename %s: %w", path, err)
	}

	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	return nil
}

// ReadPerformance reads a performance report written by WriteIteration.
func ReadPerformance(path string) ([]telemetry.PerformanceRecord, error) {
	rows, err := readCSV(path, performanceHeader)
	if err != nil {
		return nil, err
	}

	records := make([]telemetry.PerformanceRecord, 0, len(rows))
	for i, row := range rows {
		var (
			rec  telemetry.PerformanceRecord
			errs [4]error
		)

		rec.Report, errs[0] = strconv.ParseUint(row[0], 10, 64)
		rec.Name = row[1]
		rec.TimeUS, errs[1] = strconv.ParseFloat(row[2], 64)
		rec.Cycles, errs[2] = strconv.ParseUint(row[3], 10, 64)
		rec.Samples, errs[3] = strconv.ParseUint(row[4], 10, 64)

		for _, err := range errs {
			if err != nil {
				return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
			}
		}

		records = append(records, rec)
	}

	return records, nil
}

// ReadMemory reads a memory report written by WriteIteration.
func ReadMemory(path string) ([]telemetry.MemoryRecord, error) {
	rows, err := readCSV(path, memoryHeader)
	if err != nil {
		return nil, err
	}

	records := make([]telemetry.MemoryRecord, 0, len(rows))
	for i, row := range rows {
		report, err := strconv.ParseUint(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}

		usage, err := strconv.ParseUint(row[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}

		records = append(records, telemetry.MemoryRecord{
			Report:     report,
			Name:       row[1],
			UsageBytes: usage,
		})
	}

	return records, nil
}

func readCSV(path string, header []string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open report %s: %w", path, err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = len(header)

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read report %s: %w", path, err)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("read report %s: missing header", path)
	}

	for i, col := range header {
		if rows[0][i] != col {
			return nil, fmt.Errorf("read report %s: column %d is %q, want %q",
				path, i, rows[0][i], col)
		}
	}

	return rows[1:], nil
}
