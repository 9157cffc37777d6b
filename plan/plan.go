// Package plan decides which benchmark iterations of an artifact still
// need to run, based on the reports already on disk.
package plan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Layout names the report files of one artifact.
type Layout struct {
	Dir  string
	Name string
}

// PerformancePath returns the performance report path of iteration i.
func (l Layout) PerformancePath(i int) string {
	return filepath.Join(l.Dir, fmt.Sprintf("%s-perf-%d.csv", l.Name, i))
}

// MemoryPath returns the memory report path of iteration i.
func (l Layout) MemoryPath(i int) string {
	return filepath.Join(l.Dir, fmt.Sprintf("%s-mem-%d.csv", l.Name, i))
}

// Complete reports whether both report files of iteration i exist.
func (l Layout) Complete(i int) (bool, error) {
	for _, p := range []string{l.PerformancePath(i), l.MemoryPath(i)} {
		_, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("stat %s: %w", p, err)
		}
	}

	return true, nil
}

// Plan splits the iterations of an artifact into those with results on
// disk and those still to run. Both lists are ascending.
type Plan struct {
	Found   []int
	Pending []int
}

// New computes the plan for iters iterations. When reset is set the
// reports of every found iteration are deleted and all iterations are
// pending; Found still lists what was deleted.
func New(layout Layout, iters int, reset bool) (Plan, error) {
	var p Plan

	for i := 0; i < iters; i++ {
		done, err := layout.Complete(i)
		if err != nil {
			return Plan{}, err
		}

		if done {
			p.Found = append(p.Found, i)
		} else {
			p.Pending = append(p.Pending, i)
		}
	}

	if !reset {
		return p, nil
	}

	for _, i := range p.Found {
		for _, path := range []string{layout.PerformancePath(i), layout.MemoryPath(i)} {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return Plan{}, fmt.Errorf("reset iteration %d: %w", i, err)
			}
		}
	}

	p.Pending = make([]int, iters)
	for i := range p.Pending {
		p.Pending[i] = i
	}

	return p, nil
}
