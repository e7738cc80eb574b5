// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LogTracker logs runs and their metrics with klog.
type LogTracker struct{}

// StartRun implements Tracker.
func (LogTracker) StartRun(cfg RunConfig) (Run, error) {
	run := &logRun{id: uuid.NewString(), name: cfg.Name}
	var params []string
	for _, key := range sortedKeys(cfg.Params) {
		params = append(params, fmt.Sprintf("%s=%v", key, cfg.Params[key]))
	}
	klog.Infof("Run %s (%s/%s) started: %s", run.id, cfg.Project, cfg.Name, strings.Join(params, ", "))
	return run, nil
}

type logRun struct {
	id, name string
	step     int
}

func (r *logRun) ID() string { return r.id }

func (r *logRun) Log(metrics map[string]float64) error {
	var parts []string
	for _, key := range sortedKeys(metrics) {
		parts = append(parts, fmt.Sprintf("%s=%g", key, metrics[key]))
	}
	klog.V(1).Infof("Run %s step %d: %s", r.name, r.step, strings.Join(parts, ", "))
	r.step++
	return nil
}

func (r *logRun) Finish(status Status) error {
	klog.Infof("Run %s (%s) finished with status %s after %d steps", r.id, r.name, status, r.step)
	return nil
}

// Nop discards runs and metrics.
type Nop struct{}

// StartRun implements Tracker.
func (Nop) StartRun(RunConfig) (Run, error) { return nopRun{}, nil }

type nopRun struct{}

func (nopRun) ID() string                   { return "" }
func (nopRun) Log(map[string]float64) error { return nil }
func (nopRun) Finish(Status) error          { return nil }

// Multi sends runs to all the given trackers.
func Multi(trackers ...Tracker) Tracker { return multiTracker(trackers) }

type multiTracker []Tracker

// StartRun implements Tracker. If one of the trackers fails, the runs already started are finished as failed.
func (m multiTracker) StartRun(cfg RunConfig) (Run, error) {
	runs := make(multiRun, 0, len(m))
	for _, tracker := range m {
		run, err := tracker.StartRun(cfg)
		if err != nil {
			_ = runs.Finish(StatusFailed)
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

type multiRun []Run

func (m multiRun) ID() string {
	ids := make([]string, len(m))
	for ii, run := range m {
		ids[ii] = run.ID()
	}
	return strings.Join(ids, ",")
}

func (m multiRun) Log(metrics map[string]float64) error {
	for _, run := range m {
		if err := run.Log(metrics); err != nil {
			return err
		}
	}
	return nil
}

func (m multiRun) Finish(status Status) error {
	var firstErr error
	for _, run := range m {
		if err := run.Finish(status); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Memory keeps all runs in memory. It is safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	runs []*MemoryRun
}

// StartRun implements Tracker.
func (m *Memory) StartRun(cfg RunConfig) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &MemoryRun{Config: cfg, Status: StatusRunning, id: uuid.NewString(), mu: &m.mu}
	m.runs = append(m.runs, run)
	return run, nil
}

// Runs started so far.
func (m *Memory) Runs() []*MemoryRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MemoryRun(nil), m.runs...)
}

// MemoryRun is a run recorded by Memory.
type MemoryRun struct {
	Config  RunConfig
	Metrics []map[string]float64
	Status  Status

	id string
	mu *sync.Mutex
}

// ID implements Run.
func (r *MemoryRun) ID() string { return r.id }

// Log implements Run.
func (r *MemoryRun) Log(metrics map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status != StatusRunning {
		return errors.Errorf("run %s already finished", r.id)
	}
	copied := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		copied[k] = v
	}
	r.Metrics = append(r.Metrics, copied)
	return nil
}

// Finish implements Run.
func (r *MemoryRun) Finish(status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = status
	return nil
}

// Values returns all the values logged for the metric key, in order.
func (r *MemoryRun) Values(key string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var values []float64
	for _, metrics := range r.Metrics {
		if v, found := metrics[key]; found {
			values = append(values, v)
		}
	}
	return values
}
