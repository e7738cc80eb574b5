// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking sends the hyperparameters and metrics of training runs to an experiment tracker.
//
// A Tracker is created once per program and opens one Run per trial. Available trackers:
//
//   - LogTracker: logs everything with klog.
//   - JSONLTracker: one directory per run, with the run metadata and a JSON-lines file of metrics.
//   - MLflowTracker: an MLflow tracking server, through its REST API.
//   - Memory: keeps everything in memory, useful for tests.
//   - Nop: discards everything.
//
// Multi fans out to several trackers.
package tracking

import (
	"sort"
	"strings"

	"github.com/gomlx/mnisttune/pkg/config"
	"github.com/pkg/errors"
)

// Status of a run.
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
	StatusKilled   Status = "KILLED"
)

// RunConfig describes a run when it is started.
type RunConfig struct {
	// Project groups runs: it maps to an MLflow experiment, or a subdirectory of the JSONL tracker.
	Project string

	// Name of the run, e.g. "trial-003".
	Name string

	// Params are the hyperparameters of the run.
	Params map[string]any

	Tags map[string]string
}

// Tracker starts runs.
type Tracker interface {
	StartRun(cfg RunConfig) (Run, error)
}

// Run receives the metrics of one training run.
type Run interface {
	// ID of the run, unique within its tracker.
	ID() string

	// Log a set of metrics. Each call is one step, numbered from 0.
	Log(metrics map[string]float64) error

	// Finish closes the run with the given status. The run must not be used afterwards.
	Finish(status Status) error
}

// New creates the tracker selected by the configuration.
func New(cfg config.TrackingConfig) (Tracker, error) {
	switch cfg.Kind {
	case config.TrackerLog:
		return &LogTracker{}, nil
	case config.TrackerJSONL:
		return NewJSONLTracker(cfg.Dir)
	case config.TrackerMLflow:
		return NewMLflowTracker(cfg.MLflowURI, nil), nil
	case config.TrackerNone, "":
		return Nop{}, nil
	}
	return nil, errors.Errorf("unknown tracker %q", cfg.Kind)
}

// sortedKeys of a metrics or params map, for stable output.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sanitizeName makes a name usable as a directory name.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}
