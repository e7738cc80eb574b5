// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// RunInfoFile is the name of the run metadata file, in each run directory.
	RunInfoFile = "run.json"

	// MetricsFile is the name of the JSON-lines metrics file, in each run directory.
	MetricsFile = "metrics.jsonl"
)

// RunInfo is the metadata of a run, as stored by the JSONLTracker.
type RunInfo struct {
	RunID     string            `json:"run_id"`
	Project   string            `json:"project"`
	RunName   string            `json:"run_name"`
	Status    Status            `json:"status"`
	StartTime time.Time         `json:"start_time"`
	EndTime   *time.Time        `json:"end_time,omitempty"`
	Params    map[string]any    `json:"params,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Steps     int               `json:"steps"`
}

// MetricsRecord is one line of the metrics file.
type MetricsRecord struct {
	Step    int                `json:"step"`
	Time    time.Time          `json:"time"`
	Metrics map[string]float64 `json:"metrics"`
}

// JSONLTracker writes each run to the directory <dir>/<project>/<run name>-<run id>.
type JSONLTracker struct {
	dir string
}

// NewJSONLTracker creates the tracker, and the base directory if needed.
func NewJSONLTracker(dir string) (*JSONLTracker, error) {
	dir = fsutil.MustReplaceTildeInDir(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create tracking directory %q", dir)
	}
	return &JSONLTracker{dir: dir}, nil
}

// StartRun implements Tracker.
func (t *JSONLTracker) StartRun(cfg RunConfig) (Run, error) {
	info := RunInfo{
		RunID:     uuid.NewString(),
		Project:   cfg.Project,
		RunName:   cfg.Name,
		Status:    StatusRunning,
		StartTime: time.Now(),
		Params:    cfg.Params,
		Tags:      cfg.Tags,
	}
	runDir := filepath.Join(t.dir, sanitizeName(cfg.Project), sanitizeName(cfg.Name)+"-"+info.RunID[:8])
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create run directory %q", runDir)
	}
	metricsFile, err := os.Create(filepath.Join(runDir, MetricsFile))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create metrics file in %q", runDir)
	}
	run := &jsonlRun{dir: runDir, info: info, metricsFile: metricsFile, encoder: json.NewEncoder(metricsFile)}
	if err = run.writeInfo(); err != nil {
		_ = metricsFile.Close()
		return nil, err
	}
	return run, nil
}

type jsonlRun struct {
	dir         string
	info        RunInfo
	metricsFile *os.File
	encoder     *json.Encoder
}

func (r *jsonlRun) ID() string { return r.info.RunID }

func (r *jsonlRun) Log(metrics map[string]float64) error {
	if r.metricsFile == nil {
		return errors.Errorf("run %s already finished", r.info.RunID)
	}
	record := MetricsRecord{Step: r.info.Steps, Time: time.Now(), Metrics: metrics}
	if err := r.encoder.Encode(record); err != nil {
		return errors.Wrapf(err, "failed to write metrics of run %s", r.info.RunID)
	}
	r.info.Steps++
	return nil
}

func (r *jsonlRun) Finish(status Status) error {
	if r.metricsFile == nil {
		return errors.Errorf("run %s already finished", r.info.RunID)
	}
	err := r.metricsFile.Close()
	r.metricsFile = nil
	if err != nil {
		return errors.Wrapf(err, "failed to close metrics of run %s", r.info.RunID)
	}
	now := time.Now()
	r.info.Status = status
	r.info.EndTime = &now
	return r.writeInfo()
}

func (r *jsonlRun) writeInfo() error {
	contents, err := json.MarshalIndent(r.info, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode info of run %s", r.info.RunID)
	}
	infoPath := filepath.Join(r.dir, RunInfoFile)
	if err = os.WriteFile(infoPath, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %q", infoPath)
	}
	return nil
}

// ReadRunInfo reads the metadata of a run directory written by the JSONLTracker.
func ReadRunInfo(runDir string) (RunInfo, error) {
	var info RunInfo
	contents, err := os.ReadFile(filepath.Join(runDir, RunInfoFile))
	if err != nil {
		return info, errors.Wrapf(err, "failed to read run info in %q", runDir)
	}
	if err = json.Unmarshal(contents, &info); err != nil {
		return info, errors.Wrapf(err, "failed to parse run info in %q", runDir)
	}
	return info, nil
}
