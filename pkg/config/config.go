// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the settings of a tuning session: training hyperparameters, search bounds,
// tracking backend and output locations.
//
// A Config is resolved once (defaults, then an optional YAML file, then explicitly set flags),
// validated, and then passed around by value.
package config

import (
	"os"
	"time"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Sampler names accepted by SearchConfig.Sampler.
const (
	SamplerBayes  = "bayes"
	SamplerRandom = "random"
)

// Tracker names accepted by TrackingConfig.Kind.
const (
	TrackerLog    = "log"
	TrackerJSONL  = "jsonl"
	TrackerMLflow = "mlflow"
	TrackerNone   = "none"
)

// Config of a tuning session.
type Config struct {
	BatchSize     int     `yaml:"batch_size"`
	TestBatchSize int     `yaml:"test_batch_size"`
	Epochs        int     `yaml:"epochs"`
	LearningRate  float64 `yaml:"lr"`

	// DecayFactor multiplies the learning rate at the end of every epoch.
	DecayFactor float64 `yaml:"gamma"`
	Seed        int64   `yaml:"seed"`
	LogInterval int     `yaml:"log_interval"`

	// UseAccelerator is false when "-no-cuda" is given: the backend is then forced to a CPU one.
	UseAccelerator bool `yaml:"use_accelerator"`
	DryRun         bool `yaml:"dry_run"`
	SaveModel      bool `yaml:"save_model"`

	// DataDir where the MNIST files are stored. A leading "~" is expanded to the home directory.
	DataDir  string `yaml:"data_dir"`
	Download bool   `yaml:"download"`

	// Backend is a GoMLX backend configuration (e.g. "go" or "xla:cuda"). It takes precedence over UseAccelerator.
	Backend string `yaml:"backend"`

	// ModelSettings are GoMLX context hyperparameters for the CNN, in the "-set" format, e.g. "cnn_dropout_rate=0.3".
	ModelSettings string `yaml:"set"`

	// ModelDir is the base directory for saved models: each trial saves under ModelDir/trial-NNN.
	ModelDir string `yaml:"model_dir"`
	Progress bool   `yaml:"progress"`

	ReportCSV  string `yaml:"report_csv"`
	ReportPlot string `yaml:"report_plot"`

	Search   SearchConfig   `yaml:"search"`
	Tracking TrackingConfig `yaml:"tracking"`
}

// SearchConfig bounds the hyperparameter search.
type SearchConfig struct {
	NTrials int           `yaml:"n_trials"`
	Timeout time.Duration `yaml:"timeout"`

	// LRMin and LRMax bound the log-uniform learning rate distribution.
	LRMin float64 `yaml:"lr_min"`
	LRMax float64 `yaml:"lr_max"`

	// EpochsMin and EpochsMax bound the number of epochs searched. An EpochsMax of 0 means Config.Epochs,
	// see Config.Resolved.
	EpochsMin int `yaml:"epochs_min"`
	EpochsMax int `yaml:"epochs_max"`

	// EnqueueBaseline runs the configured lr and epochs as the first trial, before any sampled one.
	EnqueueBaseline bool `yaml:"enqueue_baseline"`

	Sampler     string `yaml:"sampler"`
	Acquisition string `yaml:"acquisition"`

	// StartupTrials are sampled at random before the Bayesian sampler kicks in.
	StartupTrials int `yaml:"startup_trials"`
}

// TrackingConfig selects where metrics of each trial are sent.
type TrackingConfig struct {
	Kind      string `yaml:"kind"`
	Project   string `yaml:"project"`
	Dir       string `yaml:"dir"`
	MLflowURI string `yaml:"mlflow_uri"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		BatchSize:      64,
		TestBatchSize:  1000,
		Epochs:         2,
		LearningRate:   0.002,
		DecayFactor:    0.7,
		Seed:           1,
		LogInterval:    10,
		UseAccelerator: true,
		DataDir:        "~/tmp/mnist",
		Download:       true,
		ModelDir:       "mnist_cnn",
		Search: SearchConfig{
			NTrials:         5,
			Timeout:         600 * time.Second,
			LRMin:           1e-5,
			LRMax:           1e-1,
			EpochsMin:       1,
			EpochsMax:       0,
			EnqueueBaseline: true,
			Sampler:         SamplerBayes,
			Acquisition:     "ei",
			StartupTrials:   2,
		},
		Tracking: TrackingConfig{
			Kind:    TrackerLog,
			Project: "plr_exercies",
			Dir:     "runs",
		},
	}
}

// LoadFile reads a YAML file on top of base: fields missing in the file keep the values of base.
func LoadFile(filePath string, base Config) (Config, error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return base, errors.Wrapf(err, "failed to read configuration file %q", filePath)
	}
	cfg := base
	if err = yaml.Unmarshal(contents, &cfg); err != nil {
		return base, errors.Wrapf(err, "failed to parse configuration file %q", filePath)
	}
	return cfg, nil
}

// Resolved returns the configuration with the settings that default to other settings filled in:
// a search EpochsMax of 0 becomes Epochs.
func (c Config) Resolved() Config {
	if c.Search.EpochsMax == 0 {
		c.Search.EpochsMax = c.Epochs
	}
	return c
}

// Validate returns an error describing the first invalid setting, or nil.
// It validates the Resolved configuration.
func (c Config) Validate() error {
	c = c.Resolved()
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0, got %d", c.BatchSize)
	}
	if c.TestBatchSize <= 0 {
		return errors.Errorf("test_batch_size must be > 0, got %d", c.TestBatchSize)
	}
	if c.Epochs < 1 {
		return errors.Errorf("epochs must be >= 1, got %d", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("lr must be > 0, got %g", c.LearningRate)
	}
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		return errors.Errorf("gamma must be in (0, 1], got %g", c.DecayFactor)
	}
	if c.LogInterval <= 0 {
		return errors.Errorf("log_interval must be > 0, got %d", c.LogInterval)
	}
	if c.SaveModel && c.ModelDir == "" {
		return errors.New("save_model requires a model_dir")
	}
	if err := c.Search.Validate(); err != nil {
		return errors.WithMessage(err, "invalid search configuration")
	}
	if err := c.Tracking.Validate(); err != nil {
		return errors.WithMessage(err, "invalid tracking configuration")
	}
	return nil
}

// Validate the search bounds.
func (s SearchConfig) Validate() error {
	if s.NTrials < 1 {
		return errors.Errorf("n_trials must be >= 1, got %d", s.NTrials)
	}
	if s.Timeout <= 0 {
		return errors.Errorf("timeout must be > 0, got %s", s.Timeout)
	}
	if s.LRMin <= 0 || s.LRMin >= s.LRMax {
		return errors.Errorf("learning rate range must satisfy 0 < lr_min < lr_max, got [%g, %g]", s.LRMin, s.LRMax)
	}
	if s.EpochsMin < 1 || s.EpochsMin > s.EpochsMax {
		return errors.Errorf("epochs range must satisfy 1 <= epochs_min <= epochs_max, got [%d, %d]",
			s.EpochsMin, s.EpochsMax)
	}
	switch s.Sampler {
	case SamplerBayes, SamplerRandom:
	default:
		return errors.Errorf("unknown sampler %q, valid values are %q or %q", s.Sampler, SamplerBayes, SamplerRandom)
	}
	switch s.Acquisition {
	case "ei", "ucb", "pi", "thompson":
	default:
		return errors.Errorf("unknown acquisition function %q, valid values are ei, ucb, pi or thompson", s.Acquisition)
	}
	if s.StartupTrials < 0 {
		return errors.Errorf("startup_trials must be >= 0, got %d", s.StartupTrials)
	}
	return nil
}

// Validate the tracking settings.
func (t TrackingConfig) Validate() error {
	switch t.Kind {
	case TrackerLog, TrackerNone:
	case TrackerJSONL:
		if t.Dir == "" {
			return errors.New("tracker \"jsonl\" requires a tracking directory")
		}
	case TrackerMLflow:
		if t.MLflowURI == "" {
			return errors.New("tracker \"mlflow\" requires -mlflow-uri")
		}
	default:
		return errors.Errorf("unknown tracker %q", t.Kind)
	}
	return nil
}

// BackendConfig returns the GoMLX backend configuration string to use.
// An empty string means the default backend.
func (c Config) BackendConfig() string {
	if c.Backend != "" {
		return c.Backend
	}
	if !c.UseAccelerator {
		return "xla:cpu"
	}
	return ""
}
