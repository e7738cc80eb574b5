// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package experiment builds and runs the trials of the hyperparameter search: each trial trains a fresh
// classifier for a few epochs, evaluating it after each one, and reports the final test accuracy.
//
// It also generates the reports of a finished search: see RenderSummary, WriteTrialsCSV and PlotTrials.
package experiment

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/mnisttune/pkg/config"
	"github.com/gomlx/mnisttune/pkg/dataset"
	"github.com/gomlx/mnisttune/pkg/model"
	"github.com/gomlx/mnisttune/pkg/search"
	"github.com/gomlx/mnisttune/pkg/tracking"
	"github.com/gomlx/mnisttune/pkg/trainer"
)

// Hyperparams of one trial.
type Hyperparams struct {
	LearningRate float64
	Epochs       int
	DecayFactor  float64
}

// Validate the hyperparameters.
func (hp Hyperparams) Validate() error {
	if hp.LearningRate <= 0 {
		return errors.Errorf("learning rate must be > 0, got %g", hp.LearningRate)
	}
	if hp.Epochs < 1 {
		return errors.Errorf("epochs must be >= 1, got %d", hp.Epochs)
	}
	if hp.DecayFactor <= 0 || hp.DecayFactor > 1 {
		return errors.Errorf("decay factor must be in (0, 1], got %g", hp.DecayFactor)
	}
	return nil
}

// Model trained by a Session.
type Model interface {
	trainer.Model
	trainer.LearningRateSetter
	Save(dir string) error
	Finalize()
}

// ModelFactory creates a fresh model.
type ModelFactory func(opts model.Options) (Model, error)

// ClassifierFactory creates model.Classifier models on the given backend.
func ClassifierFactory(backend backends.Backend) ModelFactory {
	return func(opts model.Options) (Model, error) {
		c, err := model.New(backend, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Env holds what is shared by all the trials of a search.
type Env struct {
	NewModel ModelFactory
	Data     DataSource
	Tracker  tracking.Tracker

	// Output for the progress lines. If nil, os.Stdout is used.
	Output io.Writer
}

// Session is one trial: a fresh model, its optimizer and learning rate schedule, and fresh data providers.
type Session struct {
	cfg         config.Config
	hp          Hyperparams
	env         Env
	model       Model
	train, test dataset.Provider
	schedule    *trainer.StepDecay
}

// NewSession creates everything needed to train a model with the given hyperparameters.
// Nothing is shared with other sessions, except what is in env.
func NewSession(cfg config.Config, hp Hyperparams, env Env) (*Session, error) {
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	if env.NewModel == nil || env.Data == nil || env.Tracker == nil {
		return nil, errors.New("experiment.Env requires NewModel, Data and Tracker")
	}
	if env.Output == nil {
		env.Output = os.Stdout
	}
	train, test, err := env.Data.Providers(cfg)
	if err != nil {
		return nil, err
	}
	m, err := env.NewModel(model.Options{LearningRate: hp.LearningRate, Seed: cfg.Seed, Settings: cfg.ModelSettings})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create model")
	}
	return &Session{
		cfg:      cfg,
		hp:       hp,
		env:      env,
		model:    m,
		train:    train,
		test:     test,
		schedule: trainer.NewStepDecay(m, hp.LearningRate, hp.DecayFactor),
	}, nil
}

// TrialName returns the name of the trial number n, used for its tracking run and its model directory.
func TrialName(n int) string {
	return fmt.Sprintf("trial-%03d", n)
}

// ModelDir where the model of trial n is saved.
func ModelDir(cfg config.Config, n int) string {
	return filepath.Join(fsutil.MustReplaceTildeInDir(cfg.ModelDir), TrialName(n))
}

// Run trains the model for the configured number of epochs, evaluating it after each one, and returns the
// accuracy of the last evaluation. The metrics are logged to a tracking run named after the trial.
func (s *Session) Run(trial int) (accuracy float64, err error) {
	run, err := s.env.Tracker.StartRun(tracking.RunConfig{
		Project: s.cfg.Tracking.Project,
		Name:    TrialName(trial),
		Params: map[string]any{
			"learning_rate":   s.hp.LearningRate,
			"epochs":          s.hp.Epochs,
			"decay_factor":    s.hp.DecayFactor,
			"trial":           trial,
			"batch_size":      s.cfg.BatchSize,
			"seed":            s.cfg.Seed,
			"baseline_lr":     s.cfg.LearningRate,
			"baseline_epochs": s.cfg.Epochs,
		},
		Tags: map[string]string{"project": s.cfg.Tracking.Project, "sampler": s.cfg.Search.Sampler},
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to start tracking run for trial %d", trial)
	}
	defer func() {
		status := tracking.StatusFinished
		if err != nil {
			status = tracking.StatusFailed
		}
		if finishErr := run.Finish(status); finishErr != nil {
			klog.Errorf("Failed to finish tracking run %s: %+v", run.ID(), finishErr)
		}
	}()

	tr := trainer.New(s.model, s.train).
		WithSink(run).
		WithOutput(s.env.Output).
		WithLogInterval(s.cfg.LogInterval).
		WithDryRun(s.cfg.DryRun).
		WithProgressBar(s.cfg.Progress)
	evaluator := trainer.NewEvaluator(s.model, s.test).
		WithSink(run).
		WithOutput(s.env.Output)
	for epoch := range s.hp.Epochs {
		if err = tr.RunEpoch(epoch); err != nil {
			return 0, err
		}
		if accuracy, err = evaluator.Evaluate(); err != nil {
			return 0, err
		}
		if err = s.schedule.Step(); err != nil {
			return 0, err
		}
	}
	if err = run.Log(map[string]float64{"accuracy": accuracy}); err != nil {
		return 0, err
	}

	if s.cfg.SaveModel {
		dir := ModelDir(s.cfg, trial)
		if err = s.model.Save(dir); err != nil {
			return 0, err
		}
		klog.Infof("Trial %d model saved to %q", trial, dir)
	}
	return accuracy, nil
}

// Close releases the model.
func (s *Session) Close() {
	s.model.Finalize()
}

// NewStudy creates the search study configured by cfg. If cfg.Search.EnqueueBaseline is set, the first trial
// runs cfg.LearningRate and cfg.Epochs, and the following ones are sampled.
func NewStudy(cfg config.Config) (*search.Study, error) {
	cfg = cfg.Resolved()
	sampler, err := search.NewSampler(cfg.Search, cfg.Seed)
	if err != nil {
		return nil, err
	}
	study := search.NewStudy(sampler)
	if cfg.Search.EnqueueBaseline {
		baseline := search.Params{LearningRate: cfg.LearningRate, Epochs: cfg.Epochs}
		study.Enqueue(baseline)
		klog.Infof("Baseline trial enqueued with %v", baseline.Map())
	}
	return study, nil
}

// Objective returns the search objective: each trial runs a new Session with the sampled learning rate and
// number of epochs, and the configured decay factor.
func Objective(cfg config.Config, env Env) search.Objective {
	return func(_ context.Context, trial search.Trial) (float64, error) {
		hp := Hyperparams{
			LearningRate: trial.Params.LearningRate,
			Epochs:       trial.Params.Epochs,
			DecayFactor:  cfg.DecayFactor,
		}
		session, err := NewSession(cfg, hp, env)
		if err != nil {
			return 0, err
		}
		defer session.Close()
		return session.Run(trial.Number)
	}
}
