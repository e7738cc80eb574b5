// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package search implements a sequential hyperparameter search, maximizing the value returned by an objective.
//
// A Study runs trials one at a time, each with params proposed by a Sampler, until the number of trials or the
// wall-clock budget is exhausted. The budget is only checked between trials: a running trial is never interrupted.
package search

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of a trial.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Trial is one evaluation of the objective.
type Trial struct {
	// Number of the trial in its study, starting from 0.
	Number int

	Params Params

	// Value returned by the objective, if the trial completed.
	Value float64

	State      State
	Start, End time.Time
}

// Duration of the trial, or 0 if it hasn't finished.
func (t Trial) Duration() time.Duration {
	if t.End.IsZero() {
		return 0
	}
	return t.End.Sub(t.Start)
}

// Objective runs one trial and returns its value, to be maximized.
type Objective func(ctx context.Context, trial Trial) (float64, error)

// Clock returns the current time. It can be replaced in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// OptimizeOptions bounds a call to Study.Optimize.
type OptimizeOptions struct {
	// NTrials is the maximum number of trials to run. It must be > 0.
	NTrials int

	// Timeout is the wall-clock budget: no new trial is started after it elapsed. If 0 there is no time limit.
	Timeout time.Duration
}

// ErrNoCompletedTrials is returned by Optimize if no trial completed.
var ErrNoCompletedTrials = errors.New("no trial completed")

// Study keeps the trials of a search and the best one so far.
type Study struct {
	sampler Sampler
	clock   Clock
	trials  []Trial
	best    int

	// queued params are run, in order, before any sampled ones.
	queued []Params
}

// NewStudy creates a study that gets its trials params from sampler.
func NewStudy(sampler Sampler) *Study {
	return &Study{sampler: sampler, clock: systemClock{}, best: -1}
}

// WithClock replaces the clock used to check the timeout and to timestamp the trials.
func (s *Study) WithClock(clock Clock) *Study {
	s.clock = clock
	return s
}

// Enqueue params to be run by the next trials, before the sampler is consulted. The params are not
// checked against the space of the sampler.
func (s *Study) Enqueue(params ...Params) *Study {
	s.queued = append(s.queued, params...)
	return s
}

// nextParams pops the first queued params, or asks the sampler.
func (s *Study) nextParams() Params {
	if len(s.queued) > 0 {
		params := s.queued[0]
		s.queued = s.queued[1:]
		klog.V(1).Infof("Trial %d uses enqueued params %v", len(s.trials), params.Map())
		return params
	}
	return s.sampler.Sample(s.Trials())
}

// Optimize runs trials sequentially, up to opts.NTrials or until opts.Timeout elapsed or ctx is cancelled,
// and returns the best trial.
//
// Trials are not retried: if the objective returns an error the trial is marked as failed, and the search is
// aborted with the error.
func (s *Study) Optimize(ctx context.Context, objective Objective, opts OptimizeOptions) (Trial, error) {
	if opts.NTrials <= 0 {
		return Trial{}, errors.Errorf("Optimize requires NTrials > 0, got %d", opts.NTrials)
	}
	start := s.clock.Now()
	for range opts.NTrials {
		if err := ctx.Err(); err != nil {
			klog.Infof("Search interrupted after %d trials: %v", len(s.trials), err)
			break
		}
		if elapsed := s.clock.Now().Sub(start); opts.Timeout > 0 && elapsed >= opts.Timeout {
			klog.Infof("Search timeout (%s) reached after %d trials", opts.Timeout, len(s.trials))
			break
		}

		trial := Trial{Number: len(s.trials), Params: s.nextParams(), State: StateCreated}
		trial.State = StateRunning
		trial.Start = s.clock.Now()
		klog.V(1).Infof("Trial %d started with %v", trial.Number, trial.Params.Map())
		value, err := objective(ctx, trial)
		trial.End = s.clock.Now()
		if err != nil {
			trial.State = StateFailed
			s.trials = append(s.trials, trial)
			return Trial{}, errors.WithMessagef(err, "trial %d with params %v failed", trial.Number, trial.Params.Map())
		}
		trial.State = StateComplete
		trial.Value = value
		s.trials = append(s.trials, trial)
		if s.best < 0 || value > s.trials[s.best].Value {
			s.best = trial.Number
		}
		klog.Infof("Trial %d finished with value %g in %s (best so far: trial %d with %g)",
			trial.Number, value, trial.Duration().Round(time.Millisecond), s.best, s.trials[s.best].Value)
	}
	best, found := s.Best()
	if !found {
		return Trial{}, ErrNoCompletedTrials
	}
	return best, nil
}

// Best returns the completed trial with the highest value, and whether there is one.
func (s *Study) Best() (Trial, bool) {
	if s.best < 0 {
		return Trial{}, false
	}
	return s.trials[s.best], true
}

// Trials returns a copy of all trials run so far, in order.
func (s *Study) Trials() []Trial {
	return append([]Trial(nil), s.trials...)
}
