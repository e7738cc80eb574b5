// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package search

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/thalesfsp/ho"
	"k8s.io/klog/v2"

	"github.com/gomlx/mnisttune/pkg/config"
)

// Sampler proposes the params of the next trial, given the history of the study.
type Sampler interface {
	Sample(history []Trial) Params
}

// NewSampler creates the sampler selected by cfg, seeded with seed.
func NewSampler(cfg config.SearchConfig, seed int64) (Sampler, error) {
	space := NewSpace(cfg)
	if err := space.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	switch cfg.Sampler {
	case config.SamplerRandom:
		return NewRandomSampler(space, rng), nil
	case config.SamplerBayes, "":
		acquisition, err := AcquisitionByName(cfg.Acquisition)
		if err != nil {
			return nil, err
		}
		return NewBayesSampler(space, rng).
			WithAcquisition(acquisition).
			WithStartupTrials(cfg.StartupTrials), nil
	}
	return nil, errors.Errorf("unknown sampler %q, valid values are %q and %q", cfg.Sampler, config.SamplerBayes, config.SamplerRandom)
}

// AcquisitionByName returns one of the acquisition functions of the ho package:
// "ei" (expected improvement), "ucb", "pi" (probability of improvement) or "thompson".
func AcquisitionByName(name string) (ho.AcquisitionFunc, error) {
	switch name {
	case "ei", "":
		return ho.ExpectedImprovement, nil
	case "ucb":
		return ho.UCB, nil
	case "pi":
		return ho.ProbabilityOfImprovement, nil
	case "thompson":
		return ho.ThompsonSampling, nil
	}
	return nil, errors.Errorf("unknown acquisition function %q, valid values are \"ei\", \"ucb\", \"pi\" and \"thompson\"", name)
}

// RandomSampler samples independently from the prior of the space.
type RandomSampler struct {
	space Space
	rng   *rand.Rand
}

// NewRandomSampler creates a RandomSampler.
func NewRandomSampler(space Space, rng *rand.Rand) *RandomSampler {
	return &RandomSampler{space: space, rng: rng}
}

// Sample implements Sampler.
func (s *RandomSampler) Sample([]Trial) Params {
	return s.space.Random(s.rng)
}

// BayesSampler fits a Gaussian process to the completed trials and proposes the candidate that minimizes the
// acquisition function. Accuracy is maximized, so the process models the negated trial values.
//
// The first trials, until there are StartupTrials completed ones, are sampled randomly.
type BayesSampler struct {
	space         Space
	rng           *rand.Rand
	acquisition   ho.AcquisitionFunc
	acqParams     ho.AcquisitionParams
	startupTrials int
	numCandidates int
}

// NewBayesSampler creates a BayesSampler with expected improvement acquisition, 2 startup trials
// and 256 candidates per proposal.
func NewBayesSampler(space Space, rng *rand.Rand) *BayesSampler {
	acqParams := ho.DefaultConfig().AcqParams
	acqParams.RandomState = rng
	return &BayesSampler{
		space:         space,
		rng:           rng,
		acquisition:   ho.ExpectedImprovement,
		acqParams:     acqParams,
		startupTrials: 2,
		numCandidates: 256,
	}
}

// WithAcquisition sets the acquisition function.
func (s *BayesSampler) WithAcquisition(acquisition ho.AcquisitionFunc) *BayesSampler {
	s.acquisition = acquisition
	return s
}

// WithStartupTrials sets the number of completed trials sampled randomly before using the surrogate model.
// It is at least 1.
func (s *BayesSampler) WithStartupTrials(n int) *BayesSampler {
	s.startupTrials = max(n, 1)
	return s
}

// WithCandidates sets the number of random candidates scored by the acquisition function per proposal.
func (s *BayesSampler) WithCandidates(n int) *BayesSampler {
	s.numCandidates = max(n, 1)
	return s
}

// Sample implements Sampler.
func (s *BayesSampler) Sample(history []Trial) Params {
	var (
		x [][]float64
		y []float64
	)
	best := math.MaxFloat64
	for _, trial := range history {
		if trial.State != StateComplete {
			continue
		}
		x = append(x, s.space.normalize(trial.Params))
		y = append(y, -trial.Value)
		best = min(best, -trial.Value)
	}
	if len(x) < s.startupTrials {
		return s.space.Random(s.rng)
	}

	gp := newGaussianProcess()
	if err := gp.Fit(x, y); err != nil {
		klog.Warningf("BayesSampler failed to fit surrogate model, sampling randomly: %+v", err)
		return s.space.Random(s.rng)
	}
	params := s.acqParams
	params.BestSoFar = best

	var (
		selected  Params
		bestScore = math.Inf(1)
	)
	for range s.numCandidates {
		candidate := s.space.Random(s.rng)
		mean, variance := gp.Predict(s.space.normalize(candidate))
		score := s.acquisition(mean, variance, params)
		if math.IsNaN(score) {
			continue
		}
		if score < bestScore {
			bestScore = score
			selected = candidate
		}
	}
	if math.IsInf(bestScore, 1) {
		return s.space.Random(s.rng)
	}
	klog.V(1).Infof("BayesSampler proposed %v (acquisition=%g) from %d completed trials", selected.Map(), bestScore, len(x))
	return selected
}
