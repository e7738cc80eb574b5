// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package search

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/thalesfsp/ho"
	"golang.org/x/exp/constraints"

	"github.com/gomlx/mnisttune/pkg/config"
)

// Params is one point of the search space.
type Params struct {
	LearningRate float64
	Epochs       int
}

// Map returns the params keyed by their short names, as they are reported ("lr" and "epochs").
func (p Params) Map() map[string]any {
	return map[string]any{"lr": p.LearningRate, "epochs": p.Epochs}
}

// Space is the search space: the learning rate is sampled log-uniformly and the number of epochs
// uniformly, both with inclusive bounds.
type Space struct {
	LearningRate ho.ParameterRange[float64]
	Epochs       ho.ParameterRange[int]
}

// NewSpace creates the Space from the search configuration.
func NewSpace(cfg config.SearchConfig) Space {
	return Space{
		LearningRate: ho.ParameterRange[float64]{Min: cfg.LRMin, Max: cfg.LRMax},
		Epochs:       ho.ParameterRange[int]{Min: cfg.EpochsMin, Max: cfg.EpochsMax},
	}
}

// Validate the space ranges.
func (s Space) Validate() error {
	if s.LearningRate.Min <= 0 || s.LearningRate.Min > s.LearningRate.Max {
		return errors.Errorf("invalid learning rate range [%g, %g]: it must be positive and min <= max",
			s.LearningRate.Min, s.LearningRate.Max)
	}
	if s.Epochs.Min < 1 || s.Epochs.Min > s.Epochs.Max {
		return errors.Errorf("invalid epochs range [%d, %d]: it must be >= 1 and min <= max",
			s.Epochs.Min, s.Epochs.Max)
	}
	return nil
}

// Random samples a point from the prior distribution of the space.
func (s Space) Random(rng *rand.Rand) Params {
	logMin, logMax := math.Log10(s.LearningRate.Min), math.Log10(s.LearningRate.Max)
	lr := math.Pow(10, logMin+rng.Float64()*(logMax-logMin))
	return Params{
		LearningRate: clip(lr, s.LearningRate),
		Epochs:       s.Epochs.Min + rng.Intn(s.Epochs.Max-s.Epochs.Min+1),
	}
}

// Contains returns whether p is within the space.
func (s Space) Contains(p Params) bool {
	return inRange(p.LearningRate, s.LearningRate) && inRange(p.Epochs, s.Epochs)
}

// normalize maps p to the unit square, with the learning rate in log-scale.
// A degenerate dimension (min == max) maps to 0.
func (s Space) normalize(p Params) []float64 {
	logMin, logMax := math.Log10(s.LearningRate.Min), math.Log10(s.LearningRate.Max)
	return []float64{
		unit(math.Log10(p.LearningRate), logMin, logMax),
		unit(float64(p.Epochs), float64(s.Epochs.Min), float64(s.Epochs.Max)),
	}
}

func unit(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}

func clip[T constraints.Integer | constraints.Float](v T, r ho.ParameterRange[T]) T {
	return min(max(v, r.Min), r.Max)
}

func inRange[T constraints.Integer | constraints.Float](v T, r ho.ParameterRange[T]) bool {
	return v >= r.Min && v <= r.Max
}
