// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math"

	"github.com/pkg/errors"
)

// LearningRateSetter is implemented by model.Classifier.
type LearningRateSetter interface {
	SetLearningRate(lr float64) error
}

// StepDecay multiplies the learning rate by Gamma every StepSize calls to Step.
type StepDecay struct {
	target   LearningRateSetter
	base     float64
	gamma    float64
	stepSize int
	steps    int
}

// NewStepDecay creates a schedule that decays the learning rate once per Step, starting from base.
func NewStepDecay(target LearningRateSetter, base, gamma float64) *StepDecay {
	return &StepDecay{target: target, base: base, gamma: gamma, stepSize: 1}
}

// WithStepSize changes the number of calls to Step between decays.
func (s *StepDecay) WithStepSize(stepSize int) *StepDecay {
	s.stepSize = max(stepSize, 1)
	return s
}

// LearningRate for the current number of steps.
func (s *StepDecay) LearningRate() float64 {
	return s.base * math.Pow(s.gamma, float64(s.steps/s.stepSize))
}

// Step is called at the end of every epoch, and updates the target learning rate when it changes.
func (s *StepDecay) Step() error {
	previous := s.LearningRate()
	s.steps++
	lr := s.LearningRate()
	if lr == previous {
		return nil
	}
	if err := s.target.SetLearningRate(lr); err != nil {
		return errors.WithMessagef(err, "learning rate schedule step %d", s.steps)
	}
	return nil
}
