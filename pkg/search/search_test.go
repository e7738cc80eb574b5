// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package search

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thalesfsp/ho"

	"github.com/gomlx/mnisttune/pkg/config"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testSpace() Space { return NewSpace(config.Default().Resolved().Search) }

func testSampler(seed int64) *RandomSampler {
	return NewRandomSampler(testSpace(), rand.New(rand.NewSource(seed)))
}

func constantObjective(v float64) Objective {
	return func(context.Context, Trial) (float64, error) { return v, nil }
}

func TestOptimizeNTrials(t *testing.T) {
	study := NewStudy(testSampler(1))
	var calls int
	best, err := study.Optimize(context.Background(), func(_ context.Context, trial Trial) (float64, error) {
		assert.Equal(t, calls, trial.Number)
		assert.Equal(t, StateRunning, trial.State)
		calls++
		return float64(trial.Number%3) / 10, nil
	}, OptimizeOptions{NTrials: 5, Timeout: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	require.Len(t, study.Trials(), 5)
	assert.Equal(t, 2, best.Number, "first trial with the highest value")
	assert.InDelta(t, 0.2, best.Value, 1e-12)
	for _, trial := range study.Trials() {
		assert.Equal(t, StateComplete, trial.State)
	}
}

func TestOptimizeTimeout(t *testing.T) {
	clock := newFakeClock()
	study := NewStudy(testSampler(1)).WithClock(clock)
	start := clock.Now()
	timeout := 600 * time.Second
	_, err := study.Optimize(context.Background(), func(context.Context, Trial) (float64, error) {
		clock.Advance(250 * time.Second)
		return 0.5, nil
	}, OptimizeOptions{NTrials: 5, Timeout: timeout})
	require.NoError(t, err)

	// Trials start at 0s, 250s and 500s; the 4th would start at 750s, after the timeout.
	trials := study.Trials()
	require.Len(t, trials, 3)
	for _, trial := range trials {
		assert.Less(t, trial.Start.Sub(start), timeout)
	}
	assert.Equal(t, 250*time.Second, trials[0].Duration())
}

func TestOptimizeRunningTrialNotInterrupted(t *testing.T) {
	clock := newFakeClock()
	study := NewStudy(testSampler(1)).WithClock(clock)
	best, err := study.Optimize(context.Background(), func(context.Context, Trial) (float64, error) {
		clock.Advance(time.Hour)
		return 0.9, nil
	}, OptimizeOptions{NTrials: 5, Timeout: time.Minute})
	require.NoError(t, err)
	assert.Len(t, study.Trials(), 1)
	assert.Equal(t, 0.9, best.Value)
}

func TestOptimizeFailure(t *testing.T) {
	study := NewStudy(testSampler(1))
	_, err := study.Optimize(context.Background(), func(_ context.Context, trial Trial) (float64, error) {
		if trial.Number == 1 {
			return 0, errors.New("loss is NaN")
		}
		return 0.7, nil
	}, OptimizeOptions{NTrials: 5})
	require.ErrorContains(t, err, "loss is NaN")
	require.ErrorContains(t, err, "trial 1")
	trials := study.Trials()
	require.Len(t, trials, 2, "search is aborted at the first failure")
	assert.Equal(t, StateFailed, trials[1].State)
	best, found := study.Best()
	require.True(t, found)
	assert.Equal(t, 0, best.Number)
}

func TestOptimizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	study := NewStudy(testSampler(1))
	_, err := study.Optimize(ctx, func(context.Context, Trial) (float64, error) {
		cancel()
		return 0.1, nil
	}, OptimizeOptions{NTrials: 5})
	require.NoError(t, err)
	assert.Len(t, study.Trials(), 1)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = NewStudy(testSampler(1)).Optimize(ctx, constantObjective(1), OptimizeOptions{NTrials: 5})
	require.ErrorIs(t, err, ErrNoCompletedTrials)
}

func TestOptimizeInvalid(t *testing.T) {
	_, err := NewStudy(testSampler(1)).Optimize(context.Background(), constantObjective(1), OptimizeOptions{})
	require.Error(t, err)
	_, found := NewStudy(testSampler(1)).Best()
	assert.False(t, found)
}

func TestSpace(t *testing.T) {
	space := Space{
		LearningRate: ho.ParameterRange[float64]{Min: 1e-5, Max: 1e-1},
		Epochs:       ho.ParameterRange[int]{Min: 1, Max: 3},
	}
	require.NoError(t, space.Validate())
	rng := rand.New(rand.NewSource(42))
	epochsSeen := make(map[int]bool)
	var lowDecades int
	for range 1000 {
		p := space.Random(rng)
		require.True(t, space.Contains(p), "%+v out of space", p)
		epochsSeen[p.Epochs] = true
		if p.LearningRate < 1e-3 {
			lowDecades++
		}
	}
	assert.Len(t, epochsSeen, 3)
	// Log-uniform: half of the samples are in the 2 lower decades.
	assert.InDelta(t, 500, lowDecades, 80)

	x := space.normalize(Params{LearningRate: 1e-3, Epochs: 3})
	assert.InDelta(t, 0.5, x[0], 1e-12)
	assert.InDelta(t, 1.0, x[1], 1e-12)

	// Degenerate epochs range.
	space = Space{
		LearningRate: ho.ParameterRange[float64]{Min: 1e-5, Max: 1e-1},
		Epochs:       ho.ParameterRange[int]{Min: 1, Max: 1},
	}
	for range 10 {
		assert.Equal(t, 1, space.Random(rng).Epochs)
	}
	assert.Equal(t, 0.0, space.normalize(Params{LearningRate: 1e-5, Epochs: 1})[1])

	assert.Error(t, Space{LearningRate: ho.ParameterRange[float64]{Min: 0, Max: 1}, Epochs: ho.ParameterRange[int]{Min: 1, Max: 1}}.Validate())
	assert.Error(t, Space{LearningRate: ho.ParameterRange[float64]{Min: 1e-3, Max: 1e-4}, Epochs: ho.ParameterRange[int]{Min: 1, Max: 1}}.Validate())
	assert.Error(t, Space{LearningRate: ho.ParameterRange[float64]{Min: 1e-4, Max: 1e-3}, Epochs: ho.ParameterRange[int]{Min: 2, Max: 1}}.Validate())
}

func TestParamsMap(t *testing.T) {
	p := Params{LearningRate: 0.001, Epochs: 2}
	assert.Equal(t, map[string]any{"lr": 0.001, "epochs": 2}, p.Map())
}

func TestGaussianProcess(t *testing.T) {
	gp := newGaussianProcess()
	x := [][]float64{{0, 0}, {0.5, 0}, {1, 0}}
	y := []float64{1, 3, 2}
	require.NoError(t, gp.Fit(x, y))
	for ii := range x {
		mean, variance := gp.Predict(x[ii])
		assert.InDelta(t, y[ii], mean, 1e-3, "interpolates observations")
		assert.Less(t, variance, 1e-3)
	}
	_, farVariance := gp.Predict([]float64{0.5, 1})
	_, nearVariance := gp.Predict([]float64{0.55, 0})
	assert.Greater(t, farVariance, nearVariance)

	require.Error(t, gp.Fit(nil, nil))
	require.Error(t, gp.Fit(x, y[:2]))
}

func TestBayesSampler(t *testing.T) {
	space := Space{
		LearningRate: ho.ParameterRange[float64]{Min: 1e-5, Max: 1e-1},
		Epochs:       ho.ParameterRange[int]{Min: 1, Max: 4},
	}
	for _, name := range []string{"ei", "ucb", "pi", "thompson"} {
		acquisition, err := AcquisitionByName(name)
		require.NoError(t, err)
		sampler := NewBayesSampler(space, rand.New(rand.NewSource(7))).WithAcquisition(acquisition).WithStartupTrials(2)
		study := NewStudy(sampler)
		// Accuracy peaks at lr=1e-3.
		_, err = study.Optimize(context.Background(), func(_ context.Context, trial Trial) (float64, error) {
			return 1 - math.Abs(math.Log10(trial.Params.LearningRate)+3)/4, nil
		}, OptimizeOptions{NTrials: 8})
		require.NoError(t, err, "acquisition %q", name)
		for _, trial := range study.Trials() {
			assert.True(t, space.Contains(trial.Params), "acquisition %q proposed %+v", name, trial.Params)
		}
	}
	_, err := AcquisitionByName("tpe")
	require.Error(t, err)
}

func TestBayesSamplerDeterministic(t *testing.T) {
	run := func() []Params {
		sampler := NewBayesSampler(testSpace(), rand.New(rand.NewSource(3)))
		study := NewStudy(sampler)
		_, err := study.Optimize(context.Background(), func(_ context.Context, trial Trial) (float64, error) {
			return -math.Abs(math.Log10(trial.Params.LearningRate) + 2), nil
		}, OptimizeOptions{NTrials: 5})
		require.NoError(t, err)
		var params []Params
		for _, trial := range study.Trials() {
			params = append(params, trial.Params)
		}
		return params
	}
	assert.Equal(t, run(), run())
}

func TestStudyEnqueue(t *testing.T) {
	baseline := Params{LearningRate: 0.0123, Epochs: 7}
	study := NewStudy(testSampler(1)).Enqueue(baseline)
	var seen []Params
	_, err := study.Optimize(context.Background(), func(_ context.Context, trial Trial) (float64, error) {
		seen = append(seen, trial.Params)
		return 0.5, nil
	}, OptimizeOptions{NTrials: 3})
	require.NoError(t, err)
	require.Len(t, seen, 3)
	assert.Equal(t, baseline, seen[0], "enqueued params run first, even if out of the space")
	space := testSpace()
	for _, p := range seen[1:] {
		assert.True(t, space.Contains(p))
		assert.NotEqual(t, baseline, p)
	}
	assert.Equal(t, baseline, study.Trials()[0].Params)

	// The queue is consumed: a new Optimize call only samples.
	_, err = study.Optimize(context.Background(), constantObjective(0.1), OptimizeOptions{NTrials: 1})
	require.NoError(t, err)
	assert.True(t, space.Contains(study.Trials()[3].Params))
}

func TestNewSampler(t *testing.T) {
	cfg := config.Default().Resolved().Search
	sampler, err := NewSampler(cfg, 1)
	require.NoError(t, err)
	assert.IsType(t, &BayesSampler{}, sampler)

	cfg.Sampler = config.SamplerRandom
	sampler, err = NewSampler(cfg, 1)
	require.NoError(t, err)
	assert.IsType(t, &RandomSampler{}, sampler)

	cfg.Sampler = "grid"
	_, err = NewSampler(cfg, 1)
	require.Error(t, err)

	cfg = config.Default().Resolved().Search
	cfg.Acquisition = "unknown"
	_, err = NewSampler(cfg, 1)
	require.Error(t, err)

	cfg = config.Default().Resolved().Search
	cfg.LRMin, cfg.LRMax = 1, 0.1
	_, err = NewSampler(cfg, 1)
	require.Error(t, err)
}
