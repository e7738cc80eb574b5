// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"bytes"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/mnisttune/pkg/dataset"
	"github.com/gomlx/mnisttune/pkg/model"
)

// countingProvider wraps a provider and counts the batches yielded.
type countingProvider struct {
	dataset.Provider
	yields int
	err    error
}

func (p *countingProvider) Yield() (dataset.Batch, error) {
	if p.err != nil {
		return dataset.Batch{}, p.err
	}
	batch, err := p.Provider.Yield()
	if err == nil {
		p.yields++
	}
	return batch, err
}

func newProvider(t *testing.T, labels []int32, batchSize int) *countingProvider {
	images := make([]float32, len(labels)*dataset.ImageSize)
	for ii := range labels {
		images[ii*dataset.ImageSize] = float32(ii)
	}
	ds, err := dataset.NewInMemory("stub", images, labels, batchSize, nil)
	require.NoError(t, err)
	return &countingProvider{Provider: ds}
}

// stubModel returns as loss the sum of the first pixel of each image, scaled by the number of steps taken,
// and predicts class 0 for every example.
type stubModel struct {
	steps    int
	trainErr error
}

func (m *stubModel) TrainStep(batch dataset.Batch) (float64, error) {
	if m.trainErr != nil {
		return 0, m.trainErr
	}
	m.steps++
	var sum float64
	for ii := range batch.Size() {
		sum += float64(batch.Images[ii*dataset.ImageSize])
	}
	return sum / float64(m.steps), nil
}

func (m *stubModel) EvalStep(batch dataset.Batch) (model.EvalResult, error) {
	var result model.EvalResult
	for _, label := range batch.Labels {
		if label == 0 {
			result.Correct++
			result.SumLoss += 0.5
		} else {
			result.SumLoss += 2
		}
	}
	return result, nil
}

type recordingSink struct {
	records []map[string]float64
	err     error
}

func (s *recordingSink) Log(metrics map[string]float64) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, metrics)
	return nil
}

func TestRunEpochStatusLines(t *testing.T) {
	provider := newProvider(t, []int32{0, 1, 2, 3}, 2)
	sink := &recordingSink{}
	var out bytes.Buffer
	tr := New(&stubModel{}, provider).WithSink(sink).WithOutput(&out).WithLogInterval(1)
	require.NoError(t, tr.RunEpoch(0))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Train Epoch: 0 [2/4 (50%)]\tLoss: 1.000000", lines[0])
	assert.Equal(t, "Train Epoch: 0 [4/4 (100%)]\tLoss: 2.500000", lines[1])
	require.Len(t, sink.records, 2)
	assert.Equal(t, map[string]float64{MetricTrainingLoss: 1}, sink.records[0])
	assert.Equal(t, 2, provider.yields)
}

func TestRunEpochLogInterval(t *testing.T) {
	provider := newProvider(t, make([]int32, 10), 1)
	sink := &recordingSink{}
	var out bytes.Buffer
	tr := New(&stubModel{}, provider).WithSink(sink).WithOutput(&out).WithLogInterval(4)
	require.NoError(t, tr.RunEpoch(2))
	assert.Equal(t, 10, provider.yields, "all batches are trained")
	assert.Len(t, sink.records, 3, "batches 0, 4 and 8 are reported")
	assert.Contains(t, out.String(), "[1/10 (10%)]")
	assert.Contains(t, out.String(), "[5/10 (50%)]")
	assert.Contains(t, out.String(), "[9/10 (90%)]")
}

func TestRunEpochDryRun(t *testing.T) {
	provider := newProvider(t, make([]int32, 8), 2)
	m := &stubModel{}
	var out bytes.Buffer
	tr := New(m, provider).WithOutput(&out).WithLogInterval(10).WithDryRun(true)
	require.NoError(t, tr.RunEpoch(1))
	assert.Equal(t, 1, provider.yields)
	assert.Equal(t, 1, m.steps)
	assert.Equal(t, 1, strings.Count(out.String(), "Train Epoch"))
}

func TestRunEpochDeterministic(t *testing.T) {
	run := func() string {
		var out bytes.Buffer
		tr := New(&stubModel{}, newProvider(t, make([]int32, 7), 3)).WithOutput(&out)
		require.NoError(t, tr.RunEpoch(1))
		return out.String()
	}
	assert.Equal(t, run(), run())
}

func TestRunEpochErrors(t *testing.T) {
	var out bytes.Buffer
	tr := New(&stubModel{trainErr: errors.New("boom")}, newProvider(t, make([]int32, 4), 2)).WithOutput(&out)
	require.ErrorContains(t, tr.RunEpoch(1), "boom")

	provider := newProvider(t, make([]int32, 4), 2)
	provider.err = errors.New("disk failure")
	require.ErrorContains(t, New(&stubModel{}, provider).WithOutput(&out).RunEpoch(1), "disk failure")

	sink := &recordingSink{err: errors.New("tracker down")}
	tr = New(&stubModel{}, newProvider(t, make([]int32, 4), 2)).WithOutput(&out).WithSink(sink)
	require.ErrorContains(t, tr.RunEpoch(1), "tracker down")
}

func TestEvaluate(t *testing.T) {
	// 3 of the 5 labels are 0, which the stub model predicts correctly.
	provider := newProvider(t, []int32{0, 1, 0, 2, 0}, 2)
	sink := &recordingSink{}
	var out bytes.Buffer
	ev := NewEvaluator(&stubModel{}, provider).WithSink(sink).WithOutput(&out)

	result, err := ev.EvaluateResult()
	require.NoError(t, err)
	assert.Equal(t, 3, result.Correct)
	assert.Equal(t, 5, result.Total)
	assert.InDelta(t, (3*0.5+2*2)/5.0, result.MeanLoss, 1e-12)
	assert.InDelta(t, 0.6, result.Accuracy(), 1e-12)
	assert.Equal(t, "\nTest set: Average loss: 1.1000, Accuracy: 3/5 (60%)\n\n", out.String())
	require.Len(t, sink.records, 1)
	assert.InDelta(t, 1.1, sink.records[0][MetricTestLoss], 1e-12)

	accuracy, err := ev.Evaluate()
	require.NoError(t, err)
	assert.InDelta(t, 0.6, accuracy, 1e-12)
}

func TestEvaluateAllCorrect(t *testing.T) {
	ev := NewEvaluator(&stubModel{}, newProvider(t, []int32{0, 0, 0}, 10)).WithOutput(io.Discard)
	result, err := ev.EvaluateResult()
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Accuracy())
	assert.InDelta(t, 0.5, result.MeanLoss, 1e-12)
}

func TestEvaluateEmpty(t *testing.T) {
	ev := NewEvaluator(&stubModel{}, newProvider(t, nil, 10)).WithOutput(io.Discard)
	_, err := ev.Evaluate()
	require.Error(t, err)
}

type lrRecorder struct{ values []float64 }

func (r *lrRecorder) SetLearningRate(lr float64) error {
	r.values = append(r.values, lr)
	return nil
}

func TestStepDecay(t *testing.T) {
	target := &lrRecorder{}
	schedule := NewStepDecay(target, 0.1, 0.5)
	assert.InDelta(t, 0.1, schedule.LearningRate(), 1e-12)
	for range 3 {
		require.NoError(t, schedule.Step())
	}
	require.Len(t, target.values, 3)
	assert.InDelta(t, 0.05, target.values[0], 1e-12)
	assert.InDelta(t, 0.025, target.values[1], 1e-12)
	assert.InDelta(t, 0.0125, target.values[2], 1e-12)

	target = &lrRecorder{}
	schedule = NewStepDecay(target, 1, 0.7).WithStepSize(2)
	require.NoError(t, schedule.Step())
	assert.Empty(t, target.values)
	require.NoError(t, schedule.Step())
	require.Len(t, target.values, 1)
	assert.InDelta(t, 0.7, target.values[0], 1e-12)

	// A gamma of 1 never changes the learning rate.
	target = &lrRecorder{}
	schedule = NewStepDecay(target, 0.3, 1)
	require.NoError(t, schedule.Step())
	assert.Empty(t, target.values)
	assert.False(t, math.IsNaN(schedule.LearningRate()))
}
