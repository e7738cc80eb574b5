// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/gomlx/mnisttune/pkg/dataset"
)

// EvalResult aggregates one evaluation pass.
type EvalResult struct {
	// MeanLoss is the summed per-example loss divided by the number of examples.
	MeanLoss float64
	Correct  int
	Total    int
}

// Accuracy is Correct/Total, in [0, 1].
func (r EvalResult) Accuracy() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Correct) / float64(r.Total)
}

// Evaluator computes the loss and accuracy of a Model over a Provider. It never changes the model.
type Evaluator struct {
	model    Model
	provider dataset.Provider
	sink     MetricsSink
	out      io.Writer
}

// NewEvaluator creates an Evaluator that reports to os.Stdout and has no metrics sink.
func NewEvaluator(m Model, provider dataset.Provider) *Evaluator {
	return &Evaluator{model: m, provider: provider, out: os.Stdout}
}

// WithSink sets where the mean test loss is reported.
func (e *Evaluator) WithSink(sink MetricsSink) *Evaluator {
	e.sink = sink
	return e
}

// WithOutput sets where the summary is written.
func (e *Evaluator) WithOutput(out io.Writer) *Evaluator {
	e.out = out
	return e
}

// Evaluate does one pass over the test batches and returns the accuracy.
func (e *Evaluator) Evaluate() (float64, error) {
	result, err := e.EvaluateResult()
	if err != nil {
		return 0, err
	}
	return result.Accuracy(), nil
}

// EvaluateResult does one pass over the test batches and returns the aggregated result.
func (e *Evaluator) EvaluateResult() (EvalResult, error) {
	e.provider.Reset()
	var (
		result  EvalResult
		sumLoss float64
	)
	for batchIdx := 0; ; batchIdx++ {
		batch, err := e.provider.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, errors.WithMessagef(err, "failed to read batch %d of %q", batchIdx, e.provider.Name())
		}
		stepResult, err := e.model.EvalStep(batch)
		if err != nil {
			return result, errors.WithMessagef(err, "evaluation of batch %d", batchIdx)
		}
		sumLoss += stepResult.SumLoss
		result.Correct += stepResult.Correct
		result.Total += batch.Size()
	}
	if result.Total == 0 {
		return result, errors.Errorf("evaluation dataset %q is empty", e.provider.Name())
	}
	result.MeanLoss = sumLoss / float64(result.Total)

	if e.sink != nil {
		if err := e.sink.Log(map[string]float64{MetricTestLoss: result.MeanLoss}); err != nil {
			return result, errors.WithMessage(err, "failed to log test loss")
		}
	}
	_, _ = fmt.Fprintf(e.out, "\nTest set: Average loss: %.4f, Accuracy: %d/%d (%.0f%%)\n\n",
		result.MeanLoss, result.Correct, result.Total, 100.0*result.Accuracy())
	return result, nil
}
