// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer runs training epochs and evaluations of a model over batch providers, reporting
// progress to a human-readable writer and metrics to a sink.
package trainer

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/mnisttune/pkg/dataset"
	"github.com/gomlx/mnisttune/pkg/model"
)

// Model is what the Trainer and the Evaluator need from a classifier. It is implemented by model.Classifier.
type Model interface {
	// TrainStep applies one optimizer step with the batch and returns the batch mean loss.
	TrainStep(batch dataset.Batch) (float64, error)

	// EvalStep returns the summed loss and the number of correct predictions, without changing the model.
	EvalStep(batch dataset.Batch) (model.EvalResult, error)
}

// MetricsSink receives named metrics. It is implemented by tracking.Run.
type MetricsSink interface {
	Log(metrics map[string]float64) error
}

// Metric names sent to the MetricsSink.
const (
	MetricTrainingLoss = "training_loss"
	MetricTestLoss     = "test_loss"
)

// Trainer runs training epochs of a Model over a Provider.
type Trainer struct {
	model    Model
	provider dataset.Provider
	sink     MetricsSink
	out      io.Writer

	logInterval int
	dryRun      bool
	progressBar bool
}

// New creates a Trainer that logs every batch to os.Stdout and has no metrics sink.
// Use the With* methods to configure it.
func New(m Model, provider dataset.Provider) *Trainer {
	return &Trainer{
		model:       m,
		provider:    provider,
		out:         os.Stdout,
		logInterval: 1,
	}
}

// WithSink sets where the training loss is reported, at the same interval as the status lines.
func (t *Trainer) WithSink(sink MetricsSink) *Trainer {
	t.sink = sink
	return t
}

// WithOutput sets where the status lines are written.
func (t *Trainer) WithOutput(out io.Writer) *Trainer {
	t.out = out
	return t
}

// WithLogInterval sets the number of batches between status lines: batches 0, n, 2n, ... are reported.
func (t *Trainer) WithLogInterval(n int) *Trainer {
	t.logInterval = max(n, 1)
	return t
}

// WithDryRun makes RunEpoch stop right after the first reported batch.
func (t *Trainer) WithDryRun(dryRun bool) *Trainer {
	t.dryRun = dryRun
	return t
}

// WithProgressBar displays a progress bar on os.Stderr during the epoch.
func (t *Trainer) WithProgressBar(enabled bool) *Trainer {
	t.progressBar = enabled
	return t
}

// RunEpoch does one pass over the training batches, in the provider order, with one optimizer step per batch.
//
// The status line of a reported batch counts the examples processed including that batch.
// Epochs are numbered from 0.
func (t *Trainer) RunEpoch(epoch int) error {
	t.provider.Reset()
	total := t.provider.Len()
	var bar *progressbar.ProgressBar
	if t.progressBar {
		bar = progressbar.NewOptions(t.provider.NumBatches(),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d", epoch)),
			progressbar.OptionShowCount(),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			progressbar.OptionClearOnFinish(),
		)
		defer func() { _ = bar.Close() }()
	}

	start := time.Now()
	processed := 0
	for batchIdx := 0; ; batchIdx++ {
		batch, err := t.provider.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "epoch %d: failed to read batch %d of %q", epoch, batchIdx, t.provider.Name())
		}
		loss, err := t.model.TrainStep(batch)
		if err != nil {
			return errors.WithMessagef(err, "epoch %d: batch %d", epoch, batchIdx)
		}
		processed += batch.Size()
		if bar != nil {
			_ = bar.Add(1)
		}
		if batchIdx%t.logInterval != 0 {
			continue
		}
		_, _ = fmt.Fprintf(t.out, "Train Epoch: %d [%d/%d (%.0f%%)]\tLoss: %.6f\n",
			epoch, processed, total, 100.0*float64(processed)/float64(total), loss)
		if t.sink != nil {
			if err = t.sink.Log(map[string]float64{MetricTrainingLoss: loss}); err != nil {
				return errors.WithMessagef(err, "epoch %d: failed to log training loss", epoch)
			}
		}
		if t.dryRun {
			break
		}
	}
	klog.V(1).Infof("Epoch %d: trained on %s examples in %s", epoch, humanize.Comma(int64(processed)), time.Since(start))
	return nil
}
