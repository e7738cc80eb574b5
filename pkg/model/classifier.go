// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/mnisttune/pkg/dataset"
)

// Options to create a Classifier.
type Options struct {
	// LearningRate of the Adam optimizer.
	LearningRate float64

	// Seed of the context random number generator, used to initialize the variables and for dropout.
	Seed int64

	// Settings overwrites the default model hyperparameters, in the "-set" flag format,
	// e.g. "cnn_dropout_rate=0;hidden_units=64".
	Settings string
}

// EvalResult of one evaluation step.
type EvalResult struct {
	// SumLoss is the sum of the per-example negative log-likelihood.
	SumLoss float64

	// Correct is the number of examples where the most likely class is the label.
	Correct int
}

// Classifier owns the model state (a GoMLX context with its variables) and the train.Trainer that runs
// its train and evaluation steps. It is not safe for concurrent use.
type Classifier struct {
	backend      backends.Backend
	ctx          *context.Context
	trainer      *train.Trainer
	learningRate float64

	// evalOffset is the position of the summed loss in the metrics returned by train.Trainer.EvalStep:
	// the trainer always prepends its own mean loss metrics.
	evalOffset int
}

// sumLossMetric is the per-batch summed negative log-likelihood. Unlike the trainer's mean loss metrics,
// it keeps no state across steps.
var sumLossMetric = metrics.NewBaseMetric("Summed Loss", "sum_loss", metrics.LossMetricType,
	func(_ *context.Context, labels, predictions []*Node) *Node {
		return ReduceAllSum(NegativeLogLikelihood(predictions[0], labels[0]))
	}, nil)

// correctMetric is the per-batch number of correct predictions.
var correctMetric = metrics.NewBaseMetric("Correct Predictions", "#correct", metrics.AccuracyMetricType,
	func(_ *context.Context, labels, predictions []*Node) *Node {
		return CorrectCount(predictions[0], labels[0])
	}, nil)

// New creates a classifier with freshly initialized variables: nothing is shared with other classifiers.
func New(backend backends.Backend, opts Options) (*Classifier, error) {
	if opts.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be > 0, got %g", opts.LearningRate)
	}
	ctx := context.New()
	ctx.SetParams(DefaultParams())
	ctx.SetParam(optimizers.ParamLearningRate, opts.LearningRate)
	if opts.Settings != "" {
		if _, err := commandline.ParseContextSettings(ctx, opts.Settings); err != nil {
			return nil, errors.WithMessagef(err, "invalid model settings %q", opts.Settings)
		}
	}
	if err := ctx.SetRNGStateFromSeed(opts.Seed); err != nil {
		return nil, errors.WithMessagef(err, "failed to seed the model with %d", opts.Seed)
	}
	klog.V(1).Infof("Model hyperparameters: %s", commandline.SprintContextSettings(ctx))

	c := &Classifier{
		backend:      backend,
		ctx:          ctx,
		learningRate: opts.LearningRate,
	}
	err := exceptions.TryCatch[error](func() {
		c.trainer = train.NewTrainer(backend, ctx, ModelGraph, losses.SparseCategoricalCrossEntropyLogits,
			optimizers.Adam().LearningRate(opts.LearningRate).Done(),
			nil, // Batch loss is always included.
			[]metrics.Interface{sumLossMetric, correctMetric})
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the trainer")
	}
	c.evalOffset = len(c.trainer.EvalMetrics()) - 2
	return c, nil
}

// batchTensors converts the batch to the trainer inputs (images) and labels (shaped `[batch_size, 1]`).
func batchTensors(batch dataset.Batch) (inputs, labels []*tensors.Tensor, err error) {
	n := batch.Size()
	if n == 0 {
		return nil, nil, errors.New("empty batch")
	}
	if len(batch.Images) != n*dataset.ImageSize {
		return nil, nil, errors.Errorf("batch has %d pixels for %d labels", len(batch.Images), n)
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batch.Images, n, dataset.Height, dataset.Width, 1)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batch.Labels, n, 1)}
	return inputs, labels, nil
}

// TrainStep runs forward and backward passes on the batch, updates the variables, and returns
// the mean loss of the batch (before the update).
func (c *Classifier) TrainStep(batch dataset.Batch) (loss float64, err error) {
	inputs, labels, err := batchTensors(batch)
	if err != nil {
		return 0, err
	}
	err = exceptions.TryCatch[error](func() {
		results := must.M1(c.trainer.TrainStep(nil, inputs, labels))
		loss = float64(results[0].Value().(float32))
	})
	if err != nil {
		return 0, errors.WithMessage(err, "train step failed")
	}
	return loss, nil
}

// EvalStep evaluates the batch without changing the model variables.
func (c *Classifier) EvalStep(batch dataset.Batch) (result EvalResult, err error) {
	inputs, labels, err := batchTensors(batch)
	if err != nil {
		return result, err
	}
	err = exceptions.TryCatch[error](func() {
		results := must.M1(c.trainer.EvalStep(nil, inputs, labels))
		result.SumLoss = float64(results[c.evalOffset].Value().(float32))
		result.Correct = int(results[c.evalOffset+1].Value().(int32))
	})
	if err != nil {
		return EvalResult{}, errors.WithMessage(err, "evaluation step failed")
	}
	return result, nil
}

// LearningRate currently used by the optimizer.
func (c *Classifier) LearningRate() float64 { return c.learningRate }

// SetLearningRate changes the learning rate used by the following train steps.
func (c *Classifier) SetLearningRate(lr float64) error {
	if lr <= 0 {
		return errors.Errorf("learning rate must be > 0, got %g", lr)
	}
	err := exceptions.TryCatch[error](func() {
		lrVar := optimizers.LearningRateVar(c.ctx, DType, lr)
		must.M(lrVar.SetValue(tensors.FromScalar(float32(lr))))
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to set learning rate to %g", lr)
	}
	c.learningRate = lr
	return nil
}

// Save writes the model variables and hyperparameters as a checkpoint in dir.
// Previous contents of dir are removed.
func (c *Classifier) Save(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to clear model directory %q", dir)
	}
	handler, err := checkpoints.Build(c.ctx).Dir(dir).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create checkpoint in %q", dir)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save model to %q", dir)
	}
	return nil
}

// Load creates a classifier from a checkpoint written by Classifier.Save. The variables take their saved
// values as the model graph is built, and the loaded hyperparameters take precedence over opts.Settings.
func Load(backend backends.Backend, dir string, opts Options) (*Classifier, error) {
	c, err := New(backend, opts)
	if err != nil {
		return nil, err
	}
	if _, err = checkpoints.Load(c.ctx).Dir(dir).Done(); err != nil {
		return nil, errors.WithMessagef(err, "failed to load model from %q", dir)
	}
	return c, nil
}

// Finalize releases the compiled steps and the variables. The classifier can't be used afterwards.
func (c *Classifier) Finalize() {
	c.trainer.ResetComputationGraphs()
	c.ctx.Finalize()
}
