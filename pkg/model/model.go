// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model implements the MNIST classifier: a small CNN that outputs per-class log-probabilities,
// trained with Adam on the mean negative log-likelihood.
//
// The model hyperparameters are GoMLX context parameters, see the Param* constants, and can be changed
// with the "-set" flag format (see Options.Settings).
package model

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"

	"github.com/gomlx/mnisttune/pkg/dataset"
)

// Context hyperparameters of the model.
const (
	// ParamConvDropoutRate is the dropout rate applied after the convolutions. Default is 0.25.
	ParamConvDropoutRate = "cnn_dropout_rate"

	// ParamDenseDropoutRate is the dropout rate applied to the hidden dense layer. Default is 0.5.
	ParamDenseDropoutRate = "dense_dropout_rate"

	// ParamHiddenUnits is the size of the hidden dense layer. Default is 128.
	ParamHiddenUnits = "hidden_units"
)

// DType used by the model variables and inputs.
var DType = dtypes.Float32

// DefaultParams returns the default model hyperparameters.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamConvDropoutRate:  0.25,
		ParamDenseDropoutRate: 0.5,
		ParamHiddenUnits:      128,
	}
}

// ModelGraph implements train.ModelFn: inputs[0] are the images, and it returns their log-probabilities.
func ModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	return []*Node{LogProbsGraph(ctx, inputs[0])}
}

// LogProbsGraph builds the CNN and returns the per-class log-probabilities, shaped `[batch_size, NumClasses]`.
// images must be shaped `[batch_size, Height, Width, 1]`.
//
// Dropout is only active if the context is set to training for the graph (see context.Context.SetTraining).
func LogProbsGraph(ctx *context.Context, images *Node) *Node {
	ctx = ctx.In("model")
	batchSize := images.Shape().Dimensions[0]
	images.AssertDims(batchSize, dataset.Height, dataset.Width, 1)

	x := conv2D(ctx.In("000_conv"), images, 32, 3)
	x = activations.Relu(x)
	x = conv2D(ctx.In("001_conv"), x, 64, 3)
	x = activations.Relu(x)
	x = maxPool2x2(x)
	x.AssertDims(batchSize, 12, 12, 64)
	x = layers.DropoutStatic(ctx.In("002_dropout"), x, context.GetParamOr(ctx, ParamConvDropoutRate, 0.25))

	x = Reshape(x, batchSize, -1)
	x = layers.Dense(ctx.In("003_dense"), x, true, context.GetParamOr(ctx, ParamHiddenUnits, 128))
	x = activations.Relu(x)
	x = layers.DropoutStatic(ctx.In("004_dropout"), x, context.GetParamOr(ctx, ParamDenseDropoutRate, 0.5))
	logits := layers.Dense(ctx.In("005_dense"), x, true, dataset.NumClasses)
	return LogSoftmax(logits)
}

// conv2D is a convolution with stride 1, no padding and a bias, on channels-last images `[batch, height, width, channels]`.
// The kernel variable is shaped `[kernelSize, kernelSize, inputChannels, channels]`, the layout used by Convolve.
//
// Convolve is only used if the backend can build its gradient: SimpleGo can't (it lacks Reverse and Pad),
// in which case the same values are computed by patchesConvolve.
func conv2D(ctx *context.Context, x *Node, channels, kernelSize int) *Node {
	g := x.Graph()
	ctx = ctx.In("conv")
	inputChannels := x.Shape().Dimensions[3]
	kernelVar := ctx.VariableWithShape("weights", shapes.Make(x.DType(), kernelSize, kernelSize, inputChannels, channels))
	kernel := kernelVar.ValueGraph(g)
	var output *Node
	if CanDifferentiateConvolve(g.Backend()) {
		output = Convolve(x, kernel).NoPadding().Done()
	} else {
		output = patchesConvolve(x, kernel)
	}
	biasVar := ctx.VariableWithShape("biases", shapes.Make(x.DType(), channels))
	return Add(output, Reshape(biasVar.ValueGraph(g), 1, 1, 1, channels))
}

// CanDifferentiateConvolve reports whether the backend supports the operations used by the gradient of Convolve.
func CanDifferentiateConvolve(backend backends.Backend) bool {
	ops := backend.Capabilities().Operations
	return ops[backends.OpTypeReverse] && ops[backends.OpTypePad]
}

// patchesConvolve returns the same as Convolve(x, kernel).NoPadding(), as the product of the image patches
// (collected with Gather) by the flattened kernel.
func patchesConvolve(x, kernel *Node) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	batchSize, height, width, inputChannels := dims[0], dims[1], dims[2], dims[3]
	kernelSize, channels := kernel.Shape().Dimensions[0], kernel.Shape().Dimensions[3]
	outHeight, outWidth := height-kernelSize+1, width-kernelSize+1

	// Indices of the (row, col) of each patch pixel: [outHeight, outWidth, kernelSize, kernelSize, 2].
	indices := make([]int32, 0, outHeight*outWidth*kernelSize*kernelSize*2)
	for row := range outHeight {
		for col := range outWidth {
			for kernelRow := range kernelSize {
				for kernelCol := range kernelSize {
					indices = append(indices, int32(row+kernelRow), int32(col+kernelCol))
				}
			}
		}
	}
	indicesNode := ConstTensor(g,
		tensors.FromFlatDataAndDimensions(indices, outHeight, outWidth, kernelSize, kernelSize, 2))

	// Gather indexes the leading axes, so height and width are moved to the front.
	patches := Gather(TransposeAllAxes(x, 1, 2, 0, 3), indicesNode)
	patches = TransposeAllAxes(patches, 4, 0, 1, 2, 3, 5)
	patchSize := kernelSize * kernelSize * inputChannels
	patches = Reshape(patches, batchSize*outHeight*outWidth, patchSize)
	output := Dot(patches, Reshape(kernel, patchSize, channels))
	return Reshape(output, batchSize, outHeight, outWidth, channels)
}

// maxPool2x2 takes the max of non-overlapping 2x2 windows. Height and width must be even.
// Its gradient only needs ReduceMax, which all backends support.
func maxPool2x2(x *Node) *Node {
	dims := x.Shape().Dimensions
	x = Reshape(x, dims[0], dims[1]/2, 2, dims[2]/2, 2, dims[3])
	return ReduceMax(x, 2, 4)
}

// NegativeLogLikelihood returns the per-example loss `-logProbs[i, labels[i]]`, shaped `[batch_size]`.
// labels must be an integer tensor shaped `[batch_size]` or `[batch_size, 1]`.
func NegativeLogLikelihood(logProbs, labels *Node) *Node {
	labels = Reshape(labels, labels.Shape().Dimensions[0])
	numClasses := logProbs.Shape().Dimensions[logProbs.Rank()-1]
	oneHot := OneHot(labels, numClasses, logProbs.DType())
	return Neg(ReduceSum(Mul(logProbs, oneHot), -1))
}

// CorrectCount returns the number of rows whose largest log-probability is at the label position, as an int32 scalar.
// labels must be shaped `[batch_size]` or `[batch_size, 1]`.
func CorrectCount(logProbs, labels *Node) *Node {
	labels = Reshape(labels, labels.Shape().Dimensions[0])
	predictions := ArgMax(logProbs, -1, labels.DType())
	return ReduceAllSum(ConvertDType(Equal(predictions, labels), dtypes.Int32))
}
