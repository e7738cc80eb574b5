// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package search

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// defaultLengthScale of the RBF kernel, in normalized (unit square) coordinates.
	defaultLengthScale = 0.25

	// defaultNoise added to the diagonal of the kernel matrix.
	defaultNoise = 1e-6

	minVariance = 1e-12
)

// gaussianProcess is a Gaussian process regression with an RBF kernel, fit on standardized targets.
type gaussianProcess struct {
	lengthScale, noise float64

	x         [][]float64
	yMean     float64
	yStd      float64
	chol      mat.Cholesky
	alpha     *mat.VecDense
	numPoints int
}

func newGaussianProcess() *gaussianProcess {
	return &gaussianProcess{lengthScale: defaultLengthScale, noise: defaultNoise}
}

func (gp *gaussianProcess) kernel(x1, x2 []float64) float64 {
	var sum float64
	for ii := range x1 {
		diff := x1[ii] - x2[ii]
		sum += diff * diff
	}
	return math.Exp(-sum / (2 * gp.lengthScale * gp.lengthScale))
}

// Fit the process to the observations (x[i], y[i]).
func (gp *gaussianProcess) Fit(x [][]float64, y []float64) error {
	n := len(x)
	if n == 0 || n != len(y) {
		return errors.Errorf("gaussian process needs the same number (> 0) of inputs and targets, got %d and %d", n, len(y))
	}
	gp.x = x
	gp.numPoints = n

	// Standardize targets.
	var sum, sum2 float64
	for _, v := range y {
		sum += v
	}
	gp.yMean = sum / float64(n)
	for _, v := range y {
		sum2 += (v - gp.yMean) * (v - gp.yMean)
	}
	gp.yStd = math.Sqrt(sum2 / float64(n))
	if gp.yStd < 1e-12 {
		gp.yStd = 1
	}
	yStandard := mat.NewVecDense(n, nil)
	for ii, v := range y {
		yStandard.SetVec(ii, (v-gp.yMean)/gp.yStd)
	}

	kernelMatrix := mat.NewSymDense(n, nil)
	for ii := range n {
		for jj := ii; jj < n; jj++ {
			k := gp.kernel(x[ii], x[jj])
			if ii == jj {
				k += gp.noise
			}
			kernelMatrix.SetSym(ii, jj, k)
		}
	}
	if ok := gp.chol.Factorize(kernelMatrix); !ok {
		return errors.New("gaussian process kernel matrix is not positive definite")
	}
	gp.alpha = mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(gp.alpha, yStandard); err != nil {
		return errors.Wrap(err, "failed to solve gaussian process system")
	}
	return nil
}

// Predict the mean and variance of the target at x. It must be called after a successful Fit.
func (gp *gaussianProcess) Predict(x []float64) (mean, variance float64) {
	kStar := mat.NewVecDense(gp.numPoints, nil)
	for ii, xi := range gp.x {
		kStar.SetVec(ii, gp.kernel(x, xi))
	}
	mean = mat.Dot(kStar, gp.alpha)

	v := mat.NewVecDense(gp.numPoints, nil)
	if err := gp.chol.SolveVecTo(v, kStar); err != nil {
		return mean*gp.yStd + gp.yMean, gp.yStd * gp.yStd
	}
	variance = max(1+gp.noise-mat.Dot(kStar, v), minVariance)
	return mean*gp.yStd + gp.yMean, variance * gp.yStd * gp.yStd
}
