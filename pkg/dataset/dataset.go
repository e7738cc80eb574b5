// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset provides finite and restartable sequences of image batches for training and evaluation,
// and the MNIST loader that fills them.
package dataset

import (
	"io"
	"math/rand"

	"github.com/pkg/errors"
)

const (
	// Width and Height of the images.
	Width  = 28
	Height = 28

	// ImageSize is the number of pixels of one image, with one channel.
	ImageSize = Width * Height

	// NumClasses of the labels: the digits 0 to 9.
	NumClasses = 10
)

// Batch is a mini-batch of examples. It is owned by the caller once yielded.
type Batch struct {
	// Images flat, in the layout [n, Height, Width, 1], already normalized.
	Images []float32

	// Labels has one class index per image.
	Labels []int32
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int { return len(b.Labels) }

// Provider yields the batches of one pass over a dataset, in order.
// After the last batch Yield returns io.EOF, until Reset is called.
type Provider interface {
	// Name of the dataset, for logging.
	Name() string

	// Len is the total number of examples.
	Len() int

	// BatchSize is the number of examples of every batch but possibly the last one.
	BatchSize() int

	// NumBatches in one pass.
	NumBatches() int

	// Reset restarts the pass, reshuffling if the provider shuffles.
	Reset()

	// Yield the next batch, or io.EOF at the end of the pass.
	Yield() (Batch, error)
}

// InMemory is a Provider over images and labels held in memory.
// The last batch of a pass is smaller if the number of examples is not a multiple of the batch size.
type InMemory struct {
	name      string
	images    []float32
	labels    []int32
	batchSize int
	shuffle   *rand.Rand
	indices   []int
	position  int
}

var _ Provider = (*InMemory)(nil)

// NewInMemory creates a provider over images (flat, ImageSize values per example) and labels.
//
// If shuffle is not nil, the order of the examples is re-drawn from it on every Reset (including the first one,
// done here).
func NewInMemory(name string, images []float32, labels []int32, batchSize int, shuffle *rand.Rand) (*InMemory, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be > 0, got %d", name, batchSize)
	}
	if len(images) != len(labels)*ImageSize {
		return nil, errors.Errorf("dataset %q: got %d pixels for %d labels, expected %d pixels per image",
			name, len(images), len(labels), ImageSize)
	}
	ds := &InMemory{
		name:      name,
		images:    images,
		labels:    labels,
		batchSize: batchSize,
		shuffle:   shuffle,
	}
	ds.Reset()
	return ds, nil
}

// Name implements Provider.
func (ds *InMemory) Name() string { return ds.name }

// Len implements Provider.
func (ds *InMemory) Len() int { return len(ds.labels) }

// BatchSize implements Provider.
func (ds *InMemory) BatchSize() int { return ds.batchSize }

// NumBatches implements Provider.
func (ds *InMemory) NumBatches() int { return (len(ds.labels) + ds.batchSize - 1) / ds.batchSize }

// Reset implements Provider.
func (ds *InMemory) Reset() {
	ds.position = 0
	if ds.shuffle != nil {
		ds.indices = ds.shuffle.Perm(len(ds.labels))
		return
	}
	if len(ds.indices) != len(ds.labels) {
		ds.indices = make([]int, len(ds.labels))
		for ii := range ds.indices {
			ds.indices[ii] = ii
		}
	}
}

// Yield implements Provider.
func (ds *InMemory) Yield() (Batch, error) {
	if ds.position >= len(ds.indices) {
		return Batch{}, io.EOF
	}
	start := ds.position
	end := min(start+ds.batchSize, len(ds.indices))
	ds.position = end

	n := end - start
	batch := Batch{
		Images: make([]float32, 0, n*ImageSize),
		Labels: make([]int32, 0, n),
	}
	for _, idx := range ds.indices[start:end] {
		batch.Images = append(batch.Images, ds.images[idx*ImageSize:(idx+1)*ImageSize]...)
		batch.Labels = append(batch.Labels, ds.labels[idx])
	}
	return batch, nil
}
