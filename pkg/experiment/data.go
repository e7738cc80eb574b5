// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/mnisttune/pkg/config"
	"github.com/gomlx/mnisttune/pkg/dataset"
)

// DataSource creates the train and test providers of a trial.
type DataSource interface {
	Providers(cfg config.Config) (train, test dataset.Provider, err error)
}

// Data holds the train and test examples in memory. Each call to Providers returns new providers over it:
// the train one shuffled with a generator seeded with cfg.Seed, the test one in order.
type Data struct {
	trainImages, testImages []float32
	trainLabels, testLabels []int32
}

var _ DataSource = (*Data)(nil)

// NewData creates a Data from flat images (dataset.ImageSize values each) and labels.
func NewData(trainImages []float32, trainLabels []int32, testImages []float32, testLabels []int32) (*Data, error) {
	if len(trainLabels) == 0 || len(testLabels) == 0 {
		return nil, errors.Errorf("train and test sets must be non-empty, got %d and %d examples",
			len(trainLabels), len(testLabels))
	}
	return &Data{
		trainImages: trainImages,
		trainLabels: trainLabels,
		testImages:  testImages,
		testLabels:  testLabels,
	}, nil
}

// LoadMNIST reads the MNIST train and test sets from dir.
func LoadMNIST(dir string) (*Data, error) {
	trainImages, trainLabels, err := dataset.LoadIDX(dir, dataset.Train)
	if err != nil {
		return nil, err
	}
	testImages, testLabels, err := dataset.LoadIDX(dir, dataset.Test)
	if err != nil {
		return nil, err
	}
	klog.Infof("MNIST loaded from %q: %s train and %s test examples", dir,
		humanize.Comma(int64(len(trainLabels))), humanize.Comma(int64(len(testLabels))))
	return NewData(trainImages, trainLabels, testImages, testLabels)
}

// Providers implements DataSource.
func (d *Data) Providers(cfg config.Config) (train, test dataset.Provider, err error) {
	train, err = dataset.NewInMemory(string(dataset.Train), d.trainImages, d.trainLabels, cfg.BatchSize,
		rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return nil, nil, err
	}
	test, err = dataset.NewInMemory(string(dataset.Test), d.testImages, d.testLabels, cfg.TestBatchSize, nil)
	if err != nil {
		return nil, nil, err
	}
	return train, test, nil
}
