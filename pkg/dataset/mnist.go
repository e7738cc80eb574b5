// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math/rand"
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Split of the MNIST dataset.
type Split string

const (
	Train Split = "train"
	Test  Split = "test"
)

const (
	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Normalization constants: mean and standard deviation of the MNIST training pixels, scaled to [0, 1].
const (
	PixelMean   = 0.1307
	PixelStdDev = 0.3081
)

// Files returns the names of the images and labels files of a split.
func (s Split) Files() (imagesFile, labelsFile string, err error) {
	switch s {
	case Train:
		return trainImagesFilename, trainLabelsFilename, nil
	case Test:
		return testImagesFilename, testLabelsFilename, nil
	}
	return "", "", errors.Errorf("unknown MNIST split %q", string(s))
}

// Normalize converts a gray pixel (0 is background, 255 is ink) to the model input scale.
func Normalize(pixel byte) float32 {
	return (float32(pixel)/255.0 - PixelMean) / PixelStdDev
}

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// LoadIDX reads the gzipped IDX files of the split from dir, and returns the normalized images
// (flat, ImageSize per example) and their labels.
func LoadIDX(dir string, split Split) (images []float32, labels []int32, err error) {
	imagesFile, labelsFile, err := split.Files()
	if err != nil {
		return nil, nil, err
	}
	dir = fsutil.MustReplaceTildeInDir(dir)
	images, err = loadImageFile(path.Join(dir, imagesFile))
	if err != nil {
		return nil, nil, err
	}
	labels, err = loadLabelFile(path.Join(dir, labelsFile))
	if err != nil {
		return nil, nil, err
	}
	if len(images) != len(labels)*ImageSize {
		return nil, nil, errors.Errorf("MNIST %s split has %d images and %d labels",
			split, len(images)/ImageSize, len(labels))
	}
	return images, labels, nil
}

// NewMNIST loads the split from dir and returns a provider over it.
// Pass a shuffle random number generator for training, and nil for evaluation.
func NewMNIST(dir string, split Split, batchSize int, shuffle *rand.Rand) (*InMemory, error) {
	images, labels, err := LoadIDX(dir, split)
	if err != nil {
		return nil, err
	}
	return NewInMemory(string(split), images, labels, batchSize, shuffle)
}

func openGzip(filePath string) (io.ReadCloser, func(), error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	reader, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "failed to decompress %q", filePath)
	}
	return reader, func() {
		_ = reader.Close()
		_ = f.Close()
	}, nil
}

func loadImageFile(filePath string) ([]float32, error) {
	reader, closeFn, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var header imageFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != imageMagic || header.Width != Width || header.Height != Height || header.NumImages < 0 {
		return nil, errors.Errorf("invalid MNIST images file %q: magic=0x%08x, %d images of %dx%d",
			filePath, header.Magic, header.NumImages, header.Height, header.Width)
	}

	pixels := make([]byte, int(header.NumImages)*ImageSize)
	if _, err = io.ReadFull(reader, pixels); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d images from %q", header.NumImages, filePath)
	}
	images := make([]float32, len(pixels))
	for ii, p := range pixels {
		images[ii] = Normalize(p)
	}
	return images, nil
}

func loadLabelFile(filePath string) ([]int32, error) {
	reader, closeFn, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var header labelFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != labelMagic || header.NumLabels < 0 {
		return nil, errors.Errorf("invalid MNIST labels file %q: magic=0x%08x", filePath, header.Magic)
	}

	raw := make([]byte, header.NumLabels)
	if _, err = io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d labels from %q", header.NumLabels, filePath)
	}
	labels := make([]int32, len(raw))
	for ii, l := range raw {
		if l >= NumClasses {
			return nil, errors.Errorf("invalid label %d at position %d of %q", l, ii, filePath)
		}
		labels[ii] = int32(l)
	}
	return labels, nil
}
