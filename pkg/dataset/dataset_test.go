// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticImages returns n images where every pixel of image i equals float32(i).
func syntheticImages(n int) ([]float32, []int32) {
	images := make([]float32, n*ImageSize)
	labels := make([]int32, n)
	for ii := range n {
		for jj := range ImageSize {
			images[ii*ImageSize+jj] = float32(ii)
		}
		labels[ii] = int32(ii % NumClasses)
	}
	return images, labels
}

func drain(t *testing.T, p Provider) []Batch {
	var batches []Batch
	for {
		batch, err := p.Yield()
		if err == io.EOF {
			return batches
		}
		require.NoError(t, err)
		batches = append(batches, batch)
	}
}

func TestInMemoryBatches(t *testing.T) {
	images, labels := syntheticImages(5)
	ds, err := NewInMemory("synthetic", images, labels, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "synthetic", ds.Name())
	assert.Equal(t, 5, ds.Len())
	assert.Equal(t, 2, ds.BatchSize())
	assert.Equal(t, 3, ds.NumBatches())

	batches := drain(t, ds)
	require.Len(t, batches, 3)
	assert.Equal(t, []int32{0, 1}, batches[0].Labels)
	assert.Equal(t, []int32{2, 3}, batches[1].Labels)
	assert.Equal(t, []int32{4}, batches[2].Labels)
	assert.Equal(t, 1, batches[2].Size())
	assert.Len(t, batches[2].Images, ImageSize)
	assert.Equal(t, float32(4), batches[2].Images[0])

	// Exhausted until Reset.
	_, err = ds.Yield()
	require.Equal(t, io.EOF, err)
	ds.Reset()
	assert.Len(t, drain(t, ds), 3)
}

func TestInMemoryShuffle(t *testing.T) {
	images, labels := syntheticImages(20)
	order := func(seed int64) []int32 {
		ds, err := NewInMemory("train", images, labels, 20, rand.New(rand.NewSource(seed)))
		require.NoError(t, err)
		batches := drain(t, ds)
		require.Len(t, batches, 1)
		// Pixel values identify the original example.
		var ids []int32
		for ii := range batches[0].Size() {
			ids = append(ids, int32(batches[0].Images[ii*ImageSize]))
		}
		return ids
	}
	first, second := order(7), order(7)
	assert.Equal(t, first, second, "same seed, same order")
	assert.ElementsMatch(t, first, []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19})
}

func TestInMemoryInvalid(t *testing.T) {
	images, labels := syntheticImages(2)
	_, err := NewInMemory("bad", images, labels, 0, nil)
	require.Error(t, err)
	_, err = NewInMemory("bad", images[:10], labels, 1, nil)
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	assert.InDelta(t, -0.1307/0.3081, Normalize(0), 1e-6)
	assert.InDelta(t, (1-0.1307)/0.3081, Normalize(255), 1e-6)
}

// gzipIDX encodes header fields followed by payload, gzipped.
func gzipIDX(t *testing.T, header []int32, payload []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	require.NoError(t, binary.Write(w, binary.BigEndian, header))
	_, err := w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// mnistFiles returns the contents of the 4 MNIST files, with n train and n test examples.
func mnistFiles(t *testing.T, n int) map[string][]byte {
	pixels := make([]byte, n*ImageSize)
	labels := make([]byte, n)
	for ii := range n {
		pixels[ii*ImageSize] = 255
		labels[ii] = byte(ii % NumClasses)
	}
	imagesData := gzipIDX(t, []int32{imageMagic, int32(n), Height, Width}, pixels)
	labelsData := gzipIDX(t, []int32{labelMagic, int32(n)}, labels)
	return map[string][]byte{
		trainImagesFilename: imagesData,
		trainLabelsFilename: labelsData,
		testImagesFilename:  imagesData,
		testLabelsFilename:  labelsData,
	}
}

func writeMNIST(t *testing.T, dir string, n int) {
	for name, contents := range mnistFiles(t, n) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), contents, 0o644))
	}
}

func TestLoadIDX(t *testing.T) {
	dir := t.TempDir()
	writeMNIST(t, dir, 3)

	images, labels, err := LoadIDX(dir, Train)
	require.NoError(t, err)
	require.Equal(t, []int32{0, 1, 2}, labels)
	require.Len(t, images, 3*ImageSize)
	assert.InDelta(t, Normalize(255), images[0], 1e-6)
	assert.InDelta(t, Normalize(0), images[1], 1e-6)

	ds, err := NewMNIST(dir, Test, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "test", ds.Name())
	assert.Equal(t, 2, ds.NumBatches())

	_, _, err = LoadIDX(dir, Split("validation"))
	require.Error(t, err)
}

func TestLoadIDXInvalid(t *testing.T) {
	dir := t.TempDir()
	writeMNIST(t, dir, 2)
	require.NoError(t, os.WriteFile(filepath.Join(dir, trainImagesFilename),
		gzipIDX(t, []int32{0x1234, 2, Height, Width}, make([]byte, 2*ImageSize)), 0o644))
	_, _, err := LoadIDX(dir, Train)
	require.ErrorContains(t, err, "invalid MNIST images file")

	// Truncated payload.
	require.NoError(t, os.WriteFile(filepath.Join(dir, trainImagesFilename),
		gzipIDX(t, []int32{imageMagic, 2, Height, Width}, make([]byte, ImageSize)), 0o644))
	_, _, err = LoadIDX(dir, Train)
	require.Error(t, err)

	_, _, err = LoadIDX(t.TempDir(), Test)
	require.Error(t, err)
}

func TestDownloader(t *testing.T) {
	files := mnistFiles(t, 2)
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		contents, found := files[filepath.Base(r.URL.Path)]
		if !found {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(contents)
	}))
	defer server.Close()

	dir := filepath.Join(t.TempDir(), "mnist")
	d := &Downloader{BaseURL: server.URL, Client: server.Client()}
	require.NoError(t, d.Download(context.Background(), dir))
	assert.Equal(t, int32(4), requests.Load())

	_, labels, err := LoadIDX(dir, Train)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1}, labels)

	// Files present are not downloaded again.
	require.NoError(t, d.Download(context.Background(), dir))
	assert.Equal(t, int32(4), requests.Load())
}

func TestDownloaderHTTPError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	dir := t.TempDir()
	d := &Downloader{BaseURL: server.URL, Client: server.Client()}
	require.Error(t, d.Download(context.Background(), dir))
	matches, err := filepath.Glob(filepath.Join(dir, "*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "no partial files left behind")
}
