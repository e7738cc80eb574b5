// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// DefaultDownloadURL is the mirror of the MNIST files.
const DefaultDownloadURL = "https://storage.googleapis.com/cvdf-datasets/mnist"

// Downloader fetches the MNIST files that are missing in a directory.
type Downloader struct {
	// BaseURL where the 4 gzipped IDX files are found.
	BaseURL string

	// Client used for the requests. If nil, http.DefaultClient is used.
	Client *http.Client

	// ShowProgressBar while downloading.
	ShowProgressBar bool
}

// Download the MNIST files missing in dir from DefaultDownloadURL, with a progress bar.
func Download(ctx context.Context, dir string) error {
	return (&Downloader{BaseURL: DefaultDownloadURL, ShowProgressBar: true}).Download(ctx, dir)
}

// Download the files missing in dir. It creates dir if needed.
func (d *Downloader) Download(ctx context.Context, dir string) error {
	dir = fsutil.MustReplaceTildeInDir(dir)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return errors.Wrapf(err, "failed to create the directory %q", dir)
	}
	for _, file := range []string{trainImagesFilename, trainLabelsFilename, testImagesFilename, testLabelsFilename} {
		filePath := path.Join(dir, file)
		if fsutil.MustFileExists(filePath) {
			continue
		}
		fileURL, err := url.JoinPath(d.BaseURL, file)
		if err != nil {
			return errors.Wrapf(err, "invalid download URL %q", d.BaseURL)
		}
		klog.Infof("Downloading %s ...", fileURL)
		size, err := d.downloadFile(ctx, fileURL, filePath)
		if err != nil {
			return err
		}
		klog.V(1).Infof("Downloaded %s to %q", humanize.IBytes(uint64(size)), filePath)
	}
	return nil
}

// downloadFile writes to a temporary file first, so an interrupted download is never taken as complete.
func (d *Downloader) downloadFile(ctx context.Context, fileURL, filePath string) (size int64, err error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create request for %q", fileURL)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", fileURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: %s", fileURL, resp.Status)
	}

	tmpPath := filePath + ".partial"
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", tmpPath)
	}
	if d.ShowProgressBar && resp.ContentLength > 0 {
		size, err = copyWithProgressBar(file, resp.Body, resp.ContentLength)
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return 0, errors.Wrapf(err, "downloading %q to %q", fileURL, tmpPath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed moving %q to %q", tmpPath, filePath)
	}
	return size, nil
}

// copyWithProgressBar is similar to io.Copy, but displays a progress bar of the amount of data copied.
func copyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64) (int64, error) {
	bar := progressbar.NewOptions64(contentLength,
		progressbar.OptionSetDescription(humanize.IBytes(uint64(contentLength))),
		progressbar.OptionShowBytes(true),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionClearOnFinish(),
	)
	n, err := io.Copy(io.MultiWriter(dst, bar), src)
	_ = bar.Close()
	return n, err
}
