// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MLflowTracker sends runs to an MLflow tracking server using its REST API (version 2.0).
// The RunConfig.Project is used as the experiment name, and the experiment is created if it doesn't exist.
type MLflowTracker struct {
	baseURI string
	client  *http.Client

	mu            sync.Mutex
	experimentIDs map[string]string
}

// NewMLflowTracker creates a tracker for the server at baseURI (e.g. "http://localhost:5000").
// If client is nil, a client with a 30 seconds timeout is used.
func NewMLflowTracker(baseURI string, client *http.Client) *MLflowTracker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &MLflowTracker{
		baseURI:       strings.TrimSuffix(baseURI, "/"),
		client:        client,
		experimentIDs: make(map[string]string),
	}
}

type mlflowError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type mlflowTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type mlflowMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int     `json:"step"`
}

type mlflowLogBatch struct {
	RunID   string         `json:"run_id"`
	Metrics []mlflowMetric `json:"metrics,omitempty"`
	Params  []mlflowTag    `json:"params,omitempty"`
	Tags    []mlflowTag    `json:"tags,omitempty"`
}

// call does a request to the endpoint, e.g. "runs/create". If in is not nil, it is sent as JSON body,
// and if out is not nil, the response is decoded into it.
func (t *MLflowTracker) call(method, endpoint string, query url.Values, in, out any) error {
	uri := t.baseURI + "/api/2.0/mlflow/" + endpoint
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "failed to encode request to %s", endpoint)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, uri, body)
	if err != nil {
		return errors.Wrapf(err, "failed to create request to %s", endpoint)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "MLflow request %s %s failed", method, endpoint)
	}
	defer func() { _ = resp.Body.Close() }()
	contents, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read MLflow response of %s", endpoint)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr mlflowError
		_ = json.Unmarshal(contents, &apiErr)
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Code: apiErr.ErrorCode, Message: apiErr.Message}
	}
	if out == nil {
		return nil
	}
	if err = json.Unmarshal(contents, out); err != nil {
		return errors.Wrapf(err, "failed to decode MLflow response of %s", endpoint)
	}
	return nil
}

// APIError is returned when the MLflow server answers with an error.
type APIError struct {
	Endpoint   string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("MLflow %s failed with status %d (%s): %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
}

// experimentID returns the id of the experiment with the given name, creating it if needed.
func (t *MLflowTracker) experimentID(name string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, found := t.experimentIDs[name]; found {
		return id, nil
	}

	var found struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := t.call(http.MethodGet, "experiments/get-by-name", url.Values{"experiment_name": {name}}, nil, &found)
	id := found.Experiment.ExperimentID
	if apiErr := (*APIError)(nil); errors.As(err, &apiErr) && apiErr.Code == "RESOURCE_DOES_NOT_EXIST" {
		var created struct {
			ExperimentID string `json:"experiment_id"`
		}
		err = t.call(http.MethodPost, "experiments/create", nil, map[string]string{"name": name}, &created)
		id = created.ExperimentID
		if err == nil {
			klog.Infof("Created MLflow experiment %q (id=%s)", name, id)
		}
	}
	if err != nil {
		return "", errors.WithMessagef(err, "failed to get MLflow experiment %q", name)
	}
	t.experimentIDs[name] = id
	return id, nil
}

// StartRun implements Tracker: it creates the run and logs its parameters.
func (t *MLflowTracker) StartRun(cfg RunConfig) (Run, error) {
	experimentID, err := t.experimentID(cfg.Project)
	if err != nil {
		return nil, err
	}
	tags := make([]mlflowTag, 0, len(cfg.Tags))
	for _, key := range sortedKeys(cfg.Tags) {
		tags = append(tags, mlflowTag{Key: key, Value: cfg.Tags[key]})
	}
	request := struct {
		ExperimentID string      `json:"experiment_id"`
		RunName      string      `json:"run_name,omitempty"`
		StartTime    int64       `json:"start_time"`
		Tags         []mlflowTag `json:"tags,omitempty"`
	}{experimentID, cfg.Name, time.Now().UnixMilli(), tags}
	var response struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	if err = t.call(http.MethodPost, "runs/create", nil, request, &response); err != nil {
		return nil, errors.WithMessagef(err, "failed to create MLflow run %q", cfg.Name)
	}
	run := &mlflowRun{tracker: t, id: response.Run.Info.RunID}
	if len(cfg.Params) > 0 {
		params := make([]mlflowTag, 0, len(cfg.Params))
		for _, key := range sortedKeys(cfg.Params) {
			params = append(params, mlflowTag{Key: key, Value: fmt.Sprint(cfg.Params[key])})
		}
		if err = t.call(http.MethodPost, "runs/log-batch", nil, mlflowLogBatch{RunID: run.id, Params: params}, nil); err != nil {
			_ = run.Finish(StatusFailed)
			return nil, errors.WithMessagef(err, "failed to log params of MLflow run %q", cfg.Name)
		}
	}
	return run, nil
}

type mlflowRun struct {
	tracker *MLflowTracker
	id      string
	step    int
}

func (r *mlflowRun) ID() string { return r.id }

func (r *mlflowRun) Log(metrics map[string]float64) error {
	now := time.Now().UnixMilli()
	batch := mlflowLogBatch{RunID: r.id, Metrics: make([]mlflowMetric, 0, len(metrics))}
	for _, key := range sortedKeys(metrics) {
		batch.Metrics = append(batch.Metrics, mlflowMetric{Key: key, Value: metrics[key], Timestamp: now, Step: r.step})
	}
	if err := r.tracker.call(http.MethodPost, "runs/log-batch", nil, batch, nil); err != nil {
		return errors.WithMessagef(err, "failed to log metrics of MLflow run %s", r.id)
	}
	r.step++
	return nil
}

func (r *mlflowRun) Finish(status Status) error {
	request := struct {
		RunID   string `json:"run_id"`
		Status  Status `json:"status"`
		EndTime int64  `json:"end_time"`
	}{r.id, status, time.Now().UnixMilli()}
	if err := r.tracker.call(http.MethodPost, "runs/update", nil, request, nil); err != nil {
		return errors.WithMessagef(err, "failed to finish MLflow run %s", r.id)
	}
	return nil
}
