// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// mnisttune searches the learning rate (and optionally the number of epochs) of a CNN trained on MNIST.
//
// Each trial trains a freshly initialized model and is scored by its test accuracy after the last epoch.
// The metrics of each trial are sent to the configured tracker. Example:
//
//	mnisttune -n-trials=10 -timeout=30m -search-epochs-max=3 -tracker=jsonl -report-csv=trials.csv
//
// Use -config to load the settings from a YAML file; flags explicitly given take precedence over it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/mnisttune/pkg/config"
	"github.com/gomlx/mnisttune/pkg/dataset"
	"github.com/gomlx/mnisttune/pkg/experiment"
	"github.com/gomlx/mnisttune/pkg/search"
	"github.com/gomlx/mnisttune/pkg/tracking"
)

func main() {
	klog.InitFlags(nil)
	flags := config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := exceptions.TryCatch[error](func() {
		cfg := must.M1(flags.Config())
		must.M(run(ctx, cfg))
	})
	if err != nil {
		klog.Errorf("Error:\n%+v", err)
		stop()
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
}

func newBackend(cfg config.Config) (backends.Backend, error) {
	if backendConfig := cfg.BackendConfig(); backendConfig != "" {
		return backends.NewWithConfig(backendConfig)
	}
	return backends.New()
}

func run(ctx context.Context, cfg config.Config) error {
	if cfg.Download {
		if err := dataset.Download(ctx, cfg.DataDir); err != nil {
			return err
		}
	}
	data, err := experiment.LoadMNIST(cfg.DataDir)
	if err != nil {
		return err
	}
	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Finalize()
	klog.Infof("Backend: %s", backend.Description())

	tracker, err := tracking.New(cfg.Tracking)
	if err != nil {
		return err
	}
	study, err := experiment.NewStudy(cfg)
	if err != nil {
		return err
	}
	env := experiment.Env{
		NewModel: experiment.ClassifierFactory(backend),
		Data:     data,
		Tracker:  tracker,
		Output:   os.Stdout,
	}
	best, err := study.Optimize(ctx, experiment.Objective(cfg, env), search.OptimizeOptions{
		NTrials: cfg.Search.NTrials,
		Timeout: cfg.Search.Timeout,
	})
	if err != nil {
		return err
	}

	trials := study.Trials()
	fmt.Println(experiment.RenderSummary(trials))
	if cfg.ReportCSV != "" {
		if err = experiment.WriteTrialsCSV(cfg.ReportCSV, trials); err != nil {
			return err
		}
		klog.Infof("Trials written to %q", cfg.ReportCSV)
	}
	if cfg.ReportPlot != "" {
		if err = experiment.PlotTrials(cfg.ReportPlot, trials); err != nil {
			return err
		}
		klog.Infof("Trials plot saved to %q", cfg.ReportPlot)
	}
	fmt.Printf("Best trial: %v\n", best.Params.Map())
	return nil
}
