// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"flag"
)

// Flags binds a Config to a flag.FlagSet. Create it with RegisterFlags, parse the FlagSet, and
// then call Flags.Config.
type Flags struct {
	fs         *flag.FlagSet
	configFile string
	noCuda     bool
	values     Config
	apply      map[string]func(cfg *Config)
}

// RegisterFlags defines the command-line flags on fs, with the defaults of Default.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	d := Default()
	f := &Flags{fs: fs, values: d, apply: make(map[string]func(cfg *Config))}
	v := &f.values

	fs.StringVar(&f.configFile, "config", "", "YAML configuration file. Flags explicitly set take precedence over its values.")

	f.intVar(&v.BatchSize, "batch-size", "input batch size for training", func(c *Config) { c.BatchSize = v.BatchSize })
	f.intVar(&v.TestBatchSize, "test-batch-size", "input batch size for testing",
		func(c *Config) { c.TestBatchSize = v.TestBatchSize })
	f.intVar(&v.Epochs, "epochs",
		"number of epochs of the baseline trial, and the default upper bound of the epochs searched",
		func(c *Config) { c.Epochs = v.Epochs })
	f.floatVar(&v.LearningRate, "lr", "learning rate of the baseline trial", func(c *Config) { c.LearningRate = v.LearningRate })
	f.floatVar(&v.DecayFactor, "gamma", "learning rate step gamma, applied after each epoch",
		func(c *Config) { c.DecayFactor = v.DecayFactor })
	fs.BoolVar(&f.noCuda, "no-cuda", false, "disables accelerator training")
	f.apply["no-cuda"] = func(c *Config) { c.UseAccelerator = !f.noCuda }
	f.boolVar(&v.DryRun, "dry-run", "quickly check a single pass", func(c *Config) { c.DryRun = v.DryRun })
	fs.Int64Var(&v.Seed, "seed", d.Seed, "random seed")
	f.apply["seed"] = func(c *Config) { c.Seed = v.Seed }
	f.intVar(&v.LogInterval, "log-interval", "how many batches to wait before logging training status",
		func(c *Config) { c.LogInterval = v.LogInterval })
	f.boolVar(&v.SaveModel, "save-model", "for saving the current model", func(c *Config) { c.SaveModel = v.SaveModel })

	f.stringVar(&v.DataDir, "data", "directory with the MNIST files", func(c *Config) { c.DataDir = v.DataDir })
	f.boolVar(&v.Download, "download", "download the MNIST files if missing", func(c *Config) { c.Download = v.Download })
	f.stringVar(&v.Backend, "backend",
		"GoMLX backend configuration (e.g. \"go\", \"xla:cpu\", \"xla:cuda\"). Overrides -no-cuda.",
		func(c *Config) { c.Backend = v.Backend })
	f.stringVar(&v.ModelSettings, "set",
		"model hyperparameters, e.g. -set=\"cnn_dropout_rate=0.3;hidden_units=64\"",
		func(c *Config) { c.ModelSettings = v.ModelSettings })
	f.stringVar(&v.ModelDir, "model-dir", "base directory where trials save their model",
		func(c *Config) { c.ModelDir = v.ModelDir })
	f.boolVar(&v.Progress, "progress", "display a progress bar during each epoch", func(c *Config) { c.Progress = v.Progress })
	f.stringVar(&v.ReportCSV, "report-csv", "if set, write the trials table to this CSV file",
		func(c *Config) { c.ReportCSV = v.ReportCSV })
	f.stringVar(&v.ReportPlot, "report-plot", "if set, plot accuracy vs learning rate to this PNG file",
		func(c *Config) { c.ReportPlot = v.ReportPlot })

	s := &v.Search
	f.intVar(&s.NTrials, "n-trials", "maximum number of trials", func(c *Config) { c.Search.NTrials = s.NTrials })
	fs.DurationVar(&s.Timeout, "timeout", d.Search.Timeout, "no new trial is started after this much time")
	f.apply["timeout"] = func(c *Config) { c.Search.Timeout = s.Timeout }
	f.floatVar(&s.LRMin, "lr-min", "lower bound of the learning rate search", func(c *Config) { c.Search.LRMin = s.LRMin })
	f.floatVar(&s.LRMax, "lr-max", "upper bound of the learning rate search", func(c *Config) { c.Search.LRMax = s.LRMax })
	f.intVar(&s.EpochsMin, "search-epochs-min", "lower bound of the number of epochs searched",
		func(c *Config) { c.Search.EpochsMin = s.EpochsMin })
	f.intVar(&s.EpochsMax, "search-epochs-max", "upper bound of the number of epochs searched, 0 for the value of -epochs",
		func(c *Config) { c.Search.EpochsMax = s.EpochsMax })
	f.boolVar(&s.EnqueueBaseline, "enqueue-baseline", "run -lr and -epochs as the first trial, before sampling",
		func(c *Config) { c.Search.EnqueueBaseline = s.EnqueueBaseline })
	f.stringVar(&s.Sampler, "sampler", "hyperparameter sampler: \"bayes\" or \"random\"",
		func(c *Config) { c.Search.Sampler = s.Sampler })
	f.stringVar(&s.Acquisition, "acquisition", "acquisition function of the bayes sampler: ei, ucb, pi or thompson",
		func(c *Config) { c.Search.Acquisition = s.Acquisition })
	f.intVar(&s.StartupTrials, "startup-trials", "number of random trials before the bayes sampler is used",
		func(c *Config) { c.Search.StartupTrials = s.StartupTrials })

	t := &v.Tracking
	f.stringVar(&t.Kind, "tracker", "where to send metrics: log, jsonl, mlflow or none",
		func(c *Config) { c.Tracking.Kind = t.Kind })
	f.stringVar(&t.Project, "project", "project (experiment) name used by the tracker",
		func(c *Config) { c.Tracking.Project = t.Project })
	f.stringVar(&t.Dir, "tracking-dir", "directory of the jsonl tracker", func(c *Config) { c.Tracking.Dir = t.Dir })
	f.stringVar(&t.MLflowURI, "mlflow-uri", "MLflow tracking server URI, e.g. http://localhost:5000",
		func(c *Config) { c.Tracking.MLflowURI = t.MLflowURI })
	return f
}

func (f *Flags) intVar(p *int, name, usage string, apply func(*Config)) {
	f.fs.IntVar(p, name, *p, usage)
	f.apply[name] = apply
}

func (f *Flags) floatVar(p *float64, name, usage string, apply func(*Config)) {
	f.fs.Float64Var(p, name, *p, usage)
	f.apply[name] = apply
}

func (f *Flags) boolVar(p *bool, name, usage string, apply func(*Config)) {
	f.fs.BoolVar(p, name, *p, usage)
	f.apply[name] = apply
}

func (f *Flags) stringVar(p *string, name, usage string, apply func(*Config)) {
	f.fs.StringVar(p, name, *p, usage)
	f.apply[name] = apply
}

// Config resolves the configuration after the FlagSet was parsed: defaults, then the "-config" file
// (if given), then the flags explicitly set on the command line. The result is validated.
func (f *Flags) Config() (Config, error) {
	cfg := Default()
	if f.configFile != "" {
		var err error
		cfg, err = LoadFile(f.configFile, cfg)
		if err != nil {
			return cfg, err
		}
	}
	f.fs.Visit(func(fl *flag.Flag) {
		if apply, found := f.apply[fl.Name]; found {
			apply(&cfg)
		}
	})
	cfg = cfg.Resolved()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

