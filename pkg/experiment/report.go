// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/gomlx/mnisttune/pkg/search"
)

// Columns of the trials report.
const (
	ColumnTrial        = "trial"
	ColumnLearningRate = "lr"
	ColumnEpochs       = "epochs"
	ColumnAccuracy     = "accuracy"
	ColumnState        = "state"
	ColumnSeconds      = "seconds"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	bestRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "10"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// RenderSummary returns a table with all the trials, highlighting the best one.
func RenderSummary(trials []search.Trial) string {
	best := -1
	for ii, trial := range trials {
		if trial.State == search.StateComplete && (best < 0 || trial.Value > trials[best].Value) {
			best = ii
		}
	}
	alignments := []lipgloss.Position{lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left, lipgloss.Right}
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers("Trial", "Learning Rate", "Epochs", "Accuracy", "State", "Duration").
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row == best:
				s = bestRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			return s.Align(alignments[min(col, len(alignments)-1)])
		})
	for _, trial := range trials {
		accuracy := "-"
		if trial.State == search.StateComplete {
			accuracy = fmt.Sprintf("%.2f%%", 100*trial.Value)
		}
		table.Row(
			strconv.Itoa(trial.Number),
			fmt.Sprintf("%.3g", trial.Params.LearningRate),
			strconv.Itoa(trial.Params.Epochs),
			accuracy,
			trial.State.String(),
			trial.Duration().Round(100 * time.Millisecond).String(),
		)
	}
	return table.Render()
}

// TrialsDataFrame converts the trials to a dataframe, one row per trial. Trials that didn't complete
// have a NaN accuracy. The learning rate column holds the shortest exact representation of each value, since
// float columns are written with a fixed number of decimals.
func TrialsDataFrame(trials []search.Trial) dataframe.DataFrame {
	n := len(trials)
	numbers, epochs := make([]int, n), make([]int, n)
	accuracies, seconds := make([]float64, n), make([]float64, n)
	lrs, states := make([]string, n), make([]string, n)
	for ii, trial := range trials {
		numbers[ii] = trial.Number
		lrs[ii] = strconv.FormatFloat(trial.Params.LearningRate, 'g', -1, 64)
		epochs[ii] = trial.Params.Epochs
		accuracies[ii] = math.NaN()
		if trial.State == search.StateComplete {
			accuracies[ii] = trial.Value
		}
		states[ii] = trial.State.String()
		seconds[ii] = trial.Duration().Seconds()
	}
	return dataframe.New(
		series.New(numbers, series.Int, ColumnTrial),
		series.New(lrs, series.String, ColumnLearningRate),
		series.New(epochs, series.Int, ColumnEpochs),
		series.New(accuracies, series.Float, ColumnAccuracy),
		series.New(states, series.String, ColumnState),
		series.New(seconds, series.Float, ColumnSeconds),
	)
}

// WriteTrialsCSV writes the trials as a CSV file with a header, see TrialsDataFrame.
func WriteTrialsCSV(filePath string, trials []search.Trial) (err error) {
	if err = os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "failed to close %q", filePath)
		}
	}()
	df := TrialsDataFrame(trials)
	if err = df.WriteCSV(f); err != nil {
		return errors.Wrapf(err, "failed to write trials to %q", filePath)
	}
	return nil
}

// PlotTrials saves a scatter plot of the accuracy of the completed trials as a function of the learning rate
// (in log scale). The image format is given by the extension of filePath (e.g. ".png" or ".svg").
func PlotTrials(filePath string, trials []search.Trial) error {
	var points plotter.XYs
	for _, trial := range trials {
		if trial.State != search.StateComplete {
			continue
		}
		points = append(points, plotter.XY{X: trial.Params.LearningRate, Y: 100 * trial.Value})
	}
	if len(points) == 0 {
		return errors.New("no completed trials to plot")
	}

	p := plot.New()
	p.Title.Text = "Accuracy per learning rate"
	p.X.Label.Text = "learning rate"
	p.X.Scale = plot.LogScale{}
	p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	minLR, maxLR := points[0].X, points[0].X
	for _, point := range points {
		minLR, maxLR = min(minLR, point.X), max(maxLR, point.X)
	}
	p.X.Min, p.X.Max = minLR/2, maxLR*2
	p.Y.Label.Text = "accuracy (%)"
	p.Add(plotter.NewGrid())

	scatter, err := plotter.NewScatter(points)
	if err != nil {
		return errors.Wrap(err, "failed to create scatter plot")
	}
	p.Add(scatter)
	if err = p.Save(8*vg.Inch, 5*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}
