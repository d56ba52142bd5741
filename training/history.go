package training

import (
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/tsawler/go-igc/layers"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PlotType names a plot that History can export
type PlotType string

const (
	TrainingCurves        PlotType = "training_curves"
	LearningRateSchedule  PlotType = "learning_rate_schedule"
	ParameterDistribution PlotType = "parameter_distribution"
)

// PlotData is the JSON document written for one plot
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	ModelName string       `json:"model_name"`
	Series    []SeriesData `json:"series"`
	Config    PlotConfig   `json:"config"`
}

// SeriesData is a single named series of a plot
type SeriesData struct {
	Name string      `json:"name"`
	Type string      `json:"type"` // "line" or "bar"
	Data []DataPoint `json:"data"`
}

type DataPoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label,omitempty"`
}

type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	YAxisScale string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend bool   `json:"show_legend"`
}

// ParameterStats summarizes the values of one parameter array
type ParameterStats struct {
	Name   string  `json:"name"`
	Role   string  `json:"role"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Values int     `json:"values"`
}

// History records metrics over a training run. Attach BatchCallback and
// EpochCallback to a Trainer.
type History struct {
	mu        sync.Mutex
	modelName string

	updates       []int
	learningRates []float64

	epochs []int
	train  map[string][]float64
	val    map[string][]float64

	params []ParameterStats // from the last epoch end
}

func NewHistory(modelName string) *History {
	return &History{
		modelName: modelName,
		train:     make(map[string][]float64),
		val:       make(map[string][]float64),
	}
}

// BatchCallback records the learning rate of every update
func (h *History) BatchCallback() BatchEndCallback {
	return func(p BatchEndParam) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.updates = append(h.updates, p.NumUpdate)
		h.learningRates = append(h.learningRates, p.LearningRate)
	}
}

// EpochCallback records epoch metrics and parameter statistics
func (h *History) EpochCallback() EpochEndCallback {
	return func(p EpochEndParam) error {
		h.RecordEpoch(p.Epoch, p.Train, p.Val)
		h.RecordParameters(p.Params)
		return nil
	}
}

// RecordEpoch appends the metrics of one epoch
func (h *History) RecordEpoch(epoch int, train, val []NameValue) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.epochs = append(h.epochs, epoch)
	for _, nv := range train {
		h.train[nv.Name] = append(h.train[nv.Name], nv.Value)
	}
	for _, nv := range val {
		h.val[nv.Name] = append(h.val[nv.Name], nv.Value)
	}
}

// RecordParameters replaces the parameter statistics, sorted by name
func (h *History) RecordParameters(params map[string][]float32) {
	stats := make([]ParameterStats, 0, len(params))
	for name, values := range params {
		if len(values) == 0 {
			continue
		}
		x := make([]float64, len(values))
		for i, v := range values {
			x[i] = float64(v)
		}
		mean, std := stat.MeanStdDev(x, nil)
		if len(x) == 1 {
			std = 0
		}
		stats = append(stats, ParameterStats{
			Name:   name,
			Role:   layers.ClassifyRole(name).String(),
			Mean:   mean,
			Std:    std,
			Min:    floats.Min(x),
			Max:    floats.Max(x),
			Values: len(x),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })

	h.mu.Lock()
	h.params = stats
	h.mu.Unlock()
}

// Parameters returns the last recorded parameter statistics
func (h *History) Parameters() []ParameterStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ParameterStats(nil), h.params...)
}

// Metric returns the per-epoch values of a train or validation metric
func (h *History) Metric(name string, validation bool) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	src := h.train
	if validation {
		src = h.val
	}
	return append([]float64(nil), src[name]...)
}

// Plot builds the requested plot
func (h *History) Plot(plotType PlotType) PlotData {
	h.mu.Lock()
	defer h.mu.Unlock()

	pd := PlotData{
		PlotType:  plotType,
		Timestamp: time.Now(),
		ModelName: h.modelName,
	}
	switch plotType {
	case TrainingCurves:
		pd.Title = "Training Progress"
		pd.Config = PlotConfig{XAxisLabel: "Epoch", YAxisLabel: "Value", YAxisScale: "linear", ShowLegend: true}
		pd.Series = append(pd.Series, h.epochSeries("train", h.train)...)
		pd.Series = append(pd.Series, h.epochSeries("val", h.val)...)
	case LearningRateSchedule:
		pd.Title = "Learning Rate Schedule"
		pd.Config = PlotConfig{XAxisLabel: "Update", YAxisLabel: "Learning Rate", YAxisScale: "log"}
		series := SeriesData{Name: "lr", Type: "line"}
		for i, u := range h.updates {
			series.Data = append(series.Data, DataPoint{X: float64(u), Y: h.learningRates[i]})
		}
		pd.Series = []SeriesData{series}
	case ParameterDistribution:
		pd.Title = "Parameter Distribution"
		pd.Config = PlotConfig{XAxisLabel: "Parameter", YAxisLabel: "Std", YAxisScale: "linear"}
		series := SeriesData{Name: "std", Type: "bar"}
		for i, ps := range h.params {
			series.Data = append(series.Data, DataPoint{X: float64(i), Y: ps.Std, Label: ps.Name})
		}
		pd.Series = []SeriesData{series}
	}
	return pd
}

func (h *History) epochSeries(prefix string, metrics map[string][]float64) []SeriesData {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]SeriesData, 0, len(names))
	for _, name := range names {
		series := SeriesData{Name: prefix + "-" + name, Type: "line"}
		for i, v := range metrics[name] {
			if i < len(h.epochs) {
				series.Data = append(series.Data, DataPoint{X: float64(h.epochs[i]), Y: v})
			}
		}
		out = append(out, series)
	}
	return out
}

// WriteJSON writes the plot as indented JSON
func (pd PlotData) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(pd)
}
