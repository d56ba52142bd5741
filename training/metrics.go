package training

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// EvalMetric accumulates a score over batches of softmax outputs
type EvalMetric interface {
	Name() string
	// Update consumes one batch; outputs are laid out [len(labels), classes]
	Update(labels []int, outputs []float32) error
	Get() float64
	Reset()
}

// NameValue is one reported metric
type NameValue struct {
	Name  string
	Value float64
}

func (nv NameValue) String() string {
	return fmt.Sprintf("%s=%f", nv.Name, nv.Value)
}

// CreateMetric returns the metric registered under name: "acc", "ce" or
// "top_k_accuracy" (k = topK)
func CreateMetric(name string, topK int) (EvalMetric, error) {
	switch strings.ToLower(name) {
	case "acc", "accuracy":
		return &Accuracy{}, nil
	case "ce", "cross-entropy":
		return &CrossEntropy{}, nil
	case "top_k_accuracy", "top_k_acc":
		if topK <= 0 {
			return nil, fmt.Errorf("top_k_accuracy needs a positive k, got %d", topK)
		}
		return &TopKAccuracy{K: topK}, nil
	default:
		return nil, fmt.Errorf("unknown metric %s", name)
	}
}

// rows splits outputs into one float64 row per label
func rows(labels []int, outputs []float32) ([][]float64, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	if len(outputs)%len(labels) != 0 {
		return nil, fmt.Errorf("%d outputs do not split into %d rows", len(outputs), len(labels))
	}
	classes := len(outputs) / len(labels)
	out := make([][]float64, len(labels))
	for i, label := range labels {
		if label < 0 || label >= classes {
			return nil, fmt.Errorf("label %d out of range for %d classes", label, classes)
		}
		row := make([]float64, classes)
		for j := range row {
			row[j] = float64(outputs[i*classes+j])
		}
		out[i] = row
	}
	return out, nil
}

type counter struct {
	sum float64
	n   int
}

func (c *counter) Get() float64 {
	if c.n == 0 {
		return math.NaN()
	}
	return c.sum / float64(c.n)
}

func (c *counter) Reset() {
	c.sum, c.n = 0, 0
}

// Accuracy is the fraction of rows whose arg-max equals the label
type Accuracy struct {
	counter
}

func (m *Accuracy) Name() string { return "accuracy" }

func (m *Accuracy) Update(labels []int, outputs []float32) error {
	rs, err := rows(labels, outputs)
	if err != nil {
		return err
	}
	for i, row := range rs {
		if floats.MaxIdx(row) == labels[i] {
			m.sum++
		}
		m.n++
	}
	return nil
}

// TopKAccuracy counts a row as correct when the label is among its K largest
// outputs
type TopKAccuracy struct {
	K int
	counter
}

func (m *TopKAccuracy) Name() string { return fmt.Sprintf("top_k_accuracy_%d", m.K) }

func (m *TopKAccuracy) Update(labels []int, outputs []float32) error {
	rs, err := rows(labels, outputs)
	if err != nil {
		return err
	}
	for i, row := range rs {
		inds := make([]int, len(row))
		floats.Argsort(row, inds)
		k := m.K
		if k > len(row) {
			k = len(row)
		}
		for _, idx := range inds[len(inds)-k:] {
			if idx == labels[i] {
				m.sum++
				break
			}
		}
		m.n++
	}
	return nil
}

// CrossEntropy is the mean negative log probability of the label
type CrossEntropy struct {
	Eps float64 // default 1e-12
	counter
}

func (m *CrossEntropy) Name() string { return "cross-entropy" }

func (m *CrossEntropy) Update(labels []int, outputs []float32) error {
	rs, err := rows(labels, outputs)
	if err != nil {
		return err
	}
	eps := m.Eps
	if eps == 0 {
		eps = 1e-12
	}
	for i, row := range rs {
		m.sum -= math.Log(row[labels[i]] + eps)
		m.n++
	}
	return nil
}

// CompositeMetric updates several metrics together
type CompositeMetric struct {
	Metrics []EvalMetric
}

// NewCompositeMetric creates the named metrics
func NewCompositeMetric(names []string, topK int) (*CompositeMetric, error) {
	c := &CompositeMetric{}
	for _, name := range names {
		m, err := CreateMetric(name, topK)
		if err != nil {
			return nil, err
		}
		c.Metrics = append(c.Metrics, m)
	}
	return c, nil
}

func (c *CompositeMetric) Update(labels []int, outputs []float32) error {
	for _, m := range c.Metrics {
		if err := m.Update(labels, outputs); err != nil {
			return fmt.Errorf("failed to update %s: %v", m.Name(), err)
		}
	}
	return nil
}

func (c *CompositeMetric) Reset() {
	for _, m := range c.Metrics {
		m.Reset()
	}
}

// Values returns every metric's current value in order
func (c *CompositeMetric) Values() []NameValue {
	out := make([]NameValue, len(c.Metrics))
	for i, m := range c.Metrics {
		out[i] = NameValue{Name: m.Name(), Value: m.Get()}
	}
	return out
}
