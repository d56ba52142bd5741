package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-igc/layers"
)

// ProgressBar renders a single-line training progress bar
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar writing to out (nil means stdout)
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	if out == nil {
		out = os.Stdout
	}
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Reset restarts the bar for a new pass over total steps
func (pb *ProgressBar) Reset(description string) {
	pb.description = description
	pb.current = 0
	pb.startTime = time.Now()
	pb.metrics = make(map[string]float64)
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
	if pb.total > 0 && step >= pb.total {
		fmt.Fprintln(pb.out)
	}
}

func (pb *ProgressBar) render() {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s", pb.description, percentage*100, bar, pb.current, pb.total, formatDuration(elapsed))
	if pb.current > 0 && elapsed > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", float64(pb.current)/elapsed.Seconds())
	}

	// stable order so consecutive renders overwrite cleanly
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "accuracy") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}
	fmt.Fprint(pb.out, line+"]")
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints a compiled network one node per line
type ModelArchitecturePrinter struct {
	modelName string
}

func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{modelName: modelName}
}

// PrintArchitecture writes the node list and a size summary to w
func (p *ModelArchitecturePrinter) PrintArchitecture(w io.Writer, modelSpec *layers.ModelSpec) {
	fmt.Fprintf(w, "%s(\n", p.modelName)
	for _, node := range modelSpec.Nodes {
		fmt.Fprintf(w, "  %s\n", p.formatNode(node))
	}
	fmt.Fprintf(w, ")\n\n")

	fmt.Fprintf(w, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(w, "Auxiliary states: %s\n", formatParameterCount(modelSpec.AuxParameters))
	fmt.Fprintf(w, "Input size (MB): %.3f\n", tensorMegabytes(modelSpec.InputShape))
	fmt.Fprintf(w, "Params size (MB): %.3f\n", float64((modelSpec.TotalParameters+modelSpec.AuxParameters)*4)/1024/1024)
	fmt.Fprintf(w, "Largest activation (MB): %.3f\n", largestActivation(modelSpec))
}

func (p *ModelArchitecturePrinter) formatNode(n layers.NodeSpec) string {
	switch n.Kind {
	case layers.Convolution:
		k, s, pad := n.IntParam("kernel_size", 1), n.IntParam("stride", 1), n.IntParam("padding", 0)
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), groups=%d, bias=%t) -> %v",
			n.Name, n.IntParam("input_channels", 0), n.IntParam("output_channels", 0), k, k, s, s, pad, pad,
			n.IntParam("num_group", 1), !n.BoolParam("no_bias", true), n.OutputShape)
	case layers.BatchNorm:
		return fmt.Sprintf("(%s): BatchNorm(%d, eps=%g, momentum=%g)",
			n.Name, n.IntParam("num_features", 0), n.FloatParam("eps", layers.DefaultBatchNormEps), n.FloatParam("momentum", 0))
	case layers.Pooling:
		if n.BoolParam("global_pool", false) {
			return fmt.Sprintf("(%s): GlobalPool(%s) -> %v", n.Name, n.StringParam("pool_type", ""), n.OutputShape)
		}
		return fmt.Sprintf("(%s): Pool(%s, kernel_size=%d, stride=%d, padding=%d) -> %v",
			n.Name, n.StringParam("pool_type", ""), n.IntParam("kernel_size", 0), n.IntParam("stride", 1), n.IntParam("padding", 0), n.OutputShape)
	case layers.FullyConnected:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d)", n.Name, n.InputShape[1], n.IntParam("num_hidden", 0))
	case layers.ChannelReorder:
		return fmt.Sprintf("(%s): ChannelReorder(branch_factor=%d)", n.Name, n.IntParam("branch_factor", 1))
	case layers.Add:
		return fmt.Sprintf("(%s): Add(%s)", n.Name, strings.Join(n.Inputs, ", "))
	default:
		return fmt.Sprintf("(%s): %s()", n.Name, n.Kind)
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

func tensorMegabytes(shape []int) float64 {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024
}

func largestActivation(modelSpec *layers.ModelSpec) float64 {
	largest := tensorMegabytes(modelSpec.InputShape)
	for _, n := range modelSpec.Nodes {
		if mb := tensorMegabytes(n.OutputShape); mb > largest {
			largest = mb
		}
	}
	return largest
}
