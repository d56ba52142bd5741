package training

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-igc/architecture"
	"github.com/tsawler/go-igc/checkpoints"
	"github.com/tsawler/go-igc/layers"
)

// BatchEndParam is passed to batch callbacks after every update
type BatchEndParam struct {
	Epoch        int
	NumBatch     int // 1-based batch count within the epoch
	NumUpdate    int // updates since the start of training
	LearningRate float64
	Metric       *CompositeMetric
}

// EpochEndParam is passed to epoch callbacks after training (and
// validation) of one epoch. Epoch is 0-based.
type EpochEndParam struct {
	Epoch     int
	NumUpdate int
	Params    map[string][]float32
	Model     *layers.ModelSpec
	Network   *architecture.NetworkConfig
	Train     []NameValue
	Val       []NameValue
	Optimizer OptimizerParams
}

type (
	BatchEndCallback func(BatchEndParam)
	EpochEndCallback func(EpochEndParam) error
)

// NewSpeedometer logs throughput and metrics every frequent batches:
//
//	Epoch[0] Batch[50] Speed: 812.40 samples/sec lr=0.1 accuracy=0.412500
func NewSpeedometer(batchSize, frequent int, logger *log.Logger) BatchEndCallback {
	if logger == nil {
		logger = log.Default()
	}
	if frequent <= 0 {
		frequent = 50
	}
	var (
		tic       time.Time
		lastCount int
		started   bool
	)
	return func(p BatchEndParam) {
		if p.NumBatch < lastCount {
			started = false
		}
		lastCount = p.NumBatch

		if !started {
			tic = time.Now()
			started = true
			return
		}
		if p.NumBatch%frequent != 0 {
			return
		}
		elapsed := time.Since(tic).Seconds()
		speed := 0.0
		if elapsed > 0 {
			speed = float64(frequent*batchSize) / elapsed
		}
		line := fmt.Sprintf("Epoch[%d] Batch[%d] Speed: %.2f samples/sec lr=%g", p.Epoch, p.NumBatch, speed, p.LearningRate)
		if p.Metric != nil {
			line += " " + formatValues(p.Metric.Values())
		}
		logger.Print(line)
		tic = time.Now()
	}
}

// NewProgressCallback renders a progress bar for an epoch of total batches
func NewProgressCallback(bar *ProgressBar) BatchEndCallback {
	return func(p BatchEndParam) {
		metrics := make(map[string]float64)
		if p.Metric != nil {
			for _, nv := range p.Metric.Values() {
				metrics[nv.Name] = nv.Value
			}
		}
		if p.NumBatch == 1 {
			bar.Reset(fmt.Sprintf("Epoch %d", p.Epoch))
		}
		bar.Update(p.NumBatch, metrics)
	}
}

// DoCheckpoint saves "<prefix>-symbol" once and "<prefix>-%04d.params" every
// period epochs. The params file is numbered epoch+1, the number of epochs
// completed, which is the value to resume from.
func DoCheckpoint(saver *checkpoints.CheckpointSaver, prefix string, period int, logger *log.Logger) EpochEndCallback {
	if period <= 0 {
		period = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return func(p EpochEndParam) error {
		completed := p.Epoch + 1
		if completed%period != 0 {
			return nil
		}
		weights, err := checkpoints.WeightsFromParams(p.Model, p.Params)
		if err != nil {
			return errors.Wrap(err, "failed to collect weights")
		}
		cp := &checkpoints.Checkpoint{
			Network:       p.Network,
			ModelSpec:     p.Model,
			Weights:       weights,
			TrainingState: TrainingStateOf(completed, p),
			OptimizerState: &checkpoints.OptimizerState{
				Type: p.Optimizer.Name,
				Parameters: map[string]interface{}{
					"momentum": p.Optimizer.Momentum,
					"wd":       p.Optimizer.WeightDecay,
				},
			},
		}
		if err := saver.SaveEpoch(prefix, cp); err != nil {
			return errors.Wrapf(err, "failed to save checkpoint for epoch %d", completed)
		}
		logger.Printf("Saved checkpoint to \"%s\"", checkpoints.ParamsPath(prefix, completed, saver.Format()))
		return nil
	}
}

// TrainingStateOf summarizes an epoch end for a checkpoint
func TrainingStateOf(completed int, p EpochEndParam) checkpoints.TrainingState {
	state := checkpoints.TrainingState{
		Epoch:        completed,
		Step:         p.NumUpdate,
		TotalSteps:   p.NumUpdate,
		LearningRate: float32(p.Optimizer.LearningRate),
	}
	for _, nv := range p.Val {
		switch nv.Name {
		case "accuracy":
			state.BestAccuracy = float32(nv.Value)
		case "cross-entropy":
			state.BestLoss = float32(nv.Value)
		}
	}
	return state
}

func formatValues(values []NameValue) string {
	parts := make([]string, len(values))
	for i, nv := range values {
		parts[i] = nv.String()
	}
	return strings.Join(parts, " ")
}
