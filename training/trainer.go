package training

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-igc/architecture"
	"github.com/tsawler/go-igc/checkpoints"
	"github.com/tsawler/go-igc/initializers"
	"github.com/tsawler/go-igc/layers"
	"github.com/tsawler/go-igc/vision/dataloader"
)

// BatchIterator delivers one epoch of batches. Next returns io.EOF at the end
// of the epoch; Reset rewinds for the next one.
type BatchIterator interface {
	Next(ctx context.Context) (*dataloader.Batch, error)
	Reset()
}

// Trainer drives an Engine through epochs of training and validation
type Trainer struct {
	Network *architecture.Network
	Engine  Engine
	KVStore KVStore // nil means a local store
	Devices []string

	Initializer initializers.Initializer
	Seed        int64
	InitWorkers int

	Optimizer   OptimizerParams
	Scheduler   LRScheduler // nil keeps the learning rate constant
	MetricNames []string    // default "ce", "acc"
	TopK        int

	BatchEndCallbacks []BatchEndCallback
	EpochEndCallbacks []EpochEndCallback

	Logger *log.Logger // nil means log.Default()
}

// FitOptions select the epoch range and the starting weights
type FitOptions struct {
	BeginEpoch int
	NumEpochs  int // training stops before this epoch
	EpochSize  int // updates per epoch, restores the update count when resuming

	// ArgParams holds loaded weights. Parameters it lacks are initialized.
	ArgParams map[string][]float32
}

// FitResult reports the state after the last epoch
type FitResult struct {
	Epochs    int
	NumUpdate int
	Train     []NameValue
	Val       []NameValue
}

// Fit trains on train and, when val is not nil, evaluates after every epoch
func (t *Trainer) Fit(ctx context.Context, train, val BatchIterator, opts FitOptions) (*FitResult, error) {
	if t.Network == nil || t.Network.Model == nil {
		return nil, errors.New("trainer has no compiled network")
	}
	if t.Engine == nil {
		return nil, errors.New("trainer has no engine")
	}
	if train == nil {
		return nil, errors.New("trainer needs a training iterator")
	}
	if opts.NumEpochs <= opts.BeginEpoch {
		return nil, errors.Errorf("num epochs %d must exceed begin epoch %d", opts.NumEpochs, opts.BeginEpoch)
	}
	if err := t.Optimizer.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid optimizer settings")
	}

	kv := t.KVStore
	if kv == nil {
		kv, _ = NewKVStore("local")
	}
	model := t.Network.Model

	if err := t.Engine.Bind(ctx, model, t.Devices); err != nil {
		return nil, errors.Wrap(err, "failed to bind model")
	}
	params, err := t.initParams(ctx, opts.ArgParams)
	if err != nil {
		return nil, err
	}
	if err := t.Engine.SetParams(params); err != nil {
		return nil, errors.Wrap(err, "failed to set parameters")
	}

	trainMetric, err := t.newMetric()
	if err != nil {
		return nil, err
	}
	valMetric, err := t.newMetric()
	if err != nil {
		return nil, err
	}

	result := &FitResult{}
	numUpdate := opts.BeginEpoch * opts.EpochSize
	opt := t.Optimizer

	for epoch := opts.BeginEpoch; epoch < opts.NumEpochs; epoch++ {
		tic := time.Now()
		trainMetric.Reset()
		train.Reset()

		nbatch := 0
		for {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			batch, err := train.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return result, errors.Wrapf(err, "failed to read batch %d of epoch %d", nbatch+1, epoch)
			}

			outputs, err := t.Engine.ForwardBackward(ctx, batch)
			if err != nil {
				return result, errors.Wrapf(err, "forward/backward failed at epoch %d batch %d", epoch, nbatch+1)
			}
			numUpdate++
			opt.LearningRate = t.learningRate(epoch, numUpdate)
			if err := t.Engine.Update(ctx, kv, opt); err != nil {
				return result, errors.Wrapf(err, "update failed at epoch %d batch %d", epoch, nbatch+1)
			}
			if err := updateMetric(trainMetric, batch, outputs); err != nil {
				return result, err
			}
			nbatch++

			param := BatchEndParam{
				Epoch:        epoch,
				NumBatch:     nbatch,
				NumUpdate:    numUpdate,
				LearningRate: opt.LearningRate,
				Metric:       trainMetric,
			}
			for _, cb := range t.BatchEndCallbacks {
				cb(param)
			}
		}

		result.Train = trainMetric.Values()
		for _, nv := range result.Train {
			t.logger().Printf("Epoch[%d] Train-%s", epoch, nv)
		}
		t.logger().Printf("Epoch[%d] Time cost=%.3f", epoch, time.Since(tic).Seconds())

		result.Val = nil
		if val != nil {
			if err := t.evaluate(ctx, val, valMetric); err != nil {
				return result, errors.Wrapf(err, "validation failed at epoch %d", epoch)
			}
			result.Val = valMetric.Values()
			for _, nv := range result.Val {
				t.logger().Printf("Epoch[%d] Validation-%s", epoch, nv)
			}
		}

		result.Epochs++
		result.NumUpdate = numUpdate

		if len(t.EpochEndCallbacks) == 0 {
			continue
		}
		current, err := t.Engine.Params()
		if err != nil {
			return result, errors.Wrap(err, "failed to read parameters")
		}
		cfg := t.Network.Config
		end := EpochEndParam{
			Epoch:     epoch,
			NumUpdate: numUpdate,
			Params:    current,
			Model:     model,
			Network:   &cfg,
			Train:     result.Train,
			Val:       result.Val,
			Optimizer: opt,
		}
		for _, cb := range t.EpochEndCallbacks {
			if err := cb(end); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

// Score runs the engine forward over one pass of it and returns the metrics
func (t *Trainer) Score(ctx context.Context, it BatchIterator) ([]NameValue, error) {
	metric, err := t.newMetric()
	if err != nil {
		return nil, err
	}
	if err := t.evaluate(ctx, it, metric); err != nil {
		return nil, err
	}
	return metric.Values(), nil
}

func (t *Trainer) evaluate(ctx context.Context, it BatchIterator, metric *CompositeMetric) error {
	metric.Reset()
	it.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := it.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		outputs, err := t.Engine.Forward(ctx, batch)
		if err != nil {
			return err
		}
		if err := updateMetric(metric, batch, outputs); err != nil {
			return err
		}
	}
}

func (t *Trainer) initParams(ctx context.Context, loaded map[string][]float32) (map[string][]float32, error) {
	var missing []layers.ParameterSpec
	for _, p := range t.Network.Model.Parameters {
		if _, ok := loaded[p.Name]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return loaded, nil
	}
	if t.Initializer == nil {
		return nil, errors.Errorf("%d parameters need initialization but no initializer is set", len(missing))
	}
	if loaded != nil {
		t.logger().Printf("initializing %d parameters missing from the loaded weights", len(missing))
	}

	fresh, err := initializers.Materialize(ctx, missing, t.Initializer, t.Seed, t.InitWorkers)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize parameters")
	}
	for name, v := range loaded {
		fresh[name] = v
	}
	return fresh, nil
}

func (t *Trainer) newMetric() (*CompositeMetric, error) {
	names := t.MetricNames
	if len(names) == 0 {
		names = []string{"ce", "acc"}
	}
	return NewCompositeMetric(names, t.TopK)
}

func (t *Trainer) learningRate(epoch, numUpdate int) float64 {
	if t.Scheduler == nil {
		return t.Optimizer.LearningRate
	}
	return t.Scheduler.GetLR(epoch, numUpdate, t.Optimizer.LearningRate)
}

func (t *Trainer) logger() *log.Logger {
	if t.Logger == nil {
		return log.Default()
	}
	return t.Logger
}

// updateMetric scores the batch without its padding samples
func updateMetric(metric *CompositeMetric, batch *dataloader.Batch, outputs []float32) error {
	valid := batch.Valid()
	if valid == 0 {
		return nil
	}
	if len(outputs)%len(batch.Labels) != 0 {
		return errors.Errorf("engine returned %d outputs for %d samples", len(outputs), len(batch.Labels))
	}
	classes := len(outputs) / len(batch.Labels)
	return metric.Update(batch.Labels[:valid], outputs[:valid*classes])
}

// LoadParams reads the weights saved for epoch under prefix and checks them
// against model
func LoadParams(saver *checkpoints.CheckpointSaver, prefix string, epoch int, model *layers.ModelSpec) (map[string][]float32, checkpoints.TrainingState, error) {
	cp, err := saver.LoadEpoch(prefix, epoch)
	if err != nil {
		return nil, checkpoints.TrainingState{}, err
	}
	params, err := checkpoints.ParamsFromWeights(model, cp.Weights)
	if err != nil {
		return nil, checkpoints.TrainingState{}, errors.Wrapf(err, "checkpoint %s epoch %d does not fit the network", prefix, epoch)
	}
	return params, cp.TrainingState, nil
}
