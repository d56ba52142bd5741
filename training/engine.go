package training

import (
	"context"
	"fmt"

	"github.com/tsawler/go-igc/layers"
	"github.com/tsawler/go-igc/vision/dataloader"
)

// Engine is the tensor execution engine a compiled model is handed to. It owns
// devices, gradients and the optimizer kernels; the trainer only sequences
// calls into it.
type Engine interface {
	// Bind allocates the model on the given devices
	Bind(ctx context.Context, model *layers.ModelSpec, devices []string) error
	SetParams(params map[string][]float32) error
	Params() (map[string][]float32, error)

	// ForwardBackward runs one training pass and returns the softmax
	// outputs, laid out [batch, classes]
	ForwardBackward(ctx context.Context, batch *dataloader.Batch) ([]float32, error)
	Forward(ctx context.Context, batch *dataloader.Batch) ([]float32, error)

	// Update applies the accumulated gradients, synchronizing through kv
	Update(ctx context.Context, kv KVStore, opt OptimizerParams) error
}

// OptimizerParams are handed to Engine.Update on every batch
type OptimizerParams struct {
	Name         string  `json:"name"`
	LearningRate float64 `json:"learning_rate"`
	Momentum     float64 `json:"momentum"`
	WeightDecay  float64 `json:"wd"`
}

// DefaultOptimizerParams returns Nesterov momentum 0.9 with weight decay 1e-4
func DefaultOptimizerParams(lr float64) OptimizerParams {
	return OptimizerParams{
		Name:         "nesterov",
		LearningRate: lr,
		Momentum:     0.9,
		WeightDecay:  0.0001,
	}
}

// Validate rejects non-positive learning rates and out of range momentum
func (o OptimizerParams) Validate() error {
	if o.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", o.LearningRate)
	}
	if o.Momentum < 0 || o.Momentum >= 1 {
		return fmt.Errorf("momentum must be in [0, 1), got %g", o.Momentum)
	}
	if o.WeightDecay < 0 {
		return fmt.Errorf("weight decay must not be negative, got %g", o.WeightDecay)
	}
	return nil
}

// KVStore is the parameter synchronization layer. The trainer uses only the
// worker identity, to shard data.
type KVStore interface {
	Type() string
	Rank() int
	NumWorkers() int
}

// StaticKVStore is a KVStore with a fixed identity. Engine integrations that
// learn their rank from a launcher build one directly.
type StaticKVStore struct {
	Kind       string
	WorkerRank int
	Workers    int
}

func (kv StaticKVStore) Type() string    { return kv.Kind }
func (kv StaticKVStore) Rank() int       { return kv.WorkerRank }
func (kv StaticKVStore) NumWorkers() int { return kv.Workers }

// NewKVStore creates an in-process store. "local" and "device" are single
// worker; distributed types need an engine integration that knows the rank.
func NewKVStore(kind string) (KVStore, error) {
	switch kind {
	case "", "local":
		return StaticKVStore{Kind: "local", WorkerRank: 0, Workers: 1}, nil
	case "device":
		return StaticKVStore{Kind: "device", WorkerRank: 0, Workers: 1}, nil
	case "dist_sync", "dist_async", "dist_device_sync":
		return nil, fmt.Errorf("kvstore type %s requires a distributed engine integration", kind)
	default:
		return nil, fmt.Errorf("unknown kvstore type %s", kind)
	}
}
