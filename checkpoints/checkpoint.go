package checkpoints

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-igc/architecture"
	"github.com/tsawler/go-igc/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// ParseFormat maps "json" or "proto" to a CheckpointFormat
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "json", "JSON":
		return FormatJSON, nil
	case "proto", "Proto", "pb":
		return FormatProto, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format: %s", name)
	}
}

func (cf CheckpointFormat) extension() string {
	if cf == FormatProto {
		return ".pb"
	}
	return ".json"
}

// Checkpoint represents a complete model state: graph, weights, optimizer
// state and training progress
type Checkpoint struct {
	Network   *architecture.NetworkConfig `json:"network,omitempty"`
	ModelSpec *layers.ModelSpec           `json:"model_spec,omitempty"`
	Weights   []WeightTensor              `json:"weights,omitempty"`

	TrainingState  TrainingState   `json:"training_state"`
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one named parameter with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer,omitempty"`
	Type  string    `json:"type"` // role: "weight", "bias", "gamma", "beta", "moving_mean", ...
	Aux   bool      `json:"aux,omitempty"`
}

// Role returns the parameter role, falling back to the name suffix for
// tensors written without one
func (w WeightTensor) Role() layers.ParameterRole {
	if w.Type != "" {
		if r := layers.ParseRole(w.Type); r != layers.RoleDefault || w.Type == layers.RoleDefault.String() {
			return r
		}
	}
	return layers.ClassifyRole(w.Name)
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum buffers etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "nesterov", "sgd", ...
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data,omitempty"`
}

// OptimizerTensor represents optimizer state tensors
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", ...
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the encoding used by the saver
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint saves a complete checkpoint to a single file
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	stampMetadata(&checkpoint.Metadata)
	return cs.writeFile(path, checkpoint)
}

// LoadCheckpoint loads a checkpoint written by SaveCheckpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := cs.readFile(path, &checkpoint); err != nil {
		return nil, err
	}
	normalizeWeights(checkpoint.Weights)
	return &checkpoint, nil
}

func (cs *CheckpointSaver) encode(v interface{}) ([]byte, error) {
	switch cs.format {
	case FormatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode checkpoint")
		}
		return data, nil
	case FormatProto:
		return marshalProto(v)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) decode(data []byte, v interface{}) error {
	switch cs.format {
	case FormatJSON:
		return json.Unmarshal(data, v)
	case FormatProto:
		return unmarshalProto(data, v)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func stampMetadata(md *CheckpointMetadata) {
	if md.Framework == "" {
		md.Framework = "go-igc"
		md.Version = "1.0.0"
	}
	if md.CreatedAt.IsZero() {
		md.CreatedAt = time.Now()
	}
}

func normalizeWeights(weights []WeightTensor) {
	for i := range weights {
		role := weights[i].Role()
		weights[i].Type = role.String()
		if role == layers.RoleMovingMean || role == layers.RoleMovingVar {
			weights[i].Aux = true
		}
	}
}

// WeightsFromParams pairs materialized parameter values with the compiled
// model, in model order. Every parameter of the model must be present.
func WeightsFromParams(model *layers.ModelSpec, values map[string][]float32) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0, len(model.Parameters))
	for _, p := range model.Parameters {
		data, ok := values[p.Name]
		if !ok {
			return nil, fmt.Errorf("missing value for parameter %s", p.Name)
		}
		if len(data) != p.Size() {
			return nil, fmt.Errorf("parameter %s has %d values, shape %v needs %d", p.Name, len(data), p.Shape, p.Size())
		}
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  data,
			Layer: p.Node,
			Type:  p.Role.String(),
			Aux:   p.Aux,
		})
	}
	return weights, nil
}

// ParamsFromWeights checks loaded weights against a compiled model and
// returns them keyed by name. Weights the model does not declare are an
// error, as is any shape mismatch.
func ParamsFromWeights(model *layers.ModelSpec, weights []WeightTensor) (map[string][]float32, error) {
	params := make(map[string][]float32, len(weights))
	for _, w := range weights {
		p, ok := model.Parameter(w.Name)
		if !ok {
			return nil, fmt.Errorf("checkpoint weight %s is not a parameter of the model", w.Name)
		}
		if len(p.Shape) != len(w.Shape) {
			return nil, fmt.Errorf("shape mismatch for weight %s: model %v vs checkpoint %v", w.Name, p.Shape, w.Shape)
		}
		for j, dim := range p.Shape {
			if dim != w.Shape[j] {
				return nil, fmt.Errorf("dimension mismatch for weight %s at index %d: model %d vs checkpoint %d",
					w.Name, j, dim, w.Shape[j])
			}
		}
		if len(w.Data) != p.Size() {
			return nil, fmt.Errorf("weight %s holds %d values, expected %d", w.Name, len(w.Data), p.Size())
		}
		params[w.Name] = w.Data
	}
	return params, nil
}
