package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tsawler/go-igc/architecture"
	"github.com/tsawler/go-igc/layers"
)

// A model checkpoint under a prefix is split in two files: the symbol file
// holding the network config and compiled graph, written once, and one
// params file per saved epoch holding weights and training state.

// SymbolPath returns "<prefix>-symbol.json" (or .pb)
func SymbolPath(prefix string, format CheckpointFormat) string {
	return prefix + "-symbol" + format.extension()
}

// ParamsPath returns "<prefix>-<epoch %04d>.params" with a ".pb" suffix for
// the proto format
func ParamsPath(prefix string, epoch int, format CheckpointFormat) string {
	path := fmt.Sprintf("%s-%04d.params", prefix, epoch)
	if format == FormatProto {
		path += ".pb"
	}
	return path
}

type symbolFile struct {
	Network   *architecture.NetworkConfig `json:"network,omitempty"`
	ModelSpec *layers.ModelSpec           `json:"model_spec"`
	Metadata  CheckpointMetadata          `json:"metadata"`
}

type paramsFile struct {
	Weights        []WeightTensor     `json:"weights"`
	TrainingState  TrainingState      `json:"training_state"`
	OptimizerState *OptimizerState    `json:"optimizer_state,omitempty"`
	Metadata       CheckpointMetadata `json:"metadata"`
}

// SaveSymbol writes the symbol file for prefix
func (cs *CheckpointSaver) SaveSymbol(prefix string, network *architecture.NetworkConfig, model *layers.ModelSpec) error {
	if model == nil {
		return fmt.Errorf("cannot save symbol %s without a compiled model", prefix)
	}
	sym := symbolFile{Network: network, ModelSpec: model}
	stampMetadata(&sym.Metadata)
	return cs.writeFile(SymbolPath(prefix, cs.format), sym)
}

// SaveEpoch writes the symbol file (if missing) and the params file of
// checkpoint.TrainingState.Epoch
func (cs *CheckpointSaver) SaveEpoch(prefix string, checkpoint *Checkpoint) error {
	if err := ensureDir(prefix); err != nil {
		return err
	}
	symPath := SymbolPath(prefix, cs.format)
	if _, err := os.Stat(symPath); os.IsNotExist(err) {
		if err := cs.SaveSymbol(prefix, checkpoint.Network, checkpoint.ModelSpec); err != nil {
			return err
		}
	}

	stampMetadata(&checkpoint.Metadata)
	params := paramsFile{
		Weights:        checkpoint.Weights,
		TrainingState:  checkpoint.TrainingState,
		OptimizerState: checkpoint.OptimizerState,
		Metadata:       checkpoint.Metadata,
	}
	return cs.writeFile(ParamsPath(prefix, checkpoint.TrainingState.Epoch, cs.format), params)
}

// LoadEpoch reads the symbol file and the params file of one epoch and
// checks the weights against the stored model.
func (cs *CheckpointSaver) LoadEpoch(prefix string, epoch int) (*Checkpoint, error) {
	var sym symbolFile
	if err := cs.readFile(SymbolPath(prefix, cs.format), &sym); err != nil {
		return nil, err
	}
	var params paramsFile
	if err := cs.readFile(ParamsPath(prefix, epoch, cs.format), &params); err != nil {
		return nil, err
	}
	normalizeWeights(params.Weights)

	if sym.ModelSpec != nil {
		if _, err := ParamsFromWeights(sym.ModelSpec, params.Weights); err != nil {
			return nil, errors.Wrapf(err, "params of epoch %d do not match symbol %s", epoch, prefix)
		}
	}

	return &Checkpoint{
		Network:        sym.Network,
		ModelSpec:      sym.ModelSpec,
		Weights:        params.Weights,
		TrainingState:  params.TrainingState,
		OptimizerState: params.OptimizerState,
		Metadata:       params.Metadata,
	}, nil
}

func (cs *CheckpointSaver) writeFile(path string, v interface{}) error {
	data, err := cs.encode(v)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

func (cs *CheckpointSaver) readFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	if err := cs.decode(data, v); err != nil {
		return errors.Wrapf(err, "failed to decode %s", path)
	}
	return nil
}

func ensureDir(prefix string) error {
	dir := filepath.Dir(prefix)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	return nil
}
