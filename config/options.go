// Package config holds the options of a training run. Options are read from
// command line flags, optionally on top of a JSON file, on top of the preset
// of the selected dataset.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-igc/architecture"
	"github.com/tsawler/go-igc/checkpoints"
	"github.com/tsawler/go-igc/training"
	"github.com/tsawler/go-igc/vision/preprocessing"
)

// Options of one training run
type Options struct {
	Config string `json:"-"`

	// network
	Network            string  `json:"network"`
	Depth              int     `json:"depth"`
	NumClasses         int     `json:"num_classes"`
	PrimaryPartition   int     `json:"primary_partition"`
	SecondaryPartition int     `json:"secondary_partition"`
	WidenFactor        float64 `json:"widen_factor"`
	BranchFactor       float64 `json:"branch_factor"`

	// data
	Dataset      string     `json:"dataset"`
	DataDir      string     `json:"data_dir"`
	TrainDataset string     `json:"train_dataset"`
	ValDataset   string     `json:"val_dataset"`
	DataShape    int        `json:"data_shape"`
	MeanRGB      [3]float32 `json:"mean_rgb"`
	StdRGB       [3]float32 `json:"std_rgb"`
	AugType      int        `json:"aug_type"`
	NumExamples  int        `json:"num_examples"`

	// optimization
	BatchSize     int     `json:"batch_size"`
	TestBatchSize int     `json:"test_batch_size"`
	NumEpochs     int     `json:"num_epochs"`
	LR            float64 `json:"lr"`
	LRSteps       []int   `json:"lr_steps"`
	LRFactor      float64 `json:"lr_factor"`
	Seed          int64   `json:"seed"`

	// runtime
	GPUs       string `json:"gpus"`
	KVStore    string `json:"kv_store"`
	NumWorkers int    `json:"num_workers"`

	// checkpoints
	ModelPrefix      string `json:"model_prefix"`
	CheckpointEpochs int    `json:"checkpoint_epochs"`
	CheckpointFormat string `json:"checkpoint_format"`
	LoadEpoch        int    `json:"load_epoch"` // resume from this saved epoch, 0 starts fresh
	LogIters         int    `json:"log_iters"`
}

// Preset is the dataset dependent part of Options
type Preset struct {
	NumClasses   int
	NumExamples  int
	DataShape    int
	MeanRGB      [3]float32
	StdRGB       [3]float32
	AugType      int
	TrainDataset string
	ValDataset   string
	NumEpochs    int
	LRSteps      []int
}

var presets = map[string]Preset{
	"cifar10": {
		NumClasses: 10, NumExamples: 50000, DataShape: 32,
		MeanRGB: [3]float32{125.3, 123.0, 113.9}, StdRGB: [3]float32{63.0, 62.1, 66.7},
		AugType: preprocessing.AugPadCropFlip, TrainDataset: "train.rec", ValDataset: "test.rec",
		NumEpochs: 400, LRSteps: []int{200, 300},
	},
	"cifar100": {
		NumClasses: 100, NumExamples: 50000, DataShape: 32,
		MeanRGB: [3]float32{129.3, 124.1, 112.4}, StdRGB: [3]float32{68.2, 65.4, 70.4},
		AugType: preprocessing.AugPadCropFlip, TrainDataset: "train.rec", ValDataset: "test.rec",
		NumEpochs: 400, LRSteps: []int{200, 300},
	},
	"svhn": {
		NumClasses: 10, NumExamples: 604388, DataShape: 32,
		MeanRGB: [3]float32{111.6, 113.2, 120.6}, StdRGB: [3]float32{50.5, 51.3, 50.2},
		AugType: preprocessing.AugNone, TrainDataset: "train.rec", ValDataset: "test.rec",
		NumEpochs: 40, LRSteps: []int{20, 30},
	},
	"imagenet": {
		NumClasses: 1000, NumExamples: 1281167, DataShape: 224,
		MeanRGB: [3]float32{123.68, 116.78, 103.94}, StdRGB: [3]float32{58.4, 57.12, 57.38},
		AugType: preprocessing.AugCropFlip, TrainDataset: "train.rec", ValDataset: "val.rec",
		NumEpochs: 120, LRSteps: []int{30, 60, 90},
	},
}

// Datasets lists the datasets that have a preset
func Datasets() []string {
	return []string{"cifar10", "cifar100", "svhn", "imagenet"}
}

// LookupPreset returns the preset of dataset
func LookupPreset(dataset string) (Preset, bool) {
	p, ok := presets[strings.ToLower(dataset)]
	return p, ok
}

// Default returns the options of a CIFAR-10 run of a depth 38 interleaved
// group residual network
func Default() *Options {
	o := &Options{
		Network:            "residual-interleaved-group",
		Depth:              38,
		PrimaryPartition:   2,
		SecondaryPartition: 8,
		WidenFactor:        1,
		BranchFactor:       1,
		Dataset:            "cifar10",
		DataDir:            "data",
		BatchSize:          64,
		TestBatchSize:      100,
		LR:                 0.1,
		LRFactor:           0.1,
		GPUs:               "0",
		KVStore:            "local",
		NumWorkers:         4,
		ModelPrefix:        "model/igc",
		CheckpointEpochs:   1,
		CheckpointFormat:   "json",
		LogIters:           50,
	}
	o.ApplyPreset(presets["cifar10"])
	return o
}

// ApplyPreset overwrites the dataset dependent options
func (o *Options) ApplyPreset(p Preset) {
	o.NumClasses = p.NumClasses
	o.NumExamples = p.NumExamples
	o.DataShape = p.DataShape
	o.MeanRGB = p.MeanRGB
	o.StdRGB = p.StdRGB
	o.AugType = p.AugType
	o.TrainDataset = p.TrainDataset
	o.ValDataset = p.ValDataset
	o.NumEpochs = p.NumEpochs
	o.LRSteps = append([]int(nil), p.LRSteps...)
}

// FlagSet binds every option to a flag of a new set named name
func (o *Options) FlagSet(name string, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&o.Config, "config", o.Config, "JSON file with options, overridden by flags")

	fs.StringVar(&o.Network, "network", o.Network, "network variant: plain, interleaved-group, residual, residual-group, residual-interleaved-group")
	fs.IntVar(&o.Depth, "depth", o.Depth, "network depth")
	fs.IntVar(&o.NumClasses, "num-classes", o.NumClasses, "number of classes")
	fs.IntVar(&o.PrimaryPartition, "primary-partition", o.PrimaryPartition, "groups of the primary (first) group convolution")
	fs.IntVar(&o.SecondaryPartition, "secondary-partition", o.SecondaryPartition, "groups of the secondary (pointwise) group convolution")
	fs.Float64Var(&o.WidenFactor, "widen-factor", o.WidenFactor, "initializer fan correction for widened convolutions")
	fs.Float64Var(&o.BranchFactor, "branch-factor", o.BranchFactor, "initializer fan correction for branched convolutions")

	fs.StringVar(&o.Dataset, "dataset", o.Dataset, "dataset preset: "+strings.Join(Datasets(), ", "))
	fs.StringVar(&o.DataDir, "data-dir", o.DataDir, "directory holding the record files")
	fs.StringVar(&o.TrainDataset, "train-dataset", o.TrainDataset, "training record file")
	fs.StringVar(&o.ValDataset, "val-dataset", o.ValDataset, "validation record file")
	fs.IntVar(&o.DataShape, "data-shape", o.DataShape, "square input size")
	fs.Var((*rgbValue)(&o.MeanRGB), "mean-rgb", "per channel mean, r,g,b")
	fs.Var((*rgbValue)(&o.StdRGB), "std-rgb", "per channel standard deviation, r,g,b")
	fs.IntVar(&o.AugType, "aug-type", o.AugType, "augmentation: 0 none, 1 pad 4 + random crop + mirror, 2 random crop + mirror")
	fs.IntVar(&o.NumExamples, "num-examples", o.NumExamples, "training examples per epoch")

	fs.IntVar(&o.BatchSize, "batch-size", o.BatchSize, "training batch size")
	fs.IntVar(&o.TestBatchSize, "test-batch-size", o.TestBatchSize, "validation batch size")
	fs.IntVar(&o.NumEpochs, "num-epochs", o.NumEpochs, "number of epochs")
	fs.Float64Var(&o.LR, "lr", o.LR, "initial learning rate")
	fs.Var((*intListValue)(&o.LRSteps), "lr-steps", "epochs at which the learning rate is multiplied by lr-factor, e.g. 200,300")
	fs.Float64Var(&o.LRFactor, "lr-factor", o.LRFactor, "learning rate decay factor")
	fs.Int64Var(&o.Seed, "seed", o.Seed, "random seed for initialization, shuffling and augmentation")

	fs.StringVar(&o.GPUs, "gpus", o.GPUs, "comma separated device ids")
	fs.StringVar(&o.KVStore, "kv-store", o.KVStore, "kvstore type: local, device, dist_sync, dist_async")
	fs.IntVar(&o.NumWorkers, "num-workers", o.NumWorkers, "preprocessing and initialization goroutines")

	fs.StringVar(&o.ModelPrefix, "model-prefix", o.ModelPrefix, "checkpoint path prefix")
	fs.IntVar(&o.CheckpointEpochs, "checkpoint-epochs", o.CheckpointEpochs, "save a checkpoint every n epochs")
	fs.StringVar(&o.CheckpointFormat, "checkpoint-format", o.CheckpointFormat, "checkpoint format: json or proto")
	fs.IntVar(&o.LoadEpoch, "load-epoch", o.LoadEpoch, "resume from the checkpoint of this epoch")
	fs.IntVar(&o.LogIters, "log-iters", o.LogIters, "log speed and metrics every n batches")
	return fs
}

// Parse builds options from command line arguments. The dataset preset is
// applied first, then the file named by -config, then the flags.
func Parse(name string, args []string, output io.Writer) (*Options, error) {
	if output == nil {
		output = os.Stderr
	}

	// first pass finds the dataset and the config file
	probe := Default()
	if err := probe.FlagSet(name, output).Parse(args); err != nil {
		return nil, err
	}
	dataset := probe.Dataset
	if probe.Config != "" {
		file := &Options{}
		if err := readJSON(probe.Config, file); err != nil {
			return nil, err
		}
		if file.Dataset != "" && !isSet(probe.FlagSet(name, io.Discard), args, "dataset") {
			dataset = file.Dataset
		}
	}

	opts := Default()
	opts.Dataset = dataset
	if p, ok := LookupPreset(dataset); ok {
		opts.ApplyPreset(p)
	}
	if probe.Config != "" {
		if err := readJSON(probe.Config, opts); err != nil {
			return nil, err
		}
	}
	fs := opts.FlagSet(name, io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.Config = probe.Config

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func isSet(fs *flag.FlagSet, args []string, name string) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// Load reads options from a JSON file on top of the defaults and the preset
// of the file's dataset
func Load(path string) (*Options, error) {
	file := &Options{}
	if err := readJSON(path, file); err != nil {
		return nil, err
	}
	opts := Default()
	if p, ok := LookupPreset(file.Dataset); ok {
		opts.ApplyPreset(p)
	}
	if err := readJSON(path, opts); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func readJSON(path string, o *Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read config file")
	}
	if err := json.Unmarshal(data, o); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return nil
}

// Save writes the options as indented JSON
func (o *Options) Save(path string) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode options")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// Validate rejects options no run can use
func (o *Options) Validate() error {
	if _, err := architecture.ParseVariant(o.Network); err != nil {
		return err
	}
	if o.Dataset != "" {
		if _, ok := LookupPreset(o.Dataset); !ok {
			return errors.Errorf("unknown dataset %q (want one of %s)", o.Dataset, strings.Join(Datasets(), ", "))
		}
	}
	positive := []struct {
		name  string
		value int
	}{
		{"depth", o.Depth},
		{"num-classes", o.NumClasses},
		{"primary-partition", o.PrimaryPartition},
		{"secondary-partition", o.SecondaryPartition},
		{"data-shape", o.DataShape},
		{"batch-size", o.BatchSize},
		{"test-batch-size", o.TestBatchSize},
		{"num-epochs", o.NumEpochs},
		{"num-examples", o.NumExamples},
		{"checkpoint-epochs", o.CheckpointEpochs},
		{"log-iters", o.LogIters},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if o.WidenFactor <= 0 || o.BranchFactor <= 0 {
		return errors.Errorf("widen and branch factors must be positive, got %g and %g", o.WidenFactor, o.BranchFactor)
	}
	if o.AugType < preprocessing.AugNone || o.AugType > preprocessing.AugCropFlip {
		return errors.Errorf("aug-type must be 0, 1 or 2, got %d", o.AugType)
	}
	for c, s := range o.StdRGB {
		if s <= 0 {
			return errors.Errorf("std-rgb channel %d must be positive, got %g", c, s)
		}
	}
	if o.LR <= 0 {
		return errors.Errorf("lr must be positive, got %g", o.LR)
	}
	if o.NumExamples < o.BatchSize {
		return errors.Errorf("num-examples %d is smaller than one batch of %d", o.NumExamples, o.BatchSize)
	}
	if o.LoadEpoch < 0 || o.LoadEpoch >= o.NumEpochs {
		return errors.Errorf("load-epoch %d must be in [0, %d)", o.LoadEpoch, o.NumEpochs)
	}
	if _, err := checkpoints.ParseFormat(o.CheckpointFormat); err != nil {
		return errors.Wrap(err, "invalid checkpoint-format")
	}
	if _, err := o.Devices(); err != nil {
		return err
	}
	return nil
}

// NetworkConfig returns the architecture options. The family follows the
// class count.
func (o *Options) NetworkConfig() (architecture.NetworkConfig, error) {
	variant, err := architecture.ParseVariant(o.Network)
	if err != nil {
		return architecture.NetworkConfig{}, err
	}
	return architecture.NetworkConfig{
		NumClasses:         o.NumClasses,
		Depth:              o.Depth,
		PrimaryPartition:   o.PrimaryPartition,
		SecondaryPartition: o.SecondaryPartition,
		Variant:            variant,
		Family:             architecture.FamilyAuto,
	}, nil
}

// Augmenter returns the training augmentation
func (o *Options) Augmenter() (preprocessing.Augmenter, error) {
	return preprocessing.NewAugmenter(o.AugType, o.DataShape, o.MeanRGB)
}

// EpochSize is the number of updates per epoch
func (o *Options) EpochSize() int {
	return o.NumExamples / o.BatchSize
}

// Scheduler returns the multi-step schedule for lr-steps and lr-factor
func (o *Options) Scheduler() (training.LRScheduler, error) {
	if len(o.LRSteps) == 0 {
		return &training.NoOpScheduler{}, nil
	}
	s, err := training.NewMultiFactorScheduler(o.LRSteps, o.LRFactor, o.EpochSize())
	if err != nil {
		return nil, errors.Wrap(err, "invalid learning rate schedule")
	}
	return s, nil
}

// Optimizer returns the optimizer settings for lr
func (o *Options) Optimizer() training.OptimizerParams {
	return training.DefaultOptimizerParams(o.LR)
}

// MetricNames returns the metrics to report and the k of top-k accuracy.
// ImageNet runs add top-5 accuracy.
func (o *Options) MetricNames() ([]string, int) {
	if strings.EqualFold(o.Dataset, "imagenet") {
		return []string{"ce", "acc", "top_k_accuracy"}, 5
	}
	return []string{"ce", "acc"}, 0
}

// Devices parses the device list, "0,1" becomes gpu(0) gpu(1). An empty list
// means the CPU.
func (o *Options) Devices() ([]string, error) {
	if strings.TrimSpace(o.GPUs) == "" {
		return []string{"cpu(0)"}, nil
	}
	var devices []string
	for _, part := range strings.Split(o.GPUs, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id < 0 {
			return nil, errors.Errorf("invalid device id %q in gpus %q", part, o.GPUs)
		}
		devices = append(devices, fmt.Sprintf("gpu(%d)", id))
	}
	return devices, nil
}

// Format returns the checkpoint format
func (o *Options) Format() checkpoints.CheckpointFormat {
	format, err := checkpoints.ParseFormat(o.CheckpointFormat)
	if err != nil {
		return checkpoints.FormatJSON
	}
	return format
}

func (o *Options) TrainPath() string {
	return filepath.Join(o.DataDir, o.TrainDataset)
}

func (o *Options) ValPath() string {
	return filepath.Join(o.DataDir, o.ValDataset)
}

// rgbValue is a flag.Value for "r,g,b"
type rgbValue [3]float32

func (v *rgbValue) String() string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%g,%g,%g", v[0], v[1], v[2])
}

func (v *rgbValue) Set(s string) error {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return fmt.Errorf("want three comma separated values, got %q", s)
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("invalid channel value %q", p)
		}
		v[i] = float32(f)
	}
	return nil
}

// intListValue is a flag.Value for "a,b,c"
type intListValue []int

func (v *intListValue) String() string {
	if v == nil {
		return ""
	}
	parts := make([]string, len(*v))
	for i, n := range *v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func (v *intListValue) Set(s string) error {
	var out []int
	if strings.TrimSpace(s) != "" {
		for _, p := range strings.Split(s, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return fmt.Errorf("invalid integer %q", p)
			}
			out = append(out, n)
		}
	}
	*v = out
	return nil
}
