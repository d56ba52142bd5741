// Command igcnet builds interleaved group convolution networks, exports their
// symbol files, initializes parameters and checks the input pipeline.
//
//	igcnet summary -network residual-interleaved-group -depth 38
//	igcnet export  -model-prefix model/igc -checkpoint-format proto
//	igcnet init    -model-prefix model/igc -seed 1
//	igcnet data    -data-dir data -dataset cifar10
//	igcnet inspect -model-prefix model/igc -load-epoch 0 -checkpoint-format proto
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/tsawler/go-igc/architecture"
	"github.com/tsawler/go-igc/checkpoints"
	"github.com/tsawler/go-igc/config"
	"github.com/tsawler/go-igc/initializers"
	"github.com/tsawler/go-igc/training"
	"github.com/tsawler/go-igc/vision/dataloader"
	"github.com/tsawler/go-igc/vision/dataset"
)

const usage = `usage: igcnet <command> [flags]

commands:
  summary   print the layer list and stage manifest
  export    write <model-prefix>-symbol
  init      initialize parameters and write epoch 0
  data      read one epoch of the training and validation records
  inspect   print the params file of -load-epoch as JSON

run "igcnet <command> -h" for the flags
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("missing command")
	}
	cmd, args := args[0], args[1:]

	var fn func(context.Context, *config.Options, io.Writer, *log.Logger) error
	switch cmd {
	case "summary":
		fn = summary
	case "export":
		fn = export
	case "init":
		fn = initParams
	case "data":
		fn = checkData
	case "inspect":
		fn = inspect
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}

	opts, err := config.Parse("igcnet "+cmd, args, stderr)
	if err != nil {
		return err
	}
	return fn(ctx, opts, stdout, log.New(stderr, "", log.LstdFlags))
}

func buildNetwork(opts *config.Options) (*architecture.Network, error) {
	cfg, err := opts.NetworkConfig()
	if err != nil {
		return nil, err
	}
	net, err := architecture.BuildNetwork(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build network: %w", err)
	}
	return net, nil
}

func summary(_ context.Context, opts *config.Options, out io.Writer, _ *log.Logger) error {
	net, err := buildNetwork(opts)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%d", net.Config.Variant, net.Config.Depth)
	training.NewModelArchitecturePrinter(name).PrintArchitecture(out, net.Model)
	fmt.Fprintln(out)
	fmt.Fprint(out, net.Manifest())
	return nil
}

func export(_ context.Context, opts *config.Options, out io.Writer, _ *log.Logger) error {
	net, err := buildNetwork(opts)
	if err != nil {
		return err
	}
	saver := checkpoints.NewCheckpointSaver(opts.Format())
	if err := saver.SaveSymbol(opts.ModelPrefix, &net.Config, net.Model); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", checkpoints.SymbolPath(opts.ModelPrefix, saver.Format()))
	return nil
}

func initParams(ctx context.Context, opts *config.Options, out io.Writer, logger *log.Logger) error {
	net, err := buildNetwork(opts)
	if err != nil {
		return err
	}
	policy := initializers.NewPolicy(opts.WidenFactor, opts.BranchFactor, logger)

	start := time.Now()
	params, err := initializers.Materialize(ctx, net.Model.Parameters, policy, opts.Seed, opts.NumWorkers)
	if err != nil {
		return err
	}
	weights, err := checkpoints.WeightsFromParams(net.Model, params)
	if err != nil {
		return err
	}
	logger.Printf("initialized %d parameter arrays in %s", len(weights), time.Since(start).Round(time.Millisecond))

	saver := checkpoints.NewCheckpointSaver(opts.Format())
	cp := &checkpoints.Checkpoint{
		Network:       &net.Config,
		ModelSpec:     net.Model,
		Weights:       weights,
		TrainingState: checkpoints.TrainingState{LearningRate: float32(opts.LR)},
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("%s initialization, seed %d", policy.Name(), opts.Seed),
			Tags:        []string{net.Config.Variant.String(), net.Config.Family.String()},
		},
	}
	if err := saver.SaveEpoch(opts.ModelPrefix, cp); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", checkpoints.ParamsPath(opts.ModelPrefix, 0, saver.Format()))
	return nil
}

// openRecords reads an image folder tree, a CIFAR binary batch (.bin) or a
// RecordIO file
func openRecords(path string, numClasses int) (dataloader.Dataset, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		ds, err := dataset.NewImageFolderDataset(path, nil)
		if err != nil {
			return nil, err
		}
		if ds.NumClasses() > numClasses {
			return nil, fmt.Errorf("%s holds %d classes, the network predicts %d", path, ds.NumClasses(), numClasses)
		}
		return ds, nil
	}
	if strings.HasSuffix(path, ".bin") {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		labelBytes := 1
		if numClasses == 100 {
			labelBytes = 2
		}
		ds, err := dataset.LoadCIFARBinary(f, labelBytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return ds, nil
	}
	ds, err := dataset.OpenRecordIO(path)
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func checkData(ctx context.Context, opts *config.Options, out io.Writer, logger *log.Logger) error {
	kv, err := training.NewKVStore(opts.KVStore)
	if err != nil {
		return err
	}
	train, err := openRecords(opts.TrainPath(), opts.NumClasses)
	if err != nil {
		return fmt.Errorf("failed to open training data: %w", err)
	}
	val, err := openRecords(opts.ValPath(), opts.NumClasses)
	if err != nil {
		return fmt.Errorf("failed to open validation data: %w", err)
	}
	aug, err := opts.Augmenter()
	if err != nil {
		return err
	}

	trainLoader, valLoader, err := dataloader.NewTrainValLoaders(train, val, dataloader.Config{
		BatchSize:  opts.BatchSize,
		ImageSize:  opts.DataShape,
		NumParts:   kv.NumWorkers(),
		PartIndex:  kv.Rank(),
		Shuffle:    true,
		Seed:       opts.Seed,
		Augmenter:  aug,
		Mean:       opts.MeanRGB,
		Std:        opts.StdRGB,
		RoundBatch: true,
		NumWorkers: opts.NumWorkers,
	})
	if err != nil {
		return err
	}

	prefetch := dataloader.NewPrefetcher(trainLoader, 4)
	defer prefetch.Stop()

	for _, pass := range []struct {
		name    string
		source  dataloader.Source
		batches int
	}{
		{"train", prefetch, trainLoader.BatchesPerEpoch()},
		{"val", valLoader, valLoader.BatchesPerEpoch()},
	} {
		bar := training.NewProgressBar(out, pass.name, pass.batches)
		start := time.Now()
		samples, counts := 0, make(map[int]int)
		for step := 1; ; step++ {
			batch, err := pass.source.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("%s batch %d: %w", pass.name, step, err)
			}
			for _, label := range batch.Labels[:batch.Valid()] {
				counts[label]++
			}
			samples += batch.Valid()
			bar.Update(step, nil)
		}
		logger.Printf("%s: %d samples, %d labels, %.1f samples/sec", pass.name, samples, len(counts),
			float64(samples)/time.Since(start).Seconds())
	}
	fmt.Fprintln(out, trainLoader.Stats())
	return nil
}

func inspect(_ context.Context, opts *config.Options, out io.Writer, _ *log.Logger) error {
	format := opts.Format()
	data, err := os.ReadFile(checkpoints.ParamsPath(opts.ModelPrefix, opts.LoadEpoch, format))
	if err != nil {
		return err
	}
	if format == checkpoints.FormatProto {
		if data, err = checkpoints.ProtoToJSON(data); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(out, strings.TrimSpace(string(data)))
	return err
}
