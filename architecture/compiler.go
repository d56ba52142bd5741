package architecture

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-igc/layers"
)

// StageManifest records where a stage starts and ends in the graph
type StageManifest struct {
	Spec      StageSpec `json:"spec"`
	FirstNode string    `json:"first_node"`
	LastNode  string    `json:"last_node"`
	Blocks    []string  `json:"blocks"`
}

// Network is a fully built and shape-checked graph
type Network struct {
	Config NetworkConfig     `json:"config"`
	Graph  *layers.Graph     `json:"-"`
	Model  *layers.ModelSpec `json:"model"`
	Stages []StageManifest   `json:"stages"`
}

// BuildStage invokes the block builder spec.Blocks times. Only the first
// block receives the stage stride and the InChannels->OutChannels transition.
func BuildStage(g *layers.Graph, builder BlockBuilder, input *layers.Node, spec StageSpec) (*layers.Node, StageManifest, error) {
	manifest := StageManifest{Spec: spec}
	if spec.Blocks <= 0 {
		return nil, manifest, configError(spec.Name, "stage needs at least one block, got %d", spec.Blocks)
	}

	first := g.Len()
	data := input
	in, stride := spec.InChannels, spec.Stride
	for i := 0; i < spec.Blocks; i++ {
		block := BlockSpec{
			Name:               fmt.Sprintf("%s_b%d", spec.Name, i+1),
			InChannels:         in,
			OutChannels:        spec.OutChannels,
			Stride:             stride,
			PrimaryPartition:   spec.PrimaryPartition,
			SecondaryPartition: spec.SecondaryPartition,
		}
		if err := builder.Validate(block); err != nil {
			return nil, manifest, err
		}
		out, err := builder.Build(g, data, block)
		if err != nil {
			return nil, manifest, err
		}
		manifest.Blocks = append(manifest.Blocks, block.Name)
		data = out
		in, stride = spec.OutChannels, 1
	}

	manifest.FirstNode = g.Nodes()[first].Name
	manifest.LastNode = data.Name
	return data, manifest, nil
}

// BuildNetwork builds the graph for cfg, compiles its shapes for the family's
// input resolution and returns it with its stage manifest.
func BuildNetwork(cfg NetworkConfig) (*Network, error) {
	stages, err := PlanStages(cfg)
	if err != nil {
		return nil, err
	}
	cfg.Family = cfg.Family.Resolve(cfg.NumClasses)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	g := layers.NewGraph()
	data, err := g.AddInput("data", 3)
	if err != nil {
		return nil, err
	}

	body, err := addStem(g, data, cfg)
	if err != nil {
		return nil, err
	}

	builder := NewBlockBuilder(cfg.Variant, cfg.Family)
	manifests := make([]StageManifest, 0, len(stages))
	for _, spec := range stages {
		var manifest StageManifest
		body, manifest, err = BuildStage(g, builder, body, spec)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, manifest)
	}

	if err := addHead(g, body, cfg); err != nil {
		return nil, err
	}

	model, err := g.Compile(cfg.InputShape())
	if err != nil {
		return nil, err
	}
	if err := checkFinalFeatureMap(model, body.Name, cfg.Family); err != nil {
		return nil, err
	}

	return &Network{
		Config: cfg,
		Graph:  g,
		Model:  model,
		Stages: manifests,
	}, nil
}

// Build is the positional entry point used by the training tooling
func Build(numClasses, depth, primaryPartition, secondaryPartition int, variantTag string) (*Network, error) {
	variant, err := ParseVariant(variantTag)
	if err != nil {
		return nil, err
	}
	return BuildNetwork(NetworkConfig{
		NumClasses:         numClasses,
		Depth:              depth,
		PrimaryPartition:   primaryPartition,
		SecondaryPartition: secondaryPartition,
		Variant:            variant,
	})
}

func addStem(g *layers.Graph, data *layers.Node, cfg NetworkConfig) (*layers.Node, error) {
	unit := layers.ConvUnit{
		OutChannels: cfg.BaseWidth(),
		Kernel:      3,
		Stride:      1,
		Pad:         1,
		Momentum:    cfg.Variant.BatchNormMomentum(),
		ReLU:        true,
	}
	if cfg.Family != FamilyImageNet {
		return layers.ConvBNAct(g, "g0", data, unit)
	}

	unit.Kernel, unit.Stride, unit.Pad = 7, 2, 3
	unit.BareConvName = cfg.Variant != ResidualInterleavedGroup
	stem, err := layers.ConvBNAct(g, "g0", data, unit)
	if err != nil {
		return nil, err
	}
	return g.AddPooling("g0_pool", stem, layers.PoolConfig{Type: layers.MaxPool, Kernel: 3, Stride: 2, Pad: 1})
}

func addHead(g *layers.Graph, body *layers.Node, cfg NetworkConfig) error {
	poolName, fcName := "global_pool", "fc_score"
	pool := layers.PoolConfig{Type: layers.AvgPool, Kernel: cfg.Family.FinalFeatureSize(), Stride: 1}
	if cfg.Family == FamilyCIFAR && cfg.Variant.Capabilities().UsesResidual {
		poolName, fcName = "pool", "fc"
		pool.Global = true
	}

	avg, err := g.AddPooling(poolName, body, pool)
	if err != nil {
		return err
	}
	flat, err := g.AddFlatten("flatten", avg)
	if err != nil {
		return err
	}
	fc, err := g.AddFullyConnected(fcName, flat, cfg.NumClasses)
	if err != nil {
		return err
	}
	_, err = g.AddSoftmaxOutput("softmax", fc)
	return err
}

func checkFinalFeatureMap(model *layers.ModelSpec, last string, family Family) error {
	node, ok := model.Node(last)
	if !ok {
		return configError("network", "last stage node %q missing from compiled model", last)
	}
	want := family.FinalFeatureSize()
	shape := node.OutputShape
	if len(shape) != 4 || shape[2] != want || shape[3] != want {
		return configError("network", "final feature map %v does not match pooling kernel %d", shape, want)
	}
	return nil
}

// Manifest returns a readable stage listing
func (n *Network) Manifest() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s depth=%d classes=%d partitions=%dx%d family=%s\n",
		n.Config.Variant, n.Config.Depth, n.Config.NumClasses,
		n.Config.PrimaryPartition, n.Config.SecondaryPartition, n.Config.Family))
	for _, s := range n.Stages {
		sb.WriteString(fmt.Sprintf("  %s [%s .. %s]\n", s.Spec, s.FirstNode, s.LastNode))
	}
	return sb.String()
}
