package architecture

import "fmt"

// NetworkConfig holds the hyperparameters of one network
type NetworkConfig struct {
	NumClasses         int     `json:"num_classes"`
	Depth              int     `json:"depth"`
	PrimaryPartition   int     `json:"primary_partition"`
	SecondaryPartition int     `json:"secondary_partition"`
	Variant            Variant `json:"variant"`
	Family             Family  `json:"family"`
	BatchSize          int     `json:"batch_size,omitempty"` // batch axis used for shape inference, default 1
}

// Validate checks the scalar fields. Structural checks (depth arithmetic,
// divisibility) happen while the graph is planned and built.
func (c NetworkConfig) Validate() error {
	if c.NumClasses <= 0 {
		return configError("network", "num_classes must be positive, got %d", c.NumClasses)
	}
	if c.Depth <= 0 {
		return configError("network", "depth must be positive, got %d", c.Depth)
	}
	if c.PrimaryPartition <= 0 || c.SecondaryPartition <= 0 {
		return configError("network", "partitions must be positive, got primary=%d secondary=%d",
			c.PrimaryPartition, c.SecondaryPartition)
	}
	if c.Variant < Plain || c.Variant > ResidualInterleavedGroup {
		return configError("network", "unknown variant %d", int(c.Variant))
	}
	if c.BatchSize < 0 {
		return configError("network", "batch size must not be negative, got %d", c.BatchSize)
	}
	return nil
}

// BaseWidth is the stem width shared by all variants
func (c NetworkConfig) BaseWidth() int {
	return c.PrimaryPartition * c.SecondaryPartition
}

// InputShape is the NCHW shape of the data node
func (c NetworkConfig) InputShape() []int {
	batch := c.BatchSize
	if batch <= 0 {
		batch = 1
	}
	size := c.Family.Resolve(c.NumClasses).InputSize()
	return []int{batch, 3, size, size}
}

// StageSpec describes one stage. It is computed once by PlanStages and passed
// by value.
type StageSpec struct {
	Index              int    `json:"index"` // 1-based
	Name               string `json:"name"`
	InChannels         int    `json:"in_channels"`
	OutChannels        int    `json:"out_channels"`
	Blocks             int    `json:"blocks"`
	Stride             int    `json:"stride"`
	PrimaryPartition   int    `json:"primary_partition"`
	SecondaryPartition int    `json:"secondary_partition"`
}

func (s StageSpec) String() string {
	return fmt.Sprintf("%s: %d blocks %d->%d stride %d partitions %dx%d",
		s.Name, s.Blocks, s.InChannels, s.OutChannels, s.Stride, s.PrimaryPartition, s.SecondaryPartition)
}

// BlockCounts derives the per-stage block counts for a resolved config
func BlockCounts(cfg NetworkConfig) ([]int, error) {
	family := cfg.Family.Resolve(cfg.NumClasses)
	switch {
	case family == FamilyImageNet:
		return ImageNetBlockCounts(cfg.Depth)
	case cfg.Variant.Capabilities().UsesResidual:
		return DecreasingBlockCounts(cfg.Depth, family.numStages(), 2, stemAndHead)
	default:
		return UniformBlockCounts(cfg.Depth, family.numStages())
	}
}

// PlanStages computes every StageSpec of the network
func PlanStages(cfg NetworkConfig) ([]StageSpec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	family := cfg.Family.Resolve(cfg.NumClasses)
	if family == FamilyImageNet && !cfg.Variant.Capabilities().UsesResidual {
		return nil, configError("network", "variant %s has no ImageNet form", cfg.Variant)
	}

	counts, err := BlockCounts(cfg)
	if err != nil {
		return nil, err
	}

	base := cfg.BaseWidth()
	growFromStem := family == FamilyImageNet && cfg.Variant == ResidualInterleavedGroup
	widths := StageWidths(base, len(counts), growFromStem)

	stages := make([]StageSpec, len(counts))
	in := base
	for i, blocks := range counts {
		out := widths[i]
		spec := StageSpec{
			Index:              i + 1,
			Name:               fmt.Sprintf("g%d", i+1),
			InChannels:         in,
			OutChannels:        out,
			Blocks:             blocks,
			Stride:             stageStride(family, i, in, out),
			PrimaryPartition:   cfg.PrimaryPartition,
			SecondaryPartition: cfg.SecondaryPartition,
		}

		scale := 1 << uint(i)
		switch {
		case cfg.Variant == InterleavedGroup:
			spec.SecondaryPartition = cfg.SecondaryPartition * scale
		case cfg.Variant == ResidualInterleavedGroup && family == FamilyImageNet:
			spec.PrimaryPartition = cfg.PrimaryPartition * scale
			spec.SecondaryPartition = out / spec.PrimaryPartition
		case cfg.Variant == ResidualInterleavedGroup:
			spec.SecondaryPartition = out / cfg.PrimaryPartition
		}

		stages[i] = spec
		in = out
	}
	return stages, nil
}

// stageStride: ImageNet stages downsample from the second stage on; CIFAR
// stages downsample exactly when the width changes.
func stageStride(family Family, index, in, out int) int {
	if family == FamilyImageNet {
		if index == 0 {
			return 1
		}
		return 2
	}
	if in == out {
		return 1
	}
	return 2
}
