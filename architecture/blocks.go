package architecture

import "github.com/tsawler/go-igc/layers"

// BlockSpec is the slice of a StageSpec seen by one block
type BlockSpec struct {
	Name               string
	InChannels         int
	OutChannels        int
	Stride             int
	PrimaryPartition   int
	SecondaryPartition int
}

// BlockBuilder appends one repeating unit to a graph. Validate is called
// before Build so that a rejected block leaves the graph untouched.
type BlockBuilder interface {
	Validate(spec BlockSpec) error
	Build(g *layers.Graph, input *layers.Node, spec BlockSpec) (*layers.Node, error)
}

// InterleavedUnit configures an interleaved group convolution unit
type InterleavedUnit struct {
	OutChannels        int
	Kernel             int
	Stride             int
	Pad                int
	PrimaryPartition   int
	SecondaryPartition int
	Momentum           float32
	ReLU               bool
}

func (u InterleavedUnit) validate(unit string, inChannels int) error {
	p, s := u.PrimaryPartition, u.SecondaryPartition
	if p <= 0 || s <= 0 {
		return configError(unit, "partitions must be positive, got primary=%d secondary=%d", p, s)
	}
	if inChannels%p != 0 {
		return configError(unit, "input channels %d not divisible by primary partition %d", inChannels, p)
	}
	if u.OutChannels%p != 0 {
		return configError(unit, "output channels %d not divisible by primary partition %d", u.OutChannels, p)
	}
	if u.OutChannels%s != 0 {
		return configError(unit, "output channels %d not divisible by secondary partition %d", u.OutChannels, s)
	}
	return nil
}

// InterleavedGroupUnit builds spatial grouped conv -> reorder(primary) ->
// pointwise grouped conv -> reorder(secondary) -> bn -> optional relu. The
// partitions are checked before the first node is created.
func InterleavedGroupUnit(g *layers.Graph, unit string, input *layers.Node, u InterleavedUnit) (*layers.Node, error) {
	if input == nil {
		return nil, configError(unit, "nil input")
	}
	if err := u.validate(unit, input.OutChannels); err != nil {
		return nil, err
	}

	conv1, err := g.AddConvolution(unit+"_conv1", input, layers.ConvConfig{
		OutChannels: u.OutChannels,
		Kernel:      u.Kernel,
		Stride:      u.Stride,
		Pad:         u.Pad,
		Groups:      u.PrimaryPartition,
	})
	if err != nil {
		return nil, err
	}
	reorder1, err := g.AddChannelReorder(unit+"_reorder1", conv1, u.PrimaryPartition)
	if err != nil {
		return nil, err
	}
	conv2, err := g.AddConvolution(unit+"_conv2", reorder1, layers.ConvConfig{
		OutChannels: u.OutChannels,
		Kernel:      1,
		Stride:      1,
		Groups:      u.SecondaryPartition,
	})
	if err != nil {
		return nil, err
	}
	reorder2, err := g.AddChannelReorder(unit+"_reorder2", conv2, u.SecondaryPartition)
	if err != nil {
		return nil, err
	}
	bn, err := g.AddBatchNorm(unit+"_bn", reorder2, layers.BatchNormConfig{Momentum: u.Momentum})
	if err != nil {
		return nil, err
	}
	if !u.ReLU {
		return bn, nil
	}
	return g.AddReLU(unit+"_relu", bn)
}

// plainBlock is a single 3x3 conv-bn-relu
type plainBlock struct {
	momentum float32
}

func (b plainBlock) Validate(spec BlockSpec) error {
	if spec.OutChannels <= 0 {
		return configError(spec.Name, "output channels must be positive, got %d", spec.OutChannels)
	}
	return nil
}

func (b plainBlock) Build(g *layers.Graph, input *layers.Node, spec BlockSpec) (*layers.Node, error) {
	if err := b.Validate(spec); err != nil {
		return nil, err
	}
	return layers.ConvBNAct(g, spec.Name, input, layers.ConvUnit{
		OutChannels: spec.OutChannels,
		Kernel:      3,
		Stride:      spec.Stride,
		Pad:         1,
		Momentum:    b.momentum,
		ReLU:        true,
	})
}

// interleavedBlock is one interleaved group convolution unit named after the block
type interleavedBlock struct {
	momentum float32
}

func (b interleavedBlock) unit(spec BlockSpec) InterleavedUnit {
	return InterleavedUnit{
		OutChannels:        spec.OutChannels,
		Kernel:             3,
		Stride:             spec.Stride,
		Pad:                1,
		PrimaryPartition:   spec.PrimaryPartition,
		SecondaryPartition: spec.SecondaryPartition,
		Momentum:           b.momentum,
		ReLU:               true,
	}
}

func (b interleavedBlock) Validate(spec BlockSpec) error {
	return b.unit(spec).validate(spec.Name, spec.InChannels)
}

func (b interleavedBlock) Build(g *layers.Graph, input *layers.Node, spec BlockSpec) (*layers.Node, error) {
	return InterleavedGroupUnit(g, spec.Name, input, b.unit(spec))
}

type unitKind int

const (
	denseUnit unitKind = iota
	groupedUnit
	interleavedUnit
)

// fusionNaming holds the unit suffixes of a residual block. The CIFAR and
// ImageNet networks were published with different conventions and both are
// kept so that checkpoints keep loading.
type fusionNaming struct {
	shortcut     string
	first        string
	second       string
	bareConv     bool // main-path convs carry the unit name itself
	bareShortcut bool
}

var (
	cifarFusionNaming       = fusionNaming{shortcut: "_p0_line", first: "_p2_two1", second: "_p2_two2"}
	imageNetFusionNaming    = fusionNaming{shortcut: "_proj", first: "_conv1", second: "_conv2", bareConv: true, bareShortcut: true}
	imageNetInterleavedName = fusionNaming{shortcut: "_proj", first: "_igc1", second: "_igc2"}
)

// fusionBlock is a residual unit: identity or 1x1 projection shortcut, two
// 3x3 units on the main path, elementwise add and one shared relu.
type fusionBlock struct {
	momentum        float32
	kind            unitKind
	naming          fusionNaming
	groupedShortcut bool
	// secondaryFromInput derives the first unit's secondary partition from the
	// block input width instead of the stage's.
	secondaryFromInput bool
}

func (b fusionBlock) shortcutGroups(spec BlockSpec) int {
	if b.groupedShortcut {
		return spec.PrimaryPartition
	}
	return 1
}

func (b fusionBlock) mainGroups(spec BlockSpec) int {
	if b.kind == groupedUnit {
		return spec.PrimaryPartition
	}
	return 1
}

func (b fusionBlock) interleaved(spec BlockSpec, first bool) InterleavedUnit {
	u := InterleavedUnit{
		OutChannels:        spec.OutChannels,
		Kernel:             3,
		Stride:             1,
		Pad:                1,
		PrimaryPartition:   spec.PrimaryPartition,
		SecondaryPartition: spec.SecondaryPartition,
		Momentum:           b.momentum,
	}
	if first {
		u.Stride = spec.Stride
		u.ReLU = true
		if b.secondaryFromInput && spec.PrimaryPartition > 0 {
			u.SecondaryPartition = spec.InChannels / spec.PrimaryPartition
		}
	}
	return u
}

func (b fusionBlock) Validate(spec BlockSpec) error {
	if spec.OutChannels <= 0 || spec.InChannels <= 0 {
		return configError(spec.Name, "channels must be positive, got %d->%d", spec.InChannels, spec.OutChannels)
	}
	if spec.InChannels != spec.OutChannels {
		groups := b.shortcutGroups(spec)
		if groups <= 0 || spec.InChannels%groups != 0 || spec.OutChannels%groups != 0 {
			return configError(spec.Name+b.naming.shortcut, "projection %d->%d not divisible into %d groups",
				spec.InChannels, spec.OutChannels, groups)
		}
	}
	switch b.kind {
	case groupedUnit:
		groups := b.mainGroups(spec)
		if groups <= 0 || spec.InChannels%groups != 0 || spec.OutChannels%groups != 0 {
			return configError(spec.Name, "channels %d->%d not divisible by primary partition %d",
				spec.InChannels, spec.OutChannels, groups)
		}
	case interleavedUnit:
		if err := b.interleaved(spec, true).validate(spec.Name+b.naming.first, spec.InChannels); err != nil {
			return err
		}
		if err := b.interleaved(spec, false).validate(spec.Name+b.naming.second, spec.OutChannels); err != nil {
			return err
		}
	}
	return nil
}

func (b fusionBlock) mainUnit(g *layers.Graph, name string, input *layers.Node, spec BlockSpec, first bool) (*layers.Node, error) {
	if b.kind == interleavedUnit {
		return InterleavedGroupUnit(g, name, input, b.interleaved(spec, first))
	}
	u := layers.ConvUnit{
		OutChannels:  spec.OutChannels,
		Kernel:       3,
		Stride:       1,
		Pad:          1,
		Groups:       b.mainGroups(spec),
		Momentum:     b.momentum,
		BareConvName: b.naming.bareConv,
	}
	if first {
		u.Stride = spec.Stride
		u.ReLU = true
	}
	return layers.ConvBNAct(g, name, input, u)
}

func (b fusionBlock) Build(g *layers.Graph, input *layers.Node, spec BlockSpec) (*layers.Node, error) {
	if err := b.Validate(spec); err != nil {
		return nil, err
	}

	shortcut := input
	if spec.InChannels != spec.OutChannels {
		proj, err := layers.ConvBNAct(g, spec.Name+b.naming.shortcut, input, layers.ConvUnit{
			OutChannels:  spec.OutChannels,
			Kernel:       1,
			Stride:       spec.Stride,
			Groups:       b.shortcutGroups(spec),
			Momentum:     b.momentum,
			BareConvName: b.naming.bareShortcut,
		})
		if err != nil {
			return nil, err
		}
		shortcut = proj
	}

	deep, err := b.mainUnit(g, spec.Name+b.naming.first, input, spec, true)
	if err != nil {
		return nil, err
	}
	deep, err = b.mainUnit(g, spec.Name+b.naming.second, deep, spec, false)
	if err != nil {
		return nil, err
	}

	sum, err := g.AddElementwiseAdd(spec.Name+"_plus", shortcut, deep)
	if err != nil {
		return nil, err
	}
	return g.AddReLU(spec.Name+"_relu", sum)
}

// NewBlockBuilder returns the block builder of a variant within a family
func NewBlockBuilder(v Variant, f Family) BlockBuilder {
	momentum := v.BatchNormMomentum()
	caps := v.Capabilities()
	if !caps.UsesResidual {
		if caps.UsesChannelReorder {
			return interleavedBlock{momentum: momentum}
		}
		return plainBlock{momentum: momentum}
	}

	b := fusionBlock{momentum: momentum, naming: cifarFusionNaming}
	if f == FamilyImageNet {
		b.naming = imageNetFusionNaming
	}
	switch {
	case caps.UsesChannelReorder:
		b.kind = interleavedUnit
		b.groupedShortcut = true
		if f == FamilyImageNet {
			b.naming = imageNetInterleavedName
		} else {
			b.secondaryFromInput = true
		}
	case caps.UsesGrouping:
		b.kind = groupedUnit
		b.groupedShortcut = true
	}
	return b
}
