package architecture

import "strings"

// Variant selects the network family built by BuildNetwork
type Variant int

const (
	Plain Variant = iota
	InterleavedGroup
	Residual
	ResidualGroup
	ResidualInterleavedGroup
)

var variantTags = []string{
	Plain:                    "plain",
	InterleavedGroup:         "interleaved-group",
	Residual:                 "residual",
	ResidualGroup:            "residual-group",
	ResidualInterleavedGroup: "residual-interleaved-group",
}

func (v Variant) String() string {
	if v < 0 || int(v) >= len(variantTags) {
		return "unknown"
	}
	return variantTags[v]
}

// ParseVariant maps a variant tag to a Variant
func ParseVariant(tag string) (Variant, error) {
	t := strings.ToLower(strings.TrimSpace(tag))
	for i, name := range variantTags {
		if name == t {
			return Variant(i), nil
		}
	}
	return 0, configError("variant", "unknown variant %q (want one of %s)", tag, strings.Join(variantTags, ", "))
}

// Capabilities describes how a variant's blocks are put together
type Capabilities struct {
	UsesGrouping       bool
	UsesResidual       bool
	UsesChannelReorder bool
}

func (v Variant) Capabilities() Capabilities {
	switch v {
	case InterleavedGroup:
		return Capabilities{UsesGrouping: true, UsesChannelReorder: true}
	case Residual:
		return Capabilities{UsesResidual: true}
	case ResidualGroup:
		return Capabilities{UsesGrouping: true, UsesResidual: true}
	case ResidualInterleavedGroup:
		return Capabilities{UsesGrouping: true, UsesResidual: true, UsesChannelReorder: true}
	default:
		return Capabilities{}
	}
}

// BatchNormMomentum is the moving-statistics momentum used by the variant.
// The plain families were tuned with 0.99, the residual ones with 0.9.
func (v Variant) BatchNormMomentum() float32 {
	if v.Capabilities().UsesResidual {
		return 0.9
	}
	return 0.99
}

// Family selects the input resolution and the matching stem and head
type Family int

const (
	FamilyAuto Family = iota
	FamilyCIFAR
	FamilyImageNet
)

func (f Family) String() string {
	switch f {
	case FamilyCIFAR:
		return "cifar"
	case FamilyImageNet:
		return "imagenet"
	default:
		return "auto"
	}
}

// ParseFamily maps "auto", "cifar" or "imagenet" to a Family
func ParseFamily(name string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return FamilyAuto, nil
	case "cifar":
		return FamilyCIFAR, nil
	case "imagenet":
		return FamilyImageNet, nil
	default:
		return 0, configError("family", "unknown family %q", name)
	}
}

// ImageNetClasses is the class count that selects the ImageNet family when
// the family is left on auto.
const ImageNetClasses = 1000

// Resolve turns FamilyAuto into a concrete family
func (f Family) Resolve(numClasses int) Family {
	if f != FamilyAuto {
		return f
	}
	if numClasses == ImageNetClasses {
		return FamilyImageNet
	}
	return FamilyCIFAR
}

// InputSize is the square input resolution of the family
func (f Family) InputSize() int {
	if f == FamilyImageNet {
		return 224
	}
	return 32
}

// FinalFeatureSize is the spatial size the last stage must produce; the
// global pooling kernel matches it.
func (f Family) FinalFeatureSize() int {
	if f == FamilyImageNet {
		return 7
	}
	return 8
}

func (f Family) numStages() int {
	if f == FamilyImageNet {
		return 4
	}
	return 3
}

func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Variant) UnmarshalText(text []byte) error {
	parsed, err := ParseVariant(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (f Family) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Family) UnmarshalText(text []byte) error {
	parsed, err := ParseFamily(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
