package initializers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-igc/layers"
	"gonum.org/v1/gonum/stat/distuv"
)

// Initializer fills the tensor of one parameter
type Initializer interface {
	Init(p layers.ParameterSpec, data []float32, rng *rand.Rand) error
	Name() string
}

// Distribution types for Xavier
const (
	Uniform  = "uniform"
	Gaussian = "gaussian"
)

// Fan types for Xavier
const (
	FanIn  = "in"
	FanOut = "out"
	FanAvg = "avg"
)

// Constant fills every element with Value
type Constant struct {
	Value float32
}

var (
	Zero = Constant{Value: 0}
	One  = Constant{Value: 1}
)

func (c Constant) Init(p layers.ParameterSpec, data []float32, _ *rand.Rand) error {
	if err := checkSize(p, data); err != nil {
		return err
	}
	for i := range data {
		data[i] = c.Value
	}
	return nil
}

func (c Constant) Name() string {
	return fmt.Sprintf("constant(%g)", c.Value)
}

// Xavier is variance-scaling initialization. WidenFactor and BranchFactor
// divide the fan, which compensates for the reduced connectivity of grouped
// and interleaved convolutions. Zero values mean 1.
type Xavier struct {
	RandType     string
	FactorType   string
	Magnitude    float64
	WidenFactor  float64
	BranchFactor float64
}

// Fans returns (fan_in, fan_out) for a weight shape laid out as
// [out, in, k...].
func Fans(shape []int) (float64, float64, error) {
	switch len(shape) {
	case 0:
		return 0, 0, fmt.Errorf("cannot compute fan of a scalar")
	case 1:
		return float64(shape[0]), float64(shape[0]), nil
	}
	hw := 1
	for _, d := range shape[2:] {
		hw *= d
	}
	return float64(shape[1] * hw), float64(shape[0] * hw), nil
}

// Scale returns the half-width of the uniform draw, or the standard deviation
// of the gaussian draw, for a weight of the given shape.
func (x Xavier) Scale(shape []int) (float64, error) {
	fanIn, fanOut, err := Fans(shape)
	if err != nil {
		return 0, err
	}
	var factor float64
	switch x.FactorType {
	case FanIn:
		factor = fanIn
	case FanOut:
		factor = fanOut
	case FanAvg, "":
		factor = (fanIn + fanOut) / 2
	default:
		return 0, fmt.Errorf("unknown factor type %q", x.FactorType)
	}
	factor /= x.correction()
	if factor <= 0 {
		return 0, fmt.Errorf("non-positive fan %g for shape %v", factor, shape)
	}
	return math.Sqrt(x.magnitude() / factor), nil
}

func (x Xavier) correction() float64 {
	widen, branch := x.WidenFactor, x.BranchFactor
	if widen <= 0 {
		widen = 1
	}
	if branch <= 0 {
		branch = 1
	}
	return widen * branch
}

func (x Xavier) magnitude() float64 {
	if x.Magnitude <= 0 {
		return 3
	}
	return x.Magnitude
}

type quantiler interface {
	Quantile(p float64) float64
}

func (x Xavier) Init(p layers.ParameterSpec, data []float32, rng *rand.Rand) error {
	if err := checkSize(p, data); err != nil {
		return err
	}
	scale, err := x.Scale(p.Shape)
	if err != nil {
		return fmt.Errorf("failed to initialize %s: %v", p.Name, err)
	}

	var dist quantiler
	switch x.RandType {
	case Uniform, "":
		dist = distuv.Uniform{Min: -scale, Max: scale}
	case Gaussian:
		dist = distuv.Normal{Mu: 0, Sigma: scale}
	default:
		return fmt.Errorf("unknown random type %q", x.RandType)
	}

	for i := range data {
		data[i] = float32(dist.Quantile(openUnit(rng)))
	}
	return nil
}

func (x Xavier) Name() string {
	return fmt.Sprintf("xavier(%s,%s,%g,widen=%g,branch=%g)",
		x.RandType, x.FactorType, x.magnitude(), x.WidenFactor, x.BranchFactor)
}

// openUnit draws from (0, 1) so that quantile functions stay finite
func openUnit(rng *rand.Rand) float64 {
	for {
		if u := rng.Float64(); u > 0 {
			return u
		}
	}
}

// Bilinear fills a [.., .., h, w] kernel with bilinear interpolation weights,
// used by upsampling (deconvolution) layers.
type Bilinear struct{}

func (Bilinear) Init(p layers.ParameterSpec, data []float32, _ *rand.Rand) error {
	if err := checkSize(p, data); err != nil {
		return err
	}
	if len(p.Shape) != 4 {
		return fmt.Errorf("bilinear init of %s needs a 4D shape, got %v", p.Name, p.Shape)
	}
	h, w := p.Shape[2], p.Shape[3]
	f := math.Ceil(float64(w) / 2)
	c := (2*f - 1 - math.Mod(f, 2)) / (2 * f)
	for i := range data {
		x := float64(i % w)
		y := float64((i / w) % h)
		data[i] = float32((1 - math.Abs(x/f-c)) * (1 - math.Abs(y/f-c)))
	}
	return nil
}

func (Bilinear) Name() string {
	return "bilinear"
}

func checkSize(p layers.ParameterSpec, data []float32) error {
	if len(data) != p.Size() {
		return fmt.Errorf("parameter %s has shape %v (%d elements) but buffer holds %d", p.Name, p.Shape, p.Size(), len(data))
	}
	return nil
}
