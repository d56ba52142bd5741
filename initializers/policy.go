package initializers

import (
	"fmt"
	"log"
	"math/rand"

	"github.com/tsawler/go-igc/layers"
)

// RoleDispatchWarning is logged when a parameter carries no known role. The
// default rule is applied instead of failing.
type RoleDispatchWarning struct {
	Name  string
	Shape []int
	Rule  string
}

func (w RoleDispatchWarning) String() string {
	return fmt.Sprintf("warning: parameter %s %v has no known role, using %s", w.Name, w.Shape, w.Rule)
}

// Policy chooses an initializer per parameter role.
//
//   - bias, beta, moving mean and moving variance: zero
//   - gamma: one
//   - upsampling: bilinear
//   - weight of a fully-connected node: Head
//   - any other weight: Body
//   - unknown: Default, with a RoleDispatchWarning
type Policy struct {
	Body    Initializer
	Head    Initializer
	Default Initializer
	Logger  *log.Logger // nil means log.Default()
}

// NewPolicy returns the policy used for training: Body is a gaussian
// fan-in Xavier with magnitude 2 corrected by widen and branch, Head a
// uniform fan-in Xavier with magnitude 1.
func NewPolicy(widenFactor, branchFactor float64, logger *log.Logger) *Policy {
	return &Policy{
		Body: Xavier{RandType: Gaussian, FactorType: FanIn, Magnitude: 2, WidenFactor: widenFactor, BranchFactor: branchFactor},
		Head: Xavier{RandType: Uniform, FactorType: FanIn, Magnitude: 1},
		// same rule as Body, without the correction
		Default: Xavier{RandType: Gaussian, FactorType: FanIn, Magnitude: 2},
		Logger:  logger,
	}
}

// Rule returns the initializer the policy applies to p
func (pl *Policy) Rule(p layers.ParameterSpec) Initializer {
	switch p.Role {
	case layers.RoleBias, layers.RoleBeta, layers.RoleMovingMean, layers.RoleMovingVar:
		return Zero
	case layers.RoleGamma:
		return One
	case layers.RoleUpsampling:
		return Bilinear{}
	case layers.RoleWeight:
		if p.NodeKind == layers.FullyConnected {
			return pl.Head
		}
		return pl.Body
	default:
		return pl.Default
	}
}

func (pl *Policy) Init(p layers.ParameterSpec, data []float32, rng *rand.Rand) error {
	rule := pl.Rule(p)
	if rule == nil {
		return fmt.Errorf("no initializer configured for parameter %s (%s)", p.Name, p.Role)
	}
	if p.Role == layers.RoleDefault {
		pl.logger().Println(RoleDispatchWarning{Name: p.Name, Shape: p.Shape, Rule: rule.Name()})
	}
	return rule.Init(p, data, rng)
}

func (pl *Policy) Name() string {
	return "policy"
}

func (pl *Policy) logger() *log.Logger {
	if pl.Logger == nil {
		return log.Default()
	}
	return pl.Logger
}
