package layers

import "strings"

// ParameterRole is the structural role of a learnable or auxiliary tensor.
// Builders assign it when the parameter is created so that initialization
// never has to guess from a name.
type ParameterRole int

const (
	RoleDefault ParameterRole = iota
	RoleWeight
	RoleBias
	RoleGamma
	RoleBeta
	RoleMovingMean
	RoleMovingVar
	RoleUpsampling
)

func (r ParameterRole) String() string {
	switch r {
	case RoleWeight:
		return "weight"
	case RoleBias:
		return "bias"
	case RoleGamma:
		return "gamma"
	case RoleBeta:
		return "beta"
	case RoleMovingMean:
		return "moving_mean"
	case RoleMovingVar:
		return "moving_var"
	case RoleUpsampling:
		return "upsampling"
	default:
		return "default"
	}
}

// Parameter names a tensor owned by a node.
type Parameter struct {
	Name string        `json:"name"`
	Role ParameterRole `json:"role"`
	Aux  bool          `json:"aux,omitempty"` // moving statistics, not updated by the optimizer
}

// roleSuffixes is checked in order; upsampling must win over weight for
// names such as "up_upsampling".
var roleSuffixes = []struct {
	suffix string
	role   ParameterRole
}{
	{"upsampling", RoleUpsampling},
	{"bias", RoleBias},
	{"gamma", RoleGamma},
	{"beta", RoleBeta},
	{"weight", RoleWeight},
	{"moving_mean", RoleMovingMean},
	{"moving_var", RoleMovingVar},
	{"moving_inv_var", RoleMovingVar},
	{"moving_avg", RoleMovingMean},
}

// ClassifyRole derives a role from a parameter name's trailing suffix. It is
// used for names that did not come from this package's builders, e.g. names
// read back from a checkpoint. Unknown names map to RoleDefault.
func ClassifyRole(name string) ParameterRole {
	for _, rs := range roleSuffixes {
		if strings.HasSuffix(name, rs.suffix) {
			return rs.role
		}
	}
	return RoleDefault
}

// ParseRole is the inverse of ParameterRole.String.
func ParseRole(s string) ParameterRole {
	for _, rs := range roleSuffixes {
		if rs.role.String() == s {
			return rs.role
		}
	}
	return RoleDefault
}

func (r ParameterRole) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *ParameterRole) UnmarshalText(text []byte) error {
	*r = ParseRole(string(text))
	return nil
}

func (r ParameterRole) isAux() bool {
	return r == RoleMovingMean || r == RoleMovingVar
}

func newParameter(node string, role ParameterRole) Parameter {
	return Parameter{
		Name: node + "_" + role.String(),
		Role: role,
		Aux:  role.isAux(),
	}
}
