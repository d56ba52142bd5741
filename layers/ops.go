package layers

// Default batch-normalization epsilon used by every network family.
const DefaultBatchNormEps float32 = 2e-5

// PoolType selects the pooling reduction
type PoolType string

const (
	MaxPool PoolType = "max"
	AvgPool PoolType = "avg"
)

// ConvConfig configures a convolution node
type ConvConfig struct {
	OutChannels int
	Kernel      int
	Stride      int
	Pad         int
	Groups      int  // 0 or 1 selects a dense convolution
	UseBias     bool // normally false: a following batch norm makes the bias redundant
}

// BatchNormConfig configures a batch-normalization node
type BatchNormConfig struct {
	Momentum float32
	Eps      float32
	FixGamma bool
}

// PoolConfig configures a pooling node
type PoolConfig struct {
	Type   PoolType
	Kernel int
	Stride int
	Pad    int
	Global bool
}

// AddInput adds the data variable that feeds the graph
func (g *Graph) AddInput(name string, channels int) (*Node, error) {
	if channels <= 0 {
		return nil, NewConfigError(name, "input channels must be positive, got %d", channels)
	}
	return g.register(&Node{
		Kind:        Input,
		Name:        name,
		Parameters:  map[string]interface{}{"channels": channels},
		OutChannels: channels,
	})
}

// AddConvolution adds a (possibly grouped) convolution. Both the input and
// output channel counts must be divisible by the group count.
func (g *Graph) AddConvolution(name string, input *Node, cfg ConvConfig) (*Node, error) {
	if input == nil {
		return nil, NewConfigError(name, "nil input")
	}
	groups := cfg.Groups
	if groups <= 0 {
		groups = 1
	}
	stride := cfg.Stride
	if stride <= 0 {
		stride = 1
	}
	if cfg.OutChannels <= 0 {
		return nil, NewConfigError(name, "output channels must be positive, got %d", cfg.OutChannels)
	}
	if cfg.Kernel <= 0 {
		return nil, NewConfigError(name, "kernel size must be positive, got %d", cfg.Kernel)
	}
	if input.OutChannels%groups != 0 {
		return nil, NewConfigError(name, "input channels %d not divisible by %d groups", input.OutChannels, groups)
	}
	if cfg.OutChannels%groups != 0 {
		return nil, NewConfigError(name, "output channels %d not divisible by %d groups", cfg.OutChannels, groups)
	}

	params := []Parameter{newParameter(name, RoleWeight)}
	if cfg.UseBias {
		params = append(params, newParameter(name, RoleBias))
	}

	return g.register(&Node{
		Kind:   Convolution,
		Name:   name,
		Inputs: []*Node{input},
		Parameters: map[string]interface{}{
			"input_channels":  input.OutChannels,
			"output_channels": cfg.OutChannels,
			"kernel_size":     cfg.Kernel,
			"stride":          stride,
			"padding":         cfg.Pad,
			"num_group":       groups,
			"no_bias":         !cfg.UseBias,
		},
		InChannels:  input.OutChannels,
		OutChannels: cfg.OutChannels,
		Params:      params,
	})
}

// AddBatchNorm adds an affine batch normalization with learnable scale
func (g *Graph) AddBatchNorm(name string, input *Node, cfg BatchNormConfig) (*Node, error) {
	if input == nil {
		return nil, NewConfigError(name, "nil input")
	}
	eps := cfg.Eps
	if eps <= 0 {
		eps = DefaultBatchNormEps
	}
	if cfg.Momentum <= 0 || cfg.Momentum >= 1 {
		return nil, NewConfigError(name, "batch norm momentum must be in (0, 1), got %g", cfg.Momentum)
	}
	return g.register(&Node{
		Kind:   BatchNorm,
		Name:   name,
		Inputs: []*Node{input},
		Parameters: map[string]interface{}{
			"num_features": input.OutChannels,
			"momentum":     cfg.Momentum,
			"eps":          eps,
			"fix_gamma":    cfg.FixGamma,
		},
		InChannels:  input.OutChannels,
		OutChannels: input.OutChannels,
		Params: []Parameter{
			newParameter(name, RoleGamma),
			newParameter(name, RoleBeta),
			newParameter(name, RoleMovingMean),
			newParameter(name, RoleMovingVar),
		},
	})
}

// AddReLU adds a rectified-linear activation
func (g *Graph) AddReLU(name string, input *Node) (*Node, error) {
	if input == nil {
		return nil, NewConfigError(name, "nil input")
	}
	return g.register(&Node{
		Kind:        Activation,
		Name:        name,
		Inputs:      []*Node{input},
		Parameters:  map[string]interface{}{"act_type": "relu"},
		InChannels:  input.OutChannels,
		OutChannels: input.OutChannels,
	})
}

// AddPooling adds a max or average pooling node
func (g *Graph) AddPooling(name string, input *Node, cfg PoolConfig) (*Node, error) {
	if input == nil {
		return nil, NewConfigError(name, "nil input")
	}
	if cfg.Type != MaxPool && cfg.Type != AvgPool {
		return nil, NewConfigError(name, "unsupported pool type %q", cfg.Type)
	}
	if !cfg.Global && cfg.Kernel <= 0 {
		return nil, NewConfigError(name, "pooling kernel must be positive, got %d", cfg.Kernel)
	}
	stride := cfg.Stride
	if stride <= 0 {
		stride = 1
	}
	return g.register(&Node{
		Kind:   Pooling,
		Name:   name,
		Inputs: []*Node{input},
		Parameters: map[string]interface{}{
			"pool_type":   string(cfg.Type),
			"kernel_size": cfg.Kernel,
			"stride":      stride,
			"padding":     cfg.Pad,
			"global_pool": cfg.Global,
		},
		InChannels:  input.OutChannels,
		OutChannels: input.OutChannels,
	})
}

// AddFlatten collapses all non-batch axes. OutChannels keeps the producer's
// channel count; the flattened feature count is resolved by Compile.
func (g *Graph) AddFlatten(name string, input *Node) (*Node, error) {
	if input == nil {
		return nil, NewConfigError(name, "nil input")
	}
	return g.register(&Node{
		Kind:        Flatten,
		Name:        name,
		Inputs:      []*Node{input},
		Parameters:  map[string]interface{}{},
		InChannels:  input.OutChannels,
		OutChannels: input.OutChannels,
	})
}

// AddFullyConnected adds a dense projection with bias
func (g *Graph) AddFullyConnected(name string, input *Node, numHidden int) (*Node, error) {
	if input == nil {
		return nil, NewConfigError(name, "nil input")
	}
	if numHidden <= 0 {
		return nil, NewConfigError(name, "num_hidden must be positive, got %d", numHidden)
	}
	return g.register(&Node{
		Kind:        FullyConnected,
		Name:        name,
		Inputs:      []*Node{input},
		Parameters:  map[string]interface{}{"num_hidden": numHidden},
		InChannels:  input.OutChannels,
		OutChannels: numHidden,
		Params: []Parameter{
			newParameter(name, RoleWeight),
			newParameter(name, RoleBias),
		},
	})
}

// AddSoftmaxOutput appends the softmax classification loss
func (g *Graph) AddSoftmaxOutput(name string, input *Node) (*Node, error) {
	if input == nil {
		return nil, NewConfigError(name, "nil input")
	}
	return g.register(&Node{
		Kind:        SoftmaxOutput,
		Name:        name,
		Inputs:      []*Node{input},
		Parameters:  map[string]interface{}{},
		InChannels:  input.OutChannels,
		OutChannels: input.OutChannels,
	})
}

// AddChannelReorder adds the fixed channel permutation described by
// ReorderPermutation. The branch factor must divide the channel count.
func (g *Graph) AddChannelReorder(name string, input *Node, branchFactor int) (*Node, error) {
	if input == nil {
		return nil, NewConfigError(name, "nil input")
	}
	if branchFactor < 1 {
		return nil, NewConfigError(name, "branch factor must be at least 1, got %d", branchFactor)
	}
	if input.OutChannels%branchFactor != 0 {
		return nil, NewConfigError(name, "channels %d not divisible by branch factor %d", input.OutChannels, branchFactor)
	}
	return g.register(&Node{
		Kind:        ChannelReorder,
		Name:        name,
		Inputs:      []*Node{input},
		Parameters:  map[string]interface{}{"branch_factor": branchFactor},
		InChannels:  input.OutChannels,
		OutChannels: input.OutChannels,
	})
}

// AddElementwiseAdd fuses two producers of identical channel width
func (g *Graph) AddElementwiseAdd(name string, a, b *Node) (*Node, error) {
	if a == nil || b == nil {
		return nil, NewConfigError(name, "nil input")
	}
	if a.OutChannels != b.OutChannels {
		return nil, NewConfigError(name, "cannot add %s (%d channels) and %s (%d channels)",
			a.Name, a.OutChannels, b.Name, b.OutChannels)
	}
	return g.register(&Node{
		Kind:        Add,
		Name:        name,
		Inputs:      []*Node{a, b},
		Parameters:  map[string]interface{}{},
		InChannels:  a.OutChannels,
		OutChannels: a.OutChannels,
	})
}

// ConvUnit describes a fused convolution + batch-norm (+ relu) triple
type ConvUnit struct {
	OutChannels int
	Kernel      int
	Stride      int
	Pad         int
	Groups      int
	Momentum    float32
	Eps         float32
	ReLU        bool
	// BareConvName names the convolution after the unit itself instead of
	// appending "_conv".
	BareConvName bool
}

// ConvBNAct builds convolution -> batch norm -> optional relu under the unit
// name and returns the last node of the chain. Names are {unit}_conv,
// {unit}_bn and {unit}_relu.
func ConvBNAct(g *Graph, unit string, input *Node, u ConvUnit) (*Node, error) {
	convName := unit + "_conv"
	if u.BareConvName {
		convName = unit
	}
	conv, err := g.AddConvolution(convName, input, ConvConfig{
		OutChannels: u.OutChannels,
		Kernel:      u.Kernel,
		Stride:      u.Stride,
		Pad:         u.Pad,
		Groups:      u.Groups,
	})
	if err != nil {
		return nil, err
	}
	bn, err := g.AddBatchNorm(unit+"_bn", conv, BatchNormConfig{Momentum: u.Momentum, Eps: u.Eps})
	if err != nil {
		return nil, err
	}
	if !u.ReLU {
		return bn, nil
	}
	return g.AddReLU(unit+"_relu", bn)
}
