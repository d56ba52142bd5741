package layers

import (
	"fmt"
	"strings"
)

// ParameterSpec is a parameter with its resolved tensor shape
type ParameterSpec struct {
	Name     string        `json:"name"`
	Node     string        `json:"node"`
	NodeKind NodeKind      `json:"node_kind"`
	Role     ParameterRole `json:"role"`
	Aux      bool          `json:"aux,omitempty"`
	Shape    []int         `json:"shape"`
}

// Size returns the number of elements in the parameter tensor
func (p ParameterSpec) Size() int {
	size := 1
	for _, d := range p.Shape {
		size *= d
	}
	return size
}

// NodeSpec is a node together with its inferred shapes
type NodeSpec struct {
	Name           string                 `json:"name"`
	Kind           NodeKind               `json:"kind"`
	Inputs         []string               `json:"inputs,omitempty"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	InputShape     []int                  `json:"input_shape"`
	OutputShape    []int                  `json:"output_shape"`
	ParameterCount int64                  `json:"parameter_count"`
}

// IntParam reads an integer attribute, also after a JSON round trip
func (n NodeSpec) IntParam(key string, def int) int {
	return getIntParam(n.Parameters, key, def)
}

func (n NodeSpec) BoolParam(key string, def bool) bool {
	return getBoolParam(n.Parameters, key, def)
}

func (n NodeSpec) FloatParam(key string, def float32) float32 {
	return getFloatParam(n.Parameters, key, def)
}

func (n NodeSpec) StringParam(key string, def string) string {
	return getStringParam(n.Parameters, key, def)
}

// ModelSpec is a compiled graph: every node with concrete shapes and every
// parameter with its tensor shape. Moving statistics are listed in Parameters
// but are not counted in TotalParameters.
type ModelSpec struct {
	Nodes           []NodeSpec      `json:"nodes"`
	Parameters      []ParameterSpec `json:"parameters"`
	TotalParameters int64           `json:"total_parameters"`
	AuxParameters   int64           `json:"aux_parameters"`
	InputShape      []int           `json:"input_shape"`
	OutputShape     []int           `json:"output_shape"`
}

// Node returns the compiled node with the given name
func (ms *ModelSpec) Node(name string) (NodeSpec, bool) {
	for _, n := range ms.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// Parameter returns the parameter with the given name
func (ms *ModelSpec) Parameter(name string) (ParameterSpec, bool) {
	for _, p := range ms.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterSpec{}, false
}

// Compile runs shape inference over the graph for an NCHW input shape.
func (g *Graph) Compile(inputShape []int) (*ModelSpec, error) {
	if len(g.nodes) == 0 {
		return nil, fmt.Errorf("cannot compile empty graph")
	}
	if len(inputShape) != 4 {
		return nil, NewConfigError("compile", "input shape must be [batch, channels, height, width], got %v", inputShape)
	}

	model := &ModelSpec{
		Nodes:      make([]NodeSpec, 0, len(g.nodes)),
		InputShape: copyShape(inputShape),
	}
	shapes := make(map[string][]int, len(g.nodes))

	for i, node := range g.nodes {
		var in []int
		if len(node.Inputs) > 0 {
			in = shapes[node.Inputs[0].Name]
		} else {
			in = inputShape
		}

		out, paramShapes, err := inferNode(node, in, shapes)
		if err != nil {
			return nil, fmt.Errorf("failed to compute node %d (%s) info: %v", i, node.Name, err)
		}
		shapes[node.Name] = out

		spec := NodeSpec{
			Name:        node.Name,
			Kind:        node.Kind,
			Inputs:      node.InputNames(),
			Parameters:  node.Parameters,
			InputShape:  copyShape(in),
			OutputShape: out,
		}
		for j, p := range node.Params {
			ps := ParameterSpec{
				Name:     p.Name,
				Node:     node.Name,
				NodeKind: node.Kind,
				Role:     p.Role,
				Aux:      p.Aux,
				Shape:    paramShapes[j],
			}
			model.Parameters = append(model.Parameters, ps)
			if p.Aux {
				model.AuxParameters += int64(ps.Size())
			} else {
				spec.ParameterCount += int64(ps.Size())
			}
		}
		model.TotalParameters += spec.ParameterCount
		model.Nodes = append(model.Nodes, spec)
	}

	model.OutputShape = copyShape(shapes[g.Output().Name])
	return model, nil
}

// inferNode returns the output shape of a node and one shape per entry in
// node.Params.
func inferNode(node *Node, in []int, shapes map[string][]int) ([]int, [][]int, error) {
	switch node.Kind {
	case Input:
		if in[1] != node.OutChannels {
			return nil, nil, NewConfigError(node.Name, "input has %d channels, graph expects %d", in[1], node.OutChannels)
		}
		return copyShape(in), nil, nil

	case Convolution:
		return inferConvolution(node, in)

	case BatchNorm:
		if len(in) < 2 || in[1] != node.InChannels {
			return nil, nil, NewConfigError(node.Name, "num_features (%d) doesn't match input shape %v", node.InChannels, in)
		}
		c := in[1]
		return copyShape(in), [][]int{{c}, {c}, {c}, {c}}, nil

	case Activation, SoftmaxOutput, ChannelReorder:
		return copyShape(in), nil, nil

	case Pooling:
		return inferPooling(node, in)

	case Flatten:
		features := 1
		for _, d := range in[1:] {
			features *= d
		}
		return []int{in[0], features}, nil, nil

	case FullyConnected:
		features := 1
		for _, d := range in[1:] {
			features *= d
		}
		hidden := node.IntParam("num_hidden", node.OutChannels)
		return []int{in[0], hidden}, [][]int{{hidden, features}, {hidden}}, nil

	case Add:
		other := shapes[node.Inputs[1].Name]
		if !equalShape(in, other) {
			return nil, nil, NewConfigError(node.Name, "cannot add shapes %v and %v", in, other)
		}
		return copyShape(in), nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported node kind: %s", node.Kind)
	}
}

func inferConvolution(node *Node, in []int) ([]int, [][]int, error) {
	if len(in) != 4 {
		return nil, nil, NewConfigError(node.Name, "convolution requires 4D input [batch, channels, height, width], got %v", in)
	}
	out := node.IntParam("output_channels", node.OutChannels)
	k := node.IntParam("kernel_size", 1)
	s := node.IntParam("stride", 1)
	p := node.IntParam("padding", 0)
	groups := node.IntParam("num_group", 1)

	h := (in[2]+2*p-k)/s + 1
	w := (in[3]+2*p-k)/s + 1
	if h <= 0 || w <= 0 {
		return nil, nil, NewConfigError(node.Name, "kernel %d with stride %d does not fit input %dx%d", k, s, in[2], in[3])
	}

	paramShapes := [][]int{{out, in[1] / groups, k, k}}
	if !getBoolParam(node.Parameters, "no_bias", true) {
		paramShapes = append(paramShapes, []int{out})
	}
	return []int{in[0], out, h, w}, paramShapes, nil
}

func inferPooling(node *Node, in []int) ([]int, [][]int, error) {
	if len(in) != 4 {
		return nil, nil, NewConfigError(node.Name, "pooling requires 4D input, got %v", in)
	}
	if getBoolParam(node.Parameters, "global_pool", false) {
		return []int{in[0], in[1], 1, 1}, nil, nil
	}
	k := node.IntParam("kernel_size", 1)
	s := node.IntParam("stride", 1)
	p := node.IntParam("padding", 0)
	h := (in[2]+2*p-k)/s + 1
	w := (in[3]+2*p-k)/s + 1
	if h <= 0 || w <= 0 {
		return nil, nil, NewConfigError(node.Name, "pool kernel %d does not fit input %dx%d", k, in[2], in[3])
	}
	return []int{in[0], in[1], h, w}, nil, nil
}

// Summary returns a human-readable description of the compiled model
func (ms *ModelSpec) Summary() string {
	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	sb.WriteString(fmt.Sprintf("Input Shape: %v\n", ms.InputShape))
	sb.WriteString(fmt.Sprintf("Output Shape: %v\n", ms.OutputShape))
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters))
	sb.WriteString(fmt.Sprintf("Auxiliary States: %d\n", ms.AuxParameters))
	sb.WriteString(fmt.Sprintf("Nodes: %d\n\n", len(ms.Nodes)))

	for i, n := range ms.Nodes {
		sb.WriteString(fmt.Sprintf("%4d  %-28s %-15s %-18v -> %-18v %d\n",
			i+1, n.Name, n.Kind, n.InputShape, n.OutputShape, n.ParameterCount))
	}
	return sb.String()
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
