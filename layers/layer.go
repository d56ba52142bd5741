package layers

import (
	"fmt"
)

// NodeKind represents the operator implemented by a graph node
type NodeKind int

const (
	Input NodeKind = iota
	Convolution
	BatchNorm
	Activation
	Pooling
	Flatten
	FullyConnected
	SoftmaxOutput
	ChannelReorder
	Add
)

func (k NodeKind) String() string {
	switch k {
	case Input:
		return "Input"
	case Convolution:
		return "Convolution"
	case BatchNorm:
		return "BatchNorm"
	case Activation:
		return "Activation"
	case Pooling:
		return "Pooling"
	case Flatten:
		return "Flatten"
	case FullyConnected:
		return "FullyConnected"
	case SoftmaxOutput:
		return "SoftmaxOutput"
	case ChannelReorder:
		return "ChannelReorder"
	case Add:
		return "Add"
	default:
		return "Unknown"
	}
}

// ParseNodeKind is the inverse of NodeKind.String
func ParseNodeKind(s string) (NodeKind, error) {
	for k := Input; k <= Add; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown node kind %q", s)
}

// MarshalText encodes the kind by name so symbol files stay readable
func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *NodeKind) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Node is one operator instance. A node references its producers and is
// never modified once it has been appended to a Graph.
//
// Parameters holds the operator attributes (kernel_size, stride, padding,
// output_channels, num_group, pool_type, branch_factor, ...). Params lists the
// tensors the operator owns, with their roles already assigned.
type Node struct {
	Kind        NodeKind
	Name        string
	Inputs      []*Node
	Parameters  map[string]interface{}
	InChannels  int
	OutChannels int
	Params      []Parameter
}

// IntParam returns an integer attribute, or def when the attribute is absent.
func (n *Node) IntParam(key string, def int) int {
	return getIntParam(n.Parameters, key, def)
}

// InputNames returns the names of the node's producers in order.
func (n *Node) InputNames() []string {
	names := make([]string, len(n.Inputs))
	for i, in := range n.Inputs {
		names[i] = in.Name
	}
	return names
}

// Graph is an append-only DAG of nodes. It owns the name registry: every
// node name is unique within a graph.
type Graph struct {
	nodes      []*Node
	byName     map[string]*Node
	paramNames map[string]bool
}

// NewGraph creates an empty graph
func NewGraph() *Graph {
	return &Graph{
		nodes:      make([]*Node, 0),
		byName:     make(map[string]*Node),
		paramNames: make(map[string]bool),
	}
}

// Nodes returns the nodes in creation order, which is a topological order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Node looks up a node by name
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.byName[name]
	return n, ok
}

// Len returns the number of nodes
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Count returns the number of nodes of the given kind
func (g *Graph) Count(kind NodeKind) int {
	count := 0
	for _, n := range g.nodes {
		if n.Kind == kind {
			count++
		}
	}
	return count
}

// Output returns the most recently appended node, or nil for an empty graph.
func (g *Graph) Output() *Node {
	if len(g.nodes) == 0 {
		return nil
	}
	return g.nodes[len(g.nodes)-1]
}

// Filter returns the nodes for which keep reports true, in creation order
func (g *Graph) Filter(keep func(*Node) bool) []*Node {
	var out []*Node
	for _, n := range g.nodes {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out
}

// Parameters returns every parameter declared by the graph in node order
func (g *Graph) Parameters() []Parameter {
	var params []Parameter
	for _, n := range g.nodes {
		params = append(params, n.Params...)
	}
	return params
}

// register validates a fully formed node and appends it. Nothing is added
// when an error is returned.
func (g *Graph) register(node *Node) (*Node, error) {
	if node.Name == "" {
		return nil, NewConfigError(node.Kind.String(), "node name must not be empty")
	}
	if _, exists := g.byName[node.Name]; exists {
		return nil, &NameCollisionError{Name: node.Name, Kind: node.Kind}
	}
	for _, p := range node.Params {
		if g.paramNames[p.Name] {
			return nil, &NameCollisionError{Name: p.Name, Kind: node.Kind}
		}
	}
	for _, in := range node.Inputs {
		if in == nil {
			return nil, NewConfigError(node.Name, "nil input")
		}
		if owner, ok := g.byName[in.Name]; !ok || owner != in {
			return nil, NewConfigError(node.Name, "input %q does not belong to this graph", in.Name)
		}
	}
	g.nodes = append(g.nodes, node)
	g.byName[node.Name] = node
	for _, p := range node.Params {
		g.paramNames[p.Name] = true
	}
	return node, nil
}

// Helper functions for attribute extraction. Attributes decoded from JSON
// arrive as float64, so both are accepted.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		if floatVal, ok := val.(float32); ok {
			return floatVal
		}
		// Handle float64 conversion
		if floatVal, ok := val.(float64); ok {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getStringParam(params map[string]interface{}, key string, defaultValue string) string {
	if val, exists := params[key]; exists {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultValue
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s) %d->%d", n.Kind, n.Name, n.InChannels, n.OutChannels)
}
