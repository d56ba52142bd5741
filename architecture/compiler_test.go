package architecture

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/tsawler/go-igc/layers"
)

func TestBuildPlainDepth20(t *testing.T) {
	net, err := Build(10, 20, 1, 1, "plain")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(net.Stages) != 3 {
		t.Fatalf("got %d stages, want 3", len(net.Stages))
	}
	for _, s := range net.Stages {
		if s.Spec.Blocks != 6 || len(s.Blocks) != 6 {
			t.Errorf("stage %s has %d blocks, want 6", s.Spec.Name, s.Spec.Blocks)
		}
	}
	if n := net.Graph.Count(layers.Convolution); n != 19 {
		t.Errorf("got %d convolution nodes, want 19", n)
	}
	fcs := net.Graph.Filter(func(n *layers.Node) bool { return n.Kind == layers.FullyConnected })
	if len(fcs) != 1 || fcs[0].OutChannels != 10 || fcs[0].Name != "fc_score" {
		t.Errorf("fully connected nodes = %v", fcs)
	}

	first := net.Stages[0]
	if first.FirstNode != "g1_b1_conv" || first.LastNode != "g1_b6_relu" {
		t.Errorf("stage 1 spans %s..%s", first.FirstNode, first.LastNode)
	}
	if net.Config.Family != FamilyCIFAR {
		t.Errorf("family = %s, want cifar", net.Config.Family)
	}
	if !reflect.DeepEqual(net.Model.OutputShape, []int{1, 10}) {
		t.Errorf("output shape = %v", net.Model.OutputShape)
	}
}

func TestBuildResidualInterleavedImageNet(t *testing.T) {
	net, err := Build(1000, 18, 2, 1, "residual-interleaved-group")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if net.Config.Family != FamilyImageNet {
		t.Fatalf("family = %s, want imagenet", net.Config.Family)
	}
	if len(net.Stages) != 4 {
		t.Fatalf("got %d stages, want 4", len(net.Stages))
	}

	expectedStrides := []int{1, 2, 2, 2}
	for i, s := range net.Stages {
		if s.Spec.Blocks != 2 {
			t.Errorf("stage %d blocks = %d, want 2", i+1, s.Spec.Blocks)
		}
		if s.Spec.Stride != expectedStrides[i] {
			t.Errorf("stage %d stride = %d, want %d", i+1, s.Spec.Stride, expectedStrides[i])
		}
		if i > 0 && s.Spec.OutChannels != 2*net.Stages[i-1].Spec.OutChannels {
			t.Errorf("stage %d width %d does not double %d", i+1, s.Spec.OutChannels, net.Stages[i-1].Spec.OutChannels)
		}
	}

	// the first block of each stage carries the stride on its spatial conv
	for i, s := range net.Stages {
		conv, ok := net.Graph.Node(s.Blocks[0] + "_igc1_conv1")
		if !ok {
			t.Fatalf("stage %d first conv missing", i+1)
		}
		if conv.IntParam("stride", 0) != expectedStrides[i] {
			t.Errorf("%s stride = %d", conv.Name, conv.IntParam("stride", 0))
		}
	}

	if _, ok := net.Graph.Node("g0_pool"); !ok {
		t.Error("ImageNet stem should end in g0_pool")
	}
	last, _ := net.Model.Node(net.Stages[3].LastNode)
	if !reflect.DeepEqual(last.OutputShape[2:], []int{7, 7}) {
		t.Errorf("final feature map = %v, want 7x7", last.OutputShape)
	}
	if !reflect.DeepEqual(net.Model.OutputShape, []int{1, 1000}) {
		t.Errorf("output shape = %v", net.Model.OutputShape)
	}
}

func TestBuildResNet18ParameterCount(t *testing.T) {
	net, err := Build(1000, 18, 8, 8, "residual")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if net.Model.TotalParameters != 11689512 {
		t.Errorf("TotalParameters = %d, want 11689512", net.Model.TotalParameters)
	}
	if _, ok := net.Graph.Node("g0"); !ok {
		t.Error("ImageNet residual stem conv should be named g0")
	}
}

func TestBuildEveryCIFARVariant(t *testing.T) {
	for _, tag := range []string{"plain", "interleaved-group", "residual", "residual-group", "residual-interleaved-group"} {
		t.Run(tag, func(t *testing.T) {
			net, err := Build(10, 20, 2, 4, tag)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			caps := net.Config.Variant.Capabilities()
			if got := net.Graph.Count(layers.Add) > 0; got != caps.UsesResidual {
				t.Errorf("Add nodes present = %v, residual = %v", got, caps.UsesResidual)
			}
			if got := net.Graph.Count(layers.ChannelReorder) > 0; got != caps.UsesChannelReorder {
				t.Errorf("reorder nodes present = %v, reorder = %v", got, caps.UsesChannelReorder)
			}
			out := net.Graph.Output()
			if out.Kind != layers.SoftmaxOutput || out.Name != "softmax" {
				t.Errorf("output = %s", out)
			}
			for _, n := range net.Graph.Nodes() {
				if n.Kind == layers.BatchNorm {
					m := n.Parameters["momentum"].(float32)
					if m != net.Config.Variant.BatchNormMomentum() {
						t.Fatalf("%s momentum %g", n.Name, m)
					}
				}
			}
		})
	}
}

func TestBuildResidualHeadNaming(t *testing.T) {
	net, err := Build(100, 32, 4, 4, "residual")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	pool, ok := net.Graph.Node("pool")
	if !ok || pool.Parameters["global_pool"] != true {
		t.Error("CIFAR residual head should use a global pool named pool")
	}
	if _, ok := net.Graph.Node("fc"); !ok {
		t.Error("CIFAR residual head should be named fc")
	}
}

func TestBuildNetworkErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  NetworkConfig
	}{
		{"plain invalid depth", NetworkConfig{NumClasses: 10, Depth: 21, PrimaryPartition: 1, SecondaryPartition: 1, Variant: Plain}},
		{"residual invalid depth", NetworkConfig{NumClasses: 10, Depth: 21, PrimaryPartition: 1, SecondaryPartition: 1, Variant: Residual}},
		{"imagenet depth", NetworkConfig{NumClasses: 1000, Depth: 20, PrimaryPartition: 1, SecondaryPartition: 1, Variant: Residual}},
		{"plain imagenet", NetworkConfig{NumClasses: 1000, Depth: 20, PrimaryPartition: 1, SecondaryPartition: 1, Variant: Plain}},
		{"zero classes", NetworkConfig{NumClasses: 0, Depth: 20, PrimaryPartition: 1, SecondaryPartition: 1}},
		{"zero partition", NetworkConfig{NumClasses: 10, Depth: 20, PrimaryPartition: 0, SecondaryPartition: 1}},
		{"unknown variant", NetworkConfig{NumClasses: 10, Depth: 20, PrimaryPartition: 1, SecondaryPartition: 1, Variant: Variant(42)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildNetwork(tt.cfg)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}

	if _, err := Build(10, 20, 1, 1, "wide"); err == nil {
		t.Error("expected error for unknown tag")
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	type nodeSummary struct {
		Name   string
		Kind   layers.NodeKind
		Inputs []string
		Attrs  map[string]interface{}
	}
	summarize := func(net *Network) []nodeSummary {
		var out []nodeSummary
		for _, n := range net.Graph.Nodes() {
			out = append(out, nodeSummary{n.Name, n.Kind, n.InputNames(), n.Parameters})
		}
		return out
	}

	for _, tag := range []string{"interleaved-group", "residual-interleaved-group"} {
		a, err := Build(10, 20, 2, 2, tag)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		b, _ := Build(10, 20, 2, 2, tag)
		if !reflect.DeepEqual(summarize(a), summarize(b)) {
			t.Errorf("%s: rebuilding produced a different graph", tag)
		}
		if !reflect.DeepEqual(a.Model.Parameters, b.Model.Parameters) {
			t.Errorf("%s: rebuilding produced different parameters", tag)
		}
	}
}

func TestPlanStagesPartitions(t *testing.T) {
	stages, err := PlanStages(NetworkConfig{NumClasses: 10, Depth: 20, PrimaryPartition: 2, SecondaryPartition: 3, Variant: InterleavedGroup})
	if err != nil {
		t.Fatalf("PlanStages failed: %v", err)
	}
	for i, want := range []int{3, 6, 12} {
		if stages[i].SecondaryPartition != want || stages[i].PrimaryPartition != 2 {
			t.Errorf("stage %d partitions = %dx%d, want 2x%d", i+1, stages[i].PrimaryPartition, stages[i].SecondaryPartition, want)
		}
		if stages[i].PrimaryPartition*stages[i].SecondaryPartition != stages[i].OutChannels {
			t.Errorf("stage %d partition product does not track width %d", i+1, stages[i].OutChannels)
		}
	}

	stages, err = PlanStages(NetworkConfig{NumClasses: 1000, Depth: 18, PrimaryPartition: 4, SecondaryPartition: 2, Variant: ResidualInterleavedGroup})
	if err != nil {
		t.Fatalf("PlanStages failed: %v", err)
	}
	for i, want := range []int{4, 8, 16, 32} {
		s := stages[i]
		if s.PrimaryPartition != want || s.PrimaryPartition*s.SecondaryPartition != s.OutChannels {
			t.Errorf("stage %d partitions = %dx%d width %d", i+1, s.PrimaryPartition, s.SecondaryPartition, s.OutChannels)
		}
	}
}

func TestManifest(t *testing.T) {
	net, err := Build(10, 8, 1, 2, "residual")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	m := net.Manifest()
	for _, want := range []string{"residual depth=8", "g1: 1 blocks 2->2", "g3_b1_relu"} {
		if !strings.Contains(m, want) {
			t.Errorf("manifest missing %q:\n%s", want, m)
		}
	}
}
