package layers

import (
	"errors"
	"testing"
)

func TestConvolutionGroupDivisibility(t *testing.T) {
	tests := []struct {
		name    string
		inCh    int
		outCh   int
		groups  int
		wantErr bool
	}{
		{"dense", 3, 16, 1, false},
		{"default groups", 3, 16, 0, false},
		{"grouped", 16, 32, 4, false},
		{"depthwise", 8, 8, 8, false},
		{"input not divisible", 6, 8, 4, true},
		{"output not divisible", 8, 6, 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph()
			data, _ := g.AddInput("data", tt.inCh)
			_, err := g.AddConvolution("conv", data, ConvConfig{OutChannels: tt.outCh, Kernel: 3, Pad: 1, Groups: tt.groups})
			if tt.wantErr {
				var cfgErr *ConfigError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("expected ConfigError, got %v", err)
				}
				if g.Len() != 1 {
					t.Errorf("rejected convolution left %d nodes", g.Len())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestConvolutionAttributes(t *testing.T) {
	g := NewGraph()
	data, _ := g.AddInput("data", 16)
	conv, err := g.AddConvolution("conv", data, ConvConfig{OutChannels: 32, Kernel: 3, Stride: 2, Pad: 1, Groups: 4})
	if err != nil {
		t.Fatalf("AddConvolution failed: %v", err)
	}

	if conv.InChannels != 16 || conv.OutChannels != 32 {
		t.Errorf("channels = %d->%d, want 16->32", conv.InChannels, conv.OutChannels)
	}
	checks := map[string]int{"kernel_size": 3, "stride": 2, "padding": 1, "num_group": 4}
	for key, want := range checks {
		if got := conv.IntParam(key, -1); got != want {
			t.Errorf("%s = %d, want %d", key, got, want)
		}
	}
	if !getBoolParam(conv.Parameters, "no_bias", false) {
		t.Error("convolution should be created without bias")
	}
	if len(conv.Params) != 1 || conv.Params[0].Name != "conv_weight" {
		t.Errorf("params = %+v, want only conv_weight", conv.Params)
	}
}

func TestBatchNormMomentumValidation(t *testing.T) {
	g := NewGraph()
	data, _ := g.AddInput("data", 8)
	for _, m := range []float32{0, 1, -0.5, 1.5} {
		if _, err := g.AddBatchNorm("bn", data, BatchNormConfig{Momentum: m}); err == nil {
			t.Errorf("momentum %g accepted", m)
		}
	}

	bn, err := g.AddBatchNorm("bn", data, BatchNormConfig{Momentum: 0.99})
	if err != nil {
		t.Fatalf("AddBatchNorm failed: %v", err)
	}
	if eps := getFloatParam(bn.Parameters, "eps", 0); eps != DefaultBatchNormEps {
		t.Errorf("eps = %g, want %g", eps, DefaultBatchNormEps)
	}
	if getBoolParam(bn.Parameters, "fix_gamma", true) {
		t.Error("fix_gamma should default to false")
	}
}

func TestChannelReorderDivisibility(t *testing.T) {
	g := NewGraph()
	data, _ := g.AddInput("data", 12)

	if _, err := g.AddChannelReorder("r0", data, 5); err == nil {
		t.Error("expected error for branch 5 on 12 channels")
	}
	if _, err := g.AddChannelReorder("r1", data, 0); err == nil {
		t.Error("expected error for branch 0")
	}
	r, err := g.AddChannelReorder("r2", data, 4)
	if err != nil {
		t.Fatalf("AddChannelReorder failed: %v", err)
	}
	if r.OutChannels != 12 || r.IntParam("branch_factor", 0) != 4 {
		t.Errorf("unexpected reorder node %s %v", r, r.Parameters)
	}
}

func TestElementwiseAddChannelMismatch(t *testing.T) {
	g := NewGraph()
	data, _ := g.AddInput("data", 8)
	a, _ := g.AddConvolution("a", data, ConvConfig{OutChannels: 16, Kernel: 1})
	b, _ := g.AddConvolution("b", data, ConvConfig{OutChannels: 8, Kernel: 1})

	_, err := g.AddElementwiseAdd("sum", a, b)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}

	c, _ := g.AddConvolution("c", data, ConvConfig{OutChannels: 16, Kernel: 1})
	sum, err := g.AddElementwiseAdd("sum", a, c)
	if err != nil {
		t.Fatalf("AddElementwiseAdd failed: %v", err)
	}
	if names := sum.InputNames(); len(names) != 2 || names[0] != "a" || names[1] != "c" {
		t.Errorf("inputs = %v, want [a c]", names)
	}
}

func TestPoolingValidation(t *testing.T) {
	g := NewGraph()
	data, _ := g.AddInput("data", 8)

	if _, err := g.AddPooling("p0", data, PoolConfig{Type: "min", Kernel: 2}); err == nil {
		t.Error("expected error for unknown pool type")
	}
	if _, err := g.AddPooling("p1", data, PoolConfig{Type: MaxPool}); err == nil {
		t.Error("expected error for zero kernel")
	}
	if _, err := g.AddPooling("p2", data, PoolConfig{Type: AvgPool, Global: true}); err != nil {
		t.Errorf("global pool without kernel rejected: %v", err)
	}
}

func TestConvBNActNaming(t *testing.T) {
	tests := []struct {
		name     string
		unit     ConvUnit
		expected []string
	}{
		{
			name:     "with relu",
			unit:     ConvUnit{OutChannels: 8, Kernel: 3, Pad: 1, Momentum: 0.9, ReLU: true},
			expected: []string{"data", "u_conv", "u_bn", "u_relu"},
		},
		{
			name:     "without relu",
			unit:     ConvUnit{OutChannels: 8, Kernel: 3, Pad: 1, Momentum: 0.9},
			expected: []string{"data", "u_conv", "u_bn"},
		},
		{
			name:     "bare conv name",
			unit:     ConvUnit{OutChannels: 8, Kernel: 3, Pad: 1, Momentum: 0.9, ReLU: true, BareConvName: true},
			expected: []string{"data", "u", "u_bn", "u_relu"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph()
			data, _ := g.AddInput("data", 3)
			out, err := ConvBNAct(g, "u", data, tt.unit)
			if err != nil {
				t.Fatalf("ConvBNAct failed: %v", err)
			}
			nodes := g.Nodes()
			if len(nodes) != len(tt.expected) {
				t.Fatalf("got %d nodes, want %d", len(nodes), len(tt.expected))
			}
			for i, want := range tt.expected {
				if nodes[i].Name != want {
					t.Errorf("node %d = %s, want %s", i, nodes[i].Name, want)
				}
			}
			if out != g.Output() {
				t.Error("ConvBNAct should return the last node")
			}
		})
	}
}
