package layers

import (
	"encoding/json"
	"strings"
	"testing"
)

func compileOrFatal(t *testing.T, mb *ModelBuilder) *ModelSpec {
	t.Helper()
	spec, err := mb.Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return spec
}

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		lt   LayerType
		want string
	}{
		{Input, "Input"},
		{Dense, "Dense"},
		{Conv2D, "Conv2D"},
		{MaxPool2D, "MaxPool2D"},
		{Repeat, "Repeat"},
		{GaussianSample, "GaussianSample"},
		{LayerType(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.lt.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}

func TestCompileShapes(t *testing.T) {
	spec := compileOrFatal(t, NewModelBuilder([]int{4, 1, 28, 28}).
		AddConv2D("conv", "input", 32, 5, ReLU).
		AddMaxPool2D("pool", "conv", 3, 2).
		AddDropout("drop", "pool", 0.5).
		AddDense("fc", "drop", 10, Softmax).
		AddRepeat("rep", "fc", 3))

	tests := []struct {
		layer string
		shape []int
	}{
		{"input", []int{4, 1, 28, 28}},
		{"conv", []int{4, 32, 28, 28}},
		{"pool", []int{4, 32, 13, 13}},
		{"drop", []int{4, 32, 13, 13}},
		{"fc", []int{4, 10}},
		{"rep", []int{12, 10}},
	}
	for _, tt := range tests {
		l, ok := spec.Layer(tt.layer)
		if !ok {
			t.Fatalf("Expected layer %s", tt.layer)
		}
		if !sameShape(l.OutputShape, tt.shape) {
			t.Errorf("%s: expected shape %v, got %v", tt.layer, tt.shape, l.OutputShape)
		}
	}

	conv, _ := spec.Layer("conv")
	if !sameShape(conv.Params[0].Shape, []int{32, 1, 5, 5}) || !sameShape(conv.Params[1].Shape, []int{1, 32, 1, 1}) {
		t.Errorf("Unexpected conv params %v", conv.Params)
	}
	fc, _ := spec.Layer("fc")
	if !sameShape(fc.Params[0].Shape, []int{32 * 13 * 13, 10}) {
		t.Errorf("Expected flattened dense weight, got %v", fc.Params[0].Shape)
	}
	want := int64(32*25 + 32 + 32*13*13*10 + 10)
	if spec.TotalParameters != want {
		t.Errorf("Expected %d parameters, got %d", want, spec.TotalParameters)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		mb   *ModelBuilder
	}{
		{"empty", NewModelBuilder([]int{2, 3})},
		{"duplicate", NewModelBuilder([]int{2, 3}).AddDense("a", "input", 2, Linear).AddDense("a", "input", 2, Linear)},
		{"undeclared input", NewModelBuilder([]int{2, 3}).AddDense("a", "missing", 2, Linear)},
		{"repeat needs matrix", NewModelBuilder([]int{2, 1, 4, 4}).AddRepeat("r", "input", 2)},
		{"bad dropout", NewModelBuilder([]int{2, 3}).AddDropout("d", "input", 1)},
		{"sum mismatch", NewModelBuilder([]int{2, 3}).AddDense("a", "input", 2, Linear).AddDense("b", "input", 3, Linear).AddElemwiseSum("s", ReLU, "a", "b")},
		{"gaussian mismatch", NewModelBuilder([]int{2, 3}).AddDense("mu", "input", 2, Linear).AddDense("ls", "input", 3, Linear).AddGaussianSample("z", "mu", "ls")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.mb.Compile(); err == nil {
				t.Error("Expected compile error")
			}
		})
	}
}

func TestConcatShape(t *testing.T) {
	spec := compileOrFatal(t, NewModelBuilder([]int{5, 3}).
		AddDense("a", "input", 2, Linear).
		AddDense("b", "input", 4, Linear).
		AddConcat("ab", "a", "b"))
	l, _ := spec.Layer("ab")
	if !sameShape(l.OutputShape, []int{5, 6}) {
		t.Errorf("Expected [5 6], got %v", l.OutputShape)
	}
}

func TestAncestorsStopAndOrder(t *testing.T) {
	spec := compileOrFatal(t, NewModelBuilder([]int{2, 3}).
		AddDense("a", "input", 4, ReLU).
		AddDense("mu", "a", 2, Linear).
		AddDense("ls", "a", 2, ShiftedReLU).
		AddGaussianSample("z", "mu", "ls").
		AddDense("out", "z", 3, Sigmoid).
		AddDense("unused", "input", 1, Linear))

	names, err := spec.Ancestors([]string{"out"}, nil)
	if err != nil {
		t.Fatalf("Ancestors failed: %v", err)
	}
	want := []string{"input", "a", "mu", "ls", "z", "out"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, names)
			break
		}
	}

	stopped, err := spec.Ancestors([]string{"out"}, map[string]bool{"z": true})
	if err != nil {
		t.Fatalf("Ancestors failed: %v", err)
	}
	if len(stopped) != 2 || stopped[0] != "z" || stopped[1] != "out" {
		t.Errorf("Expected [z out], got %v", stopped)
	}

	params, err := spec.TrainableParams("mu")
	if err != nil {
		t.Fatalf("TrainableParams failed: %v", err)
	}
	if len(params) != 4 || params[0].Name != "a/W" || params[3].Name != "mu/b" {
		t.Errorf("Unexpected params %v", params)
	}

	if _, err := spec.Ancestors([]string{"nope"}, nil); err == nil {
		t.Error("Expected error for unknown layer")
	}
}

func TestParameterHelpersAcceptJSONNumbers(t *testing.T) {
	spec := compileOrFatal(t, NewModelBuilder([]int{2, 1, 8, 8}).AddConv2D("c", "input", 4, 3, ReLU))

	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded ModelSpec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	c, ok := decoded.Layer("c")
	if !ok {
		t.Fatal("Expected layer c after decoding")
	}
	if got := getIntParam(c.Parameters, "kernel_size", 0); got != 3 {
		t.Errorf("Expected kernel_size 3, got %d", got)
	}
	if got := getIntParam(c.Parameters, "padding", -1); got != 1 {
		t.Errorf("Expected padding 1, got %d", got)
	}
	if got := getStringParam(c.Parameters, "activation", ""); got != "relu" {
		t.Errorf("Expected relu, got %q", got)
	}
}

func TestSummary(t *testing.T) {
	if got := (&ModelSpec{}).Summary(); got != "Model not compiled" {
		t.Errorf("Expected not compiled message, got %q", got)
	}
	spec := compileOrFatal(t, NewModelBuilder([]int{2, 3}).AddDense("fc", "input", 2, Sigmoid))
	s := spec.Summary()
	for _, want := range []string{"Total Parameters: 8", "Layer 2: fc (Dense)", "Activation: sigmoid"} {
		if !strings.Contains(s, want) {
			t.Errorf("Expected summary to contain %q, got:\n%s", want, s)
		}
	}
}
