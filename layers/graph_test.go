package layers

import (
	"math"
	"math/rand"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func runNode(t *testing.T, g *G.ExprGraph, n *G.Node) []float64 {
	t.Helper()
	var out G.Value
	G.Read(n, &out)
	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	return append([]float64(nil), out.Data().([]float64)...)
}

func matrix(g *G.ExprGraph, name string, rows, cols int, data []float64) *G.Node {
	v := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
	return G.NewMatrix(g, Dtype, G.WithShape(rows, cols), G.WithName(name), G.WithValue(v))
}

func assertClose(t *testing.T, want, got []float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("Expected %d values, got %d", len(want), len(got))
	}
	for i := range want {
		if math.Abs(want[i]-got[i]) > 1e-9 {
			t.Errorf("index %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestDenseForward(t *testing.T) {
	spec := compileOrFatal(t, NewModelBuilder([]int{2, 3}).AddDense("fc", "input", 2, ReLU))
	store, err := NewParamStore(spec, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewParamStore failed: %v", err)
	}
	if err := store.Set("fc/W", []int{3, 2}, []float64{1, -1, 2, 0, 0, 1}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set("fc/b", []int{1, 2}, []float64{0.5, -4}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	g := G.NewGraph()
	x := matrix(g, "x", 2, 3, []float64{1, 2, 3, -1, 0, 1})
	gr, err := BuildGraph(g, spec, store, BuildOptions{Inputs: map[string]*G.Node{"input": x}})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	out, err := gr.Node("fc")
	if err != nil {
		t.Fatalf("Node failed: %v", err)
	}
	// row 0: [1+4+0, -1+0+3] + b = [5.5, -2] -> relu; row 1: [-1, 2] + b = [-0.5, -2]
	assertClose(t, []float64{5.5, 0, 0, 0}, runNode(t, g, out))

	if _, ok := gr.PreActivations["fc"]; !ok {
		t.Error("Expected the pre-activation to be recorded")
	}
	if len(gr.Params) != 2 {
		t.Errorf("Expected 2 parameter nodes, got %d", len(gr.Params))
	}
}

func TestBuildGraphRequiresBoundInput(t *testing.T) {
	spec := compileOrFatal(t, NewModelBuilder([]int{2, 3}).AddDense("fc", "input", 2, Linear))
	store, _ := NewParamStore(spec, rand.New(rand.NewSource(1)))
	if _, err := BuildGraph(G.NewGraph(), spec, store, BuildOptions{}); err == nil {
		t.Error("Expected error for an unbound input layer")
	}
	if _, err := BuildGraph(G.NewGraph(), &ModelSpec{}, store, BuildOptions{}); err == nil {
		t.Error("Expected error for an uncompiled spec")
	}
}

func latentSpec(t *testing.T) *ModelSpec {
	t.Helper()
	return compileOrFatal(t, NewModelBuilder([]int{2, 3}).
		AddDense("mu", "input", 2, Linear).
		AddDense("ls", "input", 2, ShiftedReLU).
		AddGaussianSample("z", "mu", "ls").
		AddDropout("drop", "z", 0.5).
		AddDense("out", "drop", 3, Sigmoid))
}

func TestStochasticLayers(t *testing.T) {
	spec := latentSpec(t)
	store, err := NewParamStore(spec, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("NewParamStore failed: %v", err)
	}

	tests := []struct {
		name          string
		deterministic bool
		inputs        int
	}{
		{"sampling", false, 2},
		{"deterministic", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := G.NewGraph()
			x := matrix(g, "x", 2, 3, make([]float64, 6))
			gr, err := BuildGraph(g, spec, store, BuildOptions{
				Deterministic: tt.deterministic,
				Inputs:        map[string]*G.Node{"input": x},
			})
			if err != nil {
				t.Fatalf("BuildGraph failed: %v", err)
			}
			if len(gr.Stochastic) != tt.inputs {
				t.Fatalf("Expected %d stochastic inputs, got %d", tt.inputs, len(gr.Stochastic))
			}
			if tt.deterministic {
				if gr.Outputs["z"] != gr.Outputs["mu"] {
					t.Error("Expected the deterministic sample to be the mean")
				}
				return
			}
			if gr.Stochastic[0].Kind != StandardNormal || gr.Stochastic[0].Layer != "z" {
				t.Errorf("Unexpected first stochastic input %+v", gr.Stochastic[0])
			}
			if gr.Stochastic[1].Kind != DropoutMask || gr.Stochastic[1].Rate != 0.5 {
				t.Errorf("Unexpected second stochastic input %+v", gr.Stochastic[1])
			}
		})
	}
}

func TestBuildGraphTargetsAndBoundLatent(t *testing.T) {
	spec := latentSpec(t)
	store, _ := NewParamStore(spec, rand.New(rand.NewSource(3)))

	g := G.NewGraph()
	z := matrix(g, "z", 2, 2, []float64{0, 0, 0, 0})
	gr, err := BuildGraph(g, spec, store, BuildOptions{
		Deterministic: true,
		Inputs:        map[string]*G.Node{"z": z},
		Targets:       []string{"out"},
	})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	if _, err := gr.Node("mu"); err == nil {
		t.Error("Expected the encoder to be skipped when z is bound")
	}
	if _, ok := gr.Params["mu/W"]; ok {
		t.Error("Expected no encoder parameters in the decoder graph")
	}
	out, _ := gr.Node("out")
	// zero latent through a zero-bias sigmoid layer gives 0.5 everywhere
	assertClose(t, []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, runNode(t, g, out))
}

func TestGaussianSampleNode(t *testing.T) {
	g := G.NewGraph()
	mu := matrix(g, "mu", 1, 3, []float64{1, 2, 3})
	ls := matrix(g, "ls", 1, 3, []float64{0, math.Log(2), math.Log(0.5)})
	eps := matrix(g, "eps", 1, 3, []float64{1, -1, 2})
	z, err := GaussianSampleNode(mu, ls, eps)
	if err != nil {
		t.Fatalf("GaussianSampleNode failed: %v", err)
	}
	assertClose(t, []float64{2, 0, 4}, runNode(t, g, z))
}

func TestRepeatRows(t *testing.T) {
	g := G.NewGraph()
	x := matrix(g, "x", 2, 2, []float64{1, 2, 3, 4})
	r, err := RepeatRows(x, 3)
	if err != nil {
		t.Fatalf("RepeatRows failed: %v", err)
	}
	assertClose(t, []float64{1, 2, 1, 2, 1, 2, 3, 4, 3, 4, 3, 4}, runNode(t, g, r))

	same, err := RepeatRows(x, 1)
	if err != nil || same != x {
		t.Errorf("Expected n=1 to return the input unchanged, got %v, %v", same, err)
	}
}

func TestShiftedRectify(t *testing.T) {
	g := G.NewGraph()
	x := matrix(g, "x", 1, 4, []float64{-20, -10, 0, 5})
	y, err := ShiftedRectify(x)
	if err != nil {
		t.Fatalf("ShiftedRectify failed: %v", err)
	}
	assertClose(t, []float64{-10, -10, 0, 5}, runNode(t, g, y))
}

func TestActivateUnknown(t *testing.T) {
	g := G.NewGraph()
	x := matrix(g, "x", 1, 1, []float64{0})
	if _, err := Activate(x, Activation("swish")); err == nil {
		t.Error("Expected error for an unknown activation")
	}
	if n, err := Activate(x, Linear); err != nil || n != x {
		t.Errorf("Expected linear to pass through, got %v, %v", n, err)
	}
}
