package hdgm

import (
	"math/rand"
	"strings"
	"testing"

	G "gorgonia.org/gorgonia"

	"github.com/tsawler/go-hdgm/layers"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.InputDim = 16
	cfg.Classes = 3
	cfg.BatchSize = 4
	cfg.SuperbatchSize = 4
	cfg.MCSamples = 2
	return cfg
}

func TestArchitectureShapes(t *testing.T) {
	cfg := smallConfig()
	spec, err := Architecture(cfg)
	if err != nil {
		t.Fatalf("Architecture failed: %v", err)
	}
	rows := cfg.Rows()
	tests := []struct {
		layer string
		shape []int
	}{
		{PxMu, []int{rows, 256}},
		{PxLogSigma, []int{rows, 256}},
		{PaMu, []int{rows, AuxDim}},
		{QaMu, []int{rows, AuxDim}},
		{Qa, []int{rows, AuxDim}},
		{QzMu, []int{rows, LatentDim}},
		{Qz, []int{rows, LatentDim}},
		{"conv_flat", []int{cfg.BatchSize, 256}},
		{"merge", []int{rows, 256 + LatentDim}},
		{ClassProbs, []int{rows, 3}},
	}
	for _, tt := range tests {
		l, ok := spec.Layer(tt.layer)
		if !ok {
			t.Fatalf("Expected layer %s", tt.layer)
		}
		if len(l.OutputShape) != len(tt.shape) {
			t.Errorf("%s: expected %v, got %v", tt.layer, tt.shape, l.OutputShape)
			continue
		}
		for i := range tt.shape {
			if l.OutputShape[i] != tt.shape[i] {
				t.Errorf("%s: expected %v, got %v", tt.layer, tt.shape, l.OutputShape)
				break
			}
		}
	}
}

func TestTrainableParams(t *testing.T) {
	spec, err := Architecture(smallConfig())
	if err != nil {
		t.Fatalf("Architecture failed: %v", err)
	}
	params, err := TrainableParams(spec)
	if err != nil {
		t.Fatalf("TrainableParams failed: %v", err)
	}
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		seen[p.Name] = true
	}
	for _, excluded := range []string{"px_logsigma/W", "pa_logsigma/b"} {
		if seen[excluded] {
			t.Errorf("Expected %s to be excluded", excluded)
		}
	}
	for _, included := range []string{"qa_logsigma_head/W", "qz_logsigma/W", "conv1/W", "d_out/b", "px_mu/W", "pa_mu/W"} {
		if !seen[included] {
			t.Errorf("Expected %s to be trainable", included)
		}
	}
	if len(params) != len(spec.AllParams())-4 {
		t.Errorf("Expected every parameter but the two log-sigma heads, got %d of %d", len(params), len(spec.AllParams()))
	}
}

func TestGaussianDecoderIsLinear(t *testing.T) {
	cfg := smallConfig()
	cfg.Likelihood = Gaussian
	spec, err := Architecture(cfg)
	if err != nil {
		t.Fatalf("Architecture failed: %v", err)
	}
	l, _ := spec.Layer(PxMu)
	if act, _ := l.Parameters["activation"].(string); act != string(layers.Linear) {
		t.Errorf("Expected linear px_mu, got %q", act)
	}
}

func TestCreateModel(t *testing.T) {
	cfg := smallConfig()
	spec, err := Architecture(cfg)
	if err != nil {
		t.Fatalf("Architecture failed: %v", err)
	}
	store, err := layers.NewParamStore(spec, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewParamStore failed: %v", err)
	}

	tests := []struct {
		name          string
		deterministic bool
		stochastic    int
	}{
		// q(a|x) and q(z|a,x) samples plus two dropout masks
		{"stochastic", false, 4},
		{"deterministic", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := G.NewGraph()
			net, err := CreateModel(g, spec, store, cfg, tt.deterministic)
			if err != nil {
				t.Fatalf("CreateModel failed: %v", err)
			}
			if got := len(net.Outputs()); got != len(OutputNames) {
				t.Errorf("Expected %d outputs, got %d", len(OutputNames), got)
			}
			if len(net.Graph.Stochastic) != tt.stochastic {
				t.Errorf("Expected %d stochastic inputs, got %d", tt.stochastic, len(net.Graph.Stochastic))
			}
			if tt.deterministic && net.Qz != net.QzMu {
				t.Error("Expected qz to be its mean")
			}
			if net.PxLogits == nil {
				t.Error("Expected px_mu pre-activation")
			}

			obj, err := CreateObjectives(net)
			if err != nil {
				t.Fatalf("CreateObjectives failed: %v", err)
			}
			if !obj.Loss.IsScalar() {
				t.Errorf("Expected scalar loss, got shape %v", obj.Loss.Shape())
			}
			if got := obj.RowLoss.Shape()[0]; got != cfg.Rows() {
				t.Errorf("Expected %d row losses, got %d", cfg.Rows(), got)
			}

			params, err := net.Params()
			if err != nil {
				t.Fatalf("Params failed: %v", err)
			}
			for _, p := range params {
				if strings.HasPrefix(p.Name(), PxLogSigma) || strings.HasPrefix(p.Name(), PaLogSigma) {
					t.Errorf("Unexpected trainable node %s", p.Name())
				}
			}
		})
	}
}

func TestCreateDecoder(t *testing.T) {
	cfg := smallConfig()
	spec, _ := Architecture(cfg)
	store, _ := layers.NewParamStore(spec, rand.New(rand.NewSource(1)))

	dec, err := CreateDecoder(G.NewGraph(), spec, store, cfg)
	if err != nil {
		t.Fatalf("CreateDecoder failed: %v", err)
	}
	if got := dec.PxMu.Shape(); got[0] != cfg.BatchSize || got[1] != cfg.PixelCount() {
		t.Errorf("Expected [%d %d], got %v", cfg.BatchSize, cfg.PixelCount(), got)
	}
	if len(dec.Graph.Stochastic) != 0 {
		t.Error("Expected a deterministic decoder")
	}
}
