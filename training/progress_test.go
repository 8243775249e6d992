package training

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tsawler/go-hdgm/hdgm"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1/2", 4)
	pb.Update(1, map[string]float64{"loss": 0.5, "acc": 0.25})
	pb.Update(2, map[string]float64{"loss": 0.25})
	pb.Finish()

	out := buf.String()
	for _, want := range []string{"Epoch 1/2", "4/4", "100%", "loss=0.250", "acc=25.00%"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got %q", want, out)
		}
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("Expected Finish to end the line")
	}
}

func TestFormatParameterCount(t *testing.T) {
	tests := []struct {
		count    int64
		expected string
	}{
		{999, "999"},
		{1500, "1.5K"},
		{2500000, "2.5M"},
	}
	for _, tt := range tests {
		if got := formatParameterCount(tt.count); got != tt.expected {
			t.Errorf("formatParameterCount(%d): expected %s, got %s", tt.count, tt.expected, got)
		}
	}
}

func TestPrintArchitecture(t *testing.T) {
	cfg := hdgm.DefaultConfig()
	spec, err := hdgm.Architecture(cfg)
	if err != nil {
		t.Fatalf("Architecture failed: %v", err)
	}
	trainable, err := hdgm.TrainableParams(spec)
	if err != nil {
		t.Fatalf("TrainableParams failed: %v", err)
	}
	names := make([]string, len(trainable))
	for i, p := range trainable {
		names[i] = p.Name
	}

	var buf bytes.Buffer
	PrintArchitecture(&buf, "SupervisedHDGM", spec, names)
	out := buf.String()
	for _, want := range []string{"SupervisedHDGM(", "(conv1): Conv2d(1, 128", "(d_out): Dense(d_hid_drop -> 10, softmax)", "Trainable parameters:"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q", want)
		}
	}
	if strings.Contains(out, "Non-trainable parameters: 0\n") {
		t.Error("Expected the unused log-sigma heads to count as non-trainable")
	}
}
