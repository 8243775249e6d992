package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"gorgonia.org/tensor"
)

func TestNewImageProcessorValidation(t *testing.T) {
	if _, err := NewImageProcessor(0, 1); err == nil {
		t.Error("Expected error for zero target size")
	}
	if _, err := NewImageProcessor(8, 2); err == nil {
		t.Error("Expected error for 2 channels")
	}
}

func TestPreprocessCHW(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}

	p, _ := NewImageProcessor(2, 3)
	out := p.Preprocess(img)
	if len(out.Data) != 12 {
		t.Fatalf("Expected 12 values, got %d", len(out.Data))
	}
	for i := 0; i < 4; i++ {
		if out.Data[i] != 1 {
			t.Errorf("R plane %d: expected 1, got %f", i, out.Data[i])
		}
		if out.Data[4+i] != 0 || out.Data[8+i] != 0 {
			t.Errorf("G/B plane %d: expected 0, got %f/%f", i, out.Data[4+i], out.Data[8+i])
		}
	}

	gray, _ := NewImageProcessor(2, 1)
	g := gray.Preprocess(img)
	if len(g.Data) != 4 || g.Channels != 1 {
		t.Fatalf("Expected 4 values in 1 channel, got %d in %d", len(g.Data), g.Channels)
	}
	if g.Data[0] <= 0 || g.Data[0] >= 1 {
		t.Errorf("Expected red luminance strictly in (0, 1), got %f", g.Data[0])
	}
}

func TestEncodeGridPNG(t *testing.T) {
	grid := tensor.New(tensor.WithShape(2, 3), tensor.WithBacking([]float64{0, 0.5, 1, -1, 2, 0.25}))

	var buf bytes.Buffer
	if err := EncodeGridPNG(&buf, grid); err != nil {
		t.Fatalf("EncodeGridPNG failed: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("png.Decode failed: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 3 || b.Dy() != 2 {
		t.Fatalf("Expected 3x2 image, got %dx%d", b.Dx(), b.Dy())
	}

	tests := []struct {
		x, y     int
		expected uint8
	}{
		{0, 0, 0},
		{1, 0, 128},
		{2, 0, 255},
		{0, 1, 0},
		{1, 1, 255},
	}
	for _, tt := range tests {
		got := color.GrayModel.Convert(img.At(tt.x, tt.y)).(color.Gray).Y
		if got != tt.expected {
			t.Errorf("Pixel (%d,%d): expected %d, got %d", tt.x, tt.y, tt.expected, got)
		}
	}
}

func TestGridImageRejectsVector(t *testing.T) {
	v := tensor.New(tensor.WithShape(4), tensor.WithBacking([]float64{0, 0, 0, 0}))
	if _, err := GridImage(v); err == nil {
		t.Error("Expected error for 1-D tensor")
	}
}
