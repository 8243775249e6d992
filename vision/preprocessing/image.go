package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register JPEG decoder
	"image/png"
	"io"
	"os"
	"sync"

	"gorgonia.org/tensor"
)

// ImageProcessor resizes decoded images to a square and converts them to CHW
// float64 data in [0, 1]. It reuses its buffers and is safe for concurrent use.
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float64
	targetSize    int
	channels      int
}

// NewImageProcessor creates a processor producing targetSize x targetSize
// images with 1 (luminance) or 3 (RGB) channels
func NewImageProcessor(targetSize, channels int) (*ImageProcessor, error) {
	if targetSize <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", targetSize)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("channels must be 1 or 3, got %d", channels)
	}
	return &ImageProcessor{
		targetSize: targetSize,
		channels:   channels,
	}, nil
}

// ProcessedImage represents a preprocessed image ready for network input
type ProcessedImage struct {
	Data     []float64
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes a PNG or JPEG image and preprocesses it.
// Returns data in CHW format (channels, height, width) normalized to [0, 1].
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return p.Preprocess(img), nil
}

// Preprocess resizes img by nearest-neighbour sampling and converts it
func (p *ImageProcessor) Preprocess(img image.Image) *ProcessedImage {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	size := p.targetSize
	plane := size * size

	p.mu.Lock()
	defer p.mu.Unlock()

	required := p.channels * plane
	if len(p.processBuffer) < required {
		p.processBuffer = make([]float64, required)
	}
	data := p.processBuffer[:required]

	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)
	for y := 0; y < size; y++ {
		srcY := bounds.Min.Y + min(int(float64(y)*scaleY), height-1)
		for x := 0; x < size; x++ {
			srcX := bounds.Min.X + min(int(float64(x)*scaleX), width-1)
			idx := y*size + x
			c := img.At(srcX, srcY)
			if p.channels == 1 {
				g := color.Gray16Model.Convert(c).(color.Gray16)
				data[idx] = float64(g.Y) / 65535.0
				continue
			}
			r, g, b, _ := c.RGBA()
			data[idx] = float64(r) / 65535.0
			data[plane+idx] = float64(g) / 65535.0
			data[2*plane+idx] = float64(b) / 65535.0
		}
	}

	// Copy out of the reusable buffer
	result := make([]float64, len(data))
	copy(result, data)
	return &ProcessedImage{
		Data:     result,
		Width:    size,
		Height:   size,
		Channels: p.channels,
	}
}

// PreprocessBatch preprocesses multiple image files concurrently
func PreprocessBatch(imagePaths []string, targetSize, channels, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if _, err := NewImageProcessor(targetSize, channels); err != nil {
		return nil, err
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errs := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor, _ := NewImageProcessor(targetSize, channels)

			for j := range jobs {
				file, err := os.Open(j.path)
				if err != nil {
					errs[j.index] = err
					continue
				}

				img, err := processor.DecodeAndPreprocess(file)
				file.Close()

				if err != nil {
					errs[j.index] = err
				} else {
					results[j.index] = img
				}
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d (%s): %w", i, imagePaths[i], err)
		}
	}
	return results, nil
}

// GridImage converts a 2-D tensor of intensities into an 8-bit grayscale
// image. Values are clamped to [0, 1].
func GridImage(grid *tensor.Dense) (*image.Gray, error) {
	shape := grid.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("grid must be 2-D, got shape %v", shape)
	}
	data, ok := grid.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("grid must hold float64 data, got %T", grid.Data())
	}
	rows, cols := shape[0], shape[1]
	img := image.NewGray(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := data[y*cols+x]
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v*255 + 0.5)})
		}
	}
	return img, nil
}

// EncodeGridPNG writes a sample grid as a grayscale PNG
func EncodeGridPNG(w io.Writer, grid *tensor.Dense) error {
	img, err := GridImage(grid)
	if err != nil {
		return err
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("failed to encode PNG: %w", err)
	}
	return nil
}

// SaveGridPNG writes a sample grid to path
func SaveGridPNG(path string, grid *tensor.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := EncodeGridPNG(f, grid); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
