package dataset

import (
	"fmt"
	"math/rand"
	"strings"
)

// Dataset holds labelled images in memory. Images is row-major
// [n, channels, dim, dim] scaled to [0, 1].
type Dataset struct {
	Images     []float64
	Labels     []int
	Channels   int
	Dim        int
	ClassNames []string
}

// Batch is a minibatch ready to feed to an engine. Size is the number of rows
// the buffers hold; only the first Valid rows carry real examples, the rest are
// zero padding.
type Batch struct {
	Images []float64
	Labels []int
	Size   int
	Valid  int
}

// New wraps existing buffers, validating their sizes
func New(images []float64, labels []int, channels, dim int, classNames []string) (*Dataset, error) {
	if channels <= 0 || dim <= 0 {
		return nil, fmt.Errorf("invalid image geometry: %d channels, dim %d", channels, dim)
	}
	imgSize := channels * dim * dim
	if len(images) != len(labels)*imgSize {
		return nil, fmt.Errorf("have %d pixel values for %d labels of %d values each",
			len(images), len(labels), imgSize)
	}
	for i, l := range labels {
		if l < 0 || (len(classNames) > 0 && l >= len(classNames)) {
			return nil, fmt.Errorf("label %d at index %d out of range", l, i)
		}
	}
	return &Dataset{
		Images:     images,
		Labels:     labels,
		Channels:   channels,
		Dim:        dim,
		ClassNames: classNames,
	}, nil
}

// Len returns the number of examples
func (d *Dataset) Len() int {
	return len(d.Labels)
}

// ImageSize is the number of values per example
func (d *Dataset) ImageSize() int {
	return d.Channels * d.Dim * d.Dim
}

// NumClasses returns the number of classes
func (d *Dataset) NumClasses() int {
	if len(d.ClassNames) > 0 {
		return len(d.ClassNames)
	}
	max := -1
	for _, l := range d.Labels {
		if l > max {
			max = l
		}
	}
	return max + 1
}

// Example returns the pixels and label at index. The pixel slice aliases the
// dataset buffer.
func (d *Dataset) Example(index int) ([]float64, int, error) {
	if index < 0 || index >= d.Len() {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", index, d.Len())
	}
	n := d.ImageSize()
	return d.Images[index*n : (index+1)*n], d.Labels[index], nil
}

// Gather copies the examples at indices into a batch of size rows. Rows past
// len(indices) are zero with label 0.
func (d *Dataset) Gather(indices []int, size int) (*Batch, error) {
	if len(indices) > size {
		return nil, fmt.Errorf("%d indices do not fit a batch of %d", len(indices), size)
	}
	n := d.ImageSize()
	b := &Batch{
		Images: make([]float64, size*n),
		Labels: make([]int, size),
		Size:   size,
		Valid:  len(indices),
	}
	for i, idx := range indices {
		img, label, err := d.Example(idx)
		if err != nil {
			return nil, err
		}
		copy(b.Images[i*n:], img)
		b.Labels[i] = label
	}
	return b, nil
}

// Subset creates a dataset with copies of the examples at indices
func (d *Dataset) Subset(indices []int) (*Dataset, error) {
	b, err := d.Gather(indices, len(indices))
	if err != nil {
		return nil, err
	}
	return &Dataset{
		Images:     b.Images,
		Labels:     b.Labels,
		Channels:   d.Channels,
		Dim:        d.Dim,
		ClassNames: d.ClassNames,
	}, nil
}

// Split splits the dataset into train and validation sets
func (d *Dataset) Split(trainRatio float64, rng *rand.Rand) (*Dataset, *Dataset, error) {
	if trainRatio <= 0 || trainRatio >= 1 {
		return nil, nil, fmt.Errorf("train ratio must be in (0, 1), got %f", trainRatio)
	}
	n := d.Len()
	trainSize := int(float64(n) * trainRatio)

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if rng != nil {
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	train, err := d.Subset(indices[:trainSize])
	if err != nil {
		return nil, nil, err
	}
	valid, err := d.Subset(indices[trainSize:])
	if err != nil {
		return nil, nil, err
	}
	return train, valid, nil
}

// ClassDistribution returns the number of examples per class index
func (d *Dataset) ClassDistribution() []int {
	dist := make([]int, d.NumClasses())
	for _, l := range d.Labels {
		dist[l]++
	}
	return dist
}

// Binarize returns a copy with every pixel set to 1 above threshold and 0
// otherwise. A nil rng thresholds deterministically; otherwise each pixel is
// sampled as a Bernoulli with its intensity as probability.
func (d *Dataset) Binarize(threshold float64, rng *rand.Rand) *Dataset {
	out := make([]float64, len(d.Images))
	for i, v := range d.Images {
		t := threshold
		if rng != nil {
			t = rng.Float64()
		}
		if v > t {
			out[i] = 1
		}
	}
	cp := *d
	cp.Images = out
	return &cp
}

// String returns a string representation of the dataset
func (d *Dataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Dataset: %d samples, %d classes, %dx%dx%d\n",
		d.Len(), d.NumClasses(), d.Channels, d.Dim, d.Dim))
	sb.WriteString("Class distribution:\n")
	for i, count := range d.ClassDistribution() {
		name := fmt.Sprintf("%d", i)
		if i < len(d.ClassNames) {
			name = d.ClassNames[i]
		}
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", name, count))
	}
	return sb.String()
}

// NewRandom builds a dataset of uniform noise images with random labels
func NewRandom(n, classes, channels, dim int, rng *rand.Rand) *Dataset {
	imgSize := channels * dim * dim
	d := &Dataset{
		Images:   make([]float64, n*imgSize),
		Labels:   make([]int, n),
		Channels: channels,
		Dim:      dim,
	}
	for i := range d.Images {
		d.Images[i] = rng.Float64()
	}
	for i := range d.Labels {
		d.Labels[i] = rng.Intn(classes)
	}
	d.ClassNames = make([]string, classes)
	for i := range d.ClassNames {
		d.ClassNames[i] = fmt.Sprintf("%d", i)
	}
	return d
}
