package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-hdgm/vision/dataset"
)

// DataLoader walks a dataset one superbatch at a time. Each superbatch is a
// contiguous copy of up to superbatchSize shuffled examples, cut into
// minibatches of batchSize.
type DataLoader struct {
	dataset        *dataset.Dataset
	batchSize      int
	superbatchSize int
	shuffle        bool
	rng            *rand.Rand
	indices        []int
	position       int
}

// NewDataLoader creates a DataLoader. rng drives shuffling and may be nil when
// shuffle is false.
func NewDataLoader(d *dataset.Dataset, batchSize, superbatchSize int, shuffle bool, rng *rand.Rand) (*DataLoader, error) {
	if d == nil || d.Len() == 0 {
		return nil, fmt.Errorf("empty dataset")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if superbatchSize < batchSize {
		return nil, fmt.Errorf("superbatch size %d smaller than batch size %d", superbatchSize, batchSize)
	}
	if shuffle && rng == nil {
		return nil, fmt.Errorf("shuffling requires a random source")
	}

	indices := make([]int, d.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:        d,
		batchSize:      batchSize,
		superbatchSize: superbatchSize,
		shuffle:        shuffle,
		rng:            rng,
		indices:        indices,
	}, nil
}

// Superbatch is a contiguous block of examples
type Superbatch struct {
	data      *dataset.Dataset
	batchSize int
}

// Len returns the number of examples in the superbatch
func (s *Superbatch) Len() int {
	return s.data.Len()
}

// NumBatches returns the number of minibatches. Without padding a partial
// trailing minibatch is not counted.
func (s *Superbatch) NumBatches(pad bool) int {
	if pad {
		return (s.data.Len() + s.batchSize - 1) / s.batchSize
	}
	return s.data.Len() / s.batchSize
}

// Batch returns minibatch i. Full minibatches alias the superbatch buffer;
// a trailing partial one is copied into a zero-padded batch.
func (s *Superbatch) Batch(i int, pad bool) (*dataset.Batch, error) {
	if i < 0 || i >= s.NumBatches(pad) {
		return nil, fmt.Errorf("minibatch %d out of range [0, %d)", i, s.NumBatches(pad))
	}
	start := i * s.batchSize
	end := min(start+s.batchSize, s.data.Len())
	if end-start < s.batchSize {
		idx := make([]int, end-start)
		for j := range idx {
			idx[j] = start + j
		}
		return s.data.Gather(idx, s.batchSize)
	}

	n := s.data.ImageSize()
	return &dataset.Batch{
		Images: s.data.Images[start*n : end*n],
		Labels: s.data.Labels[start:end],
		Size:   s.batchSize,
		Valid:  s.batchSize,
	}, nil
}

// Reset rewinds to the first superbatch, reshuffling when enabled
func (dl *DataLoader) Reset() {
	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// HasNext returns true if there are more superbatches in the current epoch
func (dl *DataLoader) HasNext() bool {
	return dl.position < len(dl.indices)
}

// Next returns the next superbatch or nil if the epoch is complete
func (dl *DataLoader) Next() (*Superbatch, error) {
	if !dl.HasNext() {
		return nil, nil
	}
	end := min(dl.position+dl.superbatchSize, len(dl.indices))
	data, err := dl.dataset.Subset(dl.indices[dl.position:end])
	if err != nil {
		return nil, fmt.Errorf("failed to load superbatch: %w", err)
	}
	dl.position = end
	return &Superbatch{data: data, batchSize: dl.batchSize}, nil
}

// NumSuperbatches returns the number of superbatches per epoch
func (dl *DataLoader) NumSuperbatches() int {
	return (len(dl.indices) + dl.superbatchSize - 1) / dl.superbatchSize
}

// NumBatches returns the number of minibatches per epoch
func (dl *DataLoader) NumBatches(pad bool) int {
	total := 0
	for start := 0; start < len(dl.indices); start += dl.superbatchSize {
		n := min(dl.superbatchSize, len(dl.indices)-start)
		if pad {
			total += (n + dl.batchSize - 1) / dl.batchSize
		} else {
			total += n / dl.batchSize
		}
	}
	return total
}

// NumExamples returns the dataset size
func (dl *DataLoader) NumExamples() int {
	return len(dl.indices)
}
