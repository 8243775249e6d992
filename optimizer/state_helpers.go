package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-hdgm/checkpoints"
)

// Common helper functions for optimizer state management

func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// newBuffers allocates one zeroed buffer per parameter
func newBuffers(sizes []int) [][]float64 {
	bufs := make([][]float64, len(sizes))
	for i, n := range sizes {
		bufs[i] = make([]float64, n)
	}
	return bufs
}

// shapesToSizes validates shapes and returns the element count of each
func shapesToSizes(shapes [][]int) ([]int, error) {
	if len(shapes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}
	sizes := make([]int, len(shapes))
	for i, s := range shapes {
		sizes[i] = calculateTensorSize(s)
		if sizes[i] <= 0 {
			return nil, fmt.Errorf("weight %d has empty shape %v", i, s)
		}
	}
	return sizes, nil
}

// extractBufferState copies a group of buffers into checkpoint tensors named
// "<stateType>_<index>"
func extractBufferState(buffers [][]float64, stateType string) []checkpoints.OptimizerTensor {
	out := make([]checkpoints.OptimizerTensor, 0, len(buffers))
	for i, buf := range buffers {
		if buf == nil {
			continue
		}
		data := make([]float64, len(buf))
		copy(data, buf)
		out = append(out, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("%s_%d", stateType, i),
			Shape:     []int{len(buf)},
			Data:      data,
			StateType: stateType,
		})
	}
	return out
}

// restoreBufferState copies every tensor of stateType back into buffers
func restoreBufferState(state *OptimizerState, stateType string, buffers [][]float64) error {
	for _, t := range state.StateData {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(buffers) {
			return fmt.Errorf("invalid %s buffer index in %q", stateType, t.Name)
		}
		if len(t.Data) != len(buffers[idx]) {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				t.Name, len(buffers[idx]), len(t.Data))
		}
		copy(buffers[idx], t.Data)
	}
	return nil
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "squared_grad_avg_1"
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	var idx int
	if n, err := fmt.Sscanf(name[i+1:], "%d", &idx); n != 1 || err != nil {
		return -1
	}
	return idx
}

// extractFloatParam safely extracts a parameter from the state map
func extractFloatParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

// extractBoolParam reads a flag stored as 0 or 1
func extractBoolParam(params map[string]float64, key string, defaultValue bool) bool {
	if val, ok := params[key]; ok {
		return val != 0
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
