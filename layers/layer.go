package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Input LayerType = iota
	Dense
	Conv2D
	MaxPool2D
	Dropout
	Flatten
	Repeat
	GaussianSample
	ElemwiseSum
	Concat
)

func (lt LayerType) String() string {
	switch lt {
	case Input:
		return "Input"
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case Flatten:
		return "Flatten"
	case Repeat:
		return "Repeat"
	case GaussianSample:
		return "GaussianSample"
	case ElemwiseSum:
		return "ElemwiseSum"
	case Concat:
		return "Concat"
	default:
		return "Unknown"
	}
}

// Activation names the nonlinearity applied at the end of a layer.
type Activation string

const (
	Linear  Activation = "linear"
	ReLU    Activation = "relu"
	Sigmoid Activation = "sigmoid"
	Softmax Activation = "softmax"
	// ShiftedReLU is relu(x+10)-10. It bounds log-scale heads below at -10.
	ShiftedReLU Activation = "shifted_relu"
)

// Initializer names how a parameter tensor is filled before training.
type Initializer string

const (
	InitOrthogonal Initializer = "orthogonal"
	InitZeros      Initializer = "zeros"
)

// ParamSpec describes a single learnable tensor owned by a layer
type ParamSpec struct {
	Name  string      `json:"name"`
	Shape []int       `json:"shape"`
	Init  Initializer `json:"init"`
}

// Size returns the number of elements in the parameter
func (p ParamSpec) Size() int {
	return shapeSize(p.Shape)
}

// LayerSpec defines layer configuration. It is pure configuration with no
// execution logic; BuildGraph turns it into gorgonia nodes.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Inputs     []string               `json:"inputs,omitempty"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	Params         []ParamSpec `json:"params,omitempty"`
	ParameterCount int64       `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete network as an ordered DAG of layers. Every
// layer only refers to layers declared before it.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64 `json:"total_parameters"`
	InputShape      []int `json:"input_shape"`
	Compiled        bool  `json:"compiled"`

	index map[string]int
}

// Layer returns the named layer
func (ms *ModelSpec) Layer(name string) (*LayerSpec, bool) {
	ms.buildIndex()
	i, ok := ms.index[name]
	if !ok {
		return nil, false
	}
	return &ms.Layers[i], true
}

func (ms *ModelSpec) buildIndex() {
	if ms.index != nil && len(ms.index) == len(ms.Layers) {
		return
	}
	ms.index = make(map[string]int, len(ms.Layers))
	for i, l := range ms.Layers {
		ms.index[l.Name] = i
	}
}

// Ancestors returns the names of every layer the roots depend on, the roots
// included, in declaration order. Traversal stops at layers listed in stop.
func (ms *ModelSpec) Ancestors(roots []string, stop map[string]bool) ([]string, error) {
	ms.buildIndex()
	seen := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}
		layer, ok := ms.Layer(name)
		if !ok {
			return fmt.Errorf("unknown layer %q", name)
		}
		seen[name] = true
		if stop[name] {
			return nil
		}
		for _, in := range layer.Inputs {
			if err := visit(in); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range roots {
		if err := visit(r); err != nil {
			return nil, err
		}
	}

	var ordered []string
	for _, l := range ms.Layers {
		if seen[l.Name] {
			ordered = append(ordered, l.Name)
		}
	}
	return ordered, nil
}

// TrainableParams returns the parameters of every layer reachable from the
// roots, deduplicated and in declaration order.
func (ms *ModelSpec) TrainableParams(roots ...string) ([]ParamSpec, error) {
	names, err := ms.Ancestors(roots, nil)
	if err != nil {
		return nil, err
	}
	var params []ParamSpec
	for _, name := range names {
		layer, _ := ms.Layer(name)
		params = append(params, layer.Params...)
	}
	return params, nil
}

// AllParams returns every parameter of the model in declaration order
func (ms *ModelSpec) AllParams() []ParamSpec {
	var params []ParamSpec
	for _, l := range ms.Layers {
		params = append(params, l.Params...)
	}
	return params
}

// ModelBuilder provides a fluent interface for declaring a layer DAG
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	names      map[string]bool
	err        error
}

// NewModelBuilder creates a new model builder. The input layer is named "input".
func NewModelBuilder(inputShape []int) *ModelBuilder {
	mb := &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		names:      make(map[string]bool),
	}
	return mb.AddLayer(LayerSpec{
		Type:       Input,
		Name:       "input",
		Parameters: map[string]interface{}{},
	})
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	if layer.Name == "" {
		mb.err = fmt.Errorf("layer %d (%s) has no name", len(mb.layers), layer.Type)
		return mb
	}
	if mb.names[layer.Name] {
		mb.err = fmt.Errorf("duplicate layer name %q", layer.Name)
		return mb
	}
	for _, in := range layer.Inputs {
		if !mb.names[in] {
			mb.err = fmt.Errorf("layer %q refers to undeclared input %q", layer.Name, in)
			return mb
		}
	}
	mb.names[layer.Name] = true
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddDense adds a fully connected layer. Inputs with more than two axes are
// flattened.
func (mb *ModelBuilder) AddDense(name, input string, units int, act Activation) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:   Dense,
		Name:   name,
		Inputs: []string{input},
		Parameters: map[string]interface{}{
			"output_size": units,
			"activation":  string(act),
		},
	})
}

// AddConv2D adds a stride 1 convolution with "same" padding
func (mb *ModelBuilder) AddConv2D(name, input string, filters, kernelSize int, act Activation) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:   Conv2D,
		Name:   name,
		Inputs: []string{input},
		Parameters: map[string]interface{}{
			"output_channels": filters,
			"kernel_size":     kernelSize,
			"stride":          1,
			"padding":         kernelSize / 2,
			"activation":      string(act),
		},
	})
}

// AddMaxPool2D adds a max pooling layer without border padding
func (mb *ModelBuilder) AddMaxPool2D(name, input string, poolSize, stride int) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:   MaxPool2D,
		Name:   name,
		Inputs: []string{input},
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
		},
	})
}

// AddDropout adds an inverted dropout layer
// rate: dropout probability (0.0 = no dropout)
func (mb *ModelBuilder) AddDropout(name, input string, rate float64) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:   Dropout,
		Name:   name,
		Inputs: []string{input},
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddFlatten collapses every non-batch axis
func (mb *ModelBuilder) AddFlatten(name, input string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Flatten,
		Name:       name,
		Inputs:     []string{input},
		Parameters: map[string]interface{}{},
	})
}

// AddRepeat replicates every row of a [batch, features] input n times and
// folds the copies into the batch axis, giving [batch*n, features]. Row i of
// the input lands on rows i*n .. i*n+n-1.
func (mb *ModelBuilder) AddRepeat(name, input string, n int) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:   Repeat,
		Name:   name,
		Inputs: []string{input},
		Parameters: map[string]interface{}{
			"repeats": n,
		},
	})
}

// AddGaussianSample adds a reparameterized draw mu + exp(logsigma) * eps
func (mb *ModelBuilder) AddGaussianSample(name, mu, logSigma string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       GaussianSample,
		Name:       name,
		Inputs:     []string{mu, logSigma},
		Parameters: map[string]interface{}{},
	})
}

// AddElemwiseSum sums inputs of identical shape and applies act
func (mb *ModelBuilder) AddElemwiseSum(name string, act Activation, inputs ...string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:   ElemwiseSum,
		Name:   name,
		Inputs: inputs,
		Parameters: map[string]interface{}{
			"activation": string(act),
		},
	})
}

// AddConcat joins 2D inputs along the feature axis
func (mb *ModelBuilder) AddConcat(name string, inputs ...string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Concat,
		Name:       name,
		Inputs:     inputs,
		Parameters: map[string]interface{}{},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if mb.err != nil {
		return nil, mb.err
	}
	if len(mb.layers) < 2 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	for i, l := range mb.layers {
		params := make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			params[k] = v
		}
		l.Parameters = params
		model.Layers[i] = l
	}

	shapes := make(map[string][]int, len(model.Layers))
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		inputShapes := make([][]int, len(layer.Inputs))
		for j, in := range layer.Inputs {
			inputShapes[j] = shapes[in]
		}

		outputShape, params, err := mb.computeLayerInfo(layer, inputShapes)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.Params = params
		layer.ParameterCount = 0
		for _, p := range params {
			layer.ParameterCount += int64(p.Size())
		}
		totalParams += layer.ParameterCount
		shapes[layer.Name] = outputShape
	}

	model.TotalParameters = totalParams
	model.Compiled = true
	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShapes [][]int) ([]int, []ParamSpec, error) {
	switch layer.Type {
	case Input:
		if len(mb.inputShape) < 2 {
			return nil, nil, fmt.Errorf("input shape %v needs a batch axis and at least one feature axis", mb.inputShape)
		}
		return append([]int(nil), mb.inputShape...), nil, nil
	case Dense:
		return mb.computeDenseInfo(layer, inputShapes[0])
	case Conv2D:
		return mb.computeConv2DInfo(layer, inputShapes[0])
	case MaxPool2D:
		return mb.computeMaxPoolInfo(layer, inputShapes[0])
	case Dropout:
		rate := getFloatParam(layer.Parameters, "rate", 0)
		if rate < 0 || rate >= 1 {
			return nil, nil, fmt.Errorf("dropout rate %v outside [0, 1)", rate)
		}
		return append([]int(nil), inputShapes[0]...), nil, nil
	case Flatten:
		in := inputShapes[0]
		return []int{in[0], shapeSize(in[1:])}, nil, nil
	case Repeat:
		return mb.computeRepeatInfo(layer, inputShapes[0])
	case GaussianSample:
		if !sameShape(inputShapes[0], inputShapes[1]) {
			return nil, nil, fmt.Errorf("mean %v and log-scale %v shapes differ", inputShapes[0], inputShapes[1])
		}
		return append([]int(nil), inputShapes[0]...), nil, nil
	case ElemwiseSum:
		if len(inputShapes) < 2 {
			return nil, nil, fmt.Errorf("elementwise sum needs at least two inputs")
		}
		for _, s := range inputShapes[1:] {
			if !sameShape(inputShapes[0], s) {
				return nil, nil, fmt.Errorf("cannot sum shapes %v and %v", inputShapes[0], s)
			}
		}
		return append([]int(nil), inputShapes[0]...), nil, nil
	case Concat:
		return mb.computeConcatInfo(inputShapes)
	default:
		return nil, nil, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func (mb *ModelBuilder) computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, []ParamSpec, error) {
	if len(inputShape) < 2 {
		return nil, nil, fmt.Errorf("dense layer requires at least 2D input")
	}

	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, fmt.Errorf("missing output_size parameter")
	}

	// [batch, channels, height, width] inputs are flattened to channels*height*width
	inputSize := shapeSize(inputShape[1:])
	layer.Parameters["input_size"] = inputSize

	params := []ParamSpec{
		{Name: layer.Name + "/W", Shape: []int{inputSize, outputSize}, Init: InitOrthogonal},
		{Name: layer.Name + "/b", Shape: []int{1, outputSize}, Init: InitZeros},
	}
	return []int{inputShape[0], outputSize}, params, nil
}

// computeConv2DInfo computes Conv2D layer information
func (mb *ModelBuilder) computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, []ParamSpec, error) {
	if len(inputShape) != 4 {
		return nil, nil, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := getIntParam(layer.Parameters, "output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, fmt.Errorf("missing output_channels parameter")
	}
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, fmt.Errorf("missing kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", 1)
	padding := getIntParam(layer.Parameters, "padding", 0)

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputShape[2]+2*padding-kernelSize)/stride + 1
	outputWidth := (inputShape[3]+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, fmt.Errorf("input %v too small for kernel %d", inputShape, kernelSize)
	}

	params := []ParamSpec{
		{Name: layer.Name + "/W", Shape: []int{outputChannels, inputChannels, kernelSize, kernelSize}, Init: InitOrthogonal},
		{Name: layer.Name + "/b", Shape: []int{1, outputChannels, 1, 1}, Init: InitZeros},
	}
	return []int{inputShape[0], outputChannels, outputHeight, outputWidth}, params, nil
}

func (mb *ModelBuilder) computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, []ParamSpec, error) {
	if len(inputShape) != 4 {
		return nil, nil, fmt.Errorf("MaxPool2D layer requires 4D input [batch, channels, height, width]")
	}
	pool := getIntParam(layer.Parameters, "pool_size", 2)
	stride := getIntParam(layer.Parameters, "stride", pool)

	outputHeight := (inputShape[2]-pool)/stride + 1
	outputWidth := (inputShape[3]-pool)/stride + 1
	if inputShape[2] < pool || inputShape[3] < pool {
		return nil, nil, fmt.Errorf("input %v smaller than pool size %d", inputShape, pool)
	}
	return []int{inputShape[0], inputShape[1], outputHeight, outputWidth}, nil, nil
}

func (mb *ModelBuilder) computeRepeatInfo(layer *LayerSpec, inputShape []int) ([]int, []ParamSpec, error) {
	if len(inputShape) != 2 {
		return nil, nil, fmt.Errorf("repeat layer requires 2D input, got %v", inputShape)
	}
	n := getIntParam(layer.Parameters, "repeats", 1)
	if n < 1 {
		return nil, nil, fmt.Errorf("repeat count must be positive, got %d", n)
	}
	return []int{inputShape[0] * n, inputShape[1]}, nil, nil
}

func (mb *ModelBuilder) computeConcatInfo(inputShapes [][]int) ([]int, []ParamSpec, error) {
	if len(inputShapes) < 2 {
		return nil, nil, fmt.Errorf("concat needs at least two inputs")
	}
	rows := inputShapes[0][0]
	width := 0
	for _, s := range inputShapes {
		if len(s) != 2 {
			return nil, nil, fmt.Errorf("concat requires 2D inputs, got %v", s)
		}
		if s[0] != rows {
			return nil, nil, fmt.Errorf("concat row mismatch: %d vs %d", rows, s[0])
		}
		width += s[1]
	}
	return []int{rows, width}, nil, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		if len(layer.Inputs) > 0 {
			fmt.Fprintf(&sb, "  Inputs: %s\n", strings.Join(layer.Inputs, ", "))
		}
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
		if act := getStringParam(layer.Parameters, "activation", ""); act != "" && act != string(Linear) {
			fmt.Fprintf(&sb, "  Activation: %s\n", act)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// Helper functions for parameter extraction. JSON decoding turns ints into
// float64, so numeric helpers accept both.

func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return defaultValue
}

func getStringParam(params map[string]interface{}, key string, defaultValue string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return defaultValue
}

func shapeSize(shape []int) int {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return size
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
