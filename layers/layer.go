package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
	AvgPool2D
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case AvgPool2D:
		return "AvgPool2D"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// ParseLayerType maps a configuration name to a LayerType.
func ParseLayerType(s string) (LayerType, error) {
	switch strings.ToLower(s) {
	case "dense", "linear":
		return Dense, nil
	case "relu":
		return ReLU, nil
	case "avgpool2d", "avgpool":
		return AvgPool2D, nil
	case "flatten":
		return Flatten, nil
	default:
		return 0, fmt.Errorf("unsupported layer type: %q", s)
	}
}

// LayerSpec is pure configuration; weights are bound in Build.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterNames  []string `json:"parameter_names,omitempty"`
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete classifier as layer configuration.
// InputShape and OutputShape exclude the batch dimension.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64    `json:"total_parameters"`
	ParameterNames  []string `json:"parameter_names"`
	ParameterShapes [][]int  `json:"parameter_shapes"`
	InputShape      []int    `json:"input_shape"`
	OutputShape     []int    `json:"output_shape"`
	Compiled        bool     `json:"compiled"`
}

// LayerConfig describes one layer in a configuration file.
type LayerConfig struct {
	Type   string `mapstructure:"type" yaml:"type" json:"type"`
	Name   string `mapstructure:"name" yaml:"name" json:"name"`
	Units  int    `mapstructure:"units" yaml:"units,omitempty" json:"units,omitempty"`
	Kernel int    `mapstructure:"kernel" yaml:"kernel,omitempty" json:"kernel,omitempty"`
	NoBias bool   `mapstructure:"no_bias" yaml:"no_bias,omitempty" json:"no_bias,omitempty"`
}

// ModelBuilder helps construct classifier specifications
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a builder for inputs of shape [C, H, W].
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// FromConfig builds and compiles a model from configuration entries.
func FromConfig(inputShape []int, cfgs []LayerConfig) (*ModelSpec, error) {
	mb := NewModelBuilder(inputShape)
	for i, c := range cfgs {
		lt, err := ParseLayerType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("%s%d", strings.ToLower(lt.String()), i)
		}
		switch lt {
		case Dense:
			mb.AddDense(c.Units, !c.NoBias, name)
		case ReLU:
			mb.AddReLU(name)
		case AvgPool2D:
			mb.AddAvgPool2D(c.Kernel, name)
		case Flatten:
			mb.AddFlatten(name)
		}
	}
	return mb.Compile()
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddDense adds a dense layer; its input is flattened automatically.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name, Parameters: map[string]interface{}{}})
}

// AddAvgPool2D adds non-overlapping average pooling with a square kernel.
func (mb *ModelBuilder) AddAvgPool2D(kernelSize int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       AvgPool2D,
		Name:       name,
		Parameters: map[string]interface{}{"kernel_size": kernelSize},
	})
}

func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name, Parameters: map[string]interface{}{}})
}

// Compile computes shapes and parameter names for every layer.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) == 0 {
		return nil, fmt.Errorf("input shape cannot be empty")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	seen := make(map[string]bool)

	currentShape := model.InputShape
	for i := range mb.layers {
		layer := mb.layers[i]
		params := make(map[string]interface{}, len(layer.Parameters))
		for k, v := range layer.Parameters {
			params[k] = v
		}
		layer.Parameters = params

		if layer.Name == "" {
			return nil, fmt.Errorf("layer %d has no name", i)
		}
		if seen[layer.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true

		layer.InputShape = append([]int(nil), currentShape...)
		outputShape, err := mb.computeLayerInfo(&layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}
		layer.OutputShape = outputShape

		model.ParameterNames = append(model.ParameterNames, layer.ParameterNames...)
		model.ParameterShapes = append(model.ParameterShapes, layer.ParameterShapes...)
		model.TotalParameters += layer.ParameterCount
		model.Layers[i] = layer
		currentShape = outputShape
	}

	if len(currentShape) != 1 {
		return nil, fmt.Errorf("classifier must end in a flat output, got shape %v", currentShape)
	}
	model.OutputShape = currentShape
	model.Compiled = true
	mb.compiled = true
	return model, nil
}

func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case AvgPool2D:
		return computePoolInfo(layer, inputShape)
	case Flatten:
		return []int{numElements(inputShape)}, nil
	case ReLU:
		return append([]int(nil), inputShape...), nil
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, error) {
	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, fmt.Errorf("missing or invalid output_size parameter")
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputSize := numElements(inputShape)
	layer.Parameters["input_size"] = inputSize

	// Weight matrix: [inputSize, outputSize]
	layer.ParameterNames = []string{layer.Name + ".weight"}
	layer.ParameterShapes = [][]int{{inputSize, outputSize}}
	layer.ParameterCount = int64(inputSize * outputSize)
	if useBias {
		layer.ParameterNames = append(layer.ParameterNames, layer.Name+".bias")
		layer.ParameterShapes = append(layer.ParameterShapes, []int{outputSize})
		layer.ParameterCount += int64(outputSize)
	}
	return []int{outputSize}, nil
}

func computePoolInfo(layer *LayerSpec, inputShape []int) ([]int, error) {
	if len(inputShape) != 3 {
		return nil, fmt.Errorf("AvgPool2D requires [channels, height, width] input, got %v", inputShape)
	}
	k := getIntParam(layer.Parameters, "kernel_size", 0)
	if k <= 0 {
		return nil, fmt.Errorf("missing or invalid kernel_size parameter")
	}
	if inputShape[1] < k || inputShape[2] < k {
		return nil, fmt.Errorf("kernel %d larger than input %dx%d", k, inputShape[1], inputShape[2])
	}
	return []int{inputShape[0], inputShape[1] / k, inputShape[2] / k}, nil
}

// NumClasses is the width of the classifier output.
func (ms *ModelSpec) NumClasses() int {
	if len(ms.OutputShape) == 0 {
		return 0
	}
	return ms.OutputShape[0]
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
		sb.WriteString("\n")
	}
	return sb.String()
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Helper functions for parameter extraction
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		if intVal, ok := val.(int); ok {
			return intVal
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}
