package training

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-hdgm/hdgm"
)

// MetricType represents the classification metrics a ConfusionMatrix reports
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per true class
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// UpdateFromPredictions adds one row of class probabilities per label
func (cm *ConfusionMatrix) UpdateFromPredictions(probs [][]float64, labels []int) error {
	if len(probs) != len(labels) {
		return fmt.Errorf("predictions length mismatch: %d rows for %d labels", len(probs), len(labels))
	}
	for i, row := range probs {
		if len(row) != cm.NumClasses {
			return fmt.Errorf("class count mismatch: expected %d, got %d", cm.NumClasses, len(row))
		}
		trueClass := labels[i]
		if trueClass < 0 || trueClass >= cm.NumClasses {
			return fmt.Errorf("label %d out of range [0, %d)", trueClass, cm.NumClasses)
		}
		cm.Matrix[trueClass][hdgm.Argmax(row)]++
		cm.TotalSamples++
	}
	return nil
}

// GetMetric returns the named metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return cm.macroPrecision()
	case MacroRecall:
		return cm.macroRecall()
	case MacroF1:
		return cm.macroF1()
	}
	return 0
}

// GetAccuracy returns the fraction of samples on the diagonal
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// precision and recall of one class; ok is false when undefined
func (cm *ConfusionMatrix) precision(class int) (float64, bool) {
	tp := float64(cm.Matrix[class][class])
	predicted := 0.0
	for t := 0; t < cm.NumClasses; t++ {
		predicted += float64(cm.Matrix[t][class])
	}
	if predicted == 0 {
		return 0, false
	}
	return tp / predicted, true
}

func (cm *ConfusionMatrix) recall(class int) (float64, bool) {
	tp := float64(cm.Matrix[class][class])
	actual := 0.0
	for p := 0; p < cm.NumClasses; p++ {
		actual += float64(cm.Matrix[class][p])
	}
	if actual == 0 {
		return 0, false
	}
	return tp / actual, true
}

// Macro averages skip classes for which the metric is undefined.
func (cm *ConfusionMatrix) macroPrecision() float64 {
	return cm.macro(cm.precision)
}

func (cm *ConfusionMatrix) macroRecall() float64 {
	return cm.macro(cm.recall)
}

func (cm *ConfusionMatrix) macro(metric func(int) (float64, bool)) float64 {
	sum, n := 0.0, 0
	for c := 0; c < cm.NumClasses; c++ {
		if v, ok := metric(c); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (cm *ConfusionMatrix) macroF1() float64 {
	sum, n := 0.0, 0
	for c := 0; c < cm.NumClasses; c++ {
		p, pok := cm.precision(c)
		r, rok := cm.recall(c)
		if !pok && !rok {
			continue
		}
		n++
		if p+r > 0 {
			sum += 2 * p * r / (p + r)
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Table renders the matrix with class names as row and column headers.
// names may be shorter than NumClasses; missing names print as indices.
func (cm *ConfusionMatrix) Table(names ...string) string {
	label := func(i int) string {
		if i < len(names) {
			return names[i]
		}
		return fmt.Sprintf("%d", i)
	}
	width := 6
	for i := 0; i < cm.NumClasses; i++ {
		width = max(width, len(label(i))+1)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%*s", width, "")
	for p := 0; p < cm.NumClasses; p++ {
		fmt.Fprintf(&sb, "%*s", width, label(p))
	}
	sb.WriteString("\n")
	for t := 0; t < cm.NumClasses; t++ {
		fmt.Fprintf(&sb, "%*s", width, label(t))
		for p := 0; p < cm.NumClasses; p++ {
			fmt.Fprintf(&sb, "%*d", width, cm.Matrix[t][p])
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
