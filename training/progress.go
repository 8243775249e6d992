package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-hdgm/layers"
)

// ProgressBar renders a single-line training progress bar
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1)
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s", pb.description, percentage*100, bar, pb.current, pb.total, formatDuration(elapsed))
	if pb.current > 0 && percentage < 1 {
		eta := time.Duration(float64(elapsed)/percentage) - elapsed
		line += "<" + formatDuration(eta)
	}
	if pb.current > 0 && elapsed > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", float64(pb.current)/elapsed.Seconds())
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}
	fmt.Fprint(pb.out, line+"]")
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintArchitecture writes a layer-by-layer description of spec to out.
// trainable names the parameters the optimizer updates.
func PrintArchitecture(out io.Writer, name string, spec *layers.ModelSpec, trainable []string) {
	isTrainable := make(map[string]bool, len(trainable))
	for _, t := range trainable {
		isTrainable[t] = true
	}

	fmt.Fprintf(out, "%s(\n", name)
	var trainableCount int64
	for _, layer := range spec.Layers {
		fmt.Fprintf(out, "  %s\n", formatLayer(layer))
		for _, p := range layer.Params {
			if isTrainable[p.Name] {
				trainableCount += int64(p.Size())
			}
		}
	}
	fmt.Fprintf(out, ")\n\n")

	fmt.Fprintf(out, "Total parameters: %s\n", formatParameterCount(spec.TotalParameters))
	fmt.Fprintf(out, "Trainable parameters: %s\n", formatParameterCount(trainableCount))
	fmt.Fprintf(out, "Non-trainable parameters: %s\n", formatParameterCount(spec.TotalParameters-trainableCount))
	fmt.Fprintf(out, "Params size (MB): %.3f\n\n", float64(spec.TotalParameters*8)/1024/1024)
}

func formatLayer(layer layers.LayerSpec) string {
	act, _ := layer.Parameters["activation"].(string)
	inputs := strings.Join(layer.Inputs, ", ")
	hasWeights := len(layer.Params) > 0
	switch {
	case layer.Type == layers.Dense && hasWeights:
		w := layer.Params[0].Shape
		return fmt.Sprintf("(%s): Dense(%s -> %d, %s) %v", layer.Name, inputs, w[1], activationName(act), layer.OutputShape)
	case layer.Type == layers.Conv2D && hasWeights:
		w := layer.Params[0].Shape
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), %s) %v",
			layer.Name, w[1], w[0], w[2], w[3], activationName(act), layer.OutputShape)
	case layer.Type == layers.Input:
		return fmt.Sprintf("(%s): Input %v", layer.Name, layer.OutputShape)
	default:
		return fmt.Sprintf("(%s): %s(%s) %v", layer.Name, layer.Type.String(), inputs, layer.OutputShape)
	}
}

func activationName(act string) string {
	if act == "" {
		return string(layers.Linear)
	}
	return act
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
