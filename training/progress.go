package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-vp/layers"
)

// ProgressBar renders a single-line batch progress indicator
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar writing to out. A nil writer
// discards output.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	if out == nil {
		out = io.Discard
	}
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// SetDescription replaces the text shown before the bar
func (pb *ProgressBar) SetDescription(description string) {
	pb.description = description
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
	fmt.Fprint(pb.out, "\r"+pb.Line())
}

// Line formats the current state without the leading carriage return.
func (pb *ProgressBar) Line() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	line := fmt.Sprintf("%s: %3.0f%%|%s| %d/%d [%s",
		pb.description, percentage*100, bar, pb.current, pb.total, formatDuration(elapsed))

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
			line += fmt.Sprintf(", %s=%.4f", key, value)
		}
	}
	return line + "]"
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// TrainDescription is the bar text of a training epoch.
func TrainDescription(epoch int, lr float64) string {
	return fmt.Sprintf("Epo %d Training Lr %.1e", epoch, lr)
}

// EvalDescription is the bar text of an evaluation epoch; acc is a fraction.
func EvalDescription(epoch int, acc float64) string {
	return fmt.Sprintf("Epo %d Testing Acc %.2f%%", epoch, 100*acc)
}

// PrintArchitecture writes a layer-by-layer description of a frozen
// classifier in the style of a PyTorch module repr.
func PrintArchitecture(out io.Writer, name string, spec *layers.ModelSpec) {
	fmt.Fprintf(out, "%s(\n", name)
	for _, layer := range spec.Layers {
		fmt.Fprintf(out, "  %s\n", formatLayer(layer))
	}
	fmt.Fprintf(out, ")\n")
	fmt.Fprintf(out, "Frozen parameters: %s\n", formatParameterCount(spec.TotalParameters))
	fmt.Fprintf(out, "Params size (MB): %.3f\n", float64(spec.TotalParameters*4)/1024/1024)
}

func formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Dense:
		in, _ := layer.Parameters["input_size"].(int)
		out, _ := layer.Parameters["output_size"].(int)
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.Name, in, out, len(layer.ParameterNames) > 1)
	case layers.AvgPool2D:
		k, _ := layer.Parameters["kernel_size"].(int)
		return fmt.Sprintf("(%s): AvgPool2d(kernel_size=%d)", layer.Name, k)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
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
