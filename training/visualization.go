package training

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math"
	"time"

	colorful "github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/mat"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	MappingMatrixPlot    PlotType = "mapping_matrix"
)

// PlotData is the JSON document sent to a plotting sidecar.
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "heatmap"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Z     interface{} `json:"z,omitempty"`
	Label string      `json:"label,omitempty"`
	Color string      `json:"color,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel    string                 `json:"x_axis_label"`
	YAxisLabel    string                 `json:"y_axis_label"`
	ZAxisLabel    string                 `json:"z_axis_label,omitempty"`
	XAxisScale    string                 `json:"x_axis_scale"`
	YAxisScale    string                 `json:"y_axis_scale"`
	ShowLegend    bool                   `json:"show_legend"`
	ShowGrid      bool                   `json:"show_grid"`
	Width         int                    `json:"width"`
	Height        int                    `json:"height"`
	CustomOptions map[string]interface{} `json:"custom_options,omitempty"`
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	b, err := json.Marshal(pd)
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data: %w", err)
	}
	return string(b), nil
}

// VisualizationCollector records per-epoch metrics for plotting.
type VisualizationCollector struct {
	modelName string

	epochs        []int
	trainLoss     []float64
	trainAccuracy []float64
	testAccuracy  []float64
	learningRates []float64
}

func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName}
}

// RecordEpoch appends one completed epoch.
func (vc *VisualizationCollector) RecordEpoch(epoch int, lr, trainLoss, trainAcc, testAcc float64) {
	vc.epochs = append(vc.epochs, epoch)
	vc.learningRates = append(vc.learningRates, lr)
	vc.trainLoss = append(vc.trainLoss, trainLoss)
	vc.trainAccuracy = append(vc.trainAccuracy, trainAcc)
	vc.testAccuracy = append(vc.testAccuracy, testAcc)
}

func (vc *VisualizationCollector) NumEpochs() int { return len(vc.epochs) }

func (vc *VisualizationCollector) lineSeries(name string, ys []float64) SeriesData {
	points := make([]DataPoint, len(ys))
	for i, y := range ys {
		points[i] = DataPoint{X: vc.epochs[i], Y: y}
	}
	return SeriesData{Name: name, Type: "line", Data: points}
}

// GenerateTrainingCurvesPlot plots train loss and both accuracies by epoch.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	pd := PlotData{
		PlotType:  TrainingCurves,
		Title:     "Training Progress",
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Value",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
	}
	if len(vc.epochs) == 0 {
		return pd
	}
	pd.Series = []SeriesData{
		vc.lineSeries("train/loss", vc.trainLoss),
		vc.lineSeries("train/acc", vc.trainAccuracy),
		vc.lineSeries("test/acc", vc.testAccuracy),
	}
	pd.Metrics = map[string]interface{}{
		"final_test_acc": vc.testAccuracy[len(vc.testAccuracy)-1],
		"best_test_acc":  maxFloat(vc.testAccuracy),
	}
	return pd
}

// GenerateLearningRateSchedulePlot plots the rate used in each epoch.
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	pd := PlotData{
		PlotType:  LearningRateSchedule,
		Title:     "Learning Rate Schedule",
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Learning Rate",
			XAxisScale: "linear",
			YAxisScale: "log",
			ShowGrid:   true,
			Width:      800,
			Height:     400,
		},
	}
	if len(vc.epochs) > 0 {
		pd.Series = []SeriesData{vc.lineSeries("lr", vc.learningRates)}
	}
	return pd
}

func maxFloat(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		m = math.Max(m, x)
	}
	return m
}

// MappingMatrixPlotData describes an association matrix as a heatmap with
// the cells selected by seq labelled.
func MappingMatrixPlotData(modelName string, m *mat.Dense, seq []int, taskNames, nativeNames []string, epoch int) PlotData {
	rows, cols := m.Dims()
	chosen := make(map[[2]int]bool, len(seq))
	for i, j := range seq {
		chosen[[2]int{i, j}] = true
	}
	points := make([]DataPoint, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			p := DataPoint{X: j, Y: i, Z: m.At(i, j)}
			if chosen[[2]int{i, j}] {
				p.Label = "mapped"
			}
			points = append(points, p)
		}
	}
	return PlotData{
		PlotType:  MappingMatrixPlot,
		Title:     fmt.Sprintf("Mapping Matrix (epoch %d)", epoch),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    []SeriesData{{Name: "mapping-matrix", Type: "heatmap", Data: points}},
		Config: PlotConfig{
			XAxisLabel:    "Native class",
			YAxisLabel:    "Task class",
			ZAxisLabel:    "Association",
			XAxisScale:    "linear",
			YAxisScale:    "linear",
			Width:         cols,
			Height:        rows,
			CustomOptions: tickLabels(taskNames, nativeNames),
		},
		Metrics: map[string]interface{}{"epoch": epoch},
	}
}

// tickLabels names heatmap rows and columns; nil slices are left out.
func tickLabels(taskNames, nativeNames []string) map[string]interface{} {
	opts := map[string]interface{}{}
	if taskNames != nil {
		opts["y_tick_labels"] = taskNames
	}
	if nativeNames != nil {
		opts["x_tick_labels"] = nativeNames
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// Renderer turns a mapping matrix into an image for the event log. Name
// slices may be nil; when given they must match the matrix dimensions.
type Renderer interface {
	Render(m *mat.Dense, seq []int, taskNames, nativeNames []string) (image.Image, error)
}

// HeatmapRenderer draws each cell as a CellSize square, blending from Low to
// High by the cell's position between the row minimum and maximum. Cells
// chosen by the mapping sequence get a Mark border. The image carries no
// text: class names are only checked against the matrix dimensions, and
// reach the plotting service as tick labels of MappingMatrixPlotData.
type HeatmapRenderer struct {
	CellSize int
	Low      colorful.Color
	High     colorful.Color
	Mark     color.Color
}

func NewHeatmapRenderer() *HeatmapRenderer {
	low, _ := colorful.Hex("#f7fbff")
	high, _ := colorful.Hex("#08306b")
	return &HeatmapRenderer{
		CellSize: 4,
		Low:      low,
		High:     high,
		Mark:     color.RGBA{R: 0xe3, G: 0x1a, B: 0x1c, A: 0xff},
	}
}

func (r *HeatmapRenderer) Render(m *mat.Dense, seq []int, taskNames, nativeNames []string) (image.Image, error) {
	rows, cols := m.Dims()
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("cannot render empty matrix")
	}
	if taskNames != nil && len(taskNames) != rows {
		return nil, fmt.Errorf("%d task names for %d rows", len(taskNames), rows)
	}
	if nativeNames != nil && len(nativeNames) != cols {
		return nil, fmt.Errorf("%d native names for %d columns", len(nativeNames), cols)
	}
	if len(seq) != 0 && len(seq) != rows {
		return nil, fmt.Errorf("sequence length %d does not match %d rows", len(seq), rows)
	}
	cell := r.CellSize
	if cell <= 0 {
		cell = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, cols*cell, rows*cell))

	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range row {
			if math.IsNaN(v) {
				continue
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		for j, v := range row {
			t := 0.0
			if hi > lo && !math.IsNaN(v) {
				t = (v - lo) / (hi - lo)
			}
			c := r.Low.BlendLab(r.High, t).Clamped()
			fillCell(img, j*cell, i*cell, cell, c, nil)
		}
		if len(seq) != 0 {
			j := seq[i]
			if j < 0 || j >= cols {
				return nil, fmt.Errorf("sequence entry %d outside %d columns", j, cols)
			}
			fillCell(img, j*cell, i*cell, cell, nil, r.Mark)
		}
	}
	return img, nil
}

// fillCell paints the interior with fill and the one-pixel border with
// border; a nil color leaves those pixels untouched.
func fillCell(img *image.RGBA, x0, y0, size int, fill, border color.Color) {
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			edge := x == x0 || y == y0 || x == x0+size-1 || y == y0+size-1
			switch {
			case edge && border != nil:
				img.Set(x, y, border)
			case fill != nil:
				img.Set(x, y, fill)
			}
		}
	}
}
