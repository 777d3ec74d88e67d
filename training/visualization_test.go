package training

import (
	"encoding/json"
	"image/color"
	"reflect"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestHeatmapRenderer(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{
		0, 1, 2,
		5, 5, 5,
	})
	r := NewHeatmapRenderer()
	r.CellSize = 3
	img, err := r.Render(m, []int{2, 0}, []string{"a", "b"}, nil)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 9 || b.Dy() != 6 {
		t.Fatalf("image is %dx%d, expected 9x6", b.Dx(), b.Dy())
	}

	mark := color.RGBAModel.Convert(r.Mark)
	// border of the mapped cells
	if got := color.RGBAModel.Convert(img.At(6, 0)); got != mark {
		t.Errorf("mapped cell (0,2) border = %v, expected %v", got, mark)
	}
	if got := color.RGBAModel.Convert(img.At(0, 3)); got != mark {
		t.Errorf("mapped cell (1,0) border = %v, expected %v", got, mark)
	}
	// row maximum is drawn darker than the row minimum
	lo := color.RGBAModel.Convert(img.At(1, 1)).(color.RGBA)
	hi := color.RGBAModel.Convert(img.At(7, 1)).(color.RGBA)
	if int(hi.R)+int(hi.G)+int(hi.B) >= int(lo.R)+int(lo.G)+int(lo.B) {
		t.Errorf("row max %v not darker than row min %v", hi, lo)
	}

	if _, err := r.Render(m, []int{0}, nil, nil); err == nil {
		t.Error("expected error for short sequence")
	}
	if _, err := r.Render(m, []int{0, 3}, nil, nil); err == nil {
		t.Error("expected error for sequence outside columns")
	}
	if _, err := r.Render(m, nil, []string{"a"}, nil); err == nil {
		t.Error("expected error for task name count")
	}
}

func TestMappingMatrixPlotData(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	pd := MappingMatrixPlotData("vp", m, []int{1, 0}, []string{"cat", "dog"}, []string{"n0", "n1"}, 7)
	if len(pd.Series) != 1 || len(pd.Series[0].Data) != 4 {
		t.Fatalf("unexpected series: %+v", pd.Series)
	}
	labelled := 0
	for _, p := range pd.Series[0].Data {
		if p.Label == "mapped" {
			labelled++
		}
	}
	if labelled != 2 {
		t.Errorf("%d mapped cells, expected 2", labelled)
	}
	s, err := pd.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded["plot_type"] != string(MappingMatrixPlot) {
		t.Errorf("plot_type = %v", decoded["plot_type"])
	}
	if got := pd.Config.CustomOptions["x_tick_labels"]; !reflect.DeepEqual(got, []string{"n0", "n1"}) {
		t.Errorf("x tick labels = %v", got)
	}
	if got := pd.Config.CustomOptions["y_tick_labels"]; !reflect.DeepEqual(got, []string{"cat", "dog"}) {
		t.Errorf("y tick labels = %v", got)
	}
	if unnamed := MappingMatrixPlotData("vp", m, nil, nil, nil, 0); unnamed.Config.CustomOptions != nil {
		t.Errorf("unnamed plot has options %v", unnamed.Config.CustomOptions)
	}
	if !strings.Contains(pd.Title, "epoch 7") {
		t.Errorf("title = %q", pd.Title)
	}
}

func TestVisualizationCollector(t *testing.T) {
	vc := NewVisualizationCollector("vp")
	if pd := vc.GenerateTrainingCurvesPlot(); len(pd.Series) != 0 {
		t.Error("empty collector produced series")
	}
	vc.RecordEpoch(0, 0.01, 1.2, 0.4, 0.5)
	vc.RecordEpoch(1, 0.01, 0.9, 0.6, 0.7)
	pd := vc.GenerateTrainingCurvesPlot()
	if len(pd.Series) != 3 || len(pd.Series[2].Data) != 2 {
		t.Fatalf("unexpected series: %+v", pd.Series)
	}
	if pd.Metrics["best_test_acc"] != 0.7 {
		t.Errorf("best_test_acc = %v", pd.Metrics["best_test_acc"])
	}
	if lr := vc.GenerateLearningRateSchedulePlot(); len(lr.Series) != 1 {
		t.Errorf("lr plot series = %d", len(lr.Series))
	}
}
