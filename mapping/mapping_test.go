package mapping

import (
	"math/rand"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-vp/tensor"
)

func logitsTensor(t *testing.T, rows [][]float32) *tensor.Tensor {
	t.Helper()
	var data []float32
	for _, r := range rows {
		data = append(data, r...)
	}
	out, err := tensor.NewTensor([]int{len(rows), len(rows[0])}, tensor.Float32, data)
	if err != nil {
		t.Fatalf("failed to create logits: %v", err)
	}
	return out
}

func TestMapIsReindexing(t *testing.T) {
	lm, err := NewLabelMapping([]int{3, 0, 7}, 8)
	if err != nil {
		t.Fatalf("NewLabelMapping failed: %v", err)
	}
	out, err := lm.Map(logitsTensor(t, [][]float32{{1, 2, 3, 4, 5, 6, 7, 8}}))
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if !reflect.DeepEqual(out.Shape, []int{1, 3}) {
		t.Fatalf("shape = %v, expected [1 3]", out.Shape)
	}
	if !reflect.DeepEqual(out.Data.([]float32), []float32{4, 1, 8}) {
		t.Errorf("Map = %v, expected [4 1 8]", out.Data)
	}
}

func TestMapPassesGradient(t *testing.T) {
	lm, _ := NewLabelMapping([]int{2, 0}, 4)
	native := logitsTensor(t, [][]float32{{1, 2, 3, 4}})
	native.SetRequiresGrad(true)
	out, err := lm.Map(native)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	loss, _ := tensor.Mean(out)
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	want := []float32{0.5, 0, 0.5, 0}
	if !reflect.DeepEqual(native.Grad().Data.([]float32), want) {
		t.Errorf("grad = %v, expected %v", native.Grad().Data, want)
	}
}

func TestNewLabelMappingErrors(t *testing.T) {
	tests := []struct {
		name      string
		seq       []int
		numNative int
	}{
		{"out of range", []int{0, 8}, 8},
		{"negative", []int{-1}, 8},
		{"duplicate", []int{1, 1}, 8},
		{"too long", []int{0, 1, 2}, 2},
		{"empty", nil, 2},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := NewLabelMapping(test.seq, test.numNative); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestMapRejectsWrongWidth(t *testing.T) {
	lm, _ := NewLabelMapping([]int{0}, 4)
	if _, err := lm.Map(logitsTensor(t, [][]float32{{1, 2, 3}})); err == nil {
		t.Error("expected error for logits of the wrong width")
	}
}

func TestRandomSequence(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	for numNative := 1; numNative <= 20; numNative++ {
		for numTask := 1; numTask <= numNative; numTask++ {
			seq, err := RandomSequence(rng, numNative, numTask)
			if err != nil {
				t.Fatalf("RandomSequence(%d, %d) failed: %v", numNative, numTask, err)
			}
			if len(seq) != numTask {
				t.Fatalf("len = %d, expected %d", len(seq), numTask)
			}
			if err := ValidateSequence(seq, numNative); err != nil {
				t.Fatalf("invalid sequence %v: %v", seq, err)
			}
		}
	}
	if _, err := RandomSequence(rng, 2, 3); err == nil {
		t.Error("expected error when task classes exceed native classes")
	}

	a, _ := RandomSequence(rand.New(rand.NewSource(9)), 1000, 10)
	b, _ := RandomSequence(rand.New(rand.NewSource(9)), 1000, 10)
	if !reflect.DeepEqual(a, b) {
		t.Error("same seed produced different sequences")
	}
}

func TestBuildMatrixMean(t *testing.T) {
	logits := logitsTensor(t, [][]float32{{1, 1}, {3, 3}, {5, 5}})
	m, err := BuildMatrix(logits, []int32{0, 0, 1}, 3, AggregateMean)
	if err != nil {
		t.Fatalf("BuildMatrix failed: %v", err)
	}
	want := mat.NewDense(3, 2, []float64{
		2, 2,
		5, 5,
		0, 0,
	})
	if !mat.Equal(m, want) {
		t.Errorf("matrix = %v, expected %v", mat.Formatted(m), mat.Formatted(want))
	}
}

func TestBuildMatrixFrequency(t *testing.T) {
	logits := logitsTensor(t, [][]float32{
		{0, 9, 1},
		{0, 1, 9},
		{0, 9, 1},
		{9, 0, 0},
	})
	m, err := BuildMatrix(logits, []int32{0, 0, 0, 1}, 2, AggregateFrequency)
	if err != nil {
		t.Fatalf("BuildMatrix failed: %v", err)
	}
	want := mat.NewDense(2, 3, []float64{
		0, 2, 1,
		1, 0, 0,
	})
	if !mat.Equal(m, want) {
		t.Errorf("matrix = %v, expected %v", mat.Formatted(m), mat.Formatted(want))
	}
}

func TestBuildMatrixErrors(t *testing.T) {
	logits := logitsTensor(t, [][]float32{{1, 2}})
	tests := []struct {
		name    string
		labels  []int32
		numTask int
	}{
		{"label too large", []int32{2}, 2},
		{"negative label", []int32{-1}, 2},
		{"length mismatch", []int32{0, 1}, 2},
		{"no task classes", []int32{0}, 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := BuildMatrix(logits, test.labels, test.numTask, AggregateMean); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDeriveSequence(t *testing.T) {
	tests := []struct {
		name string
		rows int
		cols int
		data []float64
		want []int
	}{
		{"diagonal", 2, 3, []float64{
			5, 1, 0,
			1, 5, 0,
		}, []int{0, 1}},
		{"conflict resolved by global max", 2, 3, []float64{
			4, 0, 1,
			9, 2, 0,
		}, []int{2, 0}},
		{"ties take lowest row then column", 2, 2, []float64{
			1, 1,
			1, 1,
		}, []int{0, 1}},
		{"all zero", 3, 4, make([]float64, 12), []int{0, 1, 2}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := DeriveSequence(mat.NewDense(test.rows, test.cols, test.data))
			if err != nil {
				t.Fatalf("DeriveSequence failed: %v", err)
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("sequence = %v, expected %v", got, test.want)
			}
			if err := ValidateSequence(got, test.cols); err != nil {
				t.Errorf("derived sequence invalid: %v", err)
			}
		})
	}

	if _, err := DeriveSequence(mat.NewDense(3, 2, nil)); err == nil {
		t.Error("expected error when rows exceed columns")
	}
}
