package tensor

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestDTypeString(t *testing.T) {
	tests := []struct {
		dtype    DType
		expected string
	}{
		{Float32, "Float32"},
		{Float16, "Float16"},
		{Int32, "Int32"},
		{DType(999), "Unknown"},
	}

	for _, test := range tests {
		if got := test.dtype.String(); got != test.expected {
			t.Errorf("DType.String() = %s, expected %s", got, test.expected)
		}
	}
}

func TestNewTensor(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		dtype   DType
		data    interface{}
		wantErr bool
	}{
		{"float zeros", []int{2, 3}, Float32, nil, false},
		{"int zeros", []int{4}, Int32, nil, false},
		{"float data", []int{2, 2}, Float32, []float32{1, 2, 3, 4}, false},
		{"empty shape", []int{}, Float32, nil, true},
		{"negative dim", []int{2, -1}, Float32, nil, true},
		{"length mismatch", []int{2, 2}, Float32, []float32{1, 2, 3}, true},
		{"type mismatch", []int{2}, Float32, []int32{1, 2}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tensor, err := NewTensor(test.shape, test.dtype, test.data)
			if test.wantErr {
				if err == nil {
					t.Fatalf("expected error, got tensor %v", tensor)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(tensor.Shape, test.shape) {
				t.Errorf("shape = %v, expected %v", tensor.Shape, test.shape)
			}
			if tensor.NumElems != calculateNumElements(test.shape) {
				t.Errorf("NumElems = %d, expected %d", tensor.NumElems, calculateNumElements(test.shape))
			}
		})
	}
}

func TestStrides(t *testing.T) {
	got := calculateStrides([]int{2, 3, 4})
	if !reflect.DeepEqual(got, []int{12, 4, 1}) {
		t.Errorf("strides = %v, expected [12 4 1]", got)
	}
}

func TestFullAndOnes(t *testing.T) {
	ones, err := Ones([]int{3}, Float32)
	if err != nil {
		t.Fatalf("Ones failed: %v", err)
	}
	if !reflect.DeepEqual(ones.Data, []float32{1, 1, 1}) {
		t.Errorf("Ones data = %v", ones.Data)
	}
	ints, err := Full([]int{2}, 7, Int32)
	if err != nil {
		t.Fatalf("Full failed: %v", err)
	}
	if !reflect.DeepEqual(ints.Data, []int32{7, 7}) {
		t.Errorf("Full data = %v", ints.Data)
	}
}

func TestRandNDeterministic(t *testing.T) {
	a, err := RandN([]int{8}, rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatalf("RandN failed: %v", err)
	}
	b, err := RandN([]int{8}, rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatalf("RandN failed: %v", err)
	}
	if !Equal(a, b) {
		t.Error("RandN with the same seed produced different tensors")
	}
	if _, err := RandN([]int{2}, nil); err == nil {
		t.Error("expected error for nil random source")
	}
}

func TestCloneIsDeep(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, []float32{1, 2})
	c, err := a.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	c.Data.([]float32)[0] = 9
	if a.Data.([]float32)[0] != 1 {
		t.Error("Clone shares storage with the original")
	}
}

func TestItemAndAt(t *testing.T) {
	s, _ := FromScalar(2.5, Float32)
	v, err := s.Item()
	if err != nil || v.(float32) != 2.5 {
		t.Errorf("Item() = %v, %v", v, err)
	}

	m, _ := NewTensor([]int{2, 3}, Float32, []float32{0, 1, 2, 3, 4, 5})
	got, err := m.At(1, 2)
	if err != nil || got != 5 {
		t.Errorf("At(1,2) = %v, %v", got, err)
	}
	if _, err := m.At(2, 0); err == nil {
		t.Error("expected out of range error")
	}
	if _, err := m.Item(); err == nil {
		t.Error("expected error calling Item on multi-element tensor")
	}
}

func TestArgMaxRows(t *testing.T) {
	m, _ := NewTensor([]int{3, 3}, Float32, []float32{
		1, 5, 2,
		7, 7, 0,
		-1, -3, -2,
	})
	got, err := ArgMaxRows(m)
	if err != nil {
		t.Fatalf("ArgMaxRows failed: %v", err)
	}
	if !reflect.DeepEqual(got, []int{1, 0, 0}) {
		t.Errorf("ArgMaxRows = %v, expected [1 0 0]", got)
	}
}

func TestHasNonFinite(t *testing.T) {
	inf := float32(1)
	for i := 0; i < 200; i++ {
		inf *= 10
	}
	if !HasNonFinite([]float32{1, inf}) {
		t.Error("expected +Inf to be detected")
	}
	if HasNonFinite([]float32{1, 2, 3}) {
		t.Error("finite data reported as non-finite")
	}
}
