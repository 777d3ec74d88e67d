package weights

import (
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"testing"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"model.fc.weight", "fc.weight"},
		{"module.model.fc.weight", "fc.weight"},
		{"model.model.fc.bias", "fc.bias"},
		{"fc.weight", "fc.weight"},
		{"backbone.model.fc", "backbone.model.fc"},
	}
	for _, test := range tests {
		got := NormalizeName(test.in, DefaultPrefixes)
		if got != test.want {
			t.Errorf("NormalizeName(%q) = %q, expected %q", test.in, got, test.want)
		}
		if again := NormalizeName(got, DefaultPrefixes); again != got {
			t.Errorf("NormalizeName is not idempotent for %q: %q", test.in, again)
		}
	}
}

func TestReconcile(t *testing.T) {
	base := Set{
		"model.conv.weight": {Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
		"model.fc.weight":   {Shape: []int{2, 2}, Data: []float32{5, 6, 7, 8}},
		"bn.running_mean":   {Shape: []int{2}, Data: []float32{0.5, 0.25}},
	}
	mask := Set{
		"model.conv.weight": {Shape: []int{2, 2}, Data: []float32{1, 0, 0, 1}},
		"fc.weight":         {Shape: []int{2, 2}, Data: []float32{0, 1, 1, 0}},
	}
	baseCopy := base.Clone()

	got, err := Reconcile(base, mask, ReconcileOptions{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	wantNames := []string{"bn.running_mean", "conv.weight", "fc.weight"}
	if !reflect.DeepEqual(got.Names(), wantNames) {
		t.Errorf("names = %v, expected %v", got.Names(), wantNames)
	}
	if !reflect.DeepEqual(got["conv.weight"].Data, []float32{1, 0, 0, 4}) {
		t.Errorf("conv.weight = %v", got["conv.weight"].Data)
	}
	if !reflect.DeepEqual(got["fc.weight"].Data, []float32{0, 6, 7, 0}) {
		t.Errorf("fc.weight = %v", got["fc.weight"].Data)
	}
	if !reflect.DeepEqual(got["bn.running_mean"].Data, []float32{0.5, 0.25}) {
		t.Errorf("pass-through tensor changed: %v", got["bn.running_mean"].Data)
	}

	for name, tensor := range baseCopy {
		if !reflect.DeepEqual(base[name].Data, tensor.Data) {
			t.Errorf("base tensor %s was mutated", name)
		}
	}
	got["bn.running_mean"].Data[0] = 99
	if base["bn.running_mean"].Data[0] != 0.5 {
		t.Error("pass-through tensor shares storage with base")
	}
}

func TestReconcileErrors(t *testing.T) {
	base := Set{"fc.weight": {Shape: []int{2}, Data: []float32{1, 2}}}
	tests := []struct {
		name string
		base Set
		mask Set
	}{
		{"missing base", base, Set{"conv.weight": {Shape: []int{2}, Data: []float32{1, 1}}}},
		{"shape mismatch", base, Set{"fc.weight": {Shape: []int{1, 2}, Data: []float32{1, 1}}}},
		{"colliding base names", Set{
			"model.fc.weight": {Shape: []int{2}, Data: []float32{1, 2}},
			"fc.weight":       {Shape: []int{2}, Data: []float32{1, 2}},
		}, Set{}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Reconcile(test.base, test.mask, ReconcileOptions{})
			if err == nil {
				t.Fatal("expected error")
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("error %v is not a *ConfigError", err)
			}
			if !errors.Is(err, ErrMaskMismatch) {
				t.Errorf("error %v does not wrap ErrMaskMismatch", err)
			}
		})
	}
}

func TestSparsity(t *testing.T) {
	s := Set{
		"fc.weight": {Shape: []int{2, 2}, Data: []float32{0, 1, 0, 1}},
		"fc.bias":   {Shape: []int{2}, Data: []float32{0, 0}},
	}
	if got := Sparsity(s, nil); got != 50 {
		t.Errorf("Sparsity = %v, expected 50", got)
	}
	if got := Sparsity(s, []string{"fc.bias"}); got != 0 {
		t.Errorf("Sparsity(bias) = %v, expected 0", got)
	}
	if got := Sparsity(Set{}, nil); got != 100 {
		t.Errorf("Sparsity(empty) = %v, expected 100", got)
	}
}

func TestSafetensorsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.safetensors")
	s := Set{
		"fc.weight": {Shape: []int{2, 3}, Data: []float32{1, -2, 3.5, 0, 1e-3, 7}},
		"fc.bias":   {Shape: []int{3}, Data: []float32{0.1, 0.2, 0.3}},
	}
	if err := Save(path, s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(loaded, s) {
		t.Errorf("loaded set differs: %v", loaded)
	}
}

func TestParseHalfPrecision(t *testing.T) {
	header := []byte(`{"a":{"dtype":"F16","shape":[2],"data_offsets":[0,4]},"b":{"dtype":"BF16","shape":[1],"data_offsets":[4,6]},"__metadata__":{"format":"pt"}}`)
	data := make([]byte, 8+len(header)+6)
	binary.LittleEndian.PutUint64(data, uint64(len(header)))
	copy(data[8:], header)
	payload := data[8+len(header):]
	binary.LittleEndian.PutUint16(payload[0:], 0x3C00) // 1.0
	binary.LittleEndian.PutUint16(payload[2:], 0xC000) // -2.0
	binary.LittleEndian.PutUint16(payload[4:], uint16(math.Float32bits(0.5)>>16))

	set, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !reflect.DeepEqual(set["a"].Data, []float32{1, -2}) {
		t.Errorf("F16 values = %v", set["a"].Data)
	}
	if set["b"].Data[0] != 0.5 {
		t.Errorf("BF16 value = %v", set["b"].Data[0])
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.safetensors"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected *ConfigError, got %v", err)
	}
}
