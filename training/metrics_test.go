package training

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestAccuracyMeter(t *testing.T) {
	var m AccuracyMeter
	if m.Accuracy() != 0 || m.Loss() != 0 {
		t.Error("empty meter should report zero")
	}
	preds, err := m.Update(mustTensor(t, []int{2, 2}, []float32{1, 0, 0, 1}), []int32{0, 0}, 1.0)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !reflect.DeepEqual(preds, []int{0, 1}) {
		t.Errorf("preds = %v, expected [0 1]", preds)
	}
	if _, err := m.Update(mustTensor(t, []int{1, 2}, []float32{0, 3}), []int32{1}, 4.0); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if m.Correct != 2 || m.Total != 3 {
		t.Errorf("correct/total = %d/%d, expected 2/3", m.Correct, m.Total)
	}
	if math.Abs(m.Accuracy()-2.0/3) > 1e-12 {
		t.Errorf("accuracy = %v", m.Accuracy())
	}
	// (1·2 + 4·1) / 3
	if math.Abs(m.Loss()-2) > 1e-12 {
		t.Errorf("loss = %v, expected 2", m.Loss())
	}
	if _, err := m.Update(mustTensor(t, []int{1, 2}, []float32{0, 3}), []int32{1, 0}, 0); err == nil {
		t.Error("expected error for label count mismatch")
	}
}

func TestConfusionMatrix(t *testing.T) {
	cm := NewConfusionMatrix(3)
	if err := cm.Update([]int{0, 1, 1, 2}, []int32{0, 1, 2, 2}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if cm.Matrix[2][1] != 1 || cm.Matrix[2][2] != 1 {
		t.Errorf("row 2 = %v, expected [0 1 1]", cm.Matrix[2])
	}
	if got := cm.GetAccuracy(); got != 0.75 {
		t.Errorf("accuracy = %v, expected 0.75", got)
	}
	if got := cm.PerClassRecall(); !reflect.DeepEqual(got, []float64{1, 1, 0.5}) {
		t.Errorf("recall = %v", got)
	}
	if got := cm.MacroRecall(); math.Abs(got-2.5/3) > 1e-12 {
		t.Errorf("macro recall = %v", got)
	}
	if err := cm.Update([]int{3}, []int32{0}); !errors.Is(err, ErrLabelRange) {
		t.Errorf("expected ErrLabelRange, got %v", err)
	}
}
