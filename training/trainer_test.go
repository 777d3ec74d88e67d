package training

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-vp/layers"
	"github.com/tsawler/go-vp/prompt"
	"github.com/tsawler/go-vp/vision/dataloader"
	"github.com/tsawler/go-vp/vision/dataset"
	"github.com/tsawler/go-vp/weights"
)

// newTestClassifier maps [3,8,8] images to 4 native classes. Native logit 0
// is the sum of the 12 pooled features, the others are zero.
func newTestClassifier(t *testing.T) *layers.FrozenClassifier {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{3, 8, 8}).
		AddAvgPool2D(4, "pool").
		AddDense(4, true, "fc").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	w := make([]float32, 12*4)
	for i := 0; i < 12; i++ {
		w[i*4] = 1
	}
	clf, err := layers.Build(model, weights.Set{
		"fc.weight": {Shape: []int{12, 4}, Data: w},
		"fc.bias":   {Shape: []int{4}, Data: make([]float32, 4)},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return clf
}

func newTestLoaders(t *testing.T) (train, test *dataloader.DataLoader) {
	t.Helper()
	ds, err := dataset.Synthetic([]string{"a", "b"}, 8, 4, rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("Synthetic failed: %v", err)
	}
	train, test, err = dataloader.CreateSharedDataLoaders(ds, ds, dataloader.Config{BatchSize: 16, ImageSize: 4, Seed: 1})
	if err != nil {
		t.Fatalf("CreateSharedDataLoaders failed: %v", err)
	}
	return train, test
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(&bytes.Buffer{})
	return l
}

func testConfig(epochs int) TrainerConfig {
	return TrainerConfig{
		Epochs:          epochs,
		LearningRate:    0.1,
		Scheduler:       "constant",
		NumTask:         2,
		Seed:            4,
		InitialSequence: []int{2, 0},
		ModelName:       "test",
	}
}

func TestPromptTrainerEndToEnd(t *testing.T) {
	dir := t.TempDir()
	clf := newTestClassifier(t)
	before := clf.Weights()
	p := newTestPrompt(t)
	events, err := NewEventLog(dir)
	if err != nil {
		t.Fatalf("NewEventLog failed: %v", err)
	}
	defer events.Close()
	var progress bytes.Buffer

	trainer, err := NewPromptTrainer(clf, p, testConfig(5), Dependencies{
		Logger:      quietLogger(),
		Scalars:     events,
		Checkpoints: newTestManager(t, dir),
		Progress:    &progress,
		TaskNames:   []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("NewPromptTrainer failed: %v", err)
	}
	train, test := newTestLoaders(t)
	ctx := context.Background()
	if err := trainer.Prepare(ctx, train); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	var losses []float64
	for epoch := 0; epoch < 5; epoch++ {
		stats, err := trainer.TrainEpoch(ctx, train, epoch)
		if err != nil {
			t.Fatalf("TrainEpoch(%d) failed: %v", epoch, err)
		}
		if stats.Examples != 16 {
			t.Errorf("epoch %d saw %d examples, expected 16", epoch, stats.Examples)
		}
		losses = append(losses, stats.Loss)
	}
	for i := 1; i < len(losses); i++ {
		if losses[i] >= losses[i-1] {
			t.Errorf("loss did not decrease at epoch %d: %v", i, losses)
		}
	}

	if !reflect.DeepEqual(before, clf.Weights()) {
		t.Error("classifier weights changed during training")
	}
	if !reflect.DeepEqual(trainer.Mapping().Sequence(), []int{2, 0}) {
		t.Errorf("sequence = %v, expected [2 0]", trainer.Mapping().Sequence())
	}
	if !strings.Contains(progress.String(), "Epo 0 Training Lr") {
		t.Errorf("progress output missing training description: %q", progress.String())
	}

	stats, err := trainer.EvalEpoch(ctx, test, 4)
	if err != nil {
		t.Fatalf("EvalEpoch failed: %v", err)
	}
	// every image scores native 0, which is task class 1
	if stats.Accuracy != 0.5 {
		t.Errorf("eval accuracy = %v, expected 0.5", stats.Accuracy)
	}
	if r, c := trainer.LastMatrix().Dims(); r != 2 || c != 4 {
		t.Errorf("matrix is %dx%d, expected 2x4", r, c)
	}
	if _, err := os.Stat(events.ImagePath(TagMappingMatrix, 4)); err != nil {
		t.Errorf("mapping matrix image not written: %v", err)
	}
}

func TestPromptTrainerRunAndResume(t *testing.T) {
	dir := t.TempDir()
	clf := newTestClassifier(t)
	events, err := NewEventLog(dir)
	if err != nil {
		t.Fatalf("NewEventLog failed: %v", err)
	}
	train, test := newTestLoaders(t)
	ctx := context.Background()

	p := newTestPrompt(t)
	cfg := testConfig(3)
	cfg.InitialSequence = nil
	trainer, err := NewPromptTrainer(clf, p, cfg, Dependencies{
		Logger:      quietLogger(),
		Scalars:     events,
		Checkpoints: newTestManager(t, dir),
	})
	if err != nil {
		t.Fatalf("NewPromptTrainer failed: %v", err)
	}
	summary, err := trainer.Run(ctx, train, test)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(summary.Epochs) != 3 || summary.StartEpoch != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if err := events.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	logged, err := ReadEvents(dir)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(logged) != 9 {
		t.Errorf("got %d scalar events, expected 9", len(logged))
	}
	seq := summary.Sequence
	if len(seq) != 2 || seq[0] == seq[1] || seq[0] < 0 || seq[0] >= 4 || seq[1] < 0 || seq[1] >= 4 {
		t.Errorf("random sequence %v is not 2 distinct native classes", seq)
	}
	program := append([]float32(nil), p.Program().Data.([]float32)...)

	// a fresh trainer with resume picks up after the last epoch
	p2 := newTestPrompt(t)
	cfg.Epochs = 5
	cfg.Resume = true
	cfg.Seed = 99
	resumed, err := NewPromptTrainer(clf, p2, cfg, Dependencies{
		Logger:      quietLogger(),
		Checkpoints: newTestManager(t, dir),
	})
	if err != nil {
		t.Fatalf("NewPromptTrainer failed: %v", err)
	}
	if err := resumed.Prepare(ctx, train); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if resumed.StartEpoch() != 3 {
		t.Errorf("start epoch = %d, expected 3", resumed.StartEpoch())
	}
	if !reflect.DeepEqual(resumed.Mapping().Sequence(), seq) {
		t.Errorf("resumed sequence = %v, expected %v", resumed.Mapping().Sequence(), seq)
	}
	if !reflect.DeepEqual(p2.Program().Data.([]float32), program) {
		t.Error("resumed program differs from the saved one")
	}
	if resumed.Optimizer().GetStepCount() != 3 {
		t.Errorf("optimizer steps = %d, expected 3", resumed.Optimizer().GetStepCount())
	}

	summary, err = resumed.Run(ctx, train, test)
	if err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}
	if summary.StartEpoch != 3 || len(summary.Epochs) != 2 {
		t.Errorf("resumed summary = %+v", summary)
	}
}

func TestMappingStrategies(t *testing.T) {
	train, _ := newTestLoaders(t)
	ctx := context.Background()

	sequenceFor := func(strategy string, seed int64) []int {
		cfg := testConfig(1)
		cfg.InitialSequence = nil
		cfg.MappingStrategy = strategy
		cfg.Seed = seed
		trainer, err := NewPromptTrainer(newTestClassifier(t), newTestPrompt(t), cfg, Dependencies{Logger: quietLogger()})
		if err != nil {
			t.Fatalf("NewPromptTrainer failed: %v", err)
		}
		if err := trainer.Prepare(ctx, train); err != nil {
			t.Fatalf("Prepare failed: %v", err)
		}
		return trainer.Mapping().Sequence()
	}

	// every image is predicted as native 0; class a takes it, b the lowest free column
	if got := sequenceFor(StrategyMatrixDerived, 4); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Errorf("matrix-derived sequence = %v, expected [0 1]", got)
	}
	if a, b := sequenceFor(StrategyRandom, 4), sequenceFor(StrategyRandom, 4); !reflect.DeepEqual(a, b) {
		t.Errorf("random sequence not reproducible: %v vs %v", a, b)
	}
}

func TestNewPromptTrainerValidation(t *testing.T) {
	clf := newTestClassifier(t)
	tests := []struct {
		name   string
		mutate func(*TrainerConfig)
	}{
		{"zero epochs", func(c *TrainerConfig) { c.Epochs = 0 }},
		{"zero lr", func(c *TrainerConfig) { c.LearningRate = 0 }},
		{"too many task classes", func(c *TrainerConfig) { c.NumTask = 5 }},
		{"unknown strategy", func(c *TrainerConfig) { c.MappingStrategy = "greedy" }},
		{"unknown scheduler", func(c *TrainerConfig) { c.Scheduler = "plateau" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig(2)
			test.mutate(&cfg)
			if _, err := NewPromptTrainer(clf, newTestPrompt(t), cfg, Dependencies{}); err == nil {
				t.Error("expected error")
			}
		})
	}

	p := newTestPrompt(t)
	small, _ := layers.NewModelBuilder([]int{3, 4, 4}).AddDense(4, true, "fc").Compile()
	set, _ := layers.InitWeights(small, rand.New(rand.NewSource(1)))
	wrong, err := layers.Build(small, set)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, err := NewPromptTrainer(wrong, p, testConfig(1), Dependencies{}); err == nil {
		t.Error("expected error for classifier input not matching prompt output")
	}

	deps := Dependencies{NativeNames: []string{"n0", "n1", "n2"}}
	if _, err := NewPromptTrainer(clf, newTestPrompt(t), testConfig(1), deps); err == nil {
		t.Error("expected error for native class names not matching classifier outputs")
	}
}

func TestRemapEveryEpoch(t *testing.T) {
	train, test := newTestLoaders(t)
	cfg := testConfig(2)
	cfg.InitialSequence = nil
	cfg.MappingStrategy = StrategyMatrixDerived
	cfg.RemapEveryEpoch = true
	trainer, err := NewPromptTrainer(newTestClassifier(t), newTestPrompt(t), cfg, Dependencies{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewPromptTrainer failed: %v", err)
	}
	summary, err := trainer.Run(context.Background(), train, test)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// prompted pixels stay positive, so native 0 wins every image in every epoch
	if !reflect.DeepEqual(summary.Sequence, []int{0, 1}) {
		t.Errorf("sequence after remapping = %v, expected [0 1]", summary.Sequence)
	}
	if len(summary.Epochs) != 2 {
		t.Errorf("ran %d epochs, expected 2", len(summary.Epochs))
	}
}

func TestRunAbortsOnBadEvaluationBatch(t *testing.T) {
	train, _ := newTestLoaders(t)
	tests := []struct {
		name      string
		classes   []string
		imageSize int
		want      error
	}{
		{"label outside task classes", []string{"a", "b", "c"}, 4, ErrLabelRange},
		{"image size mismatch", []string{"a", "b"}, 6, prompt.ErrInputShape},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ds, err := dataset.Synthetic(test.classes, 8, test.imageSize, rand.New(rand.NewSource(5)))
			if err != nil {
				t.Fatalf("Synthetic failed: %v", err)
			}
			eval, err := dataloader.NewDataLoader(ds, dataloader.Config{BatchSize: 16, ImageSize: test.imageSize})
			if err != nil {
				t.Fatalf("NewDataLoader failed: %v", err)
			}
			manager := newTestManager(t, t.TempDir())
			trainer, err := NewPromptTrainer(newTestClassifier(t), newTestPrompt(t), testConfig(2), Dependencies{
				Logger:      quietLogger(),
				Checkpoints: manager,
			})
			if err != nil {
				t.Fatalf("NewPromptTrainer failed: %v", err)
			}

			summary, err := trainer.Run(context.Background(), train, eval)
			if !errors.Is(err, test.want) {
				t.Fatalf("Run error = %v, expected %v", err, test.want)
			}
			if summary != nil && len(summary.Epochs) != 0 {
				t.Errorf("%d epochs completed, expected none", len(summary.Epochs))
			}
			written, err := manager.Store().HasLatest()
			if err != nil {
				t.Fatalf("HasLatest failed: %v", err)
			}
			if written {
				t.Error("checkpoint written for the failed epoch")
			}
		})
	}
}
