package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-vp/async"
	"github.com/tsawler/go-vp/layers"
	"github.com/tsawler/go-vp/mapping"
	"github.com/tsawler/go-vp/optimizer"
	"github.com/tsawler/go-vp/prompt"
	"github.com/tsawler/go-vp/tensor"
	"github.com/tsawler/go-vp/vision/dataloader"
)

// Mapping strategies for the initial label sequence.
const (
	StrategyRandom        = "random"
	StrategyMatrixDerived = "matrix-derived"
)

// Scalar and image tags written once per epoch.
const (
	TagTrainAcc      = "train/acc"
	TagTrainLoss     = "train/loss"
	TagTestAcc       = "test/acc"
	TagMappingMatrix = "mapping-matrix"
)

var _ Module = (*prompt.ExpansiveVisualPrompt)(nil)

// TrainerConfig holds the hyperparameters of a prompt training run.
type TrainerConfig struct {
	Epochs       int
	LearningRate float64
	Scheduler    string // "" selects MultiStepLR
	NumTask      int
	Seed         int64

	// MappingStrategy is StrategyRandom or StrategyMatrixDerived.
	// InitialSequence, when set, overrides it.
	MappingStrategy string
	InitialSequence []int
	RemapEveryEpoch bool
	Aggregation     mapping.Aggregation

	MixedPrecision optimizer.GradScalerConfig
	Resume         bool
	ModelName      string
	PrefetchDepth  int // batches loaded ahead; 0 selects async.DefaultDepth
}

// Dependencies are the collaborators of a PromptTrainer. Every field is
// optional.
type Dependencies struct {
	Logger      logrus.FieldLogger
	Scalars     ScalarLogger
	Renderer    Renderer
	Checkpoints *CheckpointManager
	Plotting    *PlottingService
	Progress    io.Writer
	TaskNames   []string
	NativeNames []string
}

// EpochStats summarizes one pass over a split.
type EpochStats struct {
	Epoch        int
	LearningRate float64
	Loss         float64
	Accuracy     float64
	Examples     int
	SkippedSteps int
	Duration     time.Duration
}

// RunSummary is returned by Run.
type RunSummary struct {
	StartEpoch   int
	Epochs       []EpochStats // evaluation stats per epoch run
	BestAccuracy float64
	Sequence     []int
}

// PromptTrainer co-trains a visual prompt in front of a frozen classifier
// whose native outputs are reindexed by a label mapping. Only the prompt
// program is updated.
type PromptTrainer struct {
	config     TrainerConfig
	classifier layers.Classifier
	prompt     *prompt.ExpansiveVisualPrompt
	mapping    *mapping.LabelMapping
	optimizer  *optimizer.Adam
	scheduler  LRScheduler
	scaler     *optimizer.GradScaler

	logger      logrus.FieldLogger
	scalars     ScalarLogger
	renderer    Renderer
	checkpoints *CheckpointManager
	plotting    *PlottingService
	progress    io.Writer
	collector   *VisualizationCollector
	taskNames   []string
	nativeNames []string

	prepared   bool
	startEpoch int
	step       int
	lastMatrix *mat.Dense
}

// NewPromptTrainer wires the optimizer, scheduler and grad scaler around
// the prompt. The label mapping is chosen by Prepare.
func NewPromptTrainer(classifier layers.Classifier, p *prompt.ExpansiveVisualPrompt, config TrainerConfig, deps Dependencies) (*PromptTrainer, error) {
	if classifier == nil || p == nil {
		return nil, fmt.Errorf("classifier and prompt are required")
	}
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.NumTask <= 0 || config.NumTask > classifier.NumClasses() {
		return nil, fmt.Errorf("cannot map %d task classes onto %d native classes", config.NumTask, classifier.NumClasses())
	}
	want := []int{prompt.Channels, p.OutputSize(), p.OutputSize()}
	if got := classifier.InputShape(); !equalInts(got, want) {
		return nil, fmt.Errorf("classifier input %v does not match prompt output %v", got, want)
	}
	switch config.MappingStrategy {
	case "":
		config.MappingStrategy = StrategyRandom
	case StrategyRandom, StrategyMatrixDerived:
	default:
		return nil, fmt.Errorf("unsupported mapping strategy %q", config.MappingStrategy)
	}
	if deps.TaskNames != nil && len(deps.TaskNames) != config.NumTask {
		return nil, fmt.Errorf("%d task class names for %d task classes", len(deps.TaskNames), config.NumTask)
	}
	if deps.NativeNames != nil && len(deps.NativeNames) != classifier.NumClasses() {
		return nil, fmt.Errorf("%d native class names for %d native classes", len(deps.NativeNames), classifier.NumClasses())
	}

	scheduler, err := NewScheduler(config.Scheduler, config.Epochs)
	if err != nil {
		return nil, err
	}
	adamConfig := optimizer.DefaultAdamConfig()
	adamConfig.LearningRate = config.LearningRate
	adam, err := optimizer.NewAdam(p.Parameters(), adamConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	scaler, err := optimizer.NewGradScaler(config.MixedPrecision, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create grad scaler: %w", err)
	}
	scalars := deps.Scalars
	if scalars == nil {
		scalars = discardLogger{}
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = NewHeatmapRenderer()
	}

	return &PromptTrainer{
		config:      config,
		classifier:  classifier,
		prompt:      p,
		optimizer:   adam,
		scheduler:   scheduler,
		scaler:      scaler,
		logger:      logger,
		scalars:     scalars,
		renderer:    renderer,
		checkpoints: deps.Checkpoints,
		plotting:    deps.Plotting,
		progress:    deps.Progress,
		collector:   NewVisualizationCollector(config.ModelName),
		taskNames:   deps.TaskNames,
		nativeNames: deps.NativeNames,
	}, nil
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *PromptTrainer) Mapping() *mapping.LabelMapping        { return t.mapping }
func (t *PromptTrainer) Optimizer() *optimizer.Adam            { return t.optimizer }
func (t *PromptTrainer) Scaler() *optimizer.GradScaler         { return t.scaler }
func (t *PromptTrainer) Collector() *VisualizationCollector    { return t.collector }
func (t *PromptTrainer) StartEpoch() int                       { return t.startEpoch }
func (t *PromptTrainer) LastMatrix() *mat.Dense                { return t.lastMatrix }
func (t *PromptTrainer) Prompt() *prompt.ExpansiveVisualPrompt { return t.prompt }

// Prepare restores the latest snapshot when resuming, otherwise chooses
// the initial mapping sequence. train is read only by the matrix-derived
// strategy.
func (t *PromptTrainer) Prepare(ctx context.Context, train *dataloader.DataLoader) error {
	if t.prepared {
		return nil
	}
	resumed, err := t.resume()
	if err != nil {
		return err
	}
	if !resumed {
		seq, err := t.initialSequence(ctx, train)
		if err != nil {
			return err
		}
		if err := t.setSequence(seq); err != nil {
			return err
		}
	}
	t.optimizer.SetLR(t.scheduler.GetLR(t.startEpoch, t.step, t.config.LearningRate))
	t.prepared = true

	t.logger.WithFields(logrus.Fields{
		"strategy":    t.config.MappingStrategy,
		"sequence":    t.mapping.Sequence(),
		"start_epoch": t.startEpoch,
		"lr":          t.optimizer.GetLR(),
		"scheduler":   t.scheduler.GetName(),
	}).Info("label mapping ready")
	return nil
}

func (t *PromptTrainer) resume() (bool, error) {
	if !t.config.Resume || t.checkpoints == nil {
		return false, nil
	}
	ok, err := t.checkpoints.Store().HasLatest()
	if err != nil || !ok {
		return false, err
	}
	c, err := t.checkpoints.Store().LoadLatest()
	if err != nil {
		return false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := t.checkpoints.Restore(c, RunState{Prompt: t.prompt, Optimizer: t.optimizer, Scaler: t.scaler}); err != nil {
		return false, err
	}
	if err := t.setSequence(c.MappingSequence); err != nil {
		return false, fmt.Errorf("checkpoint mapping sequence: %w", err)
	}
	t.startEpoch = c.TrainingState.Epoch + 1
	t.step = c.TrainingState.Step
	t.logger.WithFields(logrus.Fields{
		"path":  t.checkpoints.Store().LatestPath(),
		"epoch": c.TrainingState.Epoch,
		"best":  c.TrainingState.BestAccuracy,
	}).Info("resumed from checkpoint")
	return true, nil
}

func (t *PromptTrainer) setSequence(seq []int) error {
	if len(seq) != t.config.NumTask {
		return fmt.Errorf("sequence has %d entries for %d task classes", len(seq), t.config.NumTask)
	}
	lm, err := mapping.NewLabelMapping(seq, t.classifier.NumClasses())
	if err != nil {
		return err
	}
	t.mapping = lm
	return nil
}

func (t *PromptTrainer) initialSequence(ctx context.Context, train *dataloader.DataLoader) ([]int, error) {
	if t.config.InitialSequence != nil {
		return append([]int(nil), t.config.InitialSequence...), nil
	}
	if t.config.MappingStrategy == StrategyMatrixDerived {
		return t.deriveSequence(ctx, train)
	}
	return mapping.RandomSequence(NewRNG(t.config.Seed, StreamMapping), t.classifier.NumClasses(), t.config.NumTask)
}

// deriveSequence assigns task classes to the native classes the current
// prompt most often predicts for them on train.
func (t *PromptTrainer) deriveSequence(ctx context.Context, train *dataloader.DataLoader) ([]int, error) {
	if train == nil {
		return nil, fmt.Errorf("matrix-derived mapping needs the training split")
	}
	native, labels, err := t.collectNative(ctx, train, nil)
	if err != nil {
		return nil, err
	}
	m, err := mapping.BuildMatrix(native, labels, t.config.NumTask, mapping.AggregateFrequency)
	if err != nil {
		return nil, err
	}
	return mapping.DeriveSequence(m)
}

// forward runs prompt and classifier and returns native and task logits.
func (t *PromptTrainer) forward(images *tensor.Tensor) (native, task *tensor.Tensor, err error) {
	prompted, err := t.prompt.Forward(images)
	if err != nil {
		return nil, nil, err
	}
	native, err = t.classifier.Forward(prompted)
	if err != nil {
		return nil, nil, err
	}
	if t.mapping == nil {
		return native, nil, nil
	}
	task, err = t.mapping.Map(native)
	if err != nil {
		return nil, nil, err
	}
	return native, task, nil
}

// TrainEpoch makes one pass over train, updating the prompt after every
// batch, then moves the learning rate to the value for epoch+1.
func (t *PromptTrainer) TrainEpoch(ctx context.Context, train *dataloader.DataLoader, epoch int) (EpochStats, error) {
	if t.mapping == nil {
		return EpochStats{}, fmt.Errorf("trainer not prepared")
	}
	start := time.Now()
	stats := EpochStats{Epoch: epoch, LearningRate: t.optimizer.GetLR()}

	t.prompt.Train()
	train.Reset()
	batches := async.NewPrefetcher(ctx, train, t.config.PrefetchDepth)
	defer batches.Stop()
	bar := NewProgressBar(t.progress, TrainDescription(epoch, stats.LearningRate), train.NumBatches())
	var meter AccuracyMeter

	for i := 0; ; i++ {
		batch, err := batches.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
		}

		t.optimizer.ZeroGrad()
		_, task, err := t.forward(batch.Images)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
		}
		loss, err := CrossEntropy(task, batch.Labels)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
		}
		scaled, err := t.scaler.ScaleLoss(loss)
		if err != nil {
			return stats, err
		}
		if err := scaled.Backward(); err != nil {
			return stats, fmt.Errorf("epoch %d batch %d backward: %w", epoch, i, err)
		}
		applied, err := t.scaler.Step(t.optimizer)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d step: %w", epoch, i, err)
		}
		t.scaler.Update()
		if !applied {
			stats.SkippedSteps++
		}
		t.step++

		lv, err := loss.Float()
		if err != nil {
			return stats, err
		}
		if _, err := meter.Update(task, batch.Labels, float64(lv)); err != nil {
			return stats, err
		}
		bar.Update(i+1, map[string]float64{"acc": meter.Accuracy(), "loss": meter.Loss()})
	}
	bar.Finish()

	if meter.Total == 0 {
		return stats, fmt.Errorf("training split produced no batches")
	}
	t.optimizer.SetLR(t.scheduler.GetLR(epoch+1, t.step, t.config.LearningRate))

	stats.Loss = meter.Loss()
	stats.Accuracy = meter.Accuracy()
	stats.Examples = meter.Total
	stats.Duration = time.Since(start)
	return stats, nil
}

// collectNative runs the prompted classifier over loader without building
// a graph and returns all native logits with their labels. onBatch, when
// set, sees every batch's native logits.
func (t *PromptTrainer) collectNative(ctx context.Context, loader *dataloader.DataLoader, onBatch func(native *tensor.Tensor, labels []int32) error) (*tensor.Tensor, []int32, error) {
	numNative := t.classifier.NumClasses()
	var rows []float32
	var labels []int32

	t.prompt.Eval()
	loader.Reset()
	batches := async.NewPrefetcher(ctx, loader, t.config.PrefetchDepth)
	defer batches.Stop()
	err := tensor.NoGrad(func() error {
		for i := 0; ; i++ {
			batch, err := batches.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			prompted, err := t.prompt.Forward(batch.Images)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			native, err := t.classifier.Forward(prompted)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			data, err := native.GetFloat32Data()
			if err != nil {
				return err
			}
			rows = append(rows, data...)
			labels = append(labels, batch.Labels...)
			if onBatch != nil {
				if err := onBatch(native, batch.Labels); err != nil {
					return fmt.Errorf("batch %d: %w", i, err)
				}
			}
		}
	})
	if err != nil {
		return nil, nil, err
	}
	if len(labels) == 0 {
		return nil, nil, fmt.Errorf("split produced no batches")
	}
	all, err := tensor.NewTensor([]int{len(labels), numNative}, tensor.Float32, rows)
	if err != nil {
		return nil, nil, err
	}
	return all, labels, nil
}

// EvalEpoch measures task accuracy on test and rebuilds the mapping matrix
// from the native logits of the same pass.
func (t *PromptTrainer) EvalEpoch(ctx context.Context, test *dataloader.DataLoader, epoch int) (EpochStats, error) {
	if t.mapping == nil {
		return EpochStats{}, fmt.Errorf("trainer not prepared")
	}
	start := time.Now()
	stats := EpochStats{Epoch: epoch, LearningRate: t.optimizer.GetLR()}
	bar := NewProgressBar(t.progress, EvalDescription(epoch, 0), test.NumBatches())
	var meter AccuracyMeter
	n := 0

	native, labels, err := t.collectNative(ctx, test, func(native *tensor.Tensor, labels []int32) error {
		task, err := t.mapping.Map(native)
		if err != nil {
			return err
		}
		loss, err := CrossEntropy(task, labels)
		if err != nil {
			return err
		}
		lv, err := loss.Float()
		if err != nil {
			return err
		}
		if _, err := meter.Update(task, labels, float64(lv)); err != nil {
			return err
		}
		n++
		bar.SetDescription(EvalDescription(epoch, meter.Accuracy()))
		bar.Update(n, nil)
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("epoch %d evaluation: %w", epoch, err)
	}
	bar.Finish()

	m, err := mapping.BuildMatrix(native, labels, t.config.NumTask, t.config.Aggregation)
	if err != nil {
		return stats, fmt.Errorf("epoch %d mapping matrix: %w", epoch, err)
	}
	t.lastMatrix = m
	img, err := t.renderer.Render(m, t.mapping.Sequence(), t.taskNames, t.nativeNames)
	if err != nil {
		return stats, fmt.Errorf("epoch %d render: %w", epoch, err)
	}
	if err := t.scalars.Image(TagMappingMatrix, epoch, img); err != nil {
		return stats, fmt.Errorf("epoch %d: %w", epoch, err)
	}

	stats.Loss = meter.Loss()
	stats.Accuracy = meter.Accuracy()
	stats.Examples = meter.Total
	stats.Duration = time.Since(start)
	return stats, nil
}

// Checkpoint persists the snapshot after epoch and reports whether it was
// a new best.
func (t *PromptTrainer) Checkpoint(epoch int, accuracy float64) (bool, error) {
	if t.checkpoints == nil {
		return false, nil
	}
	return t.checkpoints.Record(RunState{
		Prompt:      t.prompt,
		Optimizer:   t.optimizer,
		Scaler:      t.scaler,
		Sequence:    t.mapping.Sequence(),
		Epoch:       epoch,
		Step:        t.step,
		TotalEpochs: t.config.Epochs,
	}, accuracy)
}

// Run prepares the trainer and runs the remaining epochs:
// train, evaluate, checkpoint.
func (t *PromptTrainer) Run(ctx context.Context, train, test *dataloader.DataLoader) (*RunSummary, error) {
	if err := t.Prepare(ctx, train); err != nil {
		return nil, err
	}
	summary := &RunSummary{StartEpoch: t.startEpoch}

	for epoch := t.startEpoch; epoch < t.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if t.config.RemapEveryEpoch && t.config.InitialSequence == nil {
			seq, err := t.deriveSequence(ctx, train)
			if err != nil {
				return summary, fmt.Errorf("epoch %d remap: %w", epoch, err)
			}
			if err := t.setSequence(seq); err != nil {
				return summary, err
			}
			t.logger.WithFields(logrus.Fields{"epoch": epoch, "sequence": seq}).Debug("label mapping updated")
		}

		trainStats, err := t.TrainEpoch(ctx, train, epoch)
		if err != nil {
			return summary, err
		}
		evalStats, err := t.EvalEpoch(ctx, test, epoch)
		if err != nil {
			return summary, err
		}
		improved, err := t.Checkpoint(epoch, evalStats.Accuracy)
		if err != nil {
			return summary, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		for _, s := range []struct {
			tag   string
			value float64
		}{
			{TagTrainAcc, trainStats.Accuracy},
			{TagTrainLoss, trainStats.Loss},
			{TagTestAcc, evalStats.Accuracy},
		} {
			if err := t.scalars.Scalar(s.tag, epoch, s.value); err != nil {
				return summary, fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}
		t.collector.RecordEpoch(epoch, trainStats.LearningRate, trainStats.Loss, trainStats.Accuracy, evalStats.Accuracy)
		summary.Epochs = append(summary.Epochs, evalStats)

		fields := logrus.Fields{
			"epoch":      epoch,
			"lr":         trainStats.LearningRate,
			"train_loss": fmt.Sprintf("%.4f", trainStats.Loss),
			"train_acc":  fmt.Sprintf("%.4f", trainStats.Accuracy),
			"test_acc":   fmt.Sprintf("%.4f", evalStats.Accuracy),
			"best":       improved,
		}
		if trainStats.SkippedSteps > 0 {
			fields["skipped_steps"] = trainStats.SkippedSteps
		}
		t.logger.WithFields(fields).Info("epoch complete")
	}

	if t.checkpoints != nil {
		summary.BestAccuracy = t.checkpoints.BestAccuracy()
	}
	summary.Sequence = t.mapping.Sequence()
	t.sendPlots(ctx)
	return summary, nil
}

// sendPlots posts the run's plots when a plotting service is enabled.
// Failures are logged only.
func (t *PromptTrainer) sendPlots(ctx context.Context) {
	if t.plotting == nil || !t.plotting.IsEnabled() || t.collector.NumEpochs() == 0 {
		return
	}
	var matrix *PlotData
	if t.lastMatrix != nil {
		pd := MappingMatrixPlotData(t.config.ModelName, t.lastMatrix, t.mapping.Sequence(), t.taskNames, t.nativeNames, t.config.Epochs-1)
		matrix = &pd
	}
	if _, err := t.plotting.SendRunPlots(ctx, t.collector, matrix); err != nil {
		t.logger.WithError(err).Warn("failed to send plots")
	}
}

// String describes the trainer configuration for logs.
func (t *PromptTrainer) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "PromptTrainer(epochs=%d, lr=%g, scheduler=%s, strategy=%s",
		t.config.Epochs, t.config.LearningRate, t.scheduler.GetName(), t.config.MappingStrategy)
	if t.scaler.Enabled() {
		fmt.Fprintf(&sb, ", mixed_precision scale=%g", t.scaler.Scale())
	}
	sb.WriteString(")")
	return sb.String()
}
