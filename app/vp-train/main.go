// Command vp-train learns a visual prompt and label mapping that adapt a
// frozen, possibly pruned, classifier to a downstream image dataset.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-vp/checkpoints"
	"github.com/tsawler/go-vp/config"
	"github.com/tsawler/go-vp/layers"
	"github.com/tsawler/go-vp/mapping"
	"github.com/tsawler/go-vp/optimizer"
	"github.com/tsawler/go-vp/prompt"
	"github.com/tsawler/go-vp/training"
	"github.com/tsawler/go-vp/vision/dataloader"
	"github.com/tsawler/go-vp/vision/dataset"
	"github.com/tsawler/go-vp/weights"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "vp-train",
	Short: "Train a visual prompt with label remapping on a frozen classifier",
	Long: `vp-train pads every downstream image into the input frame of a frozen
classifier, learns the pixels of the border, and maps task classes onto
native classes. Checkpoints, events and mapping matrices are written to
<results>/cnn/rlm_vp/<run>.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config", "", "YAML configuration file")
	flags.String("network", "LT", fmt.Sprintf("classifier variant %v", config.Networks))
	flags.String("dataset", "", fmt.Sprintf("downstream dataset %v", dataset.Names()))
	flags.Int("epoch", 200, "number of epochs")
	flags.Float64("lr", 0.01, "learning rate")
	flags.Int64("seed", 4, "random seed")
	flags.Bool("resume", false, "continue from the latest checkpoint of the run")
	flags.String("mapping-strategy", "random", "initial label mapping: random or matrix-derived")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Int("batch-size", 256, "batch size")
	flags.String("data", "data", "dataset root")
	flags.String("results", "results", "results root")
	flags.String("weights", "weights", "classifier weights root")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := config.NewLogger(cfg.LogLevel, os.Stderr)
	runDir := cfg.RunDir()
	log := logger.WithFields(logrus.Fields{"network": cfg.Network, "dataset": cfg.Dataset, "run": runDir})

	imageSize, err := cfg.InputSize()
	if err != nil {
		return err
	}
	trainSet, testSet, err := dataset.LoadSplits(cfg.Paths.Data, cfg.Dataset)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}
	task, err := dataset.NewConfigs(trainSet.ClassNames(), imageSize)
	if err != nil {
		return err
	}
	trainLoader, testLoader, err := dataloader.CreateSharedDataLoaders(trainSet, testSet, dataloader.Config{
		BatchSize:  cfg.BatchSize,
		Seed:       cfg.Seed,
		ImageSize:  imageSize,
		NumWorkers: cfg.Workers,
	})
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"train":   trainSet.Len(),
		"test":    testSet.Len(),
		"classes": len(task.ClassNames),
		"size":    imageSize,
	}).Info("dataset loaded")

	classifier, err := loadClassifier(cfg, log)
	if err != nil {
		return err
	}
	var nativeNames []string
	if cfg.Paths.NativeClasses != "" {
		if nativeNames, err = readLines(cfg.Paths.NativeClasses); err != nil {
			return err
		}
	}

	var normalize *prompt.Normalize
	if cfg.Prompt.Normalize {
		n := prompt.ImageNetNormalize
		normalize = &n
	}
	promptInit, err := prompt.ParseInit(cfg.Prompt.Init)
	if err != nil {
		return err
	}
	vp, err := prompt.New(cfg.Prompt.OutputSize, task.Mask, normalize, promptInit, training.NewRNG(cfg.Seed, training.StreamPrompt))
	if err != nil {
		return err
	}

	format, err := checkpoints.ParseFormat(cfg.Checkpoint.Format)
	if err != nil {
		return err
	}
	store, err := checkpoints.NewStore(runDir, format)
	if err != nil {
		return err
	}
	if err := cfg.Save(filepath.Join(runDir, "config.yaml")); err != nil {
		return err
	}
	events, err := training.NewEventLog(filepath.Join(runDir, "tensorboard"))
	if err != nil {
		return err
	}
	defer events.Close()

	var plotting *training.PlottingService
	if cfg.Plotting.Enabled {
		pc := training.DefaultPlottingServiceConfig()
		pc.BaseURL = cfg.Plotting.URL
		if cfg.Plotting.Timeout > 0 {
			pc.Timeout = cfg.Plotting.Timeout
		}
		plotting = training.NewPlottingService(pc)
		if err := plotting.CheckHealth(ctx); err != nil {
			log.WithError(err).Warn("plotting service unavailable, plots disabled")
		} else {
			plotting.Enable()
		}
	}

	agg, err := mapping.ParseAggregation(cfg.Mapping.Aggregation)
	if err != nil {
		return err
	}
	trainer, err := training.NewPromptTrainer(classifier, vp, training.TrainerConfig{
		Epochs:          cfg.Epochs,
		LearningRate:    cfg.LR,
		Scheduler:       cfg.Scheduler,
		NumTask:         len(task.ClassNames),
		Seed:            cfg.Seed,
		MappingStrategy: cfg.Mapping.Strategy,
		RemapEveryEpoch: cfg.Mapping.RemapEveryEpoch,
		Aggregation:     agg,
		MixedPrecision: optimizer.GradScalerConfig{
			Enabled:        cfg.MixedPrecision.Enabled,
			InitScale:      cfg.MixedPrecision.InitScale,
			GrowthFactor:   cfg.MixedPrecision.GrowthFactor,
			BackoffFactor:  cfg.MixedPrecision.BackoffFactor,
			GrowthInterval: cfg.MixedPrecision.GrowthInterval,
		},
		Resume:        cfg.Checkpoint.Resume,
		ModelName:     cfg.Network,
		PrefetchDepth: cfg.Prefetch,
	}, training.Dependencies{
		Logger:  log,
		Scalars: events,
		Checkpoints: training.NewCheckpointManager(store, checkpoints.CheckpointMetadata{
			Network: cfg.Network,
			Dataset: cfg.Dataset,
		}),
		Plotting:    plotting,
		Progress:    os.Stdout,
		TaskNames:   task.ClassNames,
		NativeNames: nativeNames,
	})
	if err != nil {
		return err
	}
	training.PrintArchitecture(os.Stdout, cfg.Network, classifier.Spec())
	log.Info(trainer.String())

	summary, err := trainer.Run(ctx, trainLoader, testLoader)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"best_acc": fmt.Sprintf("%.4f", summary.BestAccuracy),
		"sequence": summary.Sequence,
		"epochs":   len(summary.Epochs),
	}).Info("training finished")
	return nil
}

// loadClassifier rebuilds the network variant: the dense weights as
// stored, or a pruned checkpoint with its mask applied.
func loadClassifier(cfg *config.Config, log logrus.FieldLogger) (*layers.FrozenClassifier, error) {
	spec, err := layers.FromConfig([]int{prompt.Channels, cfg.Prompt.OutputSize, cfg.Prompt.OutputSize}, cfg.Classifier)
	if err != nil {
		return nil, fmt.Errorf("classifier architecture: %w", err)
	}

	basePath, maskPath := cfg.WeightFiles()
	base, err := weights.Load(basePath)
	if err != nil {
		return nil, err
	}
	set := base
	if maskPath != "" {
		mask, err := weights.Load(maskPath)
		if err != nil {
			return nil, err
		}
		if set, err = weights.Reconcile(base, mask, weights.ReconcileOptions{}); err != nil {
			return nil, err
		}
	} else if set, err = weights.Reconcile(base, weights.Set{}, weights.ReconcileOptions{}); err != nil {
		return nil, err
	}

	clf, err := layers.Build(spec, set)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"weights":    basePath,
		"parameters": spec.TotalParameters,
		"remaining":  fmt.Sprintf("%.2f%%", weights.Sparsity(set, nil)),
	}).Info("classifier loaded")
	return clf, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}
