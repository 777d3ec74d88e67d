// Command vp-demo runs a short prompt training on synthetic data with a
// randomly initialized classifier. It needs no dataset or weight files.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-vp/checkpoints"
	"github.com/tsawler/go-vp/config"
	"github.com/tsawler/go-vp/layers"
	"github.com/tsawler/go-vp/optimizer"
	"github.com/tsawler/go-vp/prompt"
	"github.com/tsawler/go-vp/training"
	"github.com/tsawler/go-vp/vision/dataloader"
	"github.com/tsawler/go-vp/vision/dataset"
)

func main() {
	epochs := flag.Int("epochs", 5, "number of epochs")
	lr := flag.Float64("lr", 0.05, "learning rate")
	out := flag.String("out", "", "output directory (default: a temporary directory)")
	flag.Parse()

	fmt.Println("=== Visual Prompt Training Demo ===")
	fmt.Println()

	if err := runDemo(*epochs, *lr, *out); err != nil {
		logrus.Fatalf("demo failed: %v", err)
	}
}

func runDemo(epochs int, lr float64, out string) error {
	const (
		imageSize  = 8
		outputSize = 16
		numNative  = 20
	)
	logger := config.NewLogger("info", os.Stderr)
	rng := rand.New(rand.NewSource(4))

	if out == "" {
		dir, err := os.MkdirTemp("", "vp-demo-")
		if err != nil {
			return err
		}
		out = dir
	}

	spec, err := layers.NewModelBuilder([]int{prompt.Channels, outputSize, outputSize}).
		AddAvgPool2D(4, "pool").
		AddDense(32, true, "fc1").
		AddReLU("relu1").
		AddDense(numNative, true, "fc2").
		Compile()
	if err != nil {
		return fmt.Errorf("failed to compile classifier: %v", err)
	}
	set, err := layers.InitWeights(spec, rng)
	if err != nil {
		return err
	}
	classifier, err := layers.Build(spec, set)
	if err != nil {
		return err
	}
	training.PrintArchitecture(os.Stdout, "demo", spec)

	classes := []string{"red", "green", "blue", "grey"}
	trainSet, err := dataset.Synthetic(classes, 32, imageSize, rng)
	if err != nil {
		return err
	}
	testSet, err := dataset.Synthetic(classes, 8, imageSize, rng)
	if err != nil {
		return err
	}
	task, err := dataset.NewConfigs(classes, imageSize)
	if err != nil {
		return err
	}
	trainLoader, testLoader, err := dataloader.CreateSharedDataLoaders(trainSet, testSet, dataloader.Config{
		BatchSize: 16,
		Seed:      4,
		ImageSize: imageSize,
	})
	if err != nil {
		return err
	}

	vp, err := prompt.New(outputSize, task.Mask, nil, prompt.InitZero, nil)
	if err != nil {
		return err
	}
	store, err := checkpoints.NewStore(out, checkpoints.FormatJSON)
	if err != nil {
		return err
	}
	events, err := training.NewEventLog(filepath.Join(out, "tensorboard"))
	if err != nil {
		return err
	}
	defer events.Close()

	scaler := optimizer.DefaultGradScalerConfig()
	scaler.Enabled = false
	trainer, err := training.NewPromptTrainer(classifier, vp, training.TrainerConfig{
		Epochs:          epochs,
		LearningRate:    lr,
		NumTask:         len(classes),
		Seed:            4,
		MappingStrategy: training.StrategyMatrixDerived,
		MixedPrecision:  scaler,
		ModelName:       "demo",
	}, training.Dependencies{
		Logger:      logger,
		Scalars:     events,
		Checkpoints: training.NewCheckpointManager(store, checkpoints.CheckpointMetadata{Description: "synthetic demo"}),
		Progress:    os.Stdout,
		TaskNames:   classes,
	})
	if err != nil {
		return err
	}

	summary, err := trainer.Run(context.Background(), trainLoader, testLoader)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Best test accuracy: %.2f%%\n", 100*summary.BestAccuracy)
	fmt.Printf("Label mapping: %v\n", summary.Sequence)
	fmt.Printf("Outputs written to %s\n", out)
	return nil
}
