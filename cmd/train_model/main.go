package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"hoopcast/config"
	"hoopcast/ml"
	"hoopcast/pipeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	from := flag.Int("from", 0, "first season to train on (0 = no filter)")
	to := flag.Int("to", 0, "last season to train on")
	seed := flag.Int64("seed", 0, "weight initialisation seed (0 = random)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	opts := ml.DatasetOptions{
		Features:     cfg.Dataset.FeatureColumns,
		Label:        cfg.Dataset.LabelColumn,
		SeasonColumn: cfg.Dataset.SeasonColumn,
		Encoding:     cfg.Dataset.Encoding,
		Policy:       cfg.CellPolicy(),
	}
	if *from != 0 || *to != 0 {
		if cfg.Dataset.SeasonColumn == "" {
			log.Fatal("-from/-to need dataset.season_column in the config")
		}
		seasons := ml.SeasonRange{From: *from, To: *to}
		if err := seasons.Validate(); err != nil {
			log.Fatalf("invalid season range: %v", err)
		}
		opts.Seasons = &seasons
	}

	ds, err := ml.LoadDataset(cfg.Dataset.Path, opts)
	if err != nil {
		log.Fatalf("failed to load dataset: %v", err)
	}
	if ds.Len() == 0 {
		log.Fatal("dataset has no usable rows")
	}
	log.Printf("loaded %d rows (%d skipped) from %s", ds.Len(), ds.Skipped, cfg.Dataset.Path)

	var modelOpts []ml.Option
	if *seed != 0 {
		modelOpts = append(modelOpts, ml.WithSeed(*seed))
	}
	model, err := ml.NewBinaryClassifier(len(cfg.Dataset.FeatureColumns), modelOpts...)
	if err != nil {
		log.Fatalf("failed to build model: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	history, err := model.Fit(ctx, ds.Features, ds.Labels, ml.FitConfig{
		Epochs:          pipeline.Epochs,
		BatchSize:       pipeline.BatchSize,
		ValidationSplit: pipeline.ValidationSplit,
		OnEpochEnd: func(logs ml.EpochLogs) {
			fmt.Printf("epoch %2d/%d loss=%.4f acc=%.4f val_loss=%.4f val_acc=%.4f\n",
				logs.Epoch, pipeline.Epochs, logs.Loss, logs.Accuracy, logs.ValLoss, logs.ValAccuracy)
		},
	})
	if err != nil {
		log.Fatalf("failed to train model: %v", err)
	}
	if _, err := pipeline.FinalEpoch(history); err != nil {
		log.Fatalf("failed to train model: %v", err)
	}

	valX := ds.Features[history.ValidationStart:]
	valY := ds.Labels[history.ValidationStart:]
	eval, err := ml.Evaluate(model, valX, valY)
	if err != nil {
		log.Fatalf("failed to evaluate model: %v", err)
	}
	log.Printf("validation rows=%d accuracy=%.2f precision=%.2f recall=%.2f mean_p=%.3f",
		eval.Samples, eval.Accuracy, eval.Precision, eval.Recall, eval.MeanProbability)

	means := ml.FeatureMeans(ds.Features)
	for i, name := range cfg.Dataset.FeatureColumns {
		fmt.Printf("mean %-12s %.3f\n", name, means[i])
	}
}
