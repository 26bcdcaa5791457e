package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Trainer is the part of Service the watcher needs.
type Trainer interface {
	Train(ctx context.Context, req TrainRequest) (*TrainResult, error)
}

// Watcher retrains when the dataset file changes on disk.
type Watcher struct {
	path     string
	trainer  Trainer
	debounce time.Duration
	logger   *zap.Logger
}

func NewWatcher(path string, trainer Trainer, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		trainer:  trainer,
		debounce: debounce,
		logger:   logger,
	}
}

// Run blocks until ctx is done. The parent directory is watched so editors that
// replace the file by rename are noticed too.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching dataset for changes", zap.String("path", w.path))

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("dataset changed", zap.String("op", event.Op.String()))
			resetTimer(timer, w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("dataset watcher error", zap.Error(err))

		case <-timer.C:
			w.retrain(ctx)
		}
	}
}

// resetTimer restarts t, discarding a tick that fired but was not received.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (w *Watcher) retrain(ctx context.Context) {
	_, err := w.trainer.Train(ctx, TrainRequest{Name: "auto-retrain"})
	switch {
	case err == nil:
	case errors.Is(err, ErrTrainingInProgress):
		w.logger.Info("dataset changed during a training run, skipping retrain")
	default:
		w.logger.Warn("automatic retrain failed", zap.Error(err))
	}
}
