// Package pipeline owns the trained model and runs training and inference.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hoopcast/db"
	"hoopcast/ml"
	"hoopcast/monitoring"
)

// Fixed training hyperparameters.
const (
	Epochs          = 50
	BatchSize       = 16
	ValidationSplit = 0.2
)

// Model is the classifier capability the service trains and queries.
type Model interface {
	Fit(ctx context.Context, x [][]float64, y []float64, cfg ml.FitConfig) (ml.History, error)
	Predict(features []float64) (float64, error)
}

// ModelBuilder returns a fresh, untrained model for inputs of width inputSize.
type ModelBuilder func(inputSize int) (Model, error)

// DefaultModelBuilder builds the 16/8/1 binary classifier.
func DefaultModelBuilder(inputSize int) (Model, error) {
	return ml.NewBinaryClassifier(inputSize)
}

// RunStore persists training-run history.
type RunStore interface {
	SaveTrainingRun(run db.TrainingRun) error
	LoadTrainingRuns(limit int) ([]db.TrainingRun, error)
}

// Publisher receives training progress events.
type Publisher interface {
	Publish(eventType monitoring.EventType, data interface{})
}

type State string

const (
	StateUntrained State = "UNTRAINED"
	StateTraining  State = "TRAINING"
	StateTrained   State = "TRAINED"
)

// Config is fixed for the lifetime of a Service.
type Config struct {
	DatasetPath  string
	Features     []string
	Label        string
	SeasonColumn string
	Encoding     string
	CellPolicy   ml.CellPolicy
	CacheSize    int
}

// Snapshot is one published model together with the means it was trained on.
// It is never modified after it is stored.
type Snapshot struct {
	Model      Model
	Means      []float64
	Generation uint64
	RunID      string
	TrainedAt  time.Time
}

// Service is the single owner of the live model. Train is the only writer;
// Predict reads one snapshot per call.
type Service struct {
	cfg       Config
	build     ModelBuilder
	runs      RunStore
	publisher Publisher
	metrics   *monitoring.MetricsCollector
	logger    *zap.Logger

	snapshot atomic.Pointer[Snapshot]
	training atomic.Bool
	cache    *predictionCache
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithModelBuilder(build ModelBuilder) Option {
	return func(s *Service) { s.build = build }
}

func WithRunStore(store RunStore) Option {
	return func(s *Service) { s.runs = store }
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithMetrics(m *monitoring.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if len(cfg.Features) == 0 {
		return nil, errors.New("at least one feature column is required")
	}
	if cfg.Label == "" {
		return nil, errors.New("label column is required")
	}
	if cfg.CellPolicy == "" {
		cfg.CellPolicy = ml.CellDrop
	}
	cfg.Features = append([]string(nil), cfg.Features...)

	s := &Service{
		cfg:    cfg,
		build:  DefaultModelBuilder,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := newPredictionCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("prediction cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// FeatureColumns returns a copy of the feature schema.
func (s *Service) FeatureColumns() []string {
	return append([]string(nil), s.cfg.Features...)
}

func (s *Service) State() State {
	if s.training.Load() {
		return StateTraining
	}
	if s.snapshot.Load() != nil {
		return StateTrained
	}
	return StateUntrained
}

type Status struct {
	ModelTrained bool       `json:"modelTrained"`
	State        State      `json:"state"`
	Generation   uint64     `json:"generation"`
	RunID        string     `json:"runId,omitempty"`
	TrainedAt    *time.Time `json:"trainedAt,omitempty"`
}

func (s *Service) Status() Status {
	status := Status{State: s.State()}
	if snap := s.snapshot.Load(); snap != nil {
		trainedAt := snap.TrainedAt
		status.ModelTrained = true
		status.Generation = snap.Generation
		status.RunID = snap.RunID
		status.TrainedAt = &trainedAt
	}
	return status
}

// Runs lists recorded training runs, newest first.
func (s *Service) Runs(limit int) ([]db.TrainingRun, error) {
	if s.runs == nil {
		return nil, db.ErrNotInitialized
	}
	return s.runs.LoadTrainingRuns(limit)
}

type TrainRequest struct {
	Name    string
	Seasons *ml.SeasonRange
}

type TrainResult struct {
	RunID       string        `json:"runId"`
	Generation  uint64        `json:"generation"`
	Rows        int           `json:"rows"`
	SkippedRows int           `json:"skippedRows"`
	Epochs      int           `json:"epochs"`
	Loss        float64       `json:"loss"`
	Accuracy    float64       `json:"accuracy"`
	ValLoss     float64       `json:"valLoss"`
	ValAccuracy float64       `json:"valAccuracy"`
	Duration    time.Duration `json:"-"`
}

var errNonFiniteLoss = errors.New("loss is not finite, the dataset probably contains non-numeric cells")

// Train loads the dataset, fits a new model and publishes it. Only one run may
// be active; a failed run leaves the previously published model in place.
func (s *Service) Train(ctx context.Context, req TrainRequest) (*TrainResult, error) {
	if req.Seasons != nil {
		if s.cfg.SeasonColumn == "" {
			return nil, &ValidationError{Field: "fromSeason", Reason: "season filtering is not configured"}
		}
		if err := req.Seasons.Validate(); err != nil {
			return nil, &ValidationError{Field: "fromSeason", Reason: err.Error()}
		}
	}

	if !s.training.CompareAndSwap(false, true) {
		s.metrics.IncrCounter(monitoring.TrainRejected, 1)
		return nil, ErrTrainingInProgress
	}
	defer s.training.Store(false)

	runID := uuid.NewString()
	started := time.Now()
	logger := s.logger.With(zap.String("run_id", runID))
	logger.Info("starting model training",
		zap.String("dataset", s.cfg.DatasetPath),
		zap.Strings("features", s.cfg.Features))
	s.publish(monitoring.TrainingStarted, map[string]interface{}{
		"runId":    runID,
		"features": s.cfg.Features,
	})
	s.metrics.IncrCounter(monitoring.TrainTotal, 1)

	result, ds, err := s.train(ctx, runID, req, logger)
	finished := time.Now()
	s.recordRun(runID, req, ds, result, err, started, finished, logger)

	if err != nil {
		s.metrics.IncrCounter(monitoring.TrainFailed, 1)
		logger.Error("model training failed", zap.Error(err))
		s.publish(monitoring.TrainingFailed, map[string]interface{}{
			"runId": runID,
			"error": err.Error(),
		})
		return nil, err
	}

	result.Duration = finished.Sub(started)
	s.metrics.SetGauge(monitoring.LastTrainSeconds, result.Duration.Seconds())
	s.metrics.SetGauge(monitoring.LastTrainAccuracy, result.Accuracy)
	s.metrics.SetGauge(monitoring.ModelGeneration, float64(result.Generation))
	logger.Info("model training complete",
		zap.Uint64("generation", result.Generation),
		zap.Int("rows", result.Rows),
		zap.Float64("loss", result.Loss),
		zap.Float64("acc", result.Accuracy),
		zap.Duration("duration", result.Duration))
	s.publish(monitoring.TrainingFinished, result)
	return result, nil
}

func (s *Service) train(ctx context.Context, runID string, req TrainRequest, logger *zap.Logger) (*TrainResult, *ml.Dataset, error) {
	ds, err := ml.LoadDataset(s.cfg.DatasetPath, ml.DatasetOptions{
		Features:     s.cfg.Features,
		Label:        s.cfg.Label,
		SeasonColumn: s.cfg.SeasonColumn,
		Seasons:      req.Seasons,
		Encoding:     s.cfg.Encoding,
		Policy:       s.cfg.CellPolicy,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("dataset loaded", zap.Int("rows", ds.Len()), zap.Int("skipped", ds.Skipped))
	if ds.Len() == 0 {
		return nil, ds, &TrainingError{Err: errors.New("dataset has no usable rows")}
	}

	means := ml.FeatureMeans(ds.Features)
	model, err := s.build(len(ds.Features[0]))
	if err != nil {
		return nil, ds, &TrainingError{Err: fmt.Errorf("build model: %w", err)}
	}

	history, err := fitModel(ctx, model, ds, func(logs ml.EpochLogs) {
		logger.Info("epoch complete",
			zap.Int("epoch", logs.Epoch),
			zap.Float64("loss", logs.Loss),
			zap.Float64("acc", logs.Accuracy),
			zap.Float64("val_loss", logs.ValLoss),
			zap.Float64("val_acc", logs.ValAccuracy))
		s.publish(monitoring.EpochEnd, map[string]interface{}{
			"runId":  runID,
			"epochs": Epochs,
			"logs":   logs,
		})
	})
	if err != nil {
		return nil, ds, &TrainingError{Err: err}
	}
	final, err := FinalEpoch(history)
	if err != nil {
		return nil, ds, err
	}

	var generation uint64 = 1
	if prev := s.snapshot.Load(); prev != nil {
		generation = prev.Generation + 1
	}
	s.snapshot.Store(&Snapshot{
		Model:      model,
		Means:      means,
		Generation: generation,
		RunID:      runID,
		TrainedAt:  time.Now(),
	})
	s.cache.purge()

	return &TrainResult{
		RunID:       runID,
		Generation:  generation,
		Rows:        ds.Len(),
		SkippedRows: ds.Skipped,
		Epochs:      len(history.Epochs),
		Loss:        final.Loss,
		Accuracy:    final.Accuracy,
		ValLoss:     final.ValLoss,
		ValAccuracy: final.ValAccuracy,
	}, ds, nil
}

// FinalEpoch returns the last epoch of history, or a TrainingError when its
// loss is not finite.
func FinalEpoch(history ml.History) (ml.EpochLogs, error) {
	final := history.Final()
	if math.IsNaN(final.Loss) || math.IsInf(final.Loss, 0) {
		return final, &TrainingError{Err: errNonFiniteLoss}
	}
	return final, nil
}

// fitModel turns a panic inside the model into an error.
func fitModel(ctx context.Context, model Model, ds *ml.Dataset, onEpoch func(ml.EpochLogs)) (history ml.History, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during fit: %v", r)
		}
	}()
	return model.Fit(ctx, ds.Features, ds.Labels, ml.FitConfig{
		Epochs:          Epochs,
		BatchSize:       BatchSize,
		ValidationSplit: ValidationSplit,
		OnEpochEnd:      onEpoch,
	})
}

func (s *Service) recordRun(runID string, req TrainRequest, ds *ml.Dataset, result *TrainResult, trainErr error, started, finished time.Time, logger *zap.Logger) {
	if s.runs == nil {
		return
	}
	run := db.TrainingRun{
		RunID:      runID,
		Name:       req.Name,
		Features:   s.cfg.Features,
		Status:     db.StatusSucceeded,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if req.Seasons != nil {
		from, to := req.Seasons.From, req.Seasons.To
		run.FromSeason, run.ToSeason = &from, &to
	}
	if ds != nil {
		run.Rows = ds.Len()
		run.SkippedRows = ds.Skipped
	}
	if result != nil {
		run.Accuracy = result.Accuracy
		run.ValAccuracy = result.ValAccuracy
		run.Loss = result.Loss
		run.ValLoss = result.ValLoss
	}
	if trainErr != nil {
		run.Status = db.StatusFailed
		run.Error = trainErr.Error()
	}
	if err := s.runs.SaveTrainingRun(run); err != nil {
		logger.Warn("failed to record training run", zap.Error(err))
	}
}

func (s *Service) publish(eventType monitoring.EventType, data interface{}) {
	if s.publisher != nil {
		s.publisher.Publish(eventType, data)
	}
}

type PredictionResult struct {
	PredictedClass        int       `json:"predictedClass"`
	PredictionProbability float64   `json:"predictionProbability"`
	Explanation           string    `json:"explanation"`
	Generation            uint64    `json:"-"`
	Input                 []float64 `json:"-"`
	Means                 []float64 `json:"-"`
}

// Predict validates input against the feature schema and runs one forward pass
// on the current snapshot.
func (s *Service) Predict(ctx context.Context, input map[string]interface{}) (result *PredictionResult, err error) {
	snap := s.snapshot.Load()
	if snap == nil {
		return nil, ErrModelNotTrained
	}
	vector, err := ParseInput(s.cfg.Features, input)
	if err != nil {
		return nil, err
	}

	s.metrics.IncrCounter(monitoring.PredictTotal, 1)
	if cached, ok := s.cache.get(snap.Generation, vector); ok {
		s.metrics.IncrCounter(monitoring.PredictCacheHits, 1)
		return &cached, nil
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &PredictionError{Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			s.metrics.IncrCounter(monitoring.PredictFailed, 1)
		}
	}()

	probability, err := snap.Model.Predict(vector)
	if err != nil {
		return nil, &PredictionError{Err: err}
	}
	if math.IsNaN(probability) || probability < 0 || probability > 1 {
		return nil, &PredictionError{Err: fmt.Errorf("model returned probability %v", probability)}
	}

	out := PredictionResult{
		PredictedClass:        ml.ClassFor(probability),
		PredictionProbability: probability,
		Explanation:           ml.Explain(s.cfg.Features, vector, snap.Means, probability),
		Generation:            snap.Generation,
		Input:                 vector,
		Means:                 snap.Means,
	}
	s.cache.add(snap.Generation, vector, out)
	return &out, nil
}
