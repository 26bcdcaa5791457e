package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hoopcast/db"
	"hoopcast/ml"
	"hoopcast/monitoring"
)

var testFeatures = []string{"AdjEM", "AdjO"}

// stubModel records calls and returns a fixed probability.
type stubModel struct {
	prob         float64
	predictErr   error
	panicOnPred  bool
	fitErr       error
	fitLoss      float64
	fitStarted   chan struct{}
	releaseFit   chan struct{}
	predictCalls atomic.Int32
}

func (m *stubModel) Fit(ctx context.Context, x [][]float64, y []float64, cfg ml.FitConfig) (ml.History, error) {
	if m.fitStarted != nil {
		close(m.fitStarted)
	}
	if m.releaseFit != nil {
		<-m.releaseFit
	}
	if m.fitErr != nil {
		return ml.History{}, m.fitErr
	}
	logs := ml.EpochLogs{Epoch: 1, Loss: m.fitLoss, Accuracy: 0.75}
	if cfg.OnEpochEnd != nil {
		cfg.OnEpochEnd(logs)
	}
	return ml.History{Epochs: []ml.EpochLogs{logs}, TrainRows: len(x)}, nil
}

func (m *stubModel) Predict(features []float64) (float64, error) {
	m.predictCalls.Add(1)
	if m.panicOnPred {
		panic("corrupt weights")
	}
	return m.prob, m.predictErr
}

func builderFor(m Model) ModelBuilder {
	return func(int) (Model, error) { return m, nil }
}

type memoryRuns struct {
	mu   sync.Mutex
	runs []db.TrainingRun
}

func (s *memoryRuns) SaveTrainingRun(run db.TrainingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *memoryRuns) LoadTrainingRuns(limit int) ([]db.TrainingRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.TrainingRun(nil), s.runs...), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []monitoring.EventType
}

func (p *recordingPublisher) Publish(eventType monitoring.EventType, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

// writeDataset writes rows of "season,AdjEM,AdjO,Win" where the label follows AdjEM.
func writeDataset(t *testing.T, rows int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("Season,AdjEM,AdjO,Win\n")
	for i := 0; i < rows; i++ {
		em := float64(i%10) - 4.5
		win := 0
		if em > 0 {
			win = 1
		}
		fmt.Fprintf(&b, "%d,%.1f,%.1f,%d\n", 2010+i%5, em, 100+float64(i%7), win)
	}
	path := filepath.Join(t.TempDir(), "games.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func newTestService(t *testing.T, path string, opts ...Option) *Service {
	t.Helper()
	s, err := NewService(Config{
		DatasetPath:  path,
		Features:     testFeatures,
		Label:        "Win",
		SeasonColumn: "Season",
		CacheSize:    16,
	}, opts...)
	require.NoError(t, err)
	return s
}

func validInput() map[string]interface{} {
	return map[string]interface{}{"AdjEM": 3.5, "AdjO": 104.0}
}

func TestNewServiceValidatesConfig(t *testing.T) {
	_, err := NewService(Config{Label: "Win"})
	assert.Error(t, err)
	_, err = NewService(Config{Features: testFeatures})
	assert.Error(t, err)
}

func TestUntrainedService(t *testing.T) {
	s := newTestService(t, writeDataset(t, 20))

	status := s.Status()
	assert.False(t, status.ModelTrained)
	assert.Equal(t, StateUntrained, status.State)

	_, err := s.Predict(context.Background(), validInput())
	assert.ErrorIs(t, err, ErrModelNotTrained)

	// invalid input gets the same answer before training
	_, err = s.Predict(context.Background(), map[string]interface{}{})
	assert.ErrorIs(t, err, ErrModelNotTrained)
}

func TestTrainAndPredictWithRealModel(t *testing.T) {
	s := newTestService(t, writeDataset(t, 40))

	result, err := s.Train(context.Background(), TrainRequest{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Generation)
	assert.Equal(t, 40, result.Rows)
	assert.Equal(t, Epochs, result.Epochs)
	assert.NotEmpty(t, result.RunID)

	status := s.Status()
	assert.True(t, status.ModelTrained)
	assert.Equal(t, StateTrained, status.State)
	assert.Equal(t, result.RunID, status.RunID)

	first, err := s.Predict(context.Background(), validInput())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first.PredictionProbability, 0.0)
	assert.LessOrEqual(t, first.PredictionProbability, 1.0)
	assert.Equal(t, ml.ClassFor(first.PredictionProbability), first.PredictedClass)
	assert.True(t, strings.HasPrefix(first.Explanation, "The model predicts a win probability of "))
	assert.Contains(t, first.Explanation, "AdjEM (3.5) is above the average")

	second, err := s.Predict(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, first.PredictedClass, second.PredictedClass)
	assert.Equal(t, first.PredictionProbability, second.PredictionProbability)
}

func TestPredictMissingFeatureSkipsModel(t *testing.T) {
	model := &stubModel{prob: 0.9}
	s := newTestService(t, writeDataset(t, 20), WithModelBuilder(builderFor(model)))
	_, err := s.Train(context.Background(), TrainRequest{})
	require.NoError(t, err)

	_, err = s.Predict(context.Background(), map[string]interface{}{"AdjEM": 1.0})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "AdjO", verr.Field)
	assert.Zero(t, model.predictCalls.Load())
}

func TestPredictThresholdAtHalf(t *testing.T) {
	model := &stubModel{prob: 0.5}
	s := newTestService(t, writeDataset(t, 20), WithModelBuilder(builderFor(model)))
	_, err := s.Train(context.Background(), TrainRequest{})
	require.NoError(t, err)

	result, err := s.Predict(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, 1, result.PredictedClass)
	assert.Equal(t, 0.5, result.PredictionProbability)
}

func TestPredictUsesCache(t *testing.T) {
	model := &stubModel{prob: 0.7}
	metrics := monitoring.NewMetricsCollector()
	s := newTestService(t, writeDataset(t, 20), WithModelBuilder(builderFor(model)), WithMetrics(metrics))
	_, err := s.Train(context.Background(), TrainRequest{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Predict(context.Background(), validInput())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), model.predictCalls.Load())
	assert.Equal(t, 2.0, metrics.Counter(monitoring.PredictCacheHits))
	assert.Equal(t, 3.0, metrics.Counter(monitoring.PredictTotal))

	// a new model generation clears the cache
	_, err = s.Train(context.Background(), TrainRequest{})
	require.NoError(t, err)
	assert.Zero(t, s.cache.len())
	_, err = s.Predict(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, int32(2), model.predictCalls.Load())
}

func TestPredictFailures(t *testing.T) {
	cases := map[string]*stubModel{
		"error":        {predictErr: errors.New("shape mismatch")},
		"panic":        {panicOnPred: true},
		"out of range": {prob: 1.5},
		"nan":          {prob: math.NaN()},
	}
	for name, model := range cases {
		t.Run(name, func(t *testing.T) {
			s := newTestService(t, writeDataset(t, 20), WithModelBuilder(builderFor(model)))
			_, err := s.Train(context.Background(), TrainRequest{})
			require.NoError(t, err)

			_, err = s.Predict(context.Background(), validInput())
			var perr *PredictionError
			assert.True(t, errors.As(err, &perr), "got %v", err)
		})
	}
}

func TestConcurrentTrainIsRejected(t *testing.T) {
	model := &stubModel{fitStarted: make(chan struct{}), releaseFit: make(chan struct{})}
	metrics := monitoring.NewMetricsCollector()
	s := newTestService(t, writeDataset(t, 20), WithModelBuilder(builderFor(model)), WithMetrics(metrics))

	done := make(chan error, 1)
	go func() {
		_, err := s.Train(context.Background(), TrainRequest{})
		done <- err
	}()
	<-model.fitStarted
	assert.Equal(t, StateTraining, s.State())

	_, err := s.Train(context.Background(), TrainRequest{})
	assert.ErrorIs(t, err, ErrTrainingInProgress)
	assert.Equal(t, 1.0, metrics.Counter(monitoring.TrainRejected))

	close(model.releaseFit)
	require.NoError(t, <-done)
	assert.Equal(t, StateTrained, s.State())
}

func TestFailedRetrainKeepsPreviousModel(t *testing.T) {
	path := writeDataset(t, 20)
	model := &stubModel{prob: 0.8}
	runs := &memoryRuns{}
	s := newTestService(t, path, WithModelBuilder(builderFor(model)), WithRunStore(runs))

	first, err := s.Train(context.Background(), TrainRequest{Name: "first"})
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	_, err = s.Train(context.Background(), TrainRequest{})
	var dsErr *ml.DatasetError
	require.True(t, errors.As(err, &dsErr))

	status := s.Status()
	assert.True(t, status.ModelTrained)
	assert.Equal(t, first.Generation, status.Generation)
	assert.Equal(t, first.RunID, status.RunID)

	recorded, err := s.Runs(0)
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	assert.Equal(t, db.StatusSucceeded, recorded[0].Status)
	assert.Equal(t, "first", recorded[0].Name)
	assert.Equal(t, db.StatusFailed, recorded[1].Status)
	assert.NotEmpty(t, recorded[1].Error)
}

func TestTrainFitErrorLeavesServiceUntrained(t *testing.T) {
	model := &stubModel{fitErr: errors.New("diverged")}
	s := newTestService(t, writeDataset(t, 20), WithModelBuilder(builderFor(model)))

	_, err := s.Train(context.Background(), TrainRequest{})
	var terr *TrainingError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, StateUntrained, s.State())
}

func TestTrainRejectsNonFiniteLoss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	var b strings.Builder
	b.WriteString("AdjEM,AdjO,Win\n")
	b.WriteString("oops,101,1\n")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "%d,%d,%d\n", i, 100+i, i%2)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))

	s, err := NewService(Config{
		DatasetPath: path,
		Features:    testFeatures,
		Label:       "Win",
		CellPolicy:  ml.CellPermissive,
	})
	require.NoError(t, err)

	_, err = s.Train(context.Background(), TrainRequest{})
	var terr *TrainingError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.ErrorIs(t, err, errNonFiniteLoss)
	assert.False(t, s.Status().ModelTrained)
}

func TestFinalEpoch(t *testing.T) {
	logs, err := FinalEpoch(ml.History{Epochs: []ml.EpochLogs{{Epoch: 1, Loss: 0.9}, {Epoch: 2, Loss: 0.4}}})
	require.NoError(t, err)
	assert.Equal(t, 2, logs.Epoch)

	for _, loss := range []float64{math.NaN(), math.Inf(1)} {
		_, err := FinalEpoch(ml.History{Epochs: []ml.EpochLogs{{Epoch: 1, Loss: loss}}})
		var terr *TrainingError
		require.True(t, errors.As(err, &terr))
		assert.ErrorIs(t, err, errNonFiniteLoss)
	}
}

func TestTrainEmptyDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, []byte("AdjEM,AdjO,Win\n"), 0o600))
	s := newTestService(t, path)

	_, err := s.Train(context.Background(), TrainRequest{})
	var terr *TrainingError
	assert.True(t, errors.As(err, &terr))
}

func TestTrainSeasonRange(t *testing.T) {
	model := &stubModel{prob: 0.6}
	runs := &memoryRuns{}
	s := newTestService(t, writeDataset(t, 20), WithModelBuilder(builderFor(model)), WithRunStore(runs))

	result, err := s.Train(context.Background(), TrainRequest{Seasons: &ml.SeasonRange{From: 2010, To: 2011}})
	require.NoError(t, err)
	assert.Equal(t, 8, result.Rows)
	require.Len(t, runs.runs, 1)
	assert.Equal(t, 2010, *runs.runs[0].FromSeason)

	_, err = s.Train(context.Background(), TrainRequest{Seasons: &ml.SeasonRange{From: 2015, To: 2011}})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestTrainSeasonRangeRequiresSeasonColumn(t *testing.T) {
	s, err := NewService(Config{DatasetPath: writeDataset(t, 20), Features: testFeatures, Label: "Win"})
	require.NoError(t, err)

	_, err = s.Train(context.Background(), TrainRequest{Seasons: &ml.SeasonRange{From: 2010, To: 2011}})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestTrainPublishesProgress(t *testing.T) {
	publisher := &recordingPublisher{}
	s := newTestService(t, writeDataset(t, 20), WithModelBuilder(builderFor(&stubModel{prob: 0.6})), WithPublisher(publisher))
	_, err := s.Train(context.Background(), TrainRequest{})
	require.NoError(t, err)

	assert.Equal(t, []monitoring.EventType{
		monitoring.TrainingStarted,
		monitoring.EpochEnd,
		monitoring.TrainingFinished,
	}, publisher.events)
}

func TestRunsWithoutStore(t *testing.T) {
	s := newTestService(t, writeDataset(t, 20))
	_, err := s.Runs(10)
	assert.ErrorIs(t, err, db.ErrNotInitialized)
}

func TestFeatureColumnsIsACopy(t *testing.T) {
	s := newTestService(t, writeDataset(t, 20))
	cols := s.FeatureColumns()
	cols[0] = "changed"
	assert.Equal(t, testFeatures, s.FeatureColumns())
}

func TestWatcherRetrainsOnWrite(t *testing.T) {
	path := writeDataset(t, 20)
	trainer := &countingTrainer{called: make(chan struct{}, 4)}
	w := NewWatcher(path, trainer, 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("Season,AdjEM,AdjO,Win\n2010,1,100,1\n"), 0o600))

	select {
	case <-trainer.called:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not trigger a training run")
	}
	cancel()
	assert.NoError(t, <-errc)
}

type countingTrainer struct {
	called chan struct{}
}

func (c *countingTrainer) Train(ctx context.Context, req TrainRequest) (*TrainResult, error) {
	c.called <- struct{}{}
	return &TrainResult{}, nil
}
