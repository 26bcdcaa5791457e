package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"hoopcast/db"
	"hoopcast/llm"
	"hoopcast/ml"
	"hoopcast/monitoring"
	"hoopcast/pipeline"
)

// ModelService 处理器依赖的训练/推理服务
type ModelService interface {
	FeatureColumns() []string
	Status() pipeline.Status
	Train(ctx context.Context, req pipeline.TrainRequest) (*pipeline.TrainResult, error)
	Predict(ctx context.Context, input map[string]interface{}) (*pipeline.PredictionResult, error)
	Runs(limit int) ([]db.TrainingRun, error)
}

// Narrator 预测解读生成器
type Narrator interface {
	Narrate(ctx context.Context, in llm.NarrationInput) (string, error)
}

const (
	defaultRunsLimit = 20
	narrateTimeout   = 15 * time.Second
)

type api struct {
	service  ModelService
	hub      http.Handler
	metrics  *monitoring.MetricsCollector
	narrator Narrator
	logger   *zap.Logger
}

func newAPI(deps Dependencies) *api {
	return &api{
		service:  deps.Service,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		narrator: deps.Narrator,
		logger:   deps.Logger,
	}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("GET /config", a.handleConfig)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("POST /train", a.handleTrain)
	mux.HandleFunc("POST /predict", a.handlePredict)
	mux.HandleFunc("GET /runs", a.handleRuns)
	if a.metrics != nil {
		mux.HandleFunc("GET /metrics", a.handleMetrics)
	}
	if a.hub != nil {
		mux.Handle("GET /ws/training", a.hub)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (a *api) handleConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string][]string{"featureColumns": a.service.FeatureColumns()})
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, a.service.Status())
}

type trainRequest struct {
	Name       string `json:"name"`
	FromSeason *int   `json:"fromSeason"`
	ToSeason   *int   `json:"toSeason"`
}

type trainResponse struct {
	Message string `json:"message"`
	*pipeline.TrainResult
}

func (a *api) handleTrain(w http.ResponseWriter, r *http.Request) {
	var body trainRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			respondErr(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	req := pipeline.TrainRequest{Name: body.Name}
	switch {
	case body.FromSeason != nil && body.ToSeason != nil:
		req.Seasons = &ml.SeasonRange{From: *body.FromSeason, To: *body.ToSeason}
	case body.FromSeason != nil || body.ToSeason != nil:
		respondErr(w, &pipeline.ValidationError{Field: "toSeason", Reason: "fromSeason and toSeason must be given together"})
		return
	}

	// 客户端断开不取消训练
	result, err := a.service.Train(context.WithoutCancel(r.Context()), req)
	if err != nil {
		a.logger.Warn("train request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err))
		respondErr(w, err)
		return
	}
	respondJSON(w, trainResponse{Message: "Model trained successfully", TrainResult: result})
}

type predictResponse struct {
	*pipeline.PredictionResult
	Narrative string `json:"narrative,omitempty"`
}

func (a *api) handlePredict(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	var input map[string]interface{}
	if err := decoder.Decode(&input); err != nil {
		// 未训练时优先报告未训练
		if !a.service.Status().ModelTrained {
			respondErr(w, pipeline.ErrModelNotTrained)
			return
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			respondErr(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	result, err := a.service.Predict(r.Context(), input)
	if err != nil {
		if statusFor(err) >= http.StatusInternalServerError {
			a.logger.Error("prediction failed",
				zap.String("request_id", GetRequestID(r.Context())),
				zap.Error(err))
		}
		respondErr(w, err)
		return
	}

	resp := predictResponse{PredictionResult: result}
	if narrate, _ := strconv.ParseBool(r.URL.Query().Get("narrate")); narrate && a.narrator != nil {
		resp.Narrative = a.narrate(r.Context(), result)
	}
	respondJSON(w, resp)
}

// narrate 失败时返回空字符串，不影响预测结果
func (a *api) narrate(ctx context.Context, result *pipeline.PredictionResult) string {
	ctx, cancel := context.WithTimeout(ctx, narrateTimeout)
	defer cancel()

	text, err := a.narrator.Narrate(ctx, llm.NarrationInput{
		Features:    a.service.FeatureColumns(),
		Values:      result.Input,
		Means:       result.Means,
		Probability: result.PredictionProbability,
	})
	if err != nil {
		a.logger.Warn("narrative unavailable", zap.Error(err))
		return ""
	}
	return text
}

func (a *api) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 0 {
			respondErr(w, &pipeline.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		limit = l
	}

	runs, err := a.service.Runs(limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	if runs == nil {
		runs = []db.TrainingRun{}
	}
	respondJSON(w, map[string]interface{}{"runs": runs})
}

func (a *api) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, a.metrics.Snapshot())
}

// respondJSON 统一JSON响应
func respondJSON(w http.ResponseWriter, data interface{}) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
