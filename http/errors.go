package http

import (
	"errors"
	"net/http"

	"hoopcast/db"
	"hoopcast/ml"
	"hoopcast/pipeline"
)

// statusFor 将领域错误映射为HTTP状态码
func statusFor(err error) int {
	var (
		validationErr *pipeline.ValidationError
		maxBytesErr   *http.MaxBytesError
		datasetErr    *ml.DatasetError
		trainingErr   *pipeline.TrainingError
		predictionErr *pipeline.PredictionError
	)
	switch {
	case errors.As(err, &validationErr), errors.Is(err, pipeline.ErrModelNotTrained):
		return http.StatusBadRequest
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pipeline.ErrTrainingInProgress):
		return http.StatusConflict
	case errors.Is(err, db.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.As(err, &datasetErr), errors.As(err, &trainingErr), errors.As(err, &predictionErr):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	respondStatus(w, status, errorResponse{Error: message})
}

func respondErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
