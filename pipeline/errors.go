package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrModelNotTrained is returned by Predict before any successful training run.
	ErrModelNotTrained = errors.New("model is not trained yet, please trigger /train first")
	// ErrTrainingInProgress is returned when Train is called while another run is active.
	ErrTrainingInProgress = errors.New("a training run is already in progress")
)

// ValidationError names the first request field that could not be used.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid or missing value for %s", e.Field)
	}
	return fmt.Sprintf("invalid value for %s: %s", e.Field, e.Reason)
}

// TrainingError wraps anything that stopped a run after the dataset was read.
type TrainingError struct {
	Err error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training failed: %v", e.Err)
}

func (e *TrainingError) Unwrap() error {
	return e.Err
}

// PredictionError wraps unexpected failures of the forward pass.
type PredictionError struct {
	Err error
}

func (e *PredictionError) Error() string {
	return fmt.Sprintf("prediction failed: %v", e.Err)
}

func (e *PredictionError) Unwrap() error {
	return e.Err
}
