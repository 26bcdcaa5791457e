package ml

import (
	"errors"

	"github.com/montanaflynn/stats"
)

// Predictor is anything that maps one feature vector to a win probability.
type Predictor interface {
	Predict(features []float64) (float64, error)
}

type Evaluation struct {
	Samples         int     `json:"samples"`
	Accuracy        float64 `json:"accuracy"`
	Precision       float64 `json:"precision"`
	Recall          float64 `json:"recall"`
	MeanProbability float64 `json:"mean_probability"`
}

// Evaluate scores a predictor on labelled rows, treating class 1 as positive.
func Evaluate(model Predictor, x [][]float64, y []float64) (Evaluation, error) {
	if len(x) == 0 {
		return Evaluation{}, errors.New("no rows to evaluate")
	}
	if len(x) != len(y) {
		return Evaluation{}, errors.New("features and labels size mismatch")
	}

	var correct, truePositive, predictedPositive, actualPositive int
	probs := make(stats.Float64Data, 0, len(x))
	for i, row := range x {
		p, err := model.Predict(row)
		if err != nil {
			return Evaluation{}, err
		}
		probs = append(probs, p)
		label := ClassFor(p)
		if float64(label) == y[i] {
			correct++
		}
		if label == 1 {
			predictedPositive++
		}
		if y[i] == 1 {
			actualPositive++
			if label == 1 {
				truePositive++
			}
		}
	}

	eval := Evaluation{
		Samples:  len(x),
		Accuracy: float64(correct) / float64(len(x)),
	}
	if predictedPositive > 0 {
		eval.Precision = float64(truePositive) / float64(predictedPositive)
	}
	if actualPositive > 0 {
		eval.Recall = float64(truePositive) / float64(actualPositive)
	}
	eval.MeanProbability, _ = probs.Mean()
	return eval, nil
}
