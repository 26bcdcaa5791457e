package ml

import (
	"fmt"
	"strconv"
	"strings"
)

// Explain describes a prediction by comparing each input with its training mean.
// A value equal to the mean counts as below average.
func Explain(features []string, input, means []float64, probability float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The model predicts a win probability of %.1f%%.", probability*100)
	for i, name := range features {
		if i >= len(input) || i >= len(means) {
			break
		}
		value := strconv.FormatFloat(input[i], 'f', -1, 64)
		if input[i] > means[i] {
			fmt.Fprintf(&b, " The value for %s (%s) is above the average (%.2f), supporting a positive outcome.", name, value, means[i])
		} else {
			fmt.Fprintf(&b, " The value for %s (%s) is below the average (%.2f), which may negatively impact the prediction.", name, value, means[i])
		}
	}
	return b.String()
}
