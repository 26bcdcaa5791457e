package ml

import (
	"github.com/montanaflynn/stats"
)

// FeatureMeans returns the arithmetic mean of every column of rows.
// rows must share one width. No rows gives an empty slice.
func FeatureMeans(rows [][]float64) []float64 {
	if len(rows) == 0 {
		return []float64{}
	}
	width := len(rows[0])
	means := make([]float64, width)
	column := make(stats.Float64Data, len(rows))
	for j := 0; j < width; j++ {
		for i, row := range rows {
			column[i] = row[j]
		}
		// Mean only fails on empty input, which is ruled out above.
		means[j], _ = stats.Mean(column)
	}
	return means
}
