package pipeline

import (
	"math"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// predictionCache remembers results per model generation and input vector.
type predictionCache struct {
	entries *lru.Cache[string, PredictionResult]
}

// newPredictionCache returns nil when size <= 0, which disables caching.
func newPredictionCache(size int) (*predictionCache, error) {
	if size <= 0 {
		return nil, nil
	}
	entries, err := lru.New[string, PredictionResult](size)
	if err != nil {
		return nil, err
	}
	return &predictionCache{entries: entries}, nil
}

func (c *predictionCache) get(generation uint64, vector []float64) (PredictionResult, bool) {
	if c == nil {
		return PredictionResult{}, false
	}
	return c.entries.Get(cacheKey(generation, vector))
}

func (c *predictionCache) add(generation uint64, vector []float64, result PredictionResult) {
	if c == nil {
		return
	}
	c.entries.Add(cacheKey(generation, vector), result)
}

func (c *predictionCache) purge() {
	if c == nil {
		return
	}
	c.entries.Purge()
}

func (c *predictionCache) len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

func cacheKey(generation uint64, vector []float64) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(generation, 10))
	for _, v := range vector {
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(math.Float64bits(v), 16))
	}
	return b.String()
}
