package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Activation is an element-wise layer activation.
type Activation int

const (
	ReLU Activation = iota
	Sigmoid
)

func (a Activation) String() string {
	switch a {
	case ReLU:
		return "relu"
	case Sigmoid:
		return "sigmoid"
	}
	return "unknown"
}

func (a Activation) apply(v float64) float64 {
	switch a {
	case ReLU:
		// NaN must survive so bad input shows up in the loss.
		if v > 0 || math.IsNaN(v) {
			return v
		}
		return 0
	case Sigmoid:
		return sigmoid(v)
	}
	return v
}

// derivative is taken with respect to the pre-activation value.
func (a Activation) derivative(z float64) float64 {
	switch a {
	case ReLU:
		if math.IsNaN(z) {
			return z
		}
		if z > 0 {
			return 1
		}
		return 0
	case Sigmoid:
		s := sigmoid(z)
		return s * (1 - s)
	}
	return 1
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// LayerSpec describes one fully connected layer.
type LayerSpec struct {
	Units      int
	Activation Activation
}

// Dense is shorthand for a LayerSpec.
func Dense(units int, activation Activation) LayerSpec {
	return LayerSpec{Units: units, Activation: activation}
}

type denseLayer struct {
	spec    LayerSpec
	weights *mat.Dense // fan-in x units
	bias    []float64
}

func (l *denseLayer) forward(in mat.Matrix) (z, a *mat.Dense) {
	rows, _ := in.Dims()
	z = mat.NewDense(rows, l.spec.Units, nil)
	z.Mul(in, l.weights)
	z.Apply(func(_, j int, v float64) float64 { return v + l.bias[j] }, z)
	a = mat.NewDense(rows, l.spec.Units, nil)
	a.Apply(func(_, _ int, v float64) float64 { return l.spec.Activation.apply(v) }, z)
	return z, a
}

// Sequential is a stack of dense layers trained with binary cross-entropy.
// After Fit returns, Predict only reads the weights and is safe for concurrent use.
type Sequential struct {
	inputSize int
	layers    []*denseLayer
	optimizer *Adam
	rng       *rand.Rand
}

type Option func(*Sequential)

// WithSeed fixes weight initialisation and shuffling.
func WithSeed(seed int64) Option {
	return func(s *Sequential) {
		s.rng = rand.New(rand.NewSource(seed))
	}
}

// WithOptimizer replaces the default Adam settings.
func WithOptimizer(opt *Adam) Option {
	return func(s *Sequential) {
		s.optimizer = opt
	}
}

// NewSequential builds a network for inputs of width inputSize.
func NewSequential(inputSize int, specs []LayerSpec, opts ...Option) (*Sequential, error) {
	if inputSize <= 0 {
		return nil, fmt.Errorf("input size must be positive, got %d", inputSize)
	}
	if len(specs) == 0 {
		return nil, errors.New("at least one layer is required")
	}
	s := &Sequential{
		inputSize: inputSize,
		optimizer: NewAdam(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}

	fanIn := inputSize
	for i, spec := range specs {
		if spec.Units <= 0 {
			return nil, fmt.Errorf("layer %d: units must be positive", i)
		}
		s.layers = append(s.layers, &denseLayer{
			spec:    spec,
			weights: glorotUniform(s.rng, fanIn, spec.Units),
			bias:    make([]float64, spec.Units),
		})
		fanIn = spec.Units
	}
	return s, nil
}

// NewBinaryClassifier returns the 16-relu, 8-relu, 1-sigmoid network.
func NewBinaryClassifier(inputSize int, opts ...Option) (*Sequential, error) {
	return NewSequential(inputSize, []LayerSpec{
		Dense(16, ReLU),
		Dense(8, ReLU),
		Dense(1, Sigmoid),
	}, opts...)
}

func glorotUniform(rng *rand.Rand, fanIn, fanOut int) *mat.Dense {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	data := make([]float64, fanIn*fanOut)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return mat.NewDense(fanIn, fanOut, data)
}

func (s *Sequential) InputSize() int {
	return s.inputSize
}

// ParamCount is the number of trainable weights and biases.
func (s *Sequential) ParamCount() int {
	n := 0
	for _, l := range s.layers {
		r, c := l.weights.Dims()
		n += r*c + len(l.bias)
	}
	return n
}

// FitConfig controls one call to Fit.
type FitConfig struct {
	Epochs          int
	BatchSize       int
	ValidationSplit float64
	OnEpochEnd      func(EpochLogs)
}

// EpochLogs are the metrics observed at the end of one epoch.
type EpochLogs struct {
	Epoch         int     `json:"epoch"`
	Loss          float64 `json:"loss"`
	Accuracy      float64 `json:"acc"`
	ValLoss       float64 `json:"val_loss,omitempty"`
	ValAccuracy   float64 `json:"val_acc,omitempty"`
	HasValidation bool    `json:"-"`
}

type History struct {
	Epochs          []EpochLogs
	TrainRows       int
	ValidationRows  int
	ValidationStart int
}

// Final returns the last epoch, or zero logs when nothing ran.
func (h History) Final() EpochLogs {
	if len(h.Epochs) == 0 {
		return EpochLogs{}
	}
	return h.Epochs[len(h.Epochs)-1]
}

// Fit trains on x/y. The trailing ValidationSplit share of rows is held out
// and never trained on; training rows are reshuffled every epoch.
func (s *Sequential) Fit(ctx context.Context, x [][]float64, y []float64, cfg FitConfig) (History, error) {
	if len(x) == 0 {
		return History{}, errors.New("no training rows")
	}
	if len(x) != len(y) {
		return History{}, fmt.Errorf("features and labels size mismatch: %d != %d", len(x), len(y))
	}
	for i, row := range x {
		if len(row) != s.inputSize {
			return History{}, fmt.Errorf("row %d has %d features, expected %d", i, len(row), s.inputSize)
		}
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.ValidationSplit < 0 || cfg.ValidationSplit >= 1 {
		return History{}, fmt.Errorf("validation split must be in [0, 1), got %v", cfg.ValidationSplit)
	}

	splitAt := int(math.Floor(float64(len(x)) * (1 - cfg.ValidationSplit)))
	if splitAt == 0 {
		return History{}, fmt.Errorf("%d rows are not enough for a %.0f%% validation split", len(x), cfg.ValidationSplit*100)
	}
	trainX, trainY := x[:splitAt], y[:splitAt]
	valX, valY := x[splitAt:], y[splitAt:]

	history := History{
		TrainRows:       len(trainX),
		ValidationRows:  len(valX),
		ValidationStart: splitAt,
	}
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, err
		}

		var lossSum, correct float64
		order := s.rng.Perm(len(trainX))
		for start := 0; start < len(order); start += cfg.BatchSize {
			end := start + cfg.BatchSize
			if end > len(order) {
				end = len(order)
			}
			bx, by := gatherBatch(trainX, trainY, order[start:end])
			loss, hits := s.trainBatch(bx, by)
			lossSum += loss * float64(len(by))
			correct += float64(hits)
		}

		logs := EpochLogs{
			Epoch:    epoch,
			Loss:     lossSum / float64(len(trainX)),
			Accuracy: correct / float64(len(trainX)),
		}
		if len(valX) > 0 {
			logs.ValLoss, logs.ValAccuracy = s.evaluate(valX, valY)
			logs.HasValidation = true
		}
		history.Epochs = append(history.Epochs, logs)
		if cfg.OnEpochEnd != nil {
			cfg.OnEpochEnd(logs)
		}
	}
	return history, nil
}

func gatherBatch(x [][]float64, y []float64, idx []int) (*mat.Dense, []float64) {
	width := len(x[0])
	data := make([]float64, 0, len(idx)*width)
	labels := make([]float64, len(idx))
	for i, k := range idx {
		data = append(data, x[k]...)
		labels[i] = y[k]
	}
	return mat.NewDense(len(idx), width, data), labels
}

// trainBatch runs one forward/backward pass and one optimizer step. It returns
// the pre-update batch loss and the number of correct predictions.
func (s *Sequential) trainBatch(x *mat.Dense, y []float64) (float64, int) {
	n := len(y)
	zs := make([]*mat.Dense, len(s.layers))
	acts := make([]mat.Matrix, len(s.layers)+1)
	acts[0] = x
	for i, l := range s.layers {
		zs[i], acts[i+1] = l.forward(acts[i])
	}
	out := acts[len(s.layers)]

	probs := make([]float64, n)
	for i := range probs {
		probs[i] = out.At(i, 0)
	}
	loss := binaryCrossEntropy(probs, y)
	hits := countHits(probs, y)

	// Sigmoid output with cross-entropy collapses to (p - y) / n.
	delta := mat.NewDense(n, 1, nil)
	for i := range probs {
		delta.Set(i, 0, (probs[i]-y[i])/float64(n))
	}

	weightGrads := make([]*mat.Dense, len(s.layers))
	biasGrads := make([][]float64, len(s.layers))
	for li := len(s.layers) - 1; li >= 0; li-- {
		layer := s.layers[li]
		gw := &mat.Dense{}
		gw.Mul(acts[li].T(), delta)
		weightGrads[li] = gw

		gb := make([]float64, layer.spec.Units)
		rows, cols := delta.Dims()
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				gb[c] += delta.At(r, c)
			}
		}
		biasGrads[li] = gb

		if li > 0 {
			prevZ := zs[li-1]
			prevAct := s.layers[li-1].spec.Activation
			next := &mat.Dense{}
			next.Mul(delta, layer.weights.T())
			next.Apply(func(i, j int, v float64) float64 {
				return v * prevAct.derivative(prevZ.At(i, j))
			}, next)
			delta = next
		}
	}

	s.optimizer.begin()
	for li, layer := range s.layers {
		s.optimizer.apply(2*li, layer.weights.RawMatrix().Data, weightGrads[li].RawMatrix().Data)
		s.optimizer.apply(2*li+1, layer.bias, biasGrads[li])
	}
	return loss, hits
}

func (s *Sequential) forward(x mat.Matrix) *mat.Dense {
	var a mat.Matrix = x
	var out *mat.Dense
	for _, l := range s.layers {
		_, out = l.forward(a)
		a = out
	}
	return out
}

func (s *Sequential) evaluate(x [][]float64, y []float64) (loss, accuracy float64) {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	bx, _ := gatherBatch(x, y, idx)
	out := s.forward(bx)
	probs := make([]float64, len(y))
	for i := range probs {
		probs[i] = out.At(i, 0)
	}
	return binaryCrossEntropy(probs, y), float64(countHits(probs, y)) / float64(len(y))
}

// Predict returns the network output for one feature vector.
func (s *Sequential) Predict(x []float64) (float64, error) {
	if len(x) != s.inputSize {
		return 0, fmt.Errorf("expected %d features, got %d", s.inputSize, len(x))
	}
	row := mat.NewDense(1, len(x), append([]float64(nil), x...))
	return s.forward(row).At(0, 0), nil
}

const lossEpsilon = 1e-7

func binaryCrossEntropy(probs, labels []float64) float64 {
	sum := 0.0
	for i, p := range probs {
		p = math.Min(math.Max(p, lossEpsilon), 1-lossEpsilon)
		sum -= labels[i]*math.Log(p) + (1-labels[i])*math.Log(1-p)
	}
	return sum / float64(len(probs))
}

func countHits(probs, labels []float64) int {
	hits := 0
	for i, p := range probs {
		if float64(ClassFor(p)) == labels[i] {
			hits++
		}
	}
	return hits
}

// ClassFor thresholds a probability; exactly 0.5 is class 1.
func ClassFor(probability float64) int {
	if probability >= 0.5 {
		return 1
	}
	return 0
}
