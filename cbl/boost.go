package cbl

import (
	"errors"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// ErrEmptyEnsemble reports that training could not fit even one weak
// classifier; the caller may retry with relaxed parameters.
var ErrEmptyEnsemble = errors.New("boosting produced no weak classifiers")

// ErrNotTrained reports a prediction attempt on an empty ensemble.
var ErrNotTrained = errors.New("the ensemble has not been trained yet")

const fltEpsilon = 1.19209290e-07

// CascadeBoost trains and holds one cascade stage: an ordered ensemble of
// weak trees plus the stage threshold tying it to the TAR/FAR targets.
type CascadeBoost struct {
	params    BoostParams
	storage   *DataStorage
	data      *TrainData
	weak      []*WeakTree
	threshold float32
	log       *zap.Logger

	origResponse []int8
	sumResponse  []float64
	weakEval     []float64
	weights      []float64
	active       []bool
}

// Train fits a cascade stage over the first numSamples pool entries. The
// byte budgets bound the response and sort-order caches. Training stops as
// soon as the TAR/FAR targets are met, the weak-count cap is reached, or no
// further tree can be fitted; a stage without any tree is an error.
func Train(storage *DataStorage, numSamples, precalcValMiB, precalcIdxMiB int, params BoostParams, logger *zap.Logger) (*CascadeBoost, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	numPos := 0
	for i := 0; i < numSamples && i < storage.NumSamples(); i++ {
		if storage.Label(i) == 1 {
			numPos++
		}
	}
	if numPos == 0 || numPos == numSamples {
		return nil, errors.New("the pool must contain both positive and negative samples")
	}

	data, err := NewTrainData(storage, numSamples, precalcValMiB, precalcIdxMiB, params)
	if err != nil {
		return nil, err
	}

	cb := &CascadeBoost{
		params:  params,
		storage: storage,
		data:    data,
		log:     logger,
	}

	regression := params.BoostType == Logit || params.BoostType == Gentle
	if regression {
		data.respCopy = make([]float32, data.sampleCount)
	}
	cb.initWeights()

	for {
		trainer := &treeTrainer{
			data:           data,
			weights:        cb.weights,
			regression:     regression,
			discreteLeaves: params.BoostType == Discrete,
		}
		tree, err := trainer.train(cb.activeIndices())
		if err != nil {
			return nil, err
		}
		if tree == nil {
			break
		}
		cb.weak = append(cb.weak, tree)
		cb.updateWeights(tree)
		cb.trimWeights()
		if len(cb.activeIndices()) == 0 {
			break
		}
		if cb.isErrDesired() {
			break
		}
		if len(cb.weak) >= params.WeakCount {
			break
		}
	}

	if len(cb.weak) == 0 {
		return nil, ErrEmptyEnsemble
	}
	data.FreeTrainData()
	return cb, nil
}

// initWeights prepares the boosting state before the first tree: uniform
// normalized weights, the {-1,+1} response mapping, an all-active mask and,
// for the regression rules, the initial fit targets.
func (cb *CascadeBoost) initWeights() {
	n := cb.data.sampleCount
	cb.origResponse = make([]int8, n)
	cb.weakEval = make([]float64, n)
	cb.weights = make([]float64, n)
	cb.active = make([]bool, n)

	w0 := 1. / float64(n)
	for i := 0; i < n; i++ {
		cb.origResponse[i] = int8(2*int(cb.storage.Label(i)) - 1)
		cb.weights[i] = w0
		cb.active[i] = true
	}

	switch cb.params.BoostType {
	case Logit:
		cb.sumResponse = make([]float64, n)
		for i := 0; i < n; i++ {
			if cb.origResponse[i] > 0 {
				cb.data.respCopy[i] = 2
			} else {
				cb.data.respCopy[i] = -2
			}
		}
	case Gentle:
		for i := 0; i < n; i++ {
			cb.data.respCopy[i] = float32(cb.origResponse[i])
		}
	}
}

func (cb *CascadeBoost) activeIndices() []int {
	idx := make([]int, 0, len(cb.active))
	for i, a := range cb.active {
		if a {
			idx = append(idx, i)
		}
	}
	return idx
}

// updateWeights applies the reweighting rule of the selected boosting
// variant after a new tree was added, then renormalizes the weight vector
// to unit sum. The tree is first evaluated on every pool sample in one
// explicit pass, trimmed samples included.
func (cb *CascadeBoost) updateWeights(tree *WeakTree) {
	d := cb.data
	n := d.sampleCount
	for i := 0; i < n; i++ {
		si := i
		cb.weakEval[i] = float64(tree.Value(func(vi int) float32 { return d.getVarValue(vi, si) }))
	}

	switch cb.params.BoostType {
	case Discrete:
		//weak_eval is in {-1,+1}; err is the weighted misclassification
		//rate and C = log((1-err)/err) both scales the offending weights
		//and the tree leaves
		sumW := floats.Sum(cb.weights)
		err := 0.
		for i := 0; i < n; i++ {
			if cb.weakEval[i] != float64(cb.origResponse[i]) {
				err += cb.weights[i]
			}
		}
		if sumW != 0 {
			err /= sumW
		}
		c := -logRatio(err)
		scale := math.Exp(c)
		for i := 0; i < n; i++ {
			if cb.weakEval[i] != float64(cb.origResponse[i]) {
				cb.weights[i] *= scale
			}
		}
		tree.scale(c)

	case Real:
		//weak_eval is the half log odds of the leaf; w_i *= exp(-y_i f_i)
		for i := 0; i < n; i++ {
			cb.weights[i] *= math.Exp(-float64(cb.origResponse[i]) * cb.weakEval[i])
		}

	case Logit:
		const lbZMax = 10.
		for i := 0; i < n; i++ {
			s := cb.sumResponse[i] + 0.5*cb.weakEval[i]
			cb.sumResponse[i] = s
			p := 1. / (1. + math.Exp(-2.*s))
			w := math.Max(p*(1.-p), fltEpsilon)
			cb.weights[i] = w
			if cb.origResponse[i] > 0 {
				d.respCopy[i] = float32(math.Min(1./p, lbZMax))
			} else {
				d.respCopy[i] = float32(-math.Min(1./(1.-p), lbZMax))
			}
		}

	case Gentle:
		for i := 0; i < n; i++ {
			cb.weights[i] *= math.Exp(-float64(cb.origResponse[i]) * cb.weakEval[i])
		}
	}

	sumW := floats.Sum(cb.weights)
	if sumW > fltEpsilon {
		floats.Scale(1./sumW, cb.weights)
	}
}

// trimWeights deactivates the lightest samples for the next tree: the
// longest ascending-weight prefix whose cumulative sum stays within the
// trim rate. Weights are retained, so later rounds reweigh the full pool.
func (cb *CascadeBoost) trimWeights() {
	n := len(cb.weights)
	for i := range cb.active {
		cb.active[i] = true
	}
	if cb.params.WeightTrimRate <= 0 {
		return
	}

	sorted := append([]float64(nil), cb.weights...)
	inds := make([]int, n)
	floats.Argsort(sorted, inds)

	sum := 0.
	for k := 0; k < n; k++ {
		if sum+sorted[k] > cb.params.WeightTrimRate {
			break
		}
		sum += sorted[k]
		cb.active[inds[k]] = false
	}
}

// predictSum is the raw ensemble score of one pool sample.
func (cb *CascadeBoost) predictSum(sampleIdx int) float64 {
	d := cb.data
	sum := 0.
	for _, tree := range cb.weak {
		sum += float64(tree.Value(func(vi int) float32 { return d.getVarValue(vi, sampleIdx) }))
	}
	return sum
}

// Predict scores a pool sample; with applyThreshold the stage threshold is
// subtracted, so a non-negative result means the stage accepts the sample.
func (cb *CascadeBoost) Predict(sampleIdx int, applyThreshold bool) (float32, error) {
	if len(cb.weak) == 0 {
		return 0, ErrNotTrained
	}
	s := float32(cb.predictSum(sampleIdx))
	if applyThreshold {
		return s - cb.threshold, nil
	}
	return s, nil
}

// isErrDesired recomputes the stage threshold from the positive scores and
// reports whether the stage targets are met. The threshold is placed at the
// (1-minTAR) quantile of the ascending positive scores, which guarantees
// TAR >= minTAR by construction; positives tied with the threshold from
// below are counted as accepted.
func (cb *CascadeBoost) isErrDesired() bool {
	n := cb.data.sampleCount

	var scores []float64
	for i := 0; i < n; i++ {
		if cb.storage.Label(i) == 1 {
			scores = append(scores, float64(float32(cb.predictSum(i))))
		}
	}
	sort.Float64s(scores)

	numPos := len(scores)
	numNeg := n - numPos
	thresholdIdx := int((1. - float64(cb.params.MinTAR)) * float64(numPos))
	cb.threshold = float32(scores[thresholdIdx])

	numTrueAccepts := numPos - thresholdIdx
	for i := thresholdIdx - 1; i >= 0; i-- {
		if scores[i]-float64(cb.threshold) > -fltEpsilon {
			numTrueAccepts++
		}
	}
	tar := float64(numTrueAccepts) / float64(numPos)

	numFalseAccepts := 0
	for i := 0; i < n; i++ {
		if cb.storage.Label(i) == 0 {
			if float32(cb.predictSum(i))-cb.threshold > -fltEpsilon {
				numFalseAccepts++
			}
		}
	}
	far := 0.
	if numNeg > 0 {
		far = float64(numFalseAccepts) / float64(numNeg)
	}

	cb.log.Info("stage round",
		zap.Int("weakCount", len(cb.weak)),
		zap.Float64("tar", tar),
		zap.Float64("far", far),
		zap.Float32("threshold", cb.threshold),
	)

	return far <= float64(cb.params.MaxFAR)
}

// Threshold returns the finalized stage threshold.
func (cb *CascadeBoost) Threshold() float32 { return cb.threshold }

// WeakTrees returns the trained ensemble in boosting order.
func (cb *CascadeBoost) WeakTrees() []*WeakTree { return cb.weak }

// Params returns the parameters the stage was trained with.
func (cb *CascadeBoost) Params() BoostParams { return cb.params }
