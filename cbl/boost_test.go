package cbl

import (
	"bytes"
	"math"
	"math/rand"
	"testing"
)

func trainedStage(t *testing.T, storage *DataStorage, params BoostParams, valMiB, idxMiB int) *CascadeBoost {
	t.Helper()
	clf, err := Train(storage, storage.NumSamples(), valMiB, idxMiB, params, nil)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	return clf
}

func TestTrivialSeparability(t *testing.T) {
	samples := [][]float32{{0}, {0}, {1}, {1}}
	labels := []float32{0, 0, 1, 1}
	storage := buildTestStorage(t, samples, labels)

	params := testParams()
	params.BoostType = Gentle
	params.MinTAR = 0.99
	params.MaxFAR = 0.01
	params.MaxDepth = 1
	params.WeakCount = 10

	clf := trainedStage(t, storage, params, 1, 1)
	if got := len(clf.WeakTrees()); got != 1 {
		t.Fatalf("expected a single weak tree, got %d", got)
	}
	if clf.Threshold() != 1 {
		t.Fatalf("expected stage threshold 1, got %v", clf.Threshold())
	}

	tar, far := measureRates(t, clf, storage)
	if tar != 1 {
		t.Fatalf("expected TAR 1.0, got %v", tar)
	}
	if far != 0 {
		t.Fatalf("expected FAR 0.0, got %v", far)
	}
}

func TestLogitReachesStageTargets(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	n := 100
	samples := make([][]float32, n)
	labels := make([]float32, n)
	for i := 0; i < n; i++ {
		labels[i] = float32(i % 2)
		samples[i] = []float32{labels[i] + 0.1*float32(rng.NormFloat64())}
	}
	storage := buildTestStorage(t, samples, labels)

	params := testParams()
	params.BoostType = Logit
	params.MinTAR = 0.95
	params.MaxFAR = 0.05
	params.WeakCount = 10

	clf := trainedStage(t, storage, params, 4, 4)
	tar, far := measureRates(t, clf, storage)
	if tar < float64(params.MinTAR) {
		t.Fatalf("TAR %v below the target %v", tar, params.MinTAR)
	}
	if far > float64(params.MaxFAR) {
		t.Fatalf("FAR %v above the target %v", far, params.MaxFAR)
	}

	//weight normalization holds after every update
	sum := 0.
	for _, w := range clf.weights {
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("weights sum to %v, want 1", sum)
	}

	//label mapping stays {-1,+1}
	for i, r := range clf.origResponse {
		want := int8(2*int(labels[i]) - 1)
		if r != want {
			t.Fatalf("orig response of sample %d is %d, want %d", i, r, want)
		}
	}
}

func TestDiscreteAndRealTrain(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	n := 60
	samples := make([][]float32, n)
	labels := make([]float32, n)
	for i := 0; i < n; i++ {
		labels[i] = float32(i % 2)
		samples[i] = []float32{labels[i] + 0.1*float32(rng.NormFloat64())}
	}
	storage := buildTestStorage(t, samples, labels)

	for _, bt := range []BoostType{Discrete, Real} {
		params := testParams()
		params.BoostType = bt
		params.MinTAR = 0.9
		params.MaxFAR = 0.2
		params.WeakCount = 20

		clf := trainedStage(t, storage, params, 2, 2)
		tar, far := measureRates(t, clf, storage)
		if tar < float64(params.MinTAR) {
			t.Fatalf("%v: TAR %v below the target", bt, tar)
		}
		if far > float64(params.MaxFAR) {
			t.Fatalf("%v: FAR %v above the target", bt, far)
		}
	}
}

// TestTrimIdempotence: with uniform starting weights a trim rate too small
// to cover even one sample behaves exactly like no trimming at all.
func TestTrimIdempotence(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	n := 50
	samples := make([][]float32, n)
	labels := make([]float32, n)
	for i := 0; i < n; i++ {
		labels[i] = float32(i % 2)
		samples[i] = []float32{labels[i] + 0.3*float32(rng.NormFloat64()), float32(rng.NormFloat64())}
	}
	storage := buildTestStorage(t, samples, labels)

	base := testParams()
	base.MinTAR = 0.9
	base.MaxFAR = 0.05
	base.WeakCount = 4

	withoutTrim := base
	withoutTrim.WeightTrimRate = 0
	withTinyTrim := base
	withTinyTrim.WeightTrimRate = 1e-9

	a := trainedStage(t, storage, withoutTrim, 2, 2)
	b := trainedStage(t, storage, withTinyTrim, 2, 2)
	assertSameStage(t, a, b)
}

// TestCacheEquivalence: an ensemble trained without any caches matches the
// fully cached one.
func TestCacheEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	n := 48
	samples := make([][]float32, n)
	labels := make([]float32, n)
	for i := 0; i < n; i++ {
		labels[i] = float32(i % 2)
		samples[i] = []float32{labels[i] + 0.25*float32(rng.NormFloat64()), float32(rng.NormFloat64()), float32(rng.NormFloat64())}
	}
	storage := buildTestStorage(t, samples, labels)

	params := testParams()
	params.MinTAR = 0.9
	params.MaxFAR = 0.1
	params.WeakCount = 6
	params.MaxDepth = 2

	cached := trainedStage(t, storage, params, 8, 8)
	bare := trainedStage(t, storage, params, 0, 0)
	assertSameStage(t, cached, bare)
}

// TestDeterminism: two single-worker runs with identical inputs produce
// identical stages.
func TestDeterminism(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	n := 40
	samples := make([][]float32, n)
	labels := make([]float32, n)
	for i := 0; i < n; i++ {
		labels[i] = float32(i % 2)
		samples[i] = []float32{labels[i] + 0.5*float32(rng.NormFloat64()), float32(rng.NormFloat64())}
	}
	storage := buildTestStorage(t, samples, labels)

	params := testParams()
	params.MinTAR = 0.9
	params.MaxFAR = 0.1
	params.WeakCount = 5
	params.MaxDepth = 2

	a := trainedStage(t, storage, params, 4, 4)
	b := trainedStage(t, storage, params, 4, 4)
	assertSameStage(t, a, b)
}

// TestThresholdTieHandling: positives tied at the quantile score must all
// be accepted, keeping TAR at or above the target.
func TestThresholdTieHandling(t *testing.T) {
	samples := [][]float32{{0}, {0}, {1}, {1}, {1}, {1}}
	labels := []float32{0, 0, 1, 1, 1, 1}
	storage := buildTestStorage(t, samples, labels)

	params := testParams()
	params.MinTAR = 0.75
	params.MaxFAR = 0.01
	params.WeakCount = 4

	clf := trainedStage(t, storage, params, 1, 1)
	tar, _ := measureRates(t, clf, storage)
	if tar < float64(params.MinTAR) {
		t.Fatalf("ties at the threshold pushed TAR to %v, below %v", tar, params.MinTAR)
	}
	if tar != 1 {
		t.Fatalf("all positives score alike, so all must be accepted; TAR = %v", tar)
	}
}

func TestPredictBeforeTraining(t *testing.T) {
	samples := [][]float32{{0}, {1}}
	storage := buildTestStorage(t, samples, []float32{0, 1})
	cb := &CascadeBoost{
		params:  testParams(),
		storage: storage,
		data:    NewInferenceTrainData(storage, testParams()),
	}
	if _, err := cb.Predict(0, false); err != ErrNotTrained {
		t.Fatalf("expected ErrNotTrained, got %v", err)
	}
}

func TestRejectsSingleClassPool(t *testing.T) {
	samples := [][]float32{{0}, {1}, {2}}
	storage := buildTestStorage(t, samples, []float32{1, 1, 1})
	if _, err := Train(storage, 3, 1, 1, testParams(), nil); err == nil {
		t.Fatalf("expected training on a single-class pool to fail")
	}
}

func TestRejectsBadTargets(t *testing.T) {
	samples := [][]float32{{0}, {1}}
	storage := buildTestStorage(t, samples, []float32{0, 1})
	params := testParams()
	params.MinTAR = 1.5
	if _, err := Train(storage, 2, 1, 1, params, nil); err == nil {
		t.Fatalf("expected out-of-range minTAR to fail validation")
	}
}

// measureRates recomputes TAR and FAR of a trained stage over its pool.
func measureRates(t *testing.T, clf *CascadeBoost, storage *DataStorage) (tar, far float64) {
	t.Helper()
	numPos, numNeg, accPos, accNeg := 0, 0, 0, 0
	for i := 0; i < storage.NumSamples(); i++ {
		s, err := clf.Predict(i, true)
		if err != nil {
			t.Fatalf("Predict(%d): %v", i, err)
		}
		accepted := s > -fltEpsilon
		if storage.Label(i) == 1 {
			numPos++
			if accepted {
				accPos++
			}
		} else {
			numNeg++
			if accepted {
				accNeg++
			}
		}
	}
	return float64(accPos) / float64(numPos), float64(accNeg) / float64(numNeg)
}

func assertSameStage(t *testing.T, a, b *CascadeBoost) {
	t.Helper()
	var bufA, bufB bytes.Buffer
	if err := a.Write(&bufA); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := b.Write(&bufB); err != nil {
		t.Fatalf("write b: %v", err)
	}
	if !bytes.Equal(bufA.Bytes(), bufB.Bytes()) {
		t.Fatalf("stages differ:\n%s\n---\n%s", bufA.String(), bufB.String())
	}
}
