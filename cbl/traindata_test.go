package cbl

import (
	"math/rand"
	"testing"
)

func buildTestStorage(t *testing.T, samples [][]float32, labels []float32) *DataStorage {
	t.Helper()
	rep := PixelRepresentation{Rows: 1, Cols: len(samples[0])}
	storage, err := NewDataStorage(rep, len(samples))
	if err != nil {
		t.Fatalf("NewDataStorage: %v", err)
	}
	for i, row := range samples {
		if err := storage.SetRow(row, labels[i], i); err != nil {
			t.Fatalf("SetRow(%d): %v", i, err)
		}
	}
	return storage
}

func randomPool(rng *rand.Rand, n, features int) ([][]float32, []float32) {
	samples := make([][]float32, n)
	labels := make([]float32, n)
	for i := range samples {
		samples[i] = make([]float32, features)
		for j := range samples[i] {
			samples[i][j] = float32(rng.NormFloat64())
		}
		labels[i] = float32(i % 2)
	}
	return samples, labels
}

func testParams() BoostParams {
	params := DefaultBoostParams()
	params.MinSampleCount = 1
	params.WeightTrimRate = 0
	return params
}

func TestPrecalcSortInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	samples, labels := randomPool(rng, 40, 6)
	storage := buildTestStorage(t, samples, labels)

	d, err := NewTrainData(storage, 40, 16, 16, testParams())
	if err != nil {
		t.Fatalf("NewTrainData: %v", err)
	}
	if !d.is16 {
		t.Fatalf("expected 16-bit index width for 40 samples")
	}
	if d.numPrecalcIdx != storage.NumFeatures() {
		t.Fatalf("expected all %d features pre-sorted, got %d", storage.NumFeatures(), d.numPrecalcIdx)
	}

	root, err := d.subsampleData(identityIndices(40))
	if err != nil {
		t.Fatalf("subsampleData: %v", err)
	}
	if d.nodes[root].bufIdx >= 0 {
		t.Fatalf("identity subsample should alias the pristine caches")
	}
	assertNodeSorted(t, d, root)
}

func TestSubsampleWithDuplicatesKeepsSortOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	samples, labels := randomPool(rng, 30, 4)
	storage := buildTestStorage(t, samples, labels)

	d, err := NewTrainData(storage, 30, 8, 8, testParams())
	if err != nil {
		t.Fatalf("NewTrainData: %v", err)
	}

	subset := []int{0, 0, 3, 7, 7, 7, 12, 29}
	root, err := d.subsampleData(subset)
	if err != nil {
		t.Fatalf("subsampleData: %v", err)
	}
	if got := d.nodes[root].sampleCount; got != len(subset) {
		t.Fatalf("subsample root holds %d samples, want %d", got, len(subset))
	}

	sampleIdx := d.getSampleIndices(root, make([]int32, len(subset)))
	seen := make(map[int32]int)
	for _, si := range sampleIdx {
		seen[si]++
	}
	if seen[0] != 2 || seen[7] != 3 || seen[3] != 1 || seen[12] != 1 || seen[29] != 1 {
		t.Fatalf("unexpected sample multiset %v", sampleIdx)
	}
	assertNodeSorted(t, d, root)
}

func TestSubsampleRejectsOutOfRange(t *testing.T) {
	samples := [][]float32{{0}, {1}, {2}, {3}}
	storage := buildTestStorage(t, samples, []float32{0, 0, 1, 1})
	d, err := NewTrainData(storage, 4, 1, 1, testParams())
	if err != nil {
		t.Fatalf("NewTrainData: %v", err)
	}
	if _, err := d.subsampleData([]int{0, 4}); err == nil {
		t.Fatalf("expected out-of-range subsample index to fail")
	}
	if _, err := d.subsampleData([]int{-1}); err == nil {
		t.Fatalf("expected negative subsample index to fail")
	}
}

func TestUncachedFeaturesMatchCachedOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	samples, labels := randomPool(rng, 25, 5)
	storage := buildTestStorage(t, samples, labels)

	cached, err := NewTrainData(storage, 25, 8, 8, testParams())
	if err != nil {
		t.Fatalf("NewTrainData cached: %v", err)
	}
	bare, err := NewTrainData(storage, 25, 0, 0, testParams())
	if err != nil {
		t.Fatalf("NewTrainData bare: %v", err)
	}
	if bare.numPrecalcIdx != 0 || bare.numPrecalcVal != 0 {
		t.Fatalf("zero budgets must disable the caches")
	}

	rootCached, err := cached.subsampleData(identityIndices(25))
	if err != nil {
		t.Fatalf("subsampleData: %v", err)
	}
	rootBare, err := bare.subsampleData(identityIndices(25))
	if err != nil {
		t.Fatalf("subsampleData: %v", err)
	}

	for vi := 0; vi < storage.NumFeatures(); vi++ {
		valsC, sortedC := cached.getOrdVarData(rootCached, vi, make([]float32, 25), make([]int32, 25), make([]int32, 25))
		valsB, sortedB := bare.getOrdVarData(rootBare, vi, make([]float32, 25), make([]int32, 25), make([]int32, 25))
		for i := range valsC {
			if valsC[i] != valsB[i] {
				t.Fatalf("feature %d: cached value %v differs from bare %v at %d", vi, valsC[i], valsB[i], i)
			}
			if sortedC[i] != sortedB[i] {
				t.Fatalf("feature %d: cached order %d differs from bare %d at %d", vi, sortedC[i], sortedB[i], i)
			}
		}
	}
}

func identityIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// assertNodeSorted checks the sort invariant: every cached feature row of
// the node lists its responses in ascending order.
func assertNodeSorted(t *testing.T, d *TrainData, h int) {
	t.Helper()
	count := d.nodes[h].sampleCount
	valBuf := make([]float32, count)
	idxBuf := make([]int32, count)
	sampleBuf := make([]int32, count)
	for vi := 0; vi < d.numPrecalcIdx; vi++ {
		vals, _ := d.getOrdVarData(h, vi, valBuf, idxBuf, sampleBuf)
		for i := 1; i < len(vals); i++ {
			if vals[i-1] > vals[i] {
				t.Fatalf("feature %d of node %d not sorted: vals[%d]=%v > vals[%d]=%v",
					vi, h, i-1, vals[i-1], i, vals[i])
			}
		}
	}
}
