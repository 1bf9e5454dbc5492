package cbl

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Representation turns preprocessed samples into scalar feature responses.
// Implementations must be pure: the response of (feature, sample) may not
// change between calls, the precompute caches rely on it.
type Representation interface {
	//Size returns the preprocessed area as rows x cols.
	Size() (rows, cols int)
	//Preprocess converts a raw image into the flat float32 row stored in
	//the pool. The result has Size() elements.
	Preprocess(img *mat.Dense) []float32
	//Evaluate computes the response of one feature on one preprocessed
	//sample of Size() elements.
	Evaluate(sample []float32, feature int) float32
	//NumFeatures reports how many features the representation spans.
	NumFeatures() int
}

// DataStorage owns the sample pool of one cascade stage: a fixed number of
// preprocessed rows plus a binary label per row. The pool is filled once up
// front and is immutable during training.
type DataStorage struct {
	rep    Representation
	data   [][]float32
	labels []float32
}

// NewDataStorage allocates an empty pool for numSamples samples.
func NewDataStorage(rep Representation, numSamples int) (*DataStorage, error) {
	if rep == nil {
		return nil, fmt.Errorf("nil representation")
	}
	if numSamples <= 0 {
		return nil, fmt.Errorf("invalid pool size %d", numSamples)
	}
	rows, cols := rep.Size()
	area := rows * cols
	data := make([][]float32, numSamples)
	for i := range data {
		data[i] = make([]float32, area)
	}
	return &DataStorage{
		rep:    rep,
		data:   data,
		labels: make([]float32, numSamples),
	}, nil
}

// NumFeatures reports the feature count of the underlying representation.
func (s *DataStorage) NumFeatures() int { return s.rep.NumFeatures() }

// NumSamples reports the pool size.
func (s *DataStorage) NumSamples() int { return len(s.labels) }

// Representation exposes the wrapped representation.
func (s *DataStorage) Representation() Representation { return s.rep }

// SetImage preprocesses img and installs it at slot idx with the given
// binary label.
func (s *DataStorage) SetImage(img *mat.Dense, label float32, idx int) error {
	if idx < 0 || idx >= len(s.data) {
		return fmt.Errorf("invalid index %d to cascade data of size %d", idx, len(s.data))
	}
	if label != 0 && label != 1 {
		return fmt.Errorf("label of sample %d must be 0 or 1, got %v", idx, label)
	}
	row := s.rep.Preprocess(img)
	if len(row) != len(s.data[idx]) {
		return fmt.Errorf("preprocessed sample has %d values, want %d", len(row), len(s.data[idx]))
	}
	copy(s.data[idx], row)
	s.labels[idx] = label
	return nil
}

// SetRow installs an already preprocessed row at slot idx. Used when the
// pool is ingested from a flat matrix rather than raw images.
func (s *DataStorage) SetRow(row []float32, label float32, idx int) error {
	if idx < 0 || idx >= len(s.data) {
		return fmt.Errorf("invalid index %d to cascade data of size %d", idx, len(s.data))
	}
	if label != 0 && label != 1 {
		return fmt.Errorf("label of sample %d must be 0 or 1, got %v", idx, label)
	}
	if len(row) != len(s.data[idx]) {
		return fmt.Errorf("row has %d values, want %d", len(row), len(s.data[idx]))
	}
	copy(s.data[idx], row)
	s.labels[idx] = label
	return nil
}

// Response evaluates feature on the stored sample. Pure over its arguments.
func (s *DataStorage) Response(feature, sample int) float32 {
	return s.rep.Evaluate(s.data[sample], feature)
}

// Label returns the binary label of a sample.
func (s *DataStorage) Label(sample int) float32 {
	return s.labels[sample]
}

// FreeTrainData shrinks the payload to a single placeholder row, keeping
// only the label vector. Afterwards Response can evaluate only the
// placeholder row (sample 0); the responses of the other samples are gone.
func (s *DataStorage) FreeTrainData() {
	rows, cols := s.rep.Size()
	s.data = [][]float32{make([]float32, rows*cols)}
}
