package cbl

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
)

// stageDocument is the on-disk shape of one trained stage: a single named
// boost mapping holding the weak count, the stage threshold and the two
// flat streams of every weak classifier.
type stageDocument struct {
	Boost boostDocument `yaml:"boost"`
}

type boostDocument struct {
	WeakCount       int             `yaml:"weakCount"`
	StageThreshold  float64         `yaml:"stageThreshold"`
	WeakClassifiers []weakClfStream `yaml:"weakClassifiers"`
}

type weakClfStream struct {
	InternalNodes []float64 `yaml:"internalNodes"`
	LeafValues    []float64 `yaml:"leafValues"`
}

// Write serializes the trained stage document.
func (cb *CascadeBoost) Write(w io.Writer) error {
	if len(cb.weak) == 0 {
		return ErrNotTrained
	}
	doc := stageDocument{
		Boost: boostDocument{
			WeakCount:      len(cb.weak),
			StageThreshold: float64(cb.threshold),
		},
	}
	for _, tree := range cb.weak {
		internalNodes, leafValues := tree.encodeStreams()
		doc.Boost.WeakClassifiers = append(doc.Boost.WeakClassifiers, weakClfStream{
			InternalNodes: internalNodes,
			LeafValues:    leafValues,
		})
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal stage: %w", err)
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("write stage: %w", err)
	}
	return nil
}

// Save writes the stage document to a file.
func (cb *CascadeBoost) Save(filename string) error {
	dest, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create %s: %w", filename, err)
	}
	defer func() { HandleError(dest.Close()) }()
	return cb.Write(dest)
}

// Read rebuilds a stage from its document. The storage is only consulted at
// prediction time; the rebuilt stage carries no training caches.
func Read(r io.Reader, storage *DataStorage, params BoostParams) (*CascadeBoost, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read stage: %w", err)
	}
	var doc stageDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal stage: %w", err)
	}
	if doc.Boost.WeakCount != len(doc.Boost.WeakClassifiers) {
		return nil, fmt.Errorf("stage document announces %d weak classifiers but carries %d",
			doc.Boost.WeakCount, len(doc.Boost.WeakClassifiers))
	}

	cb := &CascadeBoost{
		params:    params,
		storage:   storage,
		data:      NewInferenceTrainData(storage, params),
		threshold: float32(doc.Boost.StageThreshold),
	}
	for wi, stream := range doc.Boost.WeakClassifiers {
		tree, err := decodeWeakTree(stream.InternalNodes, stream.LeafValues, params.MaxCatCount)
		if err != nil {
			return nil, fmt.Errorf("weak classifier %d: %w", wi, err)
		}
		cb.weak = append(cb.weak, tree)
	}
	if len(cb.weak) == 0 {
		return nil, ErrEmptyEnsemble
	}
	return cb, nil
}

// Load reads a stage document from a file.
func Load(filename string, storage *DataStorage, params BoostParams) (*CascadeBoost, error) {
	src, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	defer func() { HandleError(src.Close()) }()
	return Read(src, storage, params)
}
