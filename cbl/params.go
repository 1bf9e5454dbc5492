package cbl

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
)

// BoostType selects the reweighting rule of the outer boosting loop.
type BoostType int32

const (
	Discrete BoostType = iota
	Real
	Logit
	Gentle
)

func (bt BoostType) String() string {
	switch bt {
	case Discrete:
		return "discrete"
	case Real:
		return "real"
	case Logit:
		return "logit"
	case Gentle:
		return "gentle"
	}
	return fmt.Sprintf("boostType(%d)", int32(bt))
}

// MaxCatBound is the compile-time bound on category counts. A stage with
// MaxCatCount above it is rejected before training starts.
const MaxCatBound = 256

// BoostParams configures one cascade stage. The zero value is not usable;
// call DefaultBoostParams and adjust.
//
// MaxCatCount switches the feature mode for the whole stage: 0 means every
// feature is ordered (threshold splits), a positive value means every
// feature is categorical with at most MaxCatCount values (subset splits).
type BoostParams struct {
	BoostType      BoostType `validate:"gte=0,lte=3"`
	MinTAR         float32   `validate:"gt=0,lt=1"`
	MaxFAR         float32   `validate:"gt=0,lt=1"`
	WeightTrimRate float64   `validate:"gte=0,lte=1"`
	MaxDepth       int       `validate:"gt=0"`
	WeakCount      int       `validate:"gt=0"`
	MaxCatCount    int       `validate:"gte=0,lte=256"`
	MinSampleCount int       `validate:"gte=0"`
	Threads        int       `validate:"gte=1"`
}

// DefaultBoostParams mirrors the stock single-stage configuration.
func DefaultBoostParams() BoostParams {
	return BoostParams{
		BoostType:      Gentle,
		MinTAR:         0.995,
		MaxFAR:         0.5,
		WeightTrimRate: 0.95,
		MaxDepth:       1,
		WeakCount:      100,
		MaxCatCount:    0,
		MinSampleCount: 10,
		Threads:        1,
	}
}

var paramsValidate = validator.New()

// Validate checks the parameter ranges. Violations are fatal for the call
// that received the parameters.
func (p *BoostParams) Validate() error {
	if err := paramsValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid boost params: %w", err)
	}
	return nil
}

// paramsStreamVersion tags the binary layout of Store/Load.
const paramsStreamVersion uint32 = 1

// Store writes the persisted subset of the parameters as a little-endian
// binary stream: boostType, minTAR, maxFAR, weightTrimRate, maxDepth,
// weakCount, after a version word.
func (p *BoostParams) Store(w io.Writer) error {
	fields := []interface{}{
		paramsStreamVersion,
		int32(p.BoostType),
		p.MinTAR,
		p.MaxFAR,
		p.WeightTrimRate,
		int32(p.MaxDepth),
		int32(p.WeakCount),
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("store boost params: %w", err)
		}
	}
	return nil
}

// Load reads the stream written by Store into the receiver. Fields not part
// of the stream keep their current values.
func (p *BoostParams) Load(r io.Reader) error {
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("load boost params: %w", err)
	}
	if version != paramsStreamVersion {
		return fmt.Errorf("load boost params: unsupported stream version %d", version)
	}
	var boostType, maxDepth, weakCount int32
	for _, f := range []interface{}{&boostType, &p.MinTAR, &p.MaxFAR, &p.WeightTrimRate, &maxDepth, &weakCount} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("load boost params: %w", err)
		}
	}
	p.BoostType = BoostType(boostType)
	p.MaxDepth = int(maxDepth)
	p.WeakCount = int(weakCount)
	return nil
}
