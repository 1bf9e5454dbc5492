package cbl

import (
	"fmt"
	"math"
	"sort"

	"gorgonia.org/tensor"
)

// splitDesc describes the split of one internal node. A nil subset means an
// ordered threshold split on c, otherwise the subset bitset decides
// category membership (member goes left).
type splitDesc struct {
	varIdx  int32
	quality float64
	c       float32
	subset  []uint32
}

// node is one entry of the bump-allocated arena. Children are arena
// handles; -1 marks the absent parent of a root and the absent children of
// a leaf. A node is either a leaf (both children -1) or internal (both
// set). bufIdx -1 marks a root aliasing the pristine caches instead of
// owning a working-buffer slot.
type node struct {
	sampleCount int
	depth       int
	parent      int
	left, right int
	bufIdx      int
	offset      int
	numValid    int
	split       splitDesc
	value       float64
}

func (n *node) isLeaf() bool { return n.left < 0 }

// TrainData owns everything the tree trainer touches: the response value
// cache, the pristine sorted-index cache, the double-slot working buffer
// and the node arena. All heavy allocations happen here, once per stage.
//
// The sorted-index cache holds the global per-feature sort order computed
// by precalculate and is never written afterwards. The working buffer has
// two slots of workVarCount+1 rows each: rows [0, numPrecalcIdx) carry the
// per-node sorted index rows, row workVarCount-1 the cv labels and row
// workVarCount the sample indices. Splitting a node reads its rows from
// one slot and writes the children into the other; a grandchild may reuse
// the region of its released grandparent.
type TrainData struct {
	storage *DataStorage
	params  BoostParams

	sampleCount int
	varCount    int
	catMode     bool
	maxCatCount int
	subsetN     int

	is16          bool
	numPrecalcVal int
	numPrecalcIdx int
	workVarCount  int
	slotLen       int

	valCache *tensor.Dense
	valData  []float32

	sort16 []uint16
	sort32 []uint32

	buf16 []uint16
	buf32 []uint32

	nodes []node

	direction []int8
	splitBuf  []int32

	//respCopy is the regression-target side channel used by the Logit and
	//Gentle rules; nil for the classification rules.
	respCopy []float32
}

// NewTrainData derives the cache geometry from the byte budgets, allocates
// the caches, the working buffer and the arena, and runs precompute.
func NewTrainData(storage *DataStorage, numSamples, precalcValMiB, precalcIdxMiB int, params BoostParams) (*TrainData, error) {
	if storage == nil {
		return nil, fmt.Errorf("nil storage")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if precalcValMiB < 0 || precalcIdxMiB < 0 {
		return nil, fmt.Errorf("precalc buffer sizes must be positive or 0")
	}
	if numSamples <= 0 || numSamples > storage.NumSamples() {
		return nil, fmt.Errorf("invalid sample count %d for a pool of %d", numSamples, storage.NumSamples())
	}

	d := &TrainData{
		storage:     storage,
		params:      params,
		sampleCount: numSamples,
		varCount:    storage.NumFeatures(),
		catMode:     params.MaxCatCount > 0,
		maxCatCount: params.MaxCatCount,
	}
	d.is16 = numSamples < 65536
	d.subsetN = (params.MaxCatCount + 31) / 32

	idxWidth := 4
	if d.is16 {
		idxWidth = 2
	}
	d.numPrecalcVal = minInt(int(math.Round(float64(precalcValMiB)*1048576./(4.*float64(numSamples)))), d.varCount)
	d.numPrecalcIdx = minInt(int(math.Round(float64(precalcIdxMiB)*1048576./(float64(idxWidth)*float64(numSamples)))), d.varCount)
	if d.catMode {
		d.numPrecalcIdx = 0
	}

	d.workVarCount = 1
	if !d.catMode {
		d.workVarCount = d.numPrecalcIdx + 1
	}
	d.slotLen = (d.workVarCount + 1) * d.sampleCount

	if uint64(d.slotLen)*2+uint64(d.numPrecalcIdx)*uint64(d.sampleCount) > uint64(math.MaxInt32) {
		return nil, fmt.Errorf("the working buffer cannot be allocated since its size exceeds integer field limits")
	}
	if d.is16 {
		d.sort16 = make([]uint16, d.numPrecalcIdx*d.sampleCount)
		d.buf16 = make([]uint16, 2*d.slotLen)
	} else {
		d.sort32 = make([]uint32, d.numPrecalcIdx*d.sampleCount)
		d.buf32 = make([]uint32, 2*d.slotLen)
	}

	if d.numPrecalcVal > 0 {
		d.valCache = tensor.New(tensor.WithShape(d.numPrecalcVal, d.sampleCount), tensor.Of(tensor.Float32))
		d.valData = d.valCache.Data().([]float32)
	}

	d.direction = make([]int8, d.sampleCount)
	d.splitBuf = make([]int32, d.sampleCount)
	d.nodes = make([]node, 0, 64)

	d.precalculate(params.Threads)
	return d, nil
}

// NewInferenceTrainData builds a cache-less TrainData good enough for
// prediction: every response query falls through to the storage.
func NewInferenceTrainData(storage *DataStorage, params BoostParams) *TrainData {
	return &TrainData{
		storage:     storage,
		params:      params,
		sampleCount: storage.NumSamples(),
		varCount:    storage.NumFeatures(),
		catMode:     params.MaxCatCount > 0,
		maxCatCount: params.MaxCatCount,
		subsetN:     (params.MaxCatCount + 31) / 32,
	}
}

// FreeTrainData drops the caches and the working buffer once the stage is
// trained; prediction falls back to storage responses.
func (d *TrainData) FreeTrainData() {
	d.valCache = nil
	d.valData = nil
	d.sort16, d.sort32 = nil, nil
	d.buf16, d.buf32 = nil, nil
	d.nodes = nil
	d.numPrecalcVal = 0
	d.numPrecalcIdx = 0
}

func (d *TrainData) newNode(parent, count, bufIdx, offset int) int {
	depth := 0
	if parent >= 0 {
		depth = d.nodes[parent].depth + 1
	}
	d.nodes = append(d.nodes, node{
		sampleCount: count,
		depth:       depth,
		parent:      parent,
		left:        -1,
		right:       -1,
		bufIdx:      bufIdx,
		offset:      offset,
		numValid:    count,
	})
	return len(d.nodes) - 1
}

// resetArena drops every node. Called before each weak tree is grown.
func (d *TrainData) resetArena() {
	d.nodes = d.nodes[:0]
}

func (d *TrainData) rowStart(bufIdx, vi int) int {
	return bufIdx*d.slotLen + vi*d.sampleCount
}

// readNodeRow copies the node's segment of buffer row vi into buf. For a
// pristine root the sorted rows come from the sort cache and the cv-labels
// and sample-index rows are the identity.
func (d *TrainData) readNodeRow(h, vi int, buf []int32) []int32 {
	n := &d.nodes[h]
	buf = buf[:n.sampleCount]
	if n.bufIdx < 0 {
		if vi < d.numPrecalcIdx {
			start := vi * d.sampleCount
			if d.is16 {
				for i := range buf {
					buf[i] = int32(d.sort16[start+i])
				}
			} else {
				for i := range buf {
					buf[i] = int32(d.sort32[start+i])
				}
			}
		} else {
			for i := range buf {
				buf[i] = int32(i)
			}
		}
		return buf
	}
	start := d.rowStart(n.bufIdx, vi) + n.offset
	if d.is16 {
		for i := range buf {
			buf[i] = int32(d.buf16[start+i])
		}
	} else {
		for i := range buf {
			buf[i] = int32(d.buf32[start+i])
		}
	}
	return buf
}

// getSampleIndices returns the original pool indices of the node's samples.
func (d *TrainData) getSampleIndices(h int, buf []int32) []int32 {
	return d.readNodeRow(h, d.workVarCount, buf)
}

// getCVLabels returns the weight-lookup labels of the node's samples.
func (d *TrainData) getCVLabels(h int, buf []int32) []int32 {
	return d.readNodeRow(h, d.workVarCount-1, buf)
}

// getClassLabels returns the {0,1} class of every node sample.
func (d *TrainData) getClassLabels(h int, labelsBuf, sampleBuf []int32) []int32 {
	sampleIdx := d.getSampleIndices(h, sampleBuf)
	labelsBuf = labelsBuf[:len(sampleIdx)]
	for i, si := range sampleIdx {
		labelsBuf[i] = int32(d.storage.Label(int(si)))
	}
	return labelsBuf
}

// getOrdVarData returns the node's responses for an ordered feature in
// ascending order together with the node-relative sort order. For a feature
// with a cached sort row the order comes straight from the buffers;
// otherwise the responses are computed on the fly and argsorted, with ties
// kept in node order.
func (d *TrainData) getOrdVarData(h, vi int, valBuf []float32, idxBuf, sampleBuf []int32) (vals []float32, sorted []int32) {
	n := &d.nodes[h]
	count := n.sampleCount
	sampleIdx := d.getSampleIndices(h, sampleBuf)

	if vi < d.numPrecalcIdx {
		sorted = d.readNodeRow(h, vi, idxBuf)
		vals = valBuf[:count]
		if vi < d.numPrecalcVal {
			for i := 0; i < count; i++ {
				si := sampleIdx[sorted[i]]
				vals[i] = d.valData[vi*d.sampleCount+int(si)]
			}
		} else {
			for i := 0; i < count; i++ {
				si := sampleIdx[sorted[i]]
				vals[i] = d.storage.Response(vi, int(si))
			}
		}
		return vals, sorted
	}

	//uncached feature: compute responses in node order, then argsort
	raw := make([]float32, count)
	if vi < d.numPrecalcVal {
		for i := 0; i < count; i++ {
			raw[i] = d.valData[vi*d.sampleCount+int(sampleIdx[i])]
		}
	} else {
		for i := 0; i < count; i++ {
			raw[i] = d.storage.Response(vi, int(sampleIdx[i]))
		}
	}
	sorted = argsortFloat32(raw, idxBuf[:0])
	vals = valBuf[:count]
	for i := 0; i < count; i++ {
		vals[i] = raw[sorted[i]]
	}
	return vals, sorted
}

// getCatVarData returns the integer category of every node sample.
func (d *TrainData) getCatVarData(h, vi int, catBuf, sampleBuf []int32) []int32 {
	sampleIdx := d.getSampleIndices(h, sampleBuf)
	catBuf = catBuf[:len(sampleIdx)]
	for i, si := range sampleIdx {
		c := int32(d.getVarValue(vi, int(si)))
		if c < 0 || c >= int32(d.maxCatCount) {
			HandleError(fmt.Errorf("category %d of feature %d outside [0, %d)", c, vi, d.maxCatCount))
		}
		catBuf[i] = c
	}
	return catBuf
}

// getVarValue answers a single response query, preferring the value cache.
func (d *TrainData) getVarValue(vi, si int) float32 {
	if vi < d.numPrecalcVal && d.valData != nil {
		return d.valData[vi*d.sampleCount+si]
	}
	return d.storage.Response(vi, si)
}

// subsampleData installs a fresh root covering the given pool subset and
// returns its arena handle. When the subset is the whole pool in order the
// root cheaply aliases the pristine caches; otherwise every cached sort row
// is compacted into working-buffer slot 0 through a count/offset table,
// which keeps the sort invariant without resorting and tolerates duplicate
// indices.
func (d *TrainData) subsampleData(subsampleIdx []int) (int, error) {
	if d.buf16 == nil && d.buf32 == nil {
		return -1, fmt.Errorf("no training data has been set")
	}
	sorted := true
	for i, si := range subsampleIdx {
		if si < 0 || si >= d.sampleCount {
			return -1, fmt.Errorf("subsample index %d out of range [0, %d)", si, d.sampleCount)
		}
		if i > 0 && si < subsampleIdx[i-1] {
			sorted = false
		}
	}
	if !sorted {
		//the count/offset compaction assumes pool order
		subsampleIdx = append([]int(nil), subsampleIdx...)
		sort.Ints(subsampleIdx)
	}

	isIdentity := len(subsampleIdx) == d.sampleCount
	if isIdentity {
		for i, si := range subsampleIdx {
			if si != i {
				isIdentity = false
				break
			}
		}
	}
	if isIdentity {
		return d.newNode(-1, d.sampleCount, -1, 0), nil
	}

	count := len(subsampleIdx)
	if count == 0 {
		return -1, fmt.Errorf("empty subsample")
	}
	root := d.newNode(-1, count, 0, 0)

	//count/offset table over the full pool
	co := make([]int32, 2*d.sampleCount)
	for _, si := range subsampleIdx {
		co[2*si]++
	}
	curOfs := int32(0)
	for i := 0; i < d.sampleCount; i++ {
		if co[2*i] > 0 {
			co[2*i+1] = curOfs
			curOfs += co[2*i]
		} else {
			co[2*i+1] = -1
		}
	}

	//compact the pristine sort rows; their positions are pool indices
	for vi := 0; vi < d.numPrecalcIdx; vi++ {
		src := vi * d.sampleCount
		dst := d.rowStart(0, vi)
		j := 0
		for i := 0; i < d.sampleCount; i++ {
			var sidx int32
			if d.is16 {
				sidx = int32(d.sort16[src+i])
			} else {
				sidx = int32(d.sort32[src+i])
			}
			cnt := co[2*sidx]
			for ofs := co[2*sidx+1]; cnt > 0; cnt, ofs, j = cnt-1, ofs+1, j+1 {
				d.writeBuf(dst+j, ofs)
			}
		}
	}

	//cv labels and sample indices of the root are the subset itself
	dstLbl := d.rowStart(0, d.workVarCount-1)
	dstSmp := d.rowStart(0, d.workVarCount)
	for i, si := range subsampleIdx {
		d.writeBuf(dstLbl+i, int32(si))
		d.writeBuf(dstSmp+i, int32(si))
	}

	return root, nil
}

// sortedRow16 exposes the node's sorted row of feature vi as its backing
// 16-bit slice, reaching into the pristine cache for a root alias.
func (d *TrainData) sortedRow16(n *node, vi int) []uint16 {
	if n.bufIdx < 0 {
		start := vi * d.sampleCount
		return d.sort16[start : start+d.sampleCount]
	}
	start := d.rowStart(n.bufIdx, vi) + n.offset
	return d.buf16[start : start+n.sampleCount]
}

func (d *TrainData) sortedRow32(n *node, vi int) []uint32 {
	if n.bufIdx < 0 {
		start := vi * d.sampleCount
		return d.sort32[start : start+d.sampleCount]
	}
	start := d.rowStart(n.bufIdx, vi) + n.offset
	return d.buf32[start : start+n.sampleCount]
}

func (d *TrainData) writeBuf(pos int, v int32) {
	if d.is16 {
		d.buf16[pos] = uint16(v)
	} else {
		d.buf32[pos] = uint32(v)
	}
}
