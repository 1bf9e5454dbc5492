package cbl

import "fmt"

// encodedSplit is one internal node of a weak tree in BFS order. Child
// references follow the stream encoding: a positive reference is an index
// into the internal-node stream, a non-positive reference is the negated
// index of a leaf value.
type encodedSplit struct {
	Left, Right int32
	VarIdx      int32
	Threshold   float32
	Subset      []uint32
}

// WeakTree is one member of the boosted ensemble: internal nodes in
// breadth-first order (left child visited before right) plus the leaf
// values in emission order. The root sits at stream position 0; a tree
// always has at least one internal node.
type WeakTree struct {
	MaxCatCount int
	Splits      []encodedSplit
	LeafValues  []float32
}

// buildWeakTree compiles the arena subtree rooted at rootHandle into the
// flat breadth-first form.
func buildWeakTree(d *TrainData, rootHandle int) *WeakTree {
	t := &WeakTree{MaxCatCount: d.maxCatCount}

	queue := []int{rootHandle}
	internalIdx := int32(1)
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		n := &d.nodes[h]

		var es encodedSplit
		left := &d.nodes[n.left]
		if left.isLeaf() {
			es.Left = int32(-len(t.LeafValues))
			t.LeafValues = append(t.LeafValues, float32(left.value))
		} else {
			es.Left = internalIdx
			internalIdx++
			queue = append(queue, n.left)
		}
		right := &d.nodes[n.right]
		if right.isLeaf() {
			es.Right = int32(-len(t.LeafValues))
			t.LeafValues = append(t.LeafValues, float32(right.value))
		} else {
			es.Right = internalIdx
			internalIdx++
			queue = append(queue, n.right)
		}
		es.VarIdx = n.split.varIdx
		if d.catMode {
			es.Subset = append([]uint32(nil), n.split.subset...)
		} else {
			es.Threshold = n.split.c
		}
		t.Splits = append(t.Splits, es)
	}
	return t
}

// Value descends the tree with the given response oracle and returns the
// reached leaf value.
func (t *WeakTree) Value(resp func(vi int) float32) float32 {
	ref := int32(0)
	for {
		s := &t.Splits[ref]
		if t.MaxCatCount == 0 {
			if resp(int(s.VarIdx)) <= s.Threshold {
				ref = s.Left
			} else {
				ref = s.Right
			}
		} else {
			c := int(resp(int(s.VarIdx)))
			if subsetBit(s.Subset, c) {
				ref = s.Left
			} else {
				ref = s.Right
			}
		}
		if ref <= 0 {
			return t.LeafValues[-ref]
		}
	}
}

// scale multiplies every leaf value; used by the Discrete rule to fold the
// round coefficient into the tree.
func (t *WeakTree) scale(c float64) {
	for i := range t.LeafValues {
		t.LeafValues[i] = float32(float64(t.LeafValues[i]) * c)
	}
}

// subsetWords is the number of 32-bit bitset words of a categorical split.
func subsetWords(maxCatCount int) int {
	return (maxCatCount + 31) / 32
}

// encodeStreams flattens the tree into the two persisted streams. Per
// internal node: leftRef, rightRef, varIdx, then the threshold (ordered) or
// the subset words (categorical).
func (t *WeakTree) encodeStreams() (internalNodes, leafValues []float64) {
	for i := range t.Splits {
		s := &t.Splits[i]
		internalNodes = append(internalNodes, float64(s.Left), float64(s.Right), float64(s.VarIdx))
		if t.MaxCatCount == 0 {
			internalNodes = append(internalNodes, float64(s.Threshold))
		} else {
			for _, w := range s.Subset {
				internalNodes = append(internalNodes, float64(w))
			}
		}
	}
	leafValues = make([]float64, len(t.LeafValues))
	for i, v := range t.LeafValues {
		leafValues[i] = float64(v)
	}
	return internalNodes, leafValues
}

// decodeWeakTree rebuilds a tree from its persisted streams.
func decodeWeakTree(internalNodes, leafValues []float64, maxCatCount int) (*WeakTree, error) {
	subsetN := subsetWords(maxCatCount)
	step := 3 + 1
	if maxCatCount > 0 {
		step = 3 + subsetN
	}
	if len(internalNodes) == 0 || len(internalNodes)%step != 0 {
		return nil, fmt.Errorf("internalNodes stream of length %d is not a multiple of the node step %d", len(internalNodes), step)
	}

	t := &WeakTree{MaxCatCount: maxCatCount}
	nInternal := len(internalNodes) / step
	for ni := 0; ni < nInternal; ni++ {
		base := ni * step
		es := encodedSplit{
			Left:   int32(internalNodes[base]),
			Right:  int32(internalNodes[base+1]),
			VarIdx: int32(internalNodes[base+2]),
		}
		if maxCatCount == 0 {
			es.Threshold = float32(internalNodes[base+3])
		} else {
			es.Subset = make([]uint32, subsetN)
			for w := 0; w < subsetN; w++ {
				es.Subset[w] = uint32(internalNodes[base+3+w])
			}
		}
		for _, ref := range []int32{es.Left, es.Right} {
			if ref > 0 && int(ref) >= nInternal {
				return nil, fmt.Errorf("internal reference %d beyond %d nodes", ref, nInternal)
			}
			if ref <= 0 && int(-ref) >= len(leafValues) {
				return nil, fmt.Errorf("leaf reference %d beyond %d leaf values", ref, len(leafValues))
			}
		}
		t.Splits = append(t.Splits, es)
	}
	t.LeafValues = make([]float32, len(leafValues))
	for i, v := range leafValues {
		t.LeafValues[i] = float32(v)
	}
	return t, nil
}
