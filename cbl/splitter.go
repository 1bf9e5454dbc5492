package cbl

// treeTrainer grows one weak tree per boosting round over the active subset
// of the pool. Weights are looked up through the cv-labels row; in
// regression mode (Gentle, Logit) the fit targets come from the
// respCopy side channel, otherwise the {0,1} class labels are used.
type treeTrainer struct {
	data       *TrainData
	weights    []float64
	regression bool
	//discrete leaves carry the bare class sign, to be scaled by the
	//boosting loop afterwards
	discreteLeaves bool
}

// train grows a tree for the given subset and compiles it into its flat
// form. Returns nil when not even the root admits a split.
func (t *treeTrainer) train(subsampleIdx []int) (*WeakTree, error) {
	d := t.data
	d.resetArena()
	root, err := d.subsampleData(subsampleIdx)
	if err != nil {
		return nil, err
	}
	t.growNode(root)
	if d.nodes[root].isLeaf() {
		return nil, nil
	}
	return buildWeakTree(d, root), nil
}

func (t *treeTrainer) growNode(h int) {
	d := t.data
	t.calcNodeValue(h)

	n := &d.nodes[h]
	if n.depth >= d.params.MaxDepth || n.sampleCount <= d.params.MinSampleCount {
		return
	}

	best := t.findBestSplit(h)
	if best.varIdx < 0 {
		//degenerate: no gap wider than the threshold epsilon
		return
	}
	d.nodes[h].split = best
	t.splitNodeData(h)
	t.growNode(d.nodes[h].left)
	t.growNode(d.nodes[h].right)
}

// calcNodeValue fills the node's leaf value: the weighted mean target in
// regression mode, the weighted class sign (Discrete) or the half log odds
// of the weighted positive rate (Real) otherwise.
func (t *treeTrainer) calcNodeValue(h int) {
	d := t.data
	count := d.nodes[h].sampleCount
	sampleBuf := make([]int32, count)
	cvlBuf := make([]int32, count)
	sampleIdx := d.getSampleIndices(h, sampleBuf)
	cvLabels := d.getCVLabels(h, cvlBuf)

	if t.regression {
		var sumW, sumWZ float64
		for i := 0; i < count; i++ {
			w := t.weights[cvLabels[i]]
			sumW += w
			sumWZ += w * float64(d.respCopy[sampleIdx[i]])
		}
		if sumW > 0 {
			d.nodes[h].value = sumWZ / sumW
		} else {
			d.nodes[h].value = 0
		}
		return
	}

	var wPos, wNeg float64
	for i := 0; i < count; i++ {
		w := t.weights[cvLabels[i]]
		if d.storage.Label(int(sampleIdx[i])) == 1 {
			wPos += w
		} else {
			wNeg += w
		}
	}
	if t.discreteLeaves {
		if wPos > wNeg {
			d.nodes[h].value = 1
		} else {
			d.nodes[h].value = -1
		}
		return
	}
	p := 0.5
	if wPos+wNeg > 0 {
		p = wPos / (wPos + wNeg)
	}
	d.nodes[h].value = 0.5 * logRatio(p)
}

// splitStats are the per-position weight and target channels of one node,
// shared read-only by the feature workers of the best-split search.
type splitStats struct {
	w   []float64
	z   []float64 //regression targets, nil in classification mode
	pos []bool    //class per position, nil in regression mode
}

func (t *treeTrainer) nodeStats(h int) *splitStats {
	d := t.data
	count := d.nodes[h].sampleCount
	sampleIdx := d.getSampleIndices(h, make([]int32, count))
	cvLabels := d.getCVLabels(h, make([]int32, count))

	st := &splitStats{w: make([]float64, count)}
	for i := range st.w {
		st.w[i] = t.weights[cvLabels[i]]
	}
	if t.regression {
		st.z = make([]float64, count)
		for i := range st.z {
			st.z[i] = float64(d.respCopy[sampleIdx[i]])
		}
	} else {
		st.pos = make([]bool, count)
		for i := range st.pos {
			st.pos[i] = d.storage.Label(int(sampleIdx[i])) == 1
		}
	}
	return st
}

// findBestSplit fans the candidate features out over contiguous ranges and
// reduces the per-feature winners deterministically: highest quality first,
// ties to the smaller feature index, then to the smaller threshold.
func (t *treeTrainer) findBestSplit(h int) splitDesc {
	d := t.data
	count := d.nodes[h].sampleCount
	stats := t.nodeStats(h)

	results := make([]splitDesc, d.varCount)
	parallelRange(d.params.Threads, 0, d.varCount, func(lo, hi int) {
		valBuf := make([]float32, count)
		idxBuf := make([]int32, count)
		sampleBuf := make([]int32, count)
		for fi := lo; fi < hi; fi++ {
			if d.catMode {
				results[fi] = t.bestCatSplit(h, fi, stats, sampleBuf)
			} else {
				results[fi] = t.bestOrdSplit(h, fi, stats, valBuf, idxBuf, sampleBuf)
			}
		}
	})

	best := splitDesc{varIdx: -1}
	for fi := range results {
		r := &results[fi]
		if r.varIdx < 0 {
			continue
		}
		if best.varIdx < 0 || r.quality > best.quality {
			best = *r
		}
	}
	return best
}

// bestOrdSplit scans the gaps between adjacent distinct responses of one
// ordered feature. A gap counts as distinct when the responses differ by
// more than the threshold epsilon; the split objective is the weighted
// variance reduction (regression) or the weighted Gini gain
// (classification), both reduced to their sufficient statistics.
func (t *treeTrainer) bestOrdSplit(h, fi int, stats *splitStats, valBuf []float32, idxBuf, sampleBuf []int32) splitDesc {
	d := t.data
	count := d.nodes[h].sampleCount
	vals, sorted := d.getOrdVarData(h, fi, valBuf, idxBuf, sampleBuf)

	best := splitDesc{varIdx: -1}
	if count < 2 {
		return best
	}

	if t.regression {
		var totW, totWZ float64
		for i := 0; i < count; i++ {
			totW += stats.w[i]
			totWZ += stats.w[i] * stats.z[i]
		}
		var lw, lwz float64
		for i := 0; i < count-1; i++ {
			pos := sorted[i]
			lw += stats.w[pos]
			lwz += stats.w[pos] * stats.z[pos]
			if vals[i+1]-vals[i] <= thresholdEps {
				continue
			}
			rw, rwz := totW-lw, totWZ-lwz
			if lw <= 0 || rw <= 0 {
				continue
			}
			quality := lwz*lwz/lw + rwz*rwz/rw
			if best.varIdx < 0 || quality > best.quality {
				best = splitDesc{
					varIdx:  int32(fi),
					quality: quality,
					c:       0.5 * (vals[i] + vals[i+1]),
				}
			}
		}
		return best
	}

	var totPos, totNeg float64
	for i := 0; i < count; i++ {
		if stats.pos[i] {
			totPos += stats.w[i]
		} else {
			totNeg += stats.w[i]
		}
	}
	var lp, ln float64
	for i := 0; i < count-1; i++ {
		pos := sorted[i]
		if stats.pos[pos] {
			lp += stats.w[pos]
		} else {
			ln += stats.w[pos]
		}
		if vals[i+1]-vals[i] <= thresholdEps {
			continue
		}
		rp, rn := totPos-lp, totNeg-ln
		lw, rw := lp+ln, rp+rn
		if lw <= 0 || rw <= 0 {
			continue
		}
		quality := (lp*lp+ln*ln)/lw + (rp*rp+rn*rn)/rw
		if best.varIdx < 0 || quality > best.quality {
			best = splitDesc{
				varIdx:  int32(fi),
				quality: quality,
				c:       0.5 * (vals[i] + vals[i+1]),
			}
		}
	}
	return best
}

// bestCatSplit orders the categories present in the node by their mean
// target (regression) or positive-weight rate (classification) and scans
// the prefix cuts of that order. The winning prefix becomes the membership
// bitset of the left child.
func (t *treeTrainer) bestCatSplit(h, fi int, stats *splitStats, sampleBuf []int32) splitDesc {
	d := t.data
	count := d.nodes[h].sampleCount
	catBuf := make([]int32, count)
	cats := d.getCatVarData(h, fi, catBuf, sampleBuf)

	mc := d.maxCatCount
	sumW := make([]float64, mc)
	sumA := make([]float64, mc) //wz in regression, wPos in classification
	for i := 0; i < count; i++ {
		c := cats[i]
		sumW[c] += stats.w[i]
		if t.regression {
			sumA[c] += stats.w[i] * stats.z[i]
		} else if stats.pos[i] {
			sumA[c] += stats.w[i]
		}
	}

	present := make([]int, 0, mc)
	for c := 0; c < mc; c++ {
		if sumW[c] > 0 {
			present = append(present, c)
		}
	}
	best := splitDesc{varIdx: -1}
	if len(present) < 2 {
		return best
	}
	sortCategoriesByScore(present, sumW, sumA)

	var totW, totA float64
	for _, c := range present {
		totW += sumW[c]
		totA += sumA[c]
	}

	var lw, la float64
	bestCut := -1
	for cut := 0; cut < len(present)-1; cut++ {
		c := present[cut]
		lw += sumW[c]
		la += sumA[c]
		rw, ra := totW-lw, totA-la
		if lw <= 0 || rw <= 0 {
			continue
		}
		var quality float64
		if t.regression {
			quality = la*la/lw + ra*ra/rw
		} else {
			lq := la*la + (lw-la)*(lw-la)
			rq := ra*ra + (rw-ra)*(rw-ra)
			quality = lq/lw + rq/rw
		}
		if bestCut < 0 || quality > best.quality {
			best.quality = quality
			bestCut = cut
		}
	}
	if bestCut < 0 {
		return best
	}
	best.varIdx = int32(fi)
	best.subset = make([]uint32, d.subsetN)
	for i := 0; i <= bestCut; i++ {
		setSubsetBit(best.subset, present[i])
	}
	return best
}

// splitNodeData partitions the node's buffer data into its two freshly
// allocated children. When a child can still be split, every cached sorted
// row is routed through the direction bits and the new-index relocation
// table, so both child rows stay sorted without resorting; otherwise the
// sorted rows are not written. The cv-labels and sample-index rows are
// always routed. Children land in the buffer slot opposite to the parent's.
func (t *treeTrainer) splitNodeData(h int) {
	d := t.data
	n := d.nodes[h]
	count := n.sampleCount

	sampleIdx := d.getSampleIndices(h, make([]int32, count))
	dir := d.direction[:count]
	split := &d.nodes[h].split
	if split.subset == nil {
		for i := 0; i < count; i++ {
			if d.getVarValue(int(split.varIdx), int(sampleIdx[i])) <= split.c {
				dir[i] = 0
			} else {
				dir[i] = 1
			}
		}
	} else {
		for i := 0; i < count; i++ {
			c := int(d.getVarValue(int(split.varIdx), int(sampleIdx[i])))
			if subsetBit(split.subset, c) {
				dir[i] = 0
			} else {
				dir[i] = 1
			}
		}
	}

	//relocation table: position of every sample inside its destination
	newIdx := d.splitBuf[:count]
	nl, nr := int32(0), int32(0)
	for i := 0; i < count; i++ {
		di := int32(dir[i])
		newIdx[i] = (nl & (di - 1)) | (nr & -di)
		nr += di
		nl += di ^ 1
	}

	childBuf := 0
	if n.bufIdx >= 0 {
		childBuf = 1 - n.bufIdx
	}
	left := d.newNode(h, int(nl), childBuf, n.offset)
	right := d.newNode(h, int(nr), childBuf, n.offset+int(nl))
	d.nodes[h].left = left
	d.nodes[h].right = right

	splitInputData := d.nodes[left].depth < d.params.MaxDepth &&
		(int(nl) > d.params.MinSampleCount || int(nr) > d.params.MinSampleCount)

	if splitInputData {
		for vi := 0; vi < d.numPrecalcIdx; vi++ {
			lStart := d.rowStart(childBuf, vi) + n.offset
			rStart := lStart + int(nl)
			if d.is16 {
				splitSortedRow(d.sortedRow16(&n, vi), d.buf16[lStart:lStart+int(nl)], d.buf16[rStart:rStart+int(nr)], dir, newIdx)
			} else {
				splitSortedRow(d.sortedRow32(&n, vi), d.buf32[lStart:lStart+int(nl)], d.buf32[rStart:rStart+int(nr)], dir, newIdx)
			}
		}
	}

	for _, vi := range []int{d.workVarCount - 1, d.workVarCount} {
		lStart := d.rowStart(childBuf, vi) + n.offset
		rStart := lStart + int(nl)
		if n.bufIdx < 0 {
			//a pristine root has identity cv-labels and sample indices
			if d.is16 {
				routeIdentity(d.buf16[lStart:lStart+int(nl)], d.buf16[rStart:rStart+int(nr)], dir)
			} else {
				routeIdentity(d.buf32[lStart:lStart+int(nl)], d.buf32[rStart:rStart+int(nr)], dir)
			}
			continue
		}
		srcStart := d.rowStart(n.bufIdx, vi) + n.offset
		if d.is16 {
			routeRow(d.buf16[srcStart:srcStart+count], d.buf16[lStart:lStart+int(nl)], d.buf16[rStart:rStart+int(nr)], dir)
		} else {
			routeRow(d.buf32[srcStart:srcStart+count], d.buf32[lStart:lStart+int(nl)], d.buf32[rStart:rStart+int(nr)], dir)
		}
	}

	d.nodes[left].numValid = int(nl)
	d.nodes[right].numValid = int(nr)
}

// splitSortedRow walks the parent's sorted positions in order and appends
// the relocated position to the destination side of each sample, keeping
// both child rows sorted.
func splitSortedRow[I indexInt](src, ldst, rdst []I, dir []int8, newIdx []int32) {
	li, ri := 0, 0
	for _, v := range src {
		idx := int(v)
		if dir[idx] != 0 {
			rdst[ri] = I(newIdx[idx])
			ri++
		} else {
			ldst[li] = I(newIdx[idx])
			li++
		}
	}
}

// routeIdentity routes the virtual identity row 0..n-1 without
// materializing it.
func routeIdentity[I indexInt](ldst, rdst []I, dir []int8) {
	li, ri := 0, 0
	for i := range dir {
		if dir[i] != 0 {
			rdst[ri] = I(i)
			ri++
		} else {
			ldst[li] = I(i)
			li++
		}
	}
}

// routeRow forwards row values (not positions) to the destination side of
// their sample.
func routeRow[I indexInt](src, ldst, rdst []I, dir []int8) {
	li, ri := 0, 0
	for i, v := range src {
		if dir[i] != 0 {
			rdst[ri] = v
			ri++
		} else {
			ldst[li] = v
			li++
		}
	}
}
