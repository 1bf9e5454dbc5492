package cbl

import "gonum.org/v1/gonum/mat"

// PixelRepresentation exposes every pixel of the preprocessed area as one
// ordered feature.
type PixelRepresentation struct {
	Rows, Cols int
}

func (r PixelRepresentation) Size() (int, int) { return r.Rows, r.Cols }

func (r PixelRepresentation) NumFeatures() int { return r.Rows * r.Cols }

func (r PixelRepresentation) Preprocess(img *mat.Dense) []float32 {
	return flattenDense(img, r.Rows, r.Cols)
}

func (r PixelRepresentation) Evaluate(sample []float32, feature int) float32 {
	return sample[feature]
}

// NPDRepresentation spans all normalized pixel differences of the area:
// feature (i, j), i < j, responds with (p_i - p_j) / (p_i + p_j). The pair
// count grows quadratically with the area, which makes the response and
// sort-order caches earn their keep.
type NPDRepresentation struct {
	Rows, Cols int
	pairs      [][2]int32
}

// NewNPDRepresentation enumerates the pixel pairs once.
func NewNPDRepresentation(rows, cols int) *NPDRepresentation {
	area := rows * cols
	pairs := make([][2]int32, 0, area*(area-1)/2)
	for i := 0; i < area; i++ {
		for j := i + 1; j < area; j++ {
			pairs = append(pairs, [2]int32{int32(i), int32(j)})
		}
	}
	return &NPDRepresentation{Rows: rows, Cols: cols, pairs: pairs}
}

func (r *NPDRepresentation) Size() (int, int) { return r.Rows, r.Cols }

func (r *NPDRepresentation) NumFeatures() int { return len(r.pairs) }

func (r *NPDRepresentation) Preprocess(img *mat.Dense) []float32 {
	return flattenDense(img, r.Rows, r.Cols)
}

func (r *NPDRepresentation) Evaluate(sample []float32, feature int) float32 {
	p := r.pairs[feature]
	a, b := sample[p[0]], sample[p[1]]
	if a+b == 0 {
		return 0
	}
	return (a - b) / (a + b)
}

// QuantizedRepresentation wraps an ordered representation and buckets its
// responses into CatCount integer bins over [Lo, Hi], for categorical-mode
// stages.
type QuantizedRepresentation struct {
	Base     Representation
	CatCount int
	Lo, Hi   float32
}

func (r QuantizedRepresentation) Size() (int, int) { return r.Base.Size() }

func (r QuantizedRepresentation) NumFeatures() int { return r.Base.NumFeatures() }

func (r QuantizedRepresentation) Preprocess(img *mat.Dense) []float32 {
	return r.Base.Preprocess(img)
}

func (r QuantizedRepresentation) Evaluate(sample []float32, feature int) float32 {
	v := r.Base.Evaluate(sample, feature)
	if r.Hi <= r.Lo {
		return 0
	}
	bin := int(float32(r.CatCount) * (v - r.Lo) / (r.Hi - r.Lo))
	if bin < 0 {
		bin = 0
	}
	if bin >= r.CatCount {
		bin = r.CatCount - 1
	}
	return float32(bin)
}

func flattenDense(img *mat.Dense, rows, cols int) []float32 {
	h, w := img.Dims()
	out := make([]float32, rows*cols)
	for i := 0; i < rows && i < h; i++ {
		for j := 0; j < cols && j < w; j++ {
			out[i*cols+j] = float32(img.At(i, j))
		}
	}
	return out
}
