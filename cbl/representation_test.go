package cbl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

func TestNPDRepresentation(t *testing.T) {
	rep := NewNPDRepresentation(1, 3)
	if rep.NumFeatures() != 3 {
		t.Fatalf("3 pixels give 3 pairs, got %d", rep.NumFeatures())
	}
	sample := []float32{4, 2, 0}

	//pair (0,1): (4-2)/(4+2)
	if got, want := rep.Evaluate(sample, 0), float32(2.0/6.0); got != want {
		t.Fatalf("pair (0,1): got %v, want %v", got, want)
	}
	//pair (1,2): (2-0)/(2+0)
	if got := rep.Evaluate(sample, 2); got != 1 {
		t.Fatalf("pair (1,2): got %v, want 1", got)
	}
	//equal pixels respond 0
	if got := rep.Evaluate([]float32{0, 0, 0}, 0); got != 0 {
		t.Fatalf("zero pixels must respond 0, got %v", got)
	}
}

func TestQuantizedRepresentation(t *testing.T) {
	base := PixelRepresentation{Rows: 1, Cols: 1}
	rep := QuantizedRepresentation{Base: base, CatCount: 4, Lo: 0, Hi: 1}

	cases := []struct {
		in   float32
		want float32
	}{
		{-0.5, 0},
		{0, 0},
		{0.26, 1},
		{0.99, 3},
		{1, 3},
		{7, 3},
	}
	for _, c := range cases {
		if got := rep.Evaluate([]float32{c.in}, 0); got != c.want {
			t.Fatalf("quantize(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestStorageSetImageAndFree(t *testing.T) {
	rep := PixelRepresentation{Rows: 2, Cols: 2}
	storage, err := NewDataStorage(rep, 2)
	if err != nil {
		t.Fatalf("NewDataStorage: %v", err)
	}

	img := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	if err := storage.SetImage(img, 1, 0); err != nil {
		t.Fatalf("SetImage: %v", err)
	}
	if err := storage.SetImage(img, 0.5, 1); err == nil {
		t.Fatalf("non-binary label must be rejected")
	}
	if err := storage.SetImage(img, 0, 5); err == nil {
		t.Fatalf("out-of-range index must be rejected")
	}

	if got := storage.Response(3, 0); got != 4 {
		t.Fatalf("pixel feature 3 of sample 0 is %v, want 4", got)
	}
	if storage.Label(0) != 1 {
		t.Fatalf("label lost")
	}

	storage.FreeTrainData()
	if storage.Label(0) != 1 {
		t.Fatalf("labels must survive FreeTrainData")
	}
}

func TestReadStorageFromNpy(t *testing.T) {
	dir := t.TempDir()
	samplesPath := filepath.Join(dir, "samples.npy")
	labelsPath := filepath.Join(dir, "labels.npy")

	samples := mat.NewDense(3, 2, []float64{0.5, 1, 0.25, 2, 0.125, 3})
	labels := mat.NewDense(3, 1, []float64{0, 1, 0})
	writeNpy(t, samplesPath, samples)
	writeNpy(t, labelsPath, labels)

	rep := PixelRepresentation{Rows: 1, Cols: 2}
	storage, err := ReadStorage(rep, samplesPath, labelsPath)
	if err != nil {
		t.Fatalf("ReadStorage: %v", err)
	}
	if storage.NumSamples() != 3 {
		t.Fatalf("expected 3 samples, got %d", storage.NumSamples())
	}
	if got := storage.Response(1, 2); got != 3 {
		t.Fatalf("response(1, 2) = %v, want 3", got)
	}
	if storage.Label(1) != 1 {
		t.Fatalf("label of sample 1 lost")
	}

	//label/sample count mismatch is an argument error
	shortLabels := mat.NewDense(2, 1, []float64{0, 1})
	writeNpy(t, labelsPath, shortLabels)
	if _, err := ReadStorage(rep, samplesPath, labelsPath); err == nil {
		t.Fatalf("expected a pool mismatch error")
	}
}

func writeNpy(t *testing.T, path string, m *mat.Dense) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			t.Fatalf("close %s: %v", path, err)
		}
	}()
	if err := npyio.Write(f, m); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
