package cbl

import (
	"fmt"
	"os"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// ReadNpy reads the content of one npy file into a dense matrix.
func ReadNpy(fileName string) (*mat.Dense, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fileName, err)
	}
	defer func() { HandleError(f.Close()) }()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read npy header of %s: %w", fileName, err)
	}

	denseMat := &mat.Dense{}
	if err := r.Read(denseMat); err != nil {
		return nil, fmt.Errorf("read npy payload of %s: %w", fileName, err)
	}
	return denseMat, nil
}

// ReadStorage unites a samples matrix (one preprocessed row per sample) and
// a label vector into a filled DataStorage. The representation decides how
// rows map to feature responses.
func ReadStorage(rep Representation, fileNameSamples, fileNameLabels string) (*DataStorage, error) {
	samples, err := ReadNpy(fileNameSamples)
	if err != nil {
		return nil, err
	}
	labels, err := ReadNpy(fileNameLabels)
	if err != nil {
		return nil, err
	}

	n, width := samples.Dims()
	lh, lw := labels.Dims()
	if lh*lw != n {
		return nil, fmt.Errorf("pool mismatch: %d samples but %d labels", n, lh*lw)
	}
	rows, cols := rep.Size()
	if width != rows*cols {
		return nil, fmt.Errorf("sample width %d does not match representation area %d", width, rows*cols)
	}

	storage, err := NewDataStorage(rep, n)
	if err != nil {
		return nil, err
	}
	row := make([]float32, width)
	flat := labels.RawMatrix().Data
	for i := 0; i < n; i++ {
		for j := 0; j < width; j++ {
			row[j] = float32(samples.At(i, j))
		}
		if err := storage.SetRow(row, float32(flat[i]), i); err != nil {
			return nil, err
		}
	}
	return storage, nil
}
