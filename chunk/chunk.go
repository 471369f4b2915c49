// Package chunk reads deal chunks and writes per-step training snapshots as
// .npy arrays.
package chunk

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtharp/bridgebid/bidding"
	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// snapshot file names
const (
	TrainX = "Train_X.npy"
	TrainY = "Train_Y.npy"
)

// Store resolves chunk indices to files through a printf-style template
// such as "Data/Train/Data-%d.npy".
type Store struct {
	Template string
}

func (s Store) Path(chunk int) string {
	return fmt.Sprintf(s.Template, chunk)
}

// Deals implements bidding.DealSource.
func (s Store) Deals(chunk int) ([]bidding.Deal, error) {
	path := s.Path(chunk)
	m, err := readMatrix(path)
	if err != nil {
		return nil, err
	}
	rows, cols := m.Dims()
	if cols != bidding.RowSize {
		return nil, errors.Errorf("%s: %d columns, want %d", path, cols, bidding.RowSize)
	}
	deals := make([]bidding.Deal, rows)
	for i := range deals {
		d, err := bidding.DealFromRow(m.RawRowView(i))
		if err != nil {
			return nil, errors.Wrapf(err, "%s row %d", path, i)
		}
		deals[i] = d
	}
	return deals, nil
}

// WriteDeals stores deals as one chunk file.
func WriteDeals(path string, deals []bidding.Deal) error {
	rows := make([][]float64, len(deals))
	for i := range deals {
		rows[i] = deals[i].Row()
	}
	return writeMatrix(path, rows, bidding.RowSize)
}

// WriteSnapshot stores the features and reward labels of one training step.
func WriteSnapshot(dir string, x, y [][]float64) error {
	if len(x) != len(y) {
		return errors.Errorf("snapshot has %d feature rows and %d label rows", len(x), len(y))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "creating snapshot directory")
	}
	if err := writeMatrix(filepath.Join(dir, TrainX), x, bidding.FeatureSize); err != nil {
		return err
	}
	return writeMatrix(filepath.Join(dir, TrainY), y, bidding.NumBids)
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(dir string) (x, y [][]float64, err error) {
	mx, err := readMatrix(filepath.Join(dir, TrainX))
	if err != nil {
		return nil, nil, err
	}
	my, err := readMatrix(filepath.Join(dir, TrainY))
	if err != nil {
		return nil, nil, err
	}
	return toRows(mx), toRows(my), nil
}

func readMatrix(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.Wrap(bidding.ErrDataUnavailable, path)
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	if len(r.Header.Descr.Shape) != 2 {
		return nil, errors.Errorf("%s: expected a 2-d array, got shape %v", path, r.Header.Descr.Shape)
	}
	var m mat.Dense
	if err := r.Read(&m); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return &m, nil
}

// writeMatrix writes rows as a float64 array. Empty batches are refused.
func writeMatrix(path string, rows [][]float64, cols int) error {
	if len(rows) == 0 {
		return errors.Errorf("%s: no rows to write", path)
	}
	m := mat.NewDense(len(rows), cols, nil)
	for i, row := range rows {
		if len(row) != cols {
			return errors.Errorf("%s: row %d has %d columns, want %d", path, i, len(row), cols)
		}
		m.SetRow(i, row)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return errors.Wrapf(err, "encoding %s", path)
	}
	return f.Close()
}

func toRows(m *mat.Dense) [][]float64 {
	n, _ := m.Dims()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = mat.Row(nil, i, m)
	}
	return rows
}
