package gann

import (
	"sync"

	deep "github.com/patrikeh/go-deep"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Net is a trained or freshly initialised network that is safe for
// concurrent use.
type Net struct {
	inputs  int
	workers int
	// Neural objects are not goroutine-safe so use a pool instead
	pool sync.Pool
}

func newNet(nn *deep.Neural, workers int) *Net {
	dump := nn.Dump()
	n := &Net{
		inputs:  nn.Config.Inputs,
		workers: workers,
	}
	n.pool.New = func() interface{} {
		return deep.FromDump(dump)
	}
	n.pool.Put(nn)
	return n
}

// Predict scores every row of x.
func (n *Net) Predict(x [][]float64) ([][]float64, error) {
	for i, row := range x {
		if len(row) != n.inputs {
			return nil, errors.Errorf("row %d has %d features, network takes %d", i, len(row), n.inputs)
		}
	}
	out := make([][]float64, len(x))
	g := new(errgroup.Group)
	g.SetLimit(n.workers)
	for i, row := range x {
		i, row := i, row
		g.Go(func() error {
			nn := n.pool.Get().(*deep.Neural)
			out[i] = nn.Predict(row)
			n.pool.Put(nn)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
