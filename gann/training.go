package gann

import (
	"math"
	"path/filepath"
	"time"

	"github.com/mtharp/bridgebid/appconfig"
	"github.com/mtharp/bridgebid/checkpoint"
	"github.com/mtharp/bridgebid/engine"
	deep "github.com/patrikeh/go-deep"
	"github.com/patrikeh/go-deep/training"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// divergedLoss stands in for a NaN or infinite validation loss so that the
// artifact name and index record stay encodable.
const divergedLoss = 1e9

// Backend trains a new network from scratch for every step.
type Backend struct {
	cfg appconfig.ModelConfig
}

func NewBackend(cfg appconfig.ModelConfig) *Backend {
	return &Backend{cfg: cfg}
}

func (b *Backend) Untrained() engine.Model {
	return newNet(deep.NewNeural(netConfig(b.cfg)), workers(b.cfg))
}

func (b *Backend) Load(path string) (engine.Model, error) {
	nn, err := readNet(path)
	if err != nil {
		return nil, err
	}
	if got := nn.Config.Inputs; got != b.cfg.InputSize {
		return nil, errors.Errorf("%s takes %d inputs, expected %d", path, got, b.cfg.InputSize)
	}
	if got := nn.Config.Layout[len(nn.Config.Layout)-1]; got != b.cfg.OutputSize {
		return nil, errors.Errorf("%s has %d outputs, expected %d", path, got, b.cfg.OutputSize)
	}
	return newNet(nn, workers(b.cfg)), nil
}

// Train fits x to y, holding out the val_split fraction for validation, and
// writes one artifact per epoch plus the loss history to dir. The artifact
// with the lowest validation loss is returned.
func (b *Backend) Train(x, y [][]float64, dir string) (checkpoint.Artifact, error) {
	if len(x) == 0 {
		return checkpoint.Artifact{}, errors.New("no training rows")
	}
	if len(x) != len(y) {
		return checkpoint.Artifact{}, errors.Errorf("%d feature rows but %d label rows", len(x), len(y))
	}
	if err := ensureDir(dir); err != nil {
		return checkpoint.Artifact{}, err
	}
	examples := make(training.Examples, len(x))
	for i := range x {
		examples[i] = training.Example{Input: x[i], Response: y[i]}
	}
	train, val := examples.Split(1 - b.cfg.ValSplit)
	if len(train) == 0 {
		train = examples
	}
	if len(val) == 0 {
		val = train
	}

	start := time.Now()
	nn := deep.NewNeural(netConfig(b.cfg))
	optimizer := &epochSolver{Solver: training.NewAdam(b.cfg.LearningRate, beta1, beta2, epsilon)}
	trainer := training.NewBatchTrainer(optimizer, 0, b.cfg.BatchSize, workers(b.cfg))
	var hist history
	var best checkpoint.Artifact
	for epoch := 1; epoch <= b.cfg.Epochs; epoch++ {
		trainer.Train(nn, train, val, 1)
		loss := meanSquaredError(nn, train)
		valLoss := meanSquaredError(nn, val)
		hist.Loss = append(hist.Loss, loss)
		hist.ValLoss = append(hist.ValLoss, valLoss)

		path := filepath.Join(dir, checkpoint.ArtifactName(epoch, valLoss, artifactExt))
		if err := writeNet(path, nn); err != nil {
			return checkpoint.Artifact{}, errors.Wrapf(err, "saving epoch %d", epoch)
		}
		if epoch == 1 || valLoss < best.ValLoss {
			best = checkpoint.Artifact{Path: path, ValLoss: valLoss}
		}
		log.WithFields(log.Fields{"epoch": epoch, "loss": loss, "val_loss": valLoss}).Debug("epoch complete")
	}
	if err := writeHistory(dir, hist); err != nil {
		return checkpoint.Artifact{}, errors.Wrap(err, "saving history")
	}
	log.WithFields(log.Fields{
		"rows":     len(x),
		"train":    len(train),
		"val":      len(val),
		"val_loss": best.ValLoss,
		"elapsed":  time.Since(start),
	}).Debug("fit complete")
	return best, nil
}

// epochSolver carries optimizer state across the one-epoch Train calls used to
// write an artifact per epoch. BatchTrainer initialises its solver on every
// call; only the first Init for a given size reaches the wrapped solver, and
// iterations keep counting from where the previous epoch stopped.
type epochSolver struct {
	training.Solver
	size   int
	epochs int
}

func (s *epochSolver) Init(size int) {
	if s.epochs == 0 || size != s.size {
		s.Solver.Init(size)
		s.size = size
		s.epochs = 0
	}
	s.epochs++
}

func (s *epochSolver) Update(value, gradient float64, iteration, idx int) float64 {
	return s.Solver.Update(value, gradient, iteration+s.epochs-1, idx)
}

// meanSquaredError averages the squared error over every output of every
// example.
func meanSquaredError(nn *deep.Neural, examples training.Examples) float64 {
	var sum float64
	var n int
	for _, ex := range examples {
		out := nn.Predict(ex.Input)
		for i, want := range ex.Response {
			d := out[i] - want
			sum += d * d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	loss := sum / float64(n)
	if math.IsNaN(loss) || math.IsInf(loss, 0) || loss > divergedLoss {
		return divergedLoss
	}
	return loss
}
