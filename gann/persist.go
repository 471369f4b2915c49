package gann

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	deep "github.com/patrikeh/go-deep"
	"github.com/pkg/errors"
)

// history mirrors the per-epoch losses of one fit.
type history struct {
	Loss    []float64 `json:"loss"`
	ValLoss []float64 `json:"val_loss"`
}

func readNet(path string) (*deep.Neural, error) {
	blob, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	nn, err := deep.Unmarshal(blob)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return nn, nil
}

// writeNet replaces path atomically so a crash never leaves a truncated net
// behind a loss-tagged name.
func writeNet(path string, nn *deep.Neural) error {
	blob, err := nn.Marshal()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, blob, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func writeHistory(dir string, h history) error {
	blob, err := json.MarshalIndent(h, "", "    ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filepath.Join(dir, historyName), blob, 0644)
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	return nil
}
