package checkpoint

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// RecordName is the index file written next to a step's artifacts.
const RecordName = "index.json"

// RecordVersion is the current index format version.
const RecordVersion = 1

// Record describes a completed training step. Bids holds the bid chosen for
// every deal that was active at the step, in ledger order, so the ledger can
// be rebuilt by replay.
type Record struct {
	Version     int       `json:"version"`
	RunID       string    `json:"run_id"`
	Episode     int       `json:"episode"`
	Step        int       `json:"step"`
	Chunk       int       `json:"chunk"`
	Artifact    string    `json:"artifact"`
	ValLoss     float64   `json:"val_loss"`
	Rows        int       `json:"rows"`
	Bids        []int     `json:"bids"`
	EpisodeDone bool      `json:"episode_done"`
	Timestamp   time.Time `json:"timestamp"`
}

func (rec *Record) Position() Position {
	return Position{rec.Episode, rec.Step}
}

// WriteRecord stores rec in dir, replacing any previous record atomically.
func WriteRecord(dir string, rec *Record) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "creating checkpoint directory")
	}
	rec.Version = RecordVersion
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	blob, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, RecordName)
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, blob, 0644); err != nil {
		return errors.Wrap(err, "writing checkpoint record")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "finalizing checkpoint record")
	}
	return nil
}

// ReadRecord loads the record of dir. A missing record yields ErrNoCheckpoint.
func ReadRecord(dir string) (*Record, error) {
	blob, err := ioutil.ReadFile(filepath.Join(dir, RecordName))
	if os.IsNotExist(err) {
		return nil, ErrNoCheckpoint
	} else if err != nil {
		return nil, err
	}
	rec := new(Record)
	if err := json.Unmarshal(blob, rec); err != nil {
		return nil, errors.Wrapf(err, "decoding record in %s", dir)
	}
	return rec, nil
}
