// Package checkpoint locates model checkpoints laid out as
// root/<episode>-<step>/<name>-<valLoss>.<ext>.
package checkpoint

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNoCheckpoint means a step directory holds nothing to load. Callers treat
// it as a cold start.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Position identifies a training step.
type Position struct {
	Episode int
	Step    int
}

func (p Position) String() string {
	return fmt.Sprintf("%d-%d", p.Episode, p.Step)
}

// Less orders positions by recency.
func (p Position) Less(q Position) bool {
	if p.Episode != q.Episode {
		return p.Episode < q.Episode
	}
	return p.Step < q.Step
}

// ParsePosition parses a directory name of the form "episode-step".
func ParsePosition(name string) (Position, bool) {
	parts := strings.Split(name, "-")
	if len(parts) != 2 {
		return Position{}, false
	}
	e, err1 := strconv.Atoi(parts[0])
	s, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || e < 0 || s < 0 {
		return Position{}, false
	}
	return Position{e, s}, true
}

// Artifact is one loss-tagged model file.
type Artifact struct {
	Path    string
	ValLoss float64
}

// Resolver finds checkpoints under Root.
type Resolver struct {
	Root string
}

// Dir is the checkpoint directory of a step.
func (r Resolver) Dir(p Position) string {
	return filepath.Join(r.Root, p.String())
}

// Positions lists every parseable step directory, oldest first. Unparseable
// names are skipped.
func (r Resolver) Positions() []Position {
	infos, err := ioutil.ReadDir(r.Root)
	if err != nil {
		return nil
	}
	var ret []Position
	for _, fi := range infos {
		if !fi.IsDir() {
			continue
		}
		p, ok := ParsePosition(fi.Name())
		if !ok {
			log.WithField("name", fi.Name()).Debug("skipping checkpoint directory")
			continue
		}
		ret = append(ret, p)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Less(ret[j]) })
	return ret
}

// Resume returns the latest step that has a checkpoint directory. ok is false
// when the root is missing or holds nothing parseable, in which case training
// starts from episode 0.
func (r Resolver) Resume() (p Position, ok bool) {
	all := r.Positions()
	if len(all) == 0 {
		return Position{}, false
	}
	return all[len(all)-1], true
}

// LatestCompleted returns the newest step whose index record can be read.
// Directories left by an interrupted step have no record and are skipped.
func (r Resolver) LatestCompleted() (Position, *Record, bool) {
	all := r.Positions()
	for i := len(all) - 1; i >= 0; i-- {
		rec, err := ReadRecord(r.Dir(all[i]))
		if err != nil {
			log.WithError(err).WithField("step", all[i].String()).Debug("skipping incomplete checkpoint")
			continue
		}
		return all[i], rec, true
	}
	return Position{}, nil, false
}

// LatestStep returns the last step recorded for an episode.
func (r Resolver) LatestStep(episode int) (Position, bool) {
	all := r.Positions()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Episode == episode {
			return all[i], true
		}
	}
	return Position{}, false
}

// BestArtifact returns the lowest-loss artifact of a step directory. The
// index record is consulted first, then file names are scanned.
func (r Resolver) BestArtifact(dir string) (Artifact, error) {
	if rec, err := ReadRecord(dir); err == nil && rec.Artifact != "" {
		path := filepath.Join(dir, rec.Artifact)
		if _, err := os.Stat(path); err == nil {
			return Artifact{Path: path, ValLoss: rec.ValLoss}, nil
		}
	}
	arts, err := ListArtifacts(dir)
	if err != nil {
		return Artifact{}, err
	}
	if len(arts) == 0 {
		return Artifact{}, ErrNoCheckpoint
	}
	return arts[0], nil
}

// ListArtifacts returns the loss-tagged files of dir, lowest loss first.
// A missing directory yields ErrNoCheckpoint.
func ListArtifacts(dir string) ([]Artifact, error) {
	f, err := os.Open(dir)
	if os.IsNotExist(err) {
		return nil, ErrNoCheckpoint
	} else if err != nil {
		return nil, err
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}
	var arts []Artifact
	for _, name := range names {
		loss, ok := parseLoss(name)
		if !ok {
			continue
		}
		arts = append(arts, Artifact{Path: filepath.Join(dir, name), ValLoss: loss})
	}
	sort.Slice(arts, func(i, j int) bool { return arts[i].ValLoss < arts[j].ValLoss })
	return arts, nil
}

// ArtifactName formats the file name of an epoch's artifact.
func ArtifactName(epoch int, valLoss float64, ext string) string {
	return fmt.Sprintf("%02d-%.4f%s", epoch, valLoss, ext)
}

func parseLoss(name string) (float64, bool) {
	if name == RecordName {
		return 0, false
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	i := strings.LastIndex(base, "-")
	if i < 0 {
		return 0, false
	}
	loss, err := strconv.ParseFloat(base[i+1:], 64)
	if err != nil {
		return 0, false
	}
	return loss, true
}
