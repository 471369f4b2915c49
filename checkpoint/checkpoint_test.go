package checkpoint

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkdirs(t *testing.T, root string, names ...string) {
	for _, name := range names {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0755))
	}
}

func touch(t *testing.T, dir string, names ...string) {
	for _, name := range names {
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644))
	}
}

func TestResumePicksLatest(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "3-7", "3-2", "5-0")
	p, ok := Resolver{root}.Resume()
	require.True(t, ok)
	assert.Equal(t, Position{5, 0}, p)
}

func TestResumeSkipsMalformed(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "junk", "1-x", "2-3-4", "-1-2", "1-4", "1-10")
	touch(t, root, "9-9")
	p, ok := Resolver{root}.Resume()
	require.True(t, ok)
	assert.Equal(t, Position{1, 10}, p)
}

func TestResumeColdStart(t *testing.T) {
	_, ok := Resolver{filepath.Join(t.TempDir(), "missing")}.Resume()
	assert.False(t, ok)

	root := t.TempDir()
	mkdirs(t, root, "nope", "a-b")
	_, ok = Resolver{root}.Resume()
	assert.False(t, ok)
}

func TestLatestCompletedSkipsInterrupted(t *testing.T) {
	root := t.TempDir()
	r := Resolver{root}
	require.NoError(t, WriteRecord(r.Dir(Position{0, 0}), &Record{Episode: 0, Step: 0, Bids: []int{1}}))
	require.NoError(t, WriteRecord(r.Dir(Position{0, 1}), &Record{Episode: 0, Step: 1, Bids: []int{2}}))
	mkdirs(t, root, "0-2")
	touch(t, r.Dir(Position{0, 2}), "01-0.5000.json")

	p, rec, ok := r.LatestCompleted()
	require.True(t, ok)
	assert.Equal(t, Position{0, 1}, p)
	assert.Equal(t, []int{2}, rec.Bids)

	newest, ok := r.Resume()
	require.True(t, ok)
	assert.Equal(t, Position{0, 2}, newest)
}

func TestLatestCompletedNone(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "0-0", "0-1")
	_, _, ok := Resolver{root}.LatestCompleted()
	assert.False(t, ok)
}

func TestLatestStep(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "0-0", "0-1", "0-4", "1-0", "1-2")
	r := Resolver{root}
	p, ok := r.LatestStep(0)
	require.True(t, ok)
	assert.Equal(t, Position{0, 4}, p)
	_, ok = r.LatestStep(2)
	assert.False(t, ok)
}

func TestBestArtifactScansNames(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "01-0.5000.json", "02-0.2500.json", "03-0.7500.json", "history.json", "notes.txt")
	r := Resolver{}
	art, err := r.BestArtifact(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "02-0.2500.json"), art.Path)
	assert.Equal(t, 0.25, art.ValLoss)
}

func TestBestArtifactPrefersRecord(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "01-0.5000.json", "02-0.2500.json")
	require.NoError(t, WriteRecord(dir, &Record{Episode: 1, Step: 2, Artifact: "01-0.5000.json", ValLoss: 0.5}))
	art, err := Resolver{}.BestArtifact(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "01-0.5000.json"), art.Path)

	require.NoError(t, WriteRecord(dir, &Record{Artifact: "gone-0.1.json"}))
	art, err = Resolver{}.BestArtifact(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "02-0.2500.json"), art.Path)
}

func TestBestArtifactEmpty(t *testing.T) {
	_, err := Resolver{}.BestArtifact(t.TempDir())
	assert.ErrorIs(t, err, ErrNoCheckpoint)
	_, err = Resolver{}.BestArtifact(filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestRecordRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "2-3")
	rec := &Record{RunID: "r", Episode: 2, Step: 3, Bids: []int{1, 0, 35}, EpisodeDone: true}
	require.NoError(t, WriteRecord(dir, rec))
	got, err := ReadRecord(dir)
	require.NoError(t, err)
	assert.Equal(t, RecordVersion, got.Version)
	assert.Equal(t, Position{2, 3}, got.Position())
	assert.Equal(t, []int{1, 0, 35}, got.Bids)
	assert.True(t, got.EpisodeDone)

	_, err = ReadRecord(t.TempDir())
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestArtifactName(t *testing.T) {
	name := ArtifactName(3, 12.34567, ".json")
	assert.Equal(t, "03-12.3457.json", name)
	loss, ok := parseLoss(name)
	require.True(t, ok)
	assert.Equal(t, 12.3457, loss)
}
