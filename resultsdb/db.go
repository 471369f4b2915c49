// Package resultsdb records training progress in PostgreSQL.
package resultsdb

import (
	"context"
	"time"

	"github.com/jackc/pgx"
	"github.com/mtharp/bridgebid/engine"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	stmtStep = "insert_step"

	batchMax   = 250
	batchDelay = time.Second
	timeout    = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS bid_steps (
	run_id text NOT NULL,
	episode integer NOT NULL,
	step integer NOT NULL,
	chunk integer NOT NULL,
	rows integer NOT NULL,
	active integer NOT NULL,
	terminated integer NOT NULL,
	val_loss double precision NOT NULL,
	artifact text NOT NULL,
	elapsed_ms bigint NOT NULL,
	created timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, episode, step)
);
CREATE TABLE IF NOT EXISTS bid_episodes (
	run_id text NOT NULL,
	episode integer NOT NULL,
	chunk integer NOT NULL,
	deals integer NOT NULL,
	steps integer NOT NULL,
	finished integer NOT NULL,
	elapsed_ms bigint NOT NULL,
	created timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, episode)
);
CREATE TABLE IF NOT EXISTS bid_evals (
	run_id text NOT NULL,
	chunk integer NOT NULL,
	checkpoint text NOT NULL,
	deals integer NOT NULL,
	truncated integer NOT NULL,
	total double precision NOT NULL,
	score double precision NOT NULL,
	created timestamptz NOT NULL DEFAULT now()
)`

const (
	insertStep    = "INSERT INTO bid_steps (run_id, episode, step, chunk, rows, active, terminated, val_loss, artifact, elapsed_ms) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (run_id, episode, step) DO NOTHING"
	insertEpisode = "INSERT INTO bid_episodes (run_id, episode, chunk, deals, steps, finished, elapsed_ms) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (run_id, episode) DO NOTHING"
	insertEval    = "INSERT INTO bid_evals (run_id, chunk, checkpoint, deals, truncated, total, score) VALUES ($1, $2, $3, $4, $5, $6, $7)"
)

// DB is an engine.Observer. Step rows are queued and written in batches;
// episode and evaluation rows are written as they arrive.
type DB struct {
	engine.NopObserver
	pool  *pgx.ConnPool
	steps chan engine.StepReport
	done  chan struct{}
	flush func([]engine.StepReport) error
}

func Connect(url string) (*DB, error) {
	cfg, err := pgx.ParseConnectionString(url)
	if err != nil {
		return nil, errors.Wrap(err, "parsing db.url")
	}
	conn, err := pgx.Connect(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to database")
	}
	err = migrate(conn)
	conn.Close()
	if err != nil {
		return nil, err
	}
	pool, err := pgx.NewConnPool(pgx.ConnPoolConfig{
		ConnConfig: cfg,
		AfterConnect: func(conn *pgx.Conn) error {
			_, err := conn.Prepare(stmtStep, insertStep)
			return err
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to database")
	}
	db := &DB{pool: pool}
	db.start(db.sendBatch)
	return db, nil
}

type execer interface {
	Exec(sql string, arguments ...interface{}) (pgx.CommandTag, error)
}

// migrate creates the tables once per process, on a single connection opened
// before the pool, whose AfterConnect prepares statements against them.
func migrate(ex execer) error {
	if _, err := ex.Exec(schema); err != nil {
		return errors.Wrap(err, "creating tables")
	}
	return nil
}

func (db *DB) start(flush func([]engine.StepReport) error) {
	db.steps = make(chan engine.StepReport, 1000)
	db.done = make(chan struct{})
	db.flush = flush
	go db.stepUpdater()
}

// StepDone queues r, dropping it if the queue is full.
func (db *DB) StepDone(r engine.StepReport) {
	select {
	case db.steps <- r:
	default:
		log.WithField("step", r.Step).Warn("step queue full, dropping row")
	}
}

func (db *DB) EpisodeDone(r engine.EpisodeReport) {
	db.exec("recording episode", insertEpisode, episodeArgs(r)...)
}

func (db *DB) Evaluated(r engine.EvalReport) {
	db.exec("recording evaluation", insertEval, evalArgs(r)...)
}

// Close flushes queued steps and closes the pool.
func (db *DB) Close() {
	close(db.steps)
	<-db.done
	if db.pool != nil {
		db.pool.Close()
	}
}

func (db *DB) exec(what, sql string, args ...interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := db.pool.ExecEx(ctx, sql, nil, args...); err != nil {
		log.WithError(err).Error(what)
	}
}

func (db *DB) stepUpdater() {
	defer close(db.done)
	var steps []engine.StepReport
	send := func() {
		if len(steps) == 0 {
			return
		}
		if err := db.flush(steps); err != nil {
			log.WithError(err).Error("recording steps")
		}
		steps = steps[:0]
	}
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if len(steps) == 0 {
				t.Reset(time.Hour)
				continue
			}
			send()
		case item, ok := <-db.steps:
			if !ok {
				send()
				return
			}
			steps = append(steps, item)
			if len(steps) >= batchMax {
				send()
				t.Reset(time.Hour)
			} else {
				t.Reset(batchDelay)
			}
		}
	}
}

func (db *DB) sendBatch(steps []engine.StepReport) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	start := time.Now()
	b := db.pool.BeginBatch()
	for _, item := range steps {
		b.Queue(stmtStep, stepArgs(item), nil, nil)
	}
	if err := b.Send(ctx, nil); err != nil {
		b.Close()
		return err
	}
	if err := b.Close(); err != nil {
		return err
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		log.WithField("elapsed", d).Warn("recording steps was slow")
	}
	return nil
}

func stepArgs(r engine.StepReport) []interface{} {
	return []interface{}{r.RunID, r.Episode, r.Step, r.Chunk, r.Rows, r.Active, r.Terminated, r.ValLoss, r.Artifact, r.Elapsed.Milliseconds()}
}

func episodeArgs(r engine.EpisodeReport) []interface{} {
	return []interface{}{r.RunID, r.Episode, r.Chunk, r.Deals, r.Steps, r.Finished, r.Elapsed.Milliseconds()}
}

func evalArgs(r engine.EvalReport) []interface{} {
	return []interface{}{r.RunID, r.Chunk, r.Checkpoint, r.Deals, r.Truncated, r.Total, r.Score}
}
