package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ============================================================================
// Run journal (SQLite)
// ============================================================================
//
// Every tick of a run is written to a local database so a run can be replayed
// through the reducer afterwards. The journal is write-only from the point of
// view of the controller: nothing in it is ever loaded back into a run.
//
// The control loop hands TickReports over with Publish, which never blocks.
// A single writer goroutine batches rows into transactions; when its buffer
// is full ticks are dropped and counted.
//
// ============================================================================

const recorderSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	started_at      TEXT NOT NULL,
	backend         TEXT NOT NULL,
	finished_at     TEXT,
	outcome         TEXT,
	cause           TEXT,
	finish_counter  INTEGER
);

CREATE TABLE IF NOT EXISTS ticks (
	run_id          TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	at              TEXT NOT NULL,
	"left"          REAL,
	"right"         REAL,
	center          REAL,
	distance_cm     REAL,
	read_error      TEXT,
	mode            TEXT NOT NULL,
	finish_counter  INTEGER NOT NULL,
	maneuver        TEXT NOT NULL,
	PRIMARY KEY (run_id, seq),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"

	// recorderBatchSize caps the rows written per transaction.
	recorderBatchSize = 256
	// recorderFlushInterval bounds how long a partial batch waits.
	recorderFlushInterval = 200 * time.Millisecond
)

// ErrNoRuns is returned when the journal holds no runs.
var ErrNoRuns = errors.New("no runs recorded")

// Recorder writes the run journal.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger

	runID   string
	in      chan TickReport
	dropped atomic.Uint64
	written atomic.Uint64

	startOnce sync.Once
	drainOnce sync.Once
	done      chan struct{}
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID         string
	StartedAt     time.Time
	Backend       string
	FinishedAt    time.Time // zero while the run is open or if it crashed
	Outcome       string
	Cause         StopCause
	FinishCounter int
}

// TickRecord is one row of the ticks table.
type TickRecord struct {
	Seq           uint64
	At            time.Time
	Snapshot      Snapshot
	ReadError     string
	Mode          string
	FinishCounter int
	Maneuver      Maneuver
}

// OpenRecorder opens (or creates) the journal database.
func OpenRecorder(dbPath string, bufSize int, logger *slog.Logger) (*Recorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(recorderSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if bufSize <= 0 {
		bufSize = defaultRecorderBuf
	}
	return &Recorder{
		db:     db,
		logger: logger,
		in:     make(chan TickReport, bufSize),
		done:   make(chan struct{}),
	}, nil
}

// RunID returns the id of the run started with StartRun.
func (r *Recorder) RunID() string { return r.runID }

// Dropped returns the number of ticks discarded because the writer fell behind.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// StartRun inserts the run row and starts the writer goroutine.
func (r *Recorder) StartRun(backend string, at time.Time) (string, error) {
	if r.runID != "" {
		return "", fmt.Errorf("run %s already started", r.runID)
	}
	id := uuid.New().String()
	_, err := r.db.Exec(
		`INSERT INTO runs (run_id, started_at, backend) VALUES (?, ?, ?)`,
		id, at.UTC().Format(time.RFC3339Nano), backend,
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	r.runID = id

	r.startOnce.Do(func() { go r.writeLoop() })
	r.logger.Info("recording run", "run_id", id, "backend", backend)
	return id, nil
}

// Publish queues a tick for the journal. Non-tick broadcasts are ignored
// (mode is part of every tick row). Publish never blocks.
func (r *Recorder) Publish(b Broadcast) {
	tr, ok := b.(TickReport)
	if !ok || r.runID == "" {
		return
	}
	select {
	case r.in <- tr:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("recorder falling behind; dropping ticks")
		}
	}
}

// Drain stops accepting ticks and waits until everything queued is written.
// Publish must not be called afterwards.
func (r *Recorder) Drain() {
	r.drainOnce.Do(func() {
		close(r.in)
		if r.runID == "" {
			close(r.done)
			return
		}
		<-r.done
	})
}

// FinishRun drains the writer and closes the run row with its outcome.
func (r *Recorder) FinishRun(out runOutcome, at time.Time) error {
	if r.runID == "" {
		return fmt.Errorf("no run started")
	}
	r.Drain()

	outcome := outcomeCompleted
	if out.Failed() {
		outcome = outcomeFailed
	}
	_, err := r.db.Exec(
		`UPDATE runs SET finished_at = ?, outcome = ?, cause = ?, finish_counter = ? WHERE run_id = ?`,
		at.UTC().Format(time.RFC3339Nano), outcome, string(out.Cause), out.FinishCounter, r.runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	r.logger.Info("run recorded", "run_id", r.runID, "ticks", r.written.Load(), "dropped", r.dropped.Load())
	return nil
}

// Close drains pending ticks and closes the database.
func (r *Recorder) Close() error {
	r.Drain()
	return r.db.Close()
}

func (r *Recorder) writeLoop() {
	defer close(r.done)

	ticker := time.NewTicker(recorderFlushInterval)
	defer ticker.Stop()

	batch := make([]TickReport, 0, recorderBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.insertTicks(batch); err != nil {
			r.logger.Error("recorder write failed", "error", err, "ticks", len(batch))
			r.dropped.Add(uint64(len(batch)))
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case tr, ok := <-r.in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, tr)
			if len(batch) >= recorderBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) insertTicks(batch []TickReport) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO ticks (run_id, seq, at, "left", "right", center, distance_cm, read_error, mode, finish_counter, maneuver)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, tr := range batch {
		var left, right, center, dist, readErr any
		if tr.ReadError != "" {
			readErr = tr.ReadError
		} else {
			left, right, center, dist = tr.Snapshot.Left, tr.Snapshot.Right, tr.Snapshot.Center, tr.Snapshot.FrontDistanceCM
		}
		if _, err := stmt.Exec(
			r.runID, int64(tr.Seq), tr.At.UTC().Format(time.RFC3339Nano),
			left, right, center, dist, readErr,
			tr.Mode.String(), tr.FinishCounter, string(tr.Maneuver),
		); err != nil {
			return fmt.Errorf("insert tick %d: %w", tr.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ==============================
// Reading the journal
// ==============================

// LatestRun returns the most recently started run.
func (r *Recorder) LatestRun() (RunRecord, error) {
	var id string
	err := r.db.QueryRow(`SELECT run_id FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNoRuns
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("latest run: %w", err)
	}
	return r.LoadRun(id)
}

// LoadRun returns a run by id.
func (r *Recorder) LoadRun(id string) (RunRecord, error) {
	var (
		rec        RunRecord
		startedStr string
		finished   sql.NullString
		outcome    sql.NullString
		cause      sql.NullString
		counter    sql.NullInt64
	)
	err := r.db.QueryRow(
		`SELECT run_id, started_at, backend, finished_at, outcome, cause, finish_counter
		 FROM runs WHERE run_id = ?`, id,
	).Scan(&rec.RunID, &startedStr, &rec.Backend, &finished, &outcome, &cause, &counter)
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run %s: %w", id, err)
	}

	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	if finished.Valid {
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	rec.Outcome = outcome.String
	rec.Cause = StopCause(cause.String)
	rec.FinishCounter = int(counter.Int64)
	return rec, nil
}

// LoadTicks returns a run's ticks in sequence order.
func (r *Recorder) LoadTicks(runID string) ([]TickRecord, error) {
	rows, err := r.db.Query(
		`SELECT seq, at, "left", "right", center, distance_cm, read_error, mode, finish_counter, maneuver
		 FROM ticks WHERE run_id = ? ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	var out []TickRecord
	for rows.Next() {
		var (
			t                         TickRecord
			seq                       int64
			atStr                     string
			left, right, center, dist sql.NullFloat64
			readErr                   sql.NullString
			maneuver                  string
		)
		if err := rows.Scan(&seq, &atStr, &left, &right, &center, &dist, &readErr, &t.Mode, &t.FinishCounter, &maneuver); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		t.Seq = uint64(seq)
		t.At, _ = time.Parse(time.RFC3339Nano, atStr)
		t.Snapshot = Snapshot{Left: left.Float64, Right: right.Float64, Center: center.Float64, FrontDistanceCM: dist.Float64}
		t.ReadError = readErr.String
		t.Maneuver = Maneuver(maneuver)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticks: %w", err)
	}
	return out, nil
}
