// Package journal persists the bus history of every branch in SQLite so a
// restarted service keeps its sequence numbers and can still resume
// recently connected displays.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/appetiteclub/kds/services/kitchen/internal/bus"
	"github.com/aquamarinepk/aqm"
	_ "modernc.org/sqlite" // Register sqlite driver
)

type Config struct {
	// Retention is how many events are kept per branch.
	Retention int
	// BatchSize and FlushInterval bound how long a record waits in memory.
	BatchSize     int
	FlushInterval time.Duration
	// QueueSize bounds records waiting to be written. Records that do not
	// fit are dropped and the branch is then restored as unclean.
	QueueSize int
}

func DefaultConfig() Config {
	return Config{
		Retention:     1024,
		BatchSize:     128,
		FlushInterval: 50 * time.Millisecond,
		QueueSize:     8192,
	}
}

// State is what a branch restores from.
type State struct {
	Records []bus.Record
	// Next is the sequence the bus continues after.
	Next uint64
	// Complete is true when the previous run stopped cleanly, so Records
	// end exactly at Next.
	Complete bool
}

type Journal struct {
	db     *sql.DB
	cfg    Config
	logger aqm.Logger

	ch   chan bus.Record
	done chan struct{}

	mu      sync.Mutex
	last    map[string]uint64
	dropped map[string]bool
	started bool
	closed  bool
}

func Open(path string, cfg Config, logger aqm.Logger) (*Journal, error) {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init journal schema: %w", err)
	}

	return &Journal{
		db:      db,
		cfg:     cfg,
		logger:  logger,
		ch:      make(chan bus.Record, cfg.QueueSize),
		done:    make(chan struct{}),
		last:    make(map[string]uint64),
		dropped: make(map[string]bool),
	}, nil
}

func initSchema(db *sql.DB) error {
	queries := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS events (
			branch TEXT NOT NULL,
			seq INTEGER NOT NULL,
			at INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (branch, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS seqs (
			branch TEXT PRIMARY KEY,
			reserved INTEGER NOT NULL DEFAULT 0,
			clean_seq INTEGER
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Branches lists every branch the journal knows.
func (j *Journal) Branches(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT branch FROM seqs ORDER BY branch`)
	if err != nil {
		return nil, fmt.Errorf("cannot list branches: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Load reads the restore state of branch and marks it dirty until the next
// clean Stop.
func (j *Journal) Load(ctx context.Context, branch string) (State, error) {
	var reserved uint64
	var clean sql.NullInt64
	err := j.db.QueryRowContext(ctx, `SELECT reserved, clean_seq FROM seqs WHERE branch = ?`, branch).Scan(&reserved, &clean)
	if errors.Is(err, sql.ErrNoRows) {
		return State{Complete: true}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("cannot read sequence of %s: %w", branch, err)
	}

	st := State{Next: reserved}
	if clean.Valid {
		st.Next = uint64(clean.Int64)
		st.Complete = true
		st.Records, err = j.records(ctx, branch, st.Next)
		if err != nil {
			return State{}, err
		}
	}

	if _, err := j.db.ExecContext(ctx, `UPDATE seqs SET clean_seq = NULL WHERE branch = ?`, branch); err != nil {
		return State{}, fmt.Errorf("cannot mark %s dirty: %w", branch, err)
	}

	j.mu.Lock()
	j.last[branch] = st.Next
	j.mu.Unlock()

	j.logger.Info("journal loaded", "branch", branch, "next", st.Next, "records", len(st.Records), "complete", st.Complete)
	return st, nil
}

func (j *Journal) records(ctx context.Context, branch string, upTo uint64) ([]bus.Record, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT at, data FROM (
			SELECT seq, at, data FROM events WHERE branch = ? AND seq <= ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		branch, upTo, j.cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("cannot read events of %s: %w", branch, err)
	}
	defer rows.Close()

	var out []bus.Record
	for rows.Next() {
		var at int64
		var data []byte
		if err := rows.Scan(&at, &data); err != nil {
			return nil, err
		}
		e, err := decodeEvent(data)
		if err != nil {
			return nil, fmt.Errorf("cannot decode event of %s: %w", branch, err)
		}
		out = append(out, bus.Record{Event: e, At: time.Unix(0, at).UTC()})
	}
	return out, rows.Err()
}

// Reserve records that branch may hand out sequences up to upTo. It is
// synchronous: the bus publishes nothing beyond a reservation that is not
// durable.
func (j *Journal) Reserve(branch string, upTo uint64) error {
	_, err := j.db.Exec(
		`INSERT INTO seqs (branch, reserved) VALUES (?, ?)
		 ON CONFLICT(branch) DO UPDATE SET reserved = excluded.reserved, clean_seq = NULL`,
		branch, upTo)
	if err != nil {
		return fmt.Errorf("cannot reserve sequences of %s: %w", branch, err)
	}
	return nil
}

// Append queues r for writing. It never blocks the bus; when the queue is
// full the record is dropped and the branch will restore as unclean.
func (j *Journal) Append(r bus.Record) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- r:
	default:
		if !j.dropped[r.Event.Branch] {
			j.logger.Error("journal queue full, dropping records", "branch", r.Event.Branch, "sequence", r.Event.Sequence)
		}
		j.dropped[r.Event.Branch] = true
	}
}

func (j *Journal) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return nil
	}
	j.started = true
	go j.run()
	j.logger.Info("journal started", "retention", j.cfg.Retention)
	return nil
}

func (j *Journal) run() {
	defer close(j.done)

	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]bus.Record, 0, j.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := j.write(batch); err != nil {
			j.logger.Error("cannot write journal batch", "records", len(batch), "error", err)
			j.mu.Lock()
			for _, r := range batch {
				j.dropped[r.Event.Branch] = true
			}
			j.mu.Unlock()
		}
		batch = batch[:0]
	}

	for {
		select {
		case r, ok := <-j.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= j.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (j *Journal) write(batch []bus.Record) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO events (branch, seq, at, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	last := make(map[string]uint64)
	for _, r := range batch {
		data, err := encodeEvent(r.Event)
		if err != nil {
			return fmt.Errorf("cannot encode event %d: %w", r.Event.Sequence, err)
		}
		if _, err := stmt.Exec(r.Event.Branch, r.Event.Sequence, r.At.UnixNano(), data); err != nil {
			return err
		}
		if r.Event.Sequence > last[r.Event.Branch] {
			last[r.Event.Branch] = r.Event.Sequence
		}
	}

	for branch, seq := range last {
		if seq <= uint64(j.cfg.Retention) {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM events WHERE branch = ? AND seq <= ?`, branch, seq-uint64(j.cfg.Retention)); err != nil {
			return fmt.Errorf("cannot trim %s: %w", branch, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	j.mu.Lock()
	for branch, seq := range last {
		if seq > j.last[branch] {
			j.last[branch] = seq
		}
	}
	j.mu.Unlock()
	return nil
}

// Stop drains the queue, marks every branch that lost nothing as clean
// and closes the database. The bus must be stopped first.
func (j *Journal) Stop(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	if !j.started {
		j.started = true
		go j.run()
	}
	j.mu.Unlock()

	close(j.ch)
	select {
	case <-j.done:
	case <-ctx.Done():
		j.logger.Error("journal did not drain before shutdown, branches stay unclean")
		return ctx.Err()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	for branch, seq := range j.last {
		if j.dropped[branch] {
			j.logger.Info("journal branch left unclean", "branch", branch)
			continue
		}
		if _, err := j.db.Exec(`UPDATE seqs SET clean_seq = ? WHERE branch = ?`, seq, branch); err != nil {
			j.logger.Error("cannot mark branch clean", "branch", branch, "error", err)
		}
	}
	j.logger.Info("journal stopped", "branches", len(j.last))
	return j.db.Close()
}
