package replay

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// RunInfo identifies the replay a journal belongs to.
type RunInfo struct {
	SessionID     string
	Device        string
	DiskSize      uint64
	RoutingDigest string
	Started       time.Time
}

// JournalEntry records one replayed map entry. Hash is the hex xxhash64 of
// the bytes written; it is empty for zero entries.
type JournalEntry struct {
	Offset       uint64
	Length       uint64
	Kind         string
	Source       string
	SourceOffset int64
	Hash         string
}

// Journal is a SQLite-backed record of every entry a replay wrote.
type Journal struct {
	db   *sql.DB
	path string
	log  *slog.Logger

	flushEvery time.Duration

	// Batch buffer for Record calls.
	mu      sync.Mutex
	batch   []JournalEntry
	done    chan struct{}
	stopped bool
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	return db, nil
}

// OpenJournal opens (or creates) the journal at path and starts a new run.
// Entries from a previous run are discarded; replay is not resumable.
func OpenJournal(path string, info RunInfo) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		db:         db,
		path:       path,
		log:        slog.Default(),
		flushEvery: 500 * time.Millisecond,
		done:       make(chan struct{}),
	}
	if err := j.init(info); err != nil {
		db.Close()
		return nil, err
	}

	go j.flushLoop()
	return j, nil
}

func (j *Journal) init(info RunInfo) error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			virtual_offset INTEGER PRIMARY KEY,
			length         INTEGER NOT NULL,
			kind           TEXT NOT NULL,
			source         TEXT NOT NULL,
			source_offset  INTEGER NOT NULL,
			hash           TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		DELETE FROM entries;
		DELETE FROM meta;
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	started := info.Started
	if started.IsZero() {
		started = time.Now()
	}
	_, err = j.db.Exec(
		"INSERT INTO meta (key, value) VALUES ('session_id', ?), ('device', ?), ('disk_size', ?), ('routing_digest', ?), ('started', ?)",
		info.SessionID, info.Device, strconv.FormatUint(info.DiskSize, 10), info.RoutingDigest, started.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store meta: %w", err)
	}
	return nil
}

// WithLogger sets the logger that reports background flush failures.
func (j *Journal) WithLogger(log *slog.Logger) *Journal {
	j.mu.Lock()
	j.log = log
	j.mu.Unlock()
	return j
}

// Record appends e. Writes are batched and flushed periodically.
func (j *Journal) Record(e JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.batch = append(j.batch, e)
	if len(j.batch) >= 100 {
		return j.flushLocked()
	}
	return nil
}

// Flush writes any pending batch entries to the database.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

//nolint:gosec // G115: offsets and lengths stay below 2^63
func (j *Journal) flushLocked() error {
	if len(j.batch) == 0 {
		return nil
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO entries
		(virtual_offset, length, kind, source, source_offset, hash) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range j.batch {
		if _, err := stmt.Exec(int64(e.Offset), int64(e.Length), e.Kind, e.Source, e.SourceOffset, e.Hash); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert entry at %d: %w", e.Offset, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	j.batch = j.batch[:0]
	return nil
}

func (j *Journal) flushLoop() {
	ticker := time.NewTicker(j.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.mu.Lock()
			if err := j.flushLocked(); err != nil {
				j.log.Warn("flush replay journal", "path", j.path, "pending", len(j.batch), "error", err)
			}
			j.mu.Unlock()
		}
	}
}

// Close flushes pending writes and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if !j.stopped {
		j.stopped = true
		close(j.done)
	}
	flushErr := j.flushLocked()
	j.mu.Unlock()
	return errors.Join(flushErr, j.db.Close())
}

// Path returns the journal database path.
func (j *Journal) Path() string { return j.path }

// ReadJournal loads the run info and entries of the journal at path, in
// ascending offset order.
func ReadJournal(path string) (RunInfo, []JournalEntry, error) {
	if _, err := os.Stat(path); err != nil {
		return RunInfo{}, nil, fmt.Errorf("journal %s: %w", path, err)
	}
	db, err := openDB(path)
	if err != nil {
		return RunInfo{}, nil, err
	}
	defer db.Close()

	info, err := readRunInfo(db)
	if err != nil {
		return RunInfo{}, nil, err
	}

	rows, err := db.Query(`SELECT virtual_offset, length, kind, source, source_offset, hash
		FROM entries ORDER BY virtual_offset`)
	if err != nil {
		return RunInfo{}, nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var off, length int64
		if err := rows.Scan(&off, &length, &e.Kind, &e.Source, &e.SourceOffset, &e.Hash); err != nil {
			return RunInfo{}, nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Offset = uint64(off)    //nolint:gosec // G115: stored from uint64
		e.Length = uint64(length) //nolint:gosec // G115: stored from uint64
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return RunInfo{}, nil, fmt.Errorf("read entries: %w", err)
	}
	return info, entries, nil
}

func readRunInfo(db *sql.DB) (RunInfo, error) {
	rows, err := db.Query("SELECT key, value FROM meta")
	if err != nil {
		return RunInfo{}, fmt.Errorf("query meta: %w", err)
	}
	defer rows.Close()

	var info RunInfo
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return RunInfo{}, fmt.Errorf("scan meta: %w", err)
		}
		switch k {
		case "session_id":
			info.SessionID = v
		case "device":
			info.Device = v
		case "disk_size":
			info.DiskSize, _ = strconv.ParseUint(v, 10, 64)
		case "routing_digest":
			info.RoutingDigest = v
		case "started":
			info.Started, _ = time.Parse(time.RFC3339Nano, v)
		}
	}
	return info, rows.Err()
}
