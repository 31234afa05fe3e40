package jitlog

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/metatrace/jit"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("metatrace.jitlog")

// ErrLoopNotFound indicates the requested trace was never logged.
var ErrLoopNotFound = errors.New("loop not found")

// Store is a persistent compilation log. It implements
// jit.CompileListener; install it with WarmState.SetListener.
type Store struct {
	db      *sql.DB
	session string
	mu      sync.Mutex
	// err is the first error from a listener callback, which cannot
	// return one.
	err error
}

// LoopEntry is a logged loop or bridge.
type LoopEntry struct {
	ID       string
	Session  string
	Kind     string
	Greenkey string
	NumOps   int
	Created  time.Time
	Trace    *TraceRecord
}

// Open opens or creates the log at path. Every Store gets a fresh
// session id, recorded with each row.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS loops (
		id TEXT PRIMARY KEY,
		session TEXT NOT NULL,
		kind TEXT NOT NULL,
		greenkey TEXT NOT NULL,
		ops INTEGER NOT NULL,
		trace BLOB NOT NULL,
		created INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating loops table: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS aborts (
		session TEXT NOT NULL,
		reason TEXT NOT NULL,
		greenkey TEXT NOT NULL,
		length INTEGER NOT NULL,
		created INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating aborts table: %w", err)
	}

	s := &Store{db: db, session: uuid.NewString()}
	log.Debugf("opened %s, session %s", path, s.session)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Session returns the id written with this Store's rows.
func (s *Store) Session() string { return s.session }

// Err returns the first error a listener callback ran into.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Save logs a compiled trace.
func (s *Store) Save(t *jit.CompiledTrace) error {
	rec := NewTraceRecord(t)
	data, err := MarshalTrace(rec)
	if err != nil {
		return fmt.Errorf("encoding trace: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO loops (id, session, kind, greenkey, ops, trace, created) VALUES (?, ?, ?, ?, ?, ?, ?)",
		rec.ID, s.session, rec.Kind, rec.Greenkey, len(rec.Ops), data, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving trace: %w", err)
	}
	return nil
}

// LoopCompiled implements jit.CompileListener.
func (s *Store) LoopCompiled(t *jit.CompiledTrace) {
	s.record(s.Save(t))
}

// BridgeCompiled implements jit.CompileListener.
func (s *Store) BridgeCompiled(t *jit.CompiledTrace) {
	s.record(s.Save(t))
}

// TraceAborted implements jit.CompileListener.
func (s *Store) TraceAborted(greenkey string, reason jit.AbortReason, length int) {
	s.mu.Lock()
	_, err := s.db.Exec(
		"INSERT INTO aborts (session, reason, greenkey, length, created) VALUES (?, ?, ?, ?, ?)",
		s.session, reason.String(), greenkey, length, time.Now().UnixNano(),
	)
	s.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("saving abort: %w", err)
	}
	s.record(err)
}

func (s *Store) record(err error) {
	if err == nil {
		return
	}
	log.Warningf("%s", err)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Loop retrieves a logged trace by id.
func (s *Store) Loop(id string) (*LoopEntry, error) {
	row := s.db.QueryRow("SELECT id, session, kind, greenkey, ops, trace, created FROM loops WHERE id = ?", id)
	e, err := scanLoop(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoopNotFound
		}
		return nil, fmt.Errorf("querying loop: %w", err)
	}
	return e, nil
}

// Loops returns the traces logged for greenkey, oldest first.
func (s *Store) Loops(greenkey string) ([]*LoopEntry, error) {
	rows, err := s.db.Query(
		"SELECT id, session, kind, greenkey, ops, trace, created FROM loops WHERE greenkey = ? ORDER BY created, rowid",
		greenkey,
	)
	if err != nil {
		return nil, fmt.Errorf("querying loops: %w", err)
	}
	defer rows.Close()

	var out []*LoopEntry
	for rows.Next() {
		e, err := scanLoop(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning loop: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AbortCounts returns how many traces were aborted for each reason.
func (s *Store) AbortCounts() (map[string]int, error) {
	rows, err := s.db.Query("SELECT reason, COUNT(*) FROM aborts GROUP BY reason")
	if err != nil {
		return nil, fmt.Errorf("querying aborts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scanning abort count: %w", err)
		}
		counts[reason] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLoop(row scanner) (*LoopEntry, error) {
	var e LoopEntry
	var data []byte
	var created int64
	if err := row.Scan(&e.ID, &e.Session, &e.Kind, &e.Greenkey, &e.NumOps, &data, &created); err != nil {
		return nil, err
	}
	e.Created = time.Unix(0, created)
	rec, err := UnmarshalTrace(data)
	if err != nil {
		return nil, err
	}
	e.Trace = rec
	return &e, nil
}
