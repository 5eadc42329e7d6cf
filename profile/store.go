// Package profile persists profiler output to a SQLite database so runs
// can be compared after the machine has gone away.
package profile

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chazu/kestrel/bytecode"
	"github.com/chazu/kestrel/vm"
)

// ErrRunNotFound indicates the requested run was never saved.
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	program      TEXT NOT NULL,
	started      INTEGER NOT NULL,
	instructions INTEGER NOT NULL,
	invocations  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS methods (
	run         TEXT NOT NULL REFERENCES runs(id),
	class       TEXT NOT NULL,
	method      TEXT NOT NULL,
	invocations INTEGER NOT NULL,
	hot         INTEGER NOT NULL,
	PRIMARY KEY (run, class, method)
);
CREATE TABLE IF NOT EXISTS opcodes (
	run    TEXT NOT NULL REFERENCES runs(id),
	opcode INTEGER NOT NULL,
	name   TEXT NOT NULL,
	count  INTEGER NOT NULL,
	PRIMARY KEY (run, opcode)
);`

// Store handles SQLite storage for profiles.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the profile database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Run is the saved summary of one profiled execution.
type Run struct {
	ID           string
	Program      string
	Started      time.Time
	Instructions uint64
	Invocations  uint64
}

// MethodCount is one saved method row.
type MethodCount struct {
	Class       string
	Method      string
	Invocations uint64
	Hot         bool
}

// OpcodeCount is one saved opcode row.
type OpcodeCount struct {
	Op    bytecode.Opcode
	Name  string
	Count uint64
}

// Save writes everything p has recorded under run id. Saving the same id
// again replaces the earlier rows.
func (s *Store) Save(id, program string, started time.Time, p *vm.Profiler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"methods", "opcodes", "runs"} {
		col := "run"
		if table == "runs" {
			col = "id"
		}
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE "+col+" = ?", id); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	stats := p.Stats()
	if _, err := tx.Exec(
		"INSERT INTO runs (id, program, started, instructions, invocations) VALUES (?, ?, ?, ?, ?)",
		id, program, started.UnixNano(), int64(stats.Instructions), int64(stats.MethodInvocations),
	); err != nil {
		return fmt.Errorf("saving run: %w", err)
	}

	for _, mp := range p.Methods() {
		if _, err := tx.Exec(
			"INSERT INTO methods (run, class, method, invocations, hot) VALUES (?, ?, ?, ?, ?)",
			id, mp.Class, mp.Method, int64(mp.InvocationCount), mp.IsHot,
		); err != nil {
			return fmt.Errorf("saving method %s.%s: %w", mp.Class, mp.Method, err)
		}
	}

	for op, n := range p.OpcodeCounts() {
		if _, err := tx.Exec(
			"INSERT INTO opcodes (run, opcode, name, count) VALUES (?, ?, ?, ?)",
			id, int64(op), op.String(), int64(n),
		); err != nil {
			return fmt.Errorf("saving opcode %s: %w", op, err)
		}
	}
	return tx.Commit()
}

// Run loads the summary of run id.
func (s *Store) Run(id string) (*Run, error) {
	var (
		r            Run
		started      int64
		instructions int64
		invocations  int64
	)
	err := s.db.QueryRow(
		"SELECT id, program, started, instructions, invocations FROM runs WHERE id = ?", id,
	).Scan(&r.ID, &r.Program, &started, &instructions, &invocations)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}
	r.Started = time.Unix(0, started)
	r.Instructions = uint64(instructions)
	r.Invocations = uint64(invocations)
	return &r, nil
}

// Runs lists saved runs, newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query("SELECT id, program, started, instructions, invocations FROM runs ORDER BY started DESC, id")
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                                  Run
			started, instructions, invocations int64
		)
		if err := rows.Scan(&r.ID, &r.Program, &started, &instructions, &invocations); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.Started = time.Unix(0, started)
		r.Instructions = uint64(instructions)
		r.Invocations = uint64(invocations)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TopMethods returns up to n methods of run id, most invoked first.
func (s *Store) TopMethods(id string, n int) ([]MethodCount, error) {
	rows, err := s.db.Query(
		"SELECT class, method, invocations, hot FROM methods WHERE run = ? ORDER BY invocations DESC, class, method LIMIT ?",
		id, n,
	)
	if err != nil {
		return nil, fmt.Errorf("querying methods: %w", err)
	}
	defer rows.Close()

	var out []MethodCount
	for rows.Next() {
		var (
			mc  MethodCount
			inv int64
		)
		if err := rows.Scan(&mc.Class, &mc.Method, &inv, &mc.Hot); err != nil {
			return nil, fmt.Errorf("scanning method: %w", err)
		}
		mc.Invocations = uint64(inv)
		out = append(out, mc)
	}
	return out, rows.Err()
}

// Opcodes returns the opcode counts of run id, most executed first.
func (s *Store) Opcodes(id string) ([]OpcodeCount, error) {
	rows, err := s.db.Query(
		"SELECT opcode, name, count FROM opcodes WHERE run = ? ORDER BY count DESC, opcode", id,
	)
	if err != nil {
		return nil, fmt.Errorf("querying opcodes: %w", err)
	}
	defer rows.Close()

	var out []OpcodeCount
	for rows.Next() {
		var (
			oc      OpcodeCount
			op, cnt int64
		)
		if err := rows.Scan(&op, &oc.Name, &cnt); err != nil {
			return nil, fmt.Errorf("scanning opcode: %w", err)
		}
		oc.Op = bytecode.Opcode(op)
		oc.Count = uint64(cnt)
		out = append(out, oc)
	}
	return out, rows.Err()
}
