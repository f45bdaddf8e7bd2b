// Package journal records execution traces into SQLite. Every executed
// instruction and every halt lands in a per-session table, which makes it
// possible to reconstruct how a debugging session reached its state after
// the fact.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/crossvm/vm"
)

var log = commonlog.GetLogger("crossvm.journal")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	program    TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP
);
CREATE TABLE IF NOT EXISTS steps (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	counter    INTEGER NOT NULL,
	depth      INTEGER NOT NULL,
	offset     INTEGER NOT NULL,
	opcode     INTEGER NOT NULL,
	opname     TEXT NOT NULL,
	arg        INTEGER
);
CREATE TABLE IF NOT EXISTS halts (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	at         TIMESTAMP NOT NULL,
	kind       TEXT NOT NULL,
	offset     INTEGER NOT NULL,
	opname     TEXT,
	steps      INTEGER NOT NULL,
	detail     TEXT
);
CREATE INDEX IF NOT EXISTS steps_session ON steps(session_id, counter);
`

// Journal is a vm.Tracer writing to one SQLite database. A database holds
// many sessions; each Journal owns exactly one session row.
type Journal struct {
	db        *sql.DB
	sessionID string
}

// Open creates or opens the journal database at path and starts a session
// for the named program.
func Open(path, program string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}

	j := &Journal{db: db, sessionID: uuid.NewString()}
	_, err = db.Exec(
		`INSERT INTO sessions (id, program, started_at) VALUES (?, ?, ?)`,
		j.sessionID, program, time.Now().UTC(),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: start session: %w", err)
	}
	log.Infof("session %s started for %s", j.sessionID, program)
	return j, nil
}

// SessionID returns the id of the session this journal writes to.
func (j *Journal) SessionID() string {
	return j.sessionID
}

// TraceStep records one executed instruction. Tracing must never interrupt
// a session, so write failures are logged and swallowed.
func (j *Journal) TraceStep(depth int, counter uint64, instr vm.Instruction, opName string) {
	_, err := j.db.Exec(
		`INSERT INTO steps (session_id, counter, depth, offset, opcode, opname, arg)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.sessionID, counter, depth, instr.Offset, byte(instr.Op), opName, instr.Arg,
	)
	if err != nil {
		log.Errorf("record step %d: %s", counter, err.Error())
	}
}

// TraceHalt records why a step or cont operation stopped.
func (j *Journal) TraceHalt(o vm.Outcome) {
	detail := o.Warning
	if o.Err != nil {
		detail = o.Err.Error()
	}
	_, err := j.db.Exec(
		`INSERT INTO halts (session_id, at, kind, offset, opname, steps, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.sessionID, time.Now().UTC(), o.Kind.String(), o.Offset, o.OpName, o.Steps, detail,
	)
	if err != nil {
		log.Errorf("record halt: %s", err.Error())
	}
}

// Close finishes the session row and closes the database.
func (j *Journal) Close() error {
	_, err := j.db.Exec(
		`UPDATE sessions SET ended_at = ? WHERE id = ?`,
		time.Now().UTC(), j.sessionID,
	)
	if err != nil {
		log.Errorf("finish session: %s", err.Error())
	}
	return j.db.Close()
}

// StepCount reports how many instructions this session has journaled,
// mostly for tests and the CLI's info command.
func (j *Journal) StepCount() (int64, error) {
	var n int64
	err := j.db.QueryRow(
		`SELECT COUNT(*) FROM steps WHERE session_id = ?`, j.sessionID,
	).Scan(&n)
	return n, err
}
