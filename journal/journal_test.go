package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chazu/crossvm/vm"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), "test.pyc")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func testProgram(t *testing.T) *vm.CodeUnit {
	t.Helper()
	version := vm.Version{Major: 3, Minor: 8, Level: "final"}
	b := vm.NewCodeBuilder(version)
	b.EmitByName("LOAD_CONST", 0)
	b.EmitByName("LOAD_CONST", 1)
	b.EmitByName("BINARY_ADD", 0)
	b.EmitByName("RETURN_VALUE", 0)
	return &vm.CodeUnit{
		Name:         "<test>",
		Instructions: b.Bytes(),
		Constants:    []vm.Value{vm.Int(2), vm.Int(3)},
		Version:      version,
	}
}

func TestOpenCreatesSession(t *testing.T) {
	j := openTestJournal(t)
	if j.SessionID() == "" {
		t.Errorf("empty session id")
	}

	var program string
	err := j.db.QueryRow(
		`SELECT program FROM sessions WHERE id = ?`, j.SessionID(),
	).Scan(&program)
	if err != nil {
		t.Fatalf("query session: %v", err)
	}
	if program != "test.pyc" {
		t.Errorf("program = %q, want test.pyc", program)
	}
}

func TestTraceStepsFromSession(t *testing.T) {
	j := openTestJournal(t)
	m := vm.New(testProgram(t))
	m.Tracer = j

	o := m.Cont(context.Background(), false)
	if o.Kind != vm.OutcomeEnded {
		t.Fatalf("run: %s (%v)", o.Kind, o.Err)
	}

	n, err := j.StepCount()
	if err != nil {
		t.Fatalf("StepCount: %v", err)
	}
	if n != 4 {
		t.Errorf("journaled %d steps, want 4", n)
	}

	// Step rows carry the decoded instruction, in execution order.
	rows, err := j.db.Query(
		`SELECT counter, depth, offset, opname FROM steps WHERE session_id = ? ORDER BY counter`,
		j.SessionID(),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	wantOps := []string{"LOAD_CONST", "LOAD_CONST", "BINARY_ADD", "RETURN_VALUE"}
	i := 0
	for rows.Next() {
		var counter, depth, offset int64
		var opname string
		if err := rows.Scan(&counter, &depth, &offset, &opname); err != nil {
			t.Fatal(err)
		}
		if counter != int64(i+1) || depth != 1 || opname != wantOps[i] {
			t.Errorf("row %d = counter=%d depth=%d %s, want %d/1/%s", i, counter, depth, opname, i+1, wantOps[i])
		}
		if offset != int64(i*2) {
			t.Errorf("row %d offset = %d, want %d", i, offset, i*2)
		}
		i++
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	if i != len(wantOps) {
		t.Errorf("read %d rows, want %d", i, len(wantOps))
	}
}

func TestTraceHalt(t *testing.T) {
	j := openTestJournal(t)
	m := vm.New(testProgram(t))
	m.Tracer = j
	m.Breakpoints.Set(4, "")

	m.Cont(context.Background(), false)

	var kind string
	var offset, steps int64
	err := j.db.QueryRow(
		`SELECT kind, offset, steps FROM halts WHERE session_id = ?`, j.SessionID(),
	).Scan(&kind, &offset, &steps)
	if err != nil {
		t.Fatalf("query halt: %v", err)
	}
	if kind != "breakpoint" || offset != 4 || steps != 2 {
		t.Errorf("halt = %s@%d steps=%d, want breakpoint@4 steps=2", kind, offset, steps)
	}
}

func TestCloseFinishesSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, "prog.pyc")
	if err != nil {
		t.Fatal(err)
	}
	id := j.SessionID()
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening the same database keeps the finished session and starts a
	// new one.
	j2, err := Open(path, "prog.pyc")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	if j2.SessionID() == id {
		t.Errorf("session id reused across opens")
	}

	var ended any
	err = j2.db.QueryRow(
		`SELECT ended_at FROM sessions WHERE id = ?`, id,
	).Scan(&ended)
	if err != nil {
		t.Fatalf("query old session: %v", err)
	}
	if ended == nil {
		t.Errorf("closed session has no ended_at")
	}
}

func TestSeparateSessionCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	a, err := Open(path, "a.pyc")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(path, "b.pyc")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	m := vm.New(testProgram(t))
	m.Tracer = a
	m.Cont(context.Background(), false)

	na, err := a.StepCount()
	if err != nil {
		t.Fatal(err)
	}
	nb, err := b.StepCount()
	if err != nil {
		t.Fatal(err)
	}
	if na != 4 || nb != 0 {
		t.Errorf("counts = %d/%d, want 4/0", na, nb)
	}
}
