// crossvm - interactive debugger for Python bytecode
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/crossvm/asm"
	"github.com/chazu/crossvm/config"
	"github.com/chazu/crossvm/eval"
	"github.com/chazu/crossvm/journal"
	"github.com/chazu/crossvm/vm"
)

var log = commonlog.GetLogger("crossvm")

func main() {
	assemble := flag.Bool("s", false, "Parse file as human-readable bytecode")
	bytecode := flag.Bool("b", false, "Parse file as a compiled .pyc (usually automatic)")
	forceColor := flag.Bool("color", false, "Force color output")
	noColor := flag.Bool("no-color", false, "Disable color output")
	journalPath := flag.String("journal", "", "Record an execution trace into this SQLite database")
	configDir := flag.String("config", "", "Directory containing crossvm.toml")
	verbosity := flag.Int("v", 0, "Log verbosity")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: crossvm [options] file [cmd...]\n\n")
		fmt.Fprintf(os.Stderr, "Loads a compiled .pyc or an assembly listing and starts an interactive\n")
		fmt.Fprintf(os.Stderr, "debugging session. Extra arguments run as commands before the prompt.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  crossvm program.pyc              # Debug compiled bytecode\n")
		fmt.Fprintf(os.Stderr, "  crossvm -s listing.pys           # Debug an assembly listing\n")
		fmt.Fprintf(os.Stderr, "  crossvm program.pyc \"break 0x4c\" cont\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		fmt.Fprintf(os.Stderr, "\nerror: missing file\n")
		os.Exit(1)
	}

	code, err := loadCode(args[0], *assemble, *bytecode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	interactive := isatty.IsTerminal(os.Stdout.Fd())
	s := &session{
		vm: vm.New(code),
		p:  &printer{color: interactive && !*noColor || *forceColor},
	}
	s.vm.Evaluator = eval.New()
	s.vm.Stdout = os.Stdout

	if *configDir != "" {
		cfg, err := config.Load(*configDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if err := cfg.Apply(s.vm); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		switch cfg.Session.Color {
		case "always":
			s.p.color = true
		case "never":
			s.p.color = false
		}
		if cfg.Journal.Enabled && *journalPath == "" {
			*journalPath = cfg.Journal.Path
		}
	}

	if *journalPath != "" {
		j, err := journal.Open(*journalPath, filepath.Base(args[0]))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer j.Close()
		s.journal = j
		s.vm.Tracer = j
	}

	// Commands given on the command line run before the prompt.
	for _, arg := range args[1:] {
		if err := s.handle(arg); err != nil {
			s.p.printf("%s[- failed -]:%s %v\n", red, colorReset, err)
		}
		if s.done {
			return
		}
	}

	if !interactive {
		return
	}
	repl(s)
}

// loadCode reads the program. Compiled files are recognized by the pyc
// header bytes; everything else is treated as an assembly listing.
func loadCode(path string, assemble, bytecode bool) (*vm.CodeUnit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !assemble && (bytecode || looksLikePyc(data)) {
		return vm.ReadPyc(data)
	}
	return asm.AssembleString(string(data), path)
}

func looksLikePyc(data []byte) bool {
	return len(data) >= 4 && data[2] == '\r' && data[3] == '\n'
}

func repl(s *session) {
	in := bufio.NewScanner(os.Stdin)
	for !s.done {
		s.p.printf("%s[0x%08x]>%s ", yellow, s.vm.Counter, colorReset)
		if !in.Scan() {
			if err := in.Err(); err != nil {
				log.Errorf("read input: %s", err.Error())
			} else {
				fmt.Println("^D")
			}
			return
		}
		for _, part := range strings.Split(in.Text(), ";") {
			if err := s.handle(strings.TrimSpace(part)); err != nil {
				s.p.printf("%s[- failed -]:%s %v\n", red, colorReset, err)
			}
			if s.done {
				return
			}
		}
	}
}

// interruptible returns a context cancelled by Ctrl-C, so a runaway cont can
// be stopped without killing the session.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
