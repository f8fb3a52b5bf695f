// pty_windows.go - Local shell backend on Windows ConPTY
//go:build windows

package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/ActiveState/termtest/conpty"
)

// PTYBackend runs cmd.exe on a pseudo console
type PTYBackend struct {
	cfg PTYConfig

	mu      sync.Mutex
	cpty    *conpty.ConPty
	inPipe  *os.File
	outPipe *os.File
	process *os.Process
}

// NewPTYBackend returns an unopened local shell backend
func NewPTYBackend(cfg PTYConfig) *PTYBackend {
	return &PTYBackend{cfg: cfg}
}

func defaultShell() string {
	systemRoot := os.Getenv("SYSTEMROOT")
	if systemRoot == "" {
		systemRoot = os.Getenv("WINDIR")
		if systemRoot == "" {
			systemRoot = "C:\\Windows"
		}
	}
	return filepath.Join(systemRoot, "System32", "cmd.exe")
}

// Open creates the pseudo console and spawns the shell
func (w *PTYBackend) Open(ctx context.Context) error {
	cpty, err := conpty.New(int16(w.cfg.Cols), int16(w.cfg.Rows))
	if err != nil {
		return fmt.Errorf("failed to create ConPTY: %w", err)
	}

	shell := w.cfg.Shell
	if shell == "" {
		shell = defaultShell()
	}
	term := w.cfg.Term
	if term == "" {
		term = "xterm-256color"
	}
	env := append(os.Environ(),
		"TERM="+term,
		"COLORTERM=truecolor",
		fmt.Sprintf("COLUMNS=%d", w.cfg.Cols),
		fmt.Sprintf("LINES=%d", w.cfg.Rows),
	)

	pid, _, err := cpty.Spawn(shell, w.cfg.Args, &syscall.ProcAttr{Env: env})
	if err != nil {
		cpty.Close()
		return fmt.Errorf("failed to spawn shell: %w", err)
	}
	process, err := os.FindProcess(int(pid))
	if err != nil {
		cpty.Close()
		return fmt.Errorf("failed to find process: %w", err)
	}

	w.mu.Lock()
	w.cpty, w.inPipe, w.outPipe, w.process = cpty, cpty.InPipe(), cpty.OutPipe(), process
	w.mu.Unlock()

	log.Printf("PTY: started %s with ConPTY (pid %d)", shell, pid)
	return nil
}

func (w *PTYBackend) Read(p []byte) (int, error) {
	w.mu.Lock()
	out := w.outPipe
	w.mu.Unlock()
	if out == nil {
		return 0, fmt.Errorf("output pipe not available")
	}
	return out.Read(p)
}

func (w *PTYBackend) Write(p []byte) (int, error) {
	w.mu.Lock()
	in := w.inPipe
	w.mu.Unlock()
	if in == nil {
		return 0, fmt.Errorf("input pipe not available")
	}
	return in.Write(p)
}

func (w *PTYBackend) Resize(cols, rows int) error {
	w.mu.Lock()
	cpty := w.cpty
	w.mu.Unlock()
	if cpty == nil {
		return fmt.Errorf("ConPTY not available")
	}
	return cpty.Resize(uint16(cols), uint16(rows))
}

func (w *PTYBackend) Close() error {
	w.mu.Lock()
	cpty, in, out, process := w.cpty, w.inPipe, w.outPipe, w.process
	w.cpty, w.inPipe, w.outPipe, w.process = nil, nil, nil, nil
	w.mu.Unlock()

	var errs []error
	for _, f := range []*os.File{in, out} {
		if f != nil {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if cpty != nil {
		if err := cpty.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if process != nil {
		if err := process.Kill(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("multiple close errors: %v", errs)
	}
	return nil
}
