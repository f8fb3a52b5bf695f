// pty_unix.go - Local shell backend on a Unix PTY
//go:build !windows

package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// PTYBackend runs the user's shell on a pseudo terminal
type PTYBackend struct {
	cfg PTYConfig

	mu      sync.Mutex
	ptyFile *os.File
	cmd     *exec.Cmd
}

// NewPTYBackend returns an unopened local shell backend
func NewPTYBackend(cfg PTYConfig) *PTYBackend {
	return &PTYBackend{cfg: cfg}
}

// defaultShell is $SHELL, or the platform's usual login shell
func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	if runtime.GOOS == "darwin" {
		return "/bin/zsh"
	}
	return "/bin/bash"
}

// Open starts the shell
func (u *PTYBackend) Open(ctx context.Context) error {
	shell := u.cfg.Shell
	if shell == "" {
		shell = defaultShell()
	}
	term := u.cfg.Term
	if term == "" {
		term = "xterm-256color"
	}

	cmd := exec.Command(shell, u.cfg.Args...)
	cmd.Env = append(os.Environ(),
		"TERM="+term,
		"COLORTERM=truecolor",
		fmt.Sprintf("COLUMNS=%d", u.cfg.Cols),
		fmt.Sprintf("LINES=%d", u.cfg.Rows),
		"LC_ALL=C.UTF-8",
		"LANG=C.UTF-8",
	)
	if runtime.GOOS == "darwin" {
		cmd.Env = append(cmd.Env, "TERM_PROGRAM=Terminal")
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(u.cfg.Rows),
		Cols: uint16(u.cfg.Cols),
	})
	if err != nil {
		return fmt.Errorf("failed to start shell %s: %w", shell, err)
	}

	u.mu.Lock()
	u.ptyFile, u.cmd = ptmx, cmd
	u.mu.Unlock()

	log.Printf("PTY: started %s (pid %d)", shell, cmd.Process.Pid)
	return nil
}

func (u *PTYBackend) file() *os.File {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ptyFile
}

func (u *PTYBackend) Read(p []byte) (int, error) {
	if f := u.file(); f != nil {
		return f.Read(p)
	}
	return 0, fmt.Errorf("PTY file not available")
}

func (u *PTYBackend) Write(p []byte) (int, error) {
	if f := u.file(); f != nil {
		return f.Write(p)
	}
	return 0, fmt.Errorf("PTY file not available")
}

// Resize sets the PTY window size; the kernel signals the shell
func (u *PTYBackend) Resize(cols, rows int) error {
	f := u.file()
	if f == nil {
		return fmt.Errorf("PTY file not available")
	}
	return pty.Setsize(f, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Close hangs up the shell, then kills it if it lingers
func (u *PTYBackend) Close() error {
	u.mu.Lock()
	f, cmd := u.ptyFile, u.cmd
	u.ptyFile, u.cmd = nil, nil
	u.mu.Unlock()

	var errs []error
	if f != nil {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(unix.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
			errs = append(errs, err)
		}
		_ = cmd.Wait()
	}
	if len(errs) > 0 {
		return fmt.Errorf("multiple close errors: %v", errs)
	}
	return nil
}
