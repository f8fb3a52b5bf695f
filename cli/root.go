// root.go - Command tree and startup parameters
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tabterm/internal/app"
	"tabterm/internal/config"
	"tabterm/internal/logging"
	"tabterm/internal/profile"
	"tabterm/internal/session"
	"tabterm/internal/tabs"
)

// startFlags are the startup parameters of the root command
type startFlags struct {
	configPath string

	ssh      string
	login    string
	keyfile  string
	telnet   string
	vnc      string
	command  string
	term     string
	dim      string
	record   string
	playback string

	interpreter   bool
	compress      bool
	forwardAgent  bool
	forwardLocal  []string
	forwardRemote []string
}

func newRootCmd() *cobra.Command {
	f := &startFlags{}
	cmd := &cobra.Command{
		Use:   "tabterm",
		Short: "Tabbed terminal for local shells, SSH, Telnet and VNC sessions",
		Long: "tabterm opens one or more terminal tabs in the current console.\n" +
			"Ctrl-] is the prefix key; Ctrl-] ? lists the tab commands.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd.Context(), f)
		},
	}

	cmd.PersistentFlags().StringVar(&f.configPath, "config", "", "config file (default ~/.tabterm/config.yaml)")

	fl := cmd.Flags()
	fl.StringVar(&f.ssh, "ssh", "", "open an SSH session to [user@]host[:port]")
	fl.StringVar(&f.login, "login", "", "SSH login name")
	fl.StringVar(&f.keyfile, "keyfile", "", "SSH private key file")
	fl.StringVar(&f.telnet, "telnet", "", "open a Telnet session to host[:port]")
	fl.StringVar(&f.vnc, "vnc", "", "open a VNC session to host[:port]")
	fl.StringVar(&f.command, "command", "", "command sent once the first session opens")
	fl.StringVar(&f.term, "term", "", "terminal type announced to the remote side")
	fl.StringVar(&f.dim, "dim", "", "fixed terminal size as COLSxROWS")
	fl.StringVar(&f.record, "record", "", "record the first session to this file")
	fl.StringVar(&f.playback, "playback", "", "replay a recorded session")
	fl.BoolVar(&f.interpreter, "interpreter", false, "start in the interactive shell")
	fl.BoolVar(&f.compress, "compress", false, "request SSH compression")
	fl.BoolVar(&f.forwardAgent, "forward-agent", false, "forward the SSH agent")
	fl.StringArrayVar(&f.forwardLocal, "forward-local", nil, "local port forward port:host:port (repeatable)")
	fl.StringArrayVar(&f.forwardRemote, "forward-remote", nil, "remote port forward port:host:port (repeatable)")

	cmd.AddCommand(
		newHostsCmd(f),
		newKeysCmd(f),
		newEncryptionCmd(f),
		newPlayCmd(f),
	)
	return cmd
}

// initial maps the flags onto the first controller's parameters
func (f *startFlags) initial() (session.Initial, error) {
	in := session.Initial{
		Playback:     f.playback,
		Interpreter:  f.interpreter,
		SSH:          f.ssh,
		Login:        f.login,
		Telnet:       f.telnet,
		VNC:          f.vnc,
		Command:      f.command,
		Compress:     f.compress,
		ForwardAgent: f.forwardAgent,
	}
	if f.keyfile != "" {
		data, err := os.ReadFile(f.keyfile)
		if err != nil {
			return in, fmt.Errorf("failed to read key file: %w", err)
		}
		in.KeyFile = data
	}
	for _, s := range f.forwardLocal {
		fw, err := profile.ParsePortForward(s)
		if err != nil {
			return in, err
		}
		in.LocalForward = append(in.LocalForward, fw)
	}
	for _, s := range f.forwardRemote {
		fw, err := profile.ParsePortForward(s)
		if err != nil {
			return in, err
		}
		in.RemoteForward = append(in.RemoteForward, fw)
	}
	return in, nil
}

// loadConfig reads the config file and applies --term and --dim
func (f *startFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.term != "" {
		cfg.Term = f.term
	}
	if f.dim != "" {
		cols, rows, err := parseDim(f.dim)
		if err != nil {
			return nil, err
		}
		cfg.Cols, cfg.Rows = cols, rows
	}
	return cfg, nil
}

// parseDim reads "COLSxROWS"
func parseDim(s string) (cols, rows int, err error) {
	c, r, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("bad --dim %q: want COLSxROWS", s)
	}
	cols, err = strconv.Atoi(c)
	if err != nil || cols <= 0 {
		return 0, 0, fmt.Errorf("bad --dim %q: columns", s)
	}
	rows, err = strconv.Atoi(r)
	if err != nil || rows <= 0 {
		return 0, 0, fmt.Errorf("bad --dim %q: rows", s)
	}
	return cols, rows, nil
}

// openApp sets up logging and returns an unlocked App
func openApp(cfg *config.Config, newSurface func() tabs.Surface) (*app.App, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	if err := logging.Init(cfg.LogFile); err != nil {
		return nil, err
	}
	log.Printf("App: starting, data in %s", cfg.DataDir)

	a := app.New(app.Options{
		Config:        cfg,
		NewSurface:    newSurface,
		AskPassphrase: askPassphrase,
	})
	if err := a.Unlock(); err != nil {
		a.Close()
		return nil, fmt.Errorf("unlock profile store: %w", err)
	}
	return a, nil
}

// askPassphrase reads a passphrase from the console without echo
func askPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("a passphrase is required but stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(b), nil
}

// runConsole is the root command: open the first tab and drive the console
func runConsole(ctx context.Context, f *startFlags) error {
	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}
	in, err := f.initial()
	if err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("stdin is not a terminal")
	}
	cols, rows := cfg.Cols, cfg.Rows
	fixed := cols > 0 && rows > 0
	if !fixed {
		if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			cols, rows = w, h
		}
	}

	con := newConsole(os.Stdout, cols, rows, fixed)
	a, err := openApp(cfg, con.newSurface)
	if err != nil {
		return err
	}
	defer logging.Close()
	defer a.Close()
	con.attach(a)

	if _, err := a.OpenInitial(in, f.record); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return con.run(ctx, fd)
}
