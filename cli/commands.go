// commands.go - Profile management subcommands and recording playback
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"tabterm/internal/app"
	"tabterm/internal/keys"
	"tabterm/internal/logging"
	"tabterm/internal/session"
	"tabterm/internal/surface"
)

// withApp runs fn against an unlocked App without opening any tab
func (f *startFlags) withApp(fn func(a *app.App) error) error {
	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, nil)
	if err != nil {
		return err
	}
	defer logging.Close()
	defer a.Close()
	return fn(a)
}

func intArg(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad id %q", s)
	}
	return n, nil
}

// row writes cells padded to widths, the last cell unpadded
func row(w io.Writer, widths []int, cells ...string) {
	var b strings.Builder
	for i, c := range cells {
		if i < len(widths) && i < len(cells)-1 {
			b.WriteString(runewidth.FillRight(runewidth.Truncate(c, widths[i], "..."), widths[i]))
			b.WriteString("  ")
			continue
		}
		b.WriteString(c)
	}
	fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
}

func newHostsCmd(f *startFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List, delete, export and import saved hosts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved hosts by folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(func(a *app.App) error {
				folders, skipped, err := a.Profiles.Folders()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				widths := []int{5, 30, 8, 30}
				row(out, widths, "ID", "NAME", "PROTO", "TARGET", "FOLDER")
				for _, folder := range folders {
					for _, h := range folder.Hosts {
						row(out, widths, strconv.Itoa(h.ID), h.Label(), h.Protocol.String(), h.Target(), folder.Name)
					}
				}
				for _, s := range skipped {
					fmt.Fprintf(cmd.ErrOrStderr(), "skipped host %d: %v\n", s.HostID, s.Err)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete ID",
		Short: "Delete a saved host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := intArg(args[0])
			if err != nil {
				return err
			}
			return f.withApp(func(a *app.App) error { return a.DeleteHost(id) })
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export FILE",
		Short: "Write saved hosts to a YAML file (no secrets)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(func(a *app.App) error { return a.Profiles.ExportYAML(args[0]) })
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Add hosts from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(func(a *app.App) error {
				n, err := a.Profiles.ImportYAML(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d hosts\n", n)
				return nil
			})
		},
	})
	return cmd
}

func newKeysCmd(f *startFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored SSH private keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(func(a *app.App) error {
				list, err := a.Profiles.Keys()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				widths := []int{5, 30, 16}
				row(out, widths, "ID", "NAME", "TYPE", "CREATED")
				for _, k := range list {
					row(out, widths, strconv.Itoa(k.ID), k.Name, k.KeyType, k.Created.Format("2006-01-02"))
				}
				return nil
			})
		},
	})

	var name, algo string
	var bits int
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate and store a new key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(func(a *app.App) error {
				k, err := a.GenerateKey(name, algo, bits)
				if err != nil {
					return err
				}
				pub, err := keys.PublicKey(k.Secret)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored key %d (%s)\n%s\n", k.ID, k.KeyType, pub)
				return nil
			})
		},
	}
	gen.Flags().StringVar(&name, "name", "", "display name")
	gen.Flags().StringVar(&algo, "type", "ed25519", "rsa, ecdsa or ed25519")
	gen.Flags().IntVar(&bits, "bits", 0, "key size (default depends on type)")
	cmd.AddCommand(gen)

	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Store a PEM private key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read key: %w", err)
			}
			return f.withApp(func(a *app.App) error {
				k, err := a.PasteKey(data)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored key %d (%s)\n", k.ID, k.Name)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Print the public half of a key in authorized_keys form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := intArg(args[0])
			if err != nil {
				return err
			}
			return f.withApp(func(a *app.App) error {
				k, err := a.Profiles.Credential(id)
				if err != nil {
					return err
				}
				pub, err := keys.PublicKey(k.Secret)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), pub)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete ID",
		Short: "Delete a key; hosts using it will ask for credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := intArg(args[0])
			if err != nil {
				return err
			}
			return f.withApp(func(a *app.App) error { return a.DeleteKey(id) })
		},
	})
	return cmd
}

func newEncryptionCmd(f *startFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encryption",
		Short: "Protect the profile store with a passphrase",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether a passphrase protects the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(func(a *app.App) error {
				state := "disabled"
				if a.LocalEncryption() {
					state = "enabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "local encryption %s\n", state)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "enable",
		Short: "Set a passphrase on the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(func(a *app.App) error {
				pw, err := askPassphrase("New passphrase: ")
				if err != nil {
					return err
				}
				confirm, err := askPassphrase("Repeat passphrase: ")
				if err != nil {
					return err
				}
				return a.EnableLocalEncryption(pw, confirm)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "Remove the passphrase from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(func(a *app.App) error { return a.DisableLocalEncryption() })
		},
	})
	return cmd
}

func newPlayCmd(f *startFlags) *cobra.Command {
	var dump bool
	cmd := &cobra.Command{
		Use:   "play FILE",
		Short: "Replay a recorded session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !dump {
				f.playback = args[0]
				return runConsole(cmd.Context(), f)
			}
			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}
			text, err := renderRecording(args[0], cfg.Cols, cfg.Rows)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dump, "dump", false, "print the final screen instead of replaying")
	cmd.Flags().StringVar(&f.dim, "dim", "", "screen size as COLSxROWS")
	return cmd
}

// renderRecording plays a recording into a headless screen and returns
// the final screen text
func renderRecording(path string, cols, rows int) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open recording: %w", err)
	}
	defer file.Close()
	entries, err := session.ReadRecording(file)
	if err != nil {
		return "", err
	}

	if cols <= 0 || rows <= 0 {
		cols, rows = surface.DefaultCols, surface.DefaultRows
	}
	screen := surface.NewScreen(cols, rows)
	for _, e := range entries {
		if e.Type != "o" {
			continue
		}
		if _, err := screen.Write([]byte(e.Data)); err != nil {
			return "", err
		}
	}
	return screen.Text(), nil
}
