// vaultkeep is the command line client for a VaultKeep server: it
// encrypts files locally, uploads them resumably, and fetches them back.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vaultkeep/vaultkeep/internal/client"
	"github.com/vaultkeep/vaultkeep/internal/client/session"
	"github.com/vaultkeep/vaultkeep/internal/client/transfer"
	"github.com/vaultkeep/vaultkeep/internal/models"
)

var version = "dev"

type cliOptions struct {
	server     string
	user       string
	passphrase string
	verbose    bool
}

func main() {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:     "vaultkeep",
		Short:   "Encrypted, resumable file vault client",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))

			if opts.passphrase == "" {
				opts.passphrase = os.Getenv("VAULTKEEP_PASSPHRASE")
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.server, "server", "s", "http://localhost:3000", "vault server URL")
	rootCmd.PersistentFlags().StringVarP(&opts.user, "user", "u", "", "user ID owning the files")
	rootCmd.PersistentFlags().StringVarP(&opts.passphrase, "passphrase", "p", "", "encryption passphrase (or VAULTKEEP_PASSPHRASE)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		newUploadCmd(opts),
		newListCmd(opts),
		newGetCmd(opts),
		newStatusCmd(opts),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVault(opts *cliOptions) *client.Vault {
	return client.New(opts.server, opts.user, opts.passphrase,
		client.WithCallbacks(transfer.Callbacks{
			OnProgress: func(s *session.Session, acked, total int64) {
				if total == 0 {
					return
				}
				fmt.Fprintf(os.Stderr, "\r%s: %d/%d bytes (%d%%)",
					s.DisplayName(), acked, total, acked*100/total)
			},
			OnComplete: func(s *session.Session) {
				fmt.Fprintf(os.Stderr, "\r%s: done\n", s.DisplayName())
			},
		}))
}

func newUploadCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>...",
		Short: "Encrypt and upload files to the vault",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := newVault(opts)
			defer v.Close()

			for _, path := range args {
				s, err := v.Upload(cmd.Context(), path)
				if err != nil {
					return fmt.Errorf("upload %s: %w", path, err)
				}
				if s.State() == session.StatePaused {
					fmt.Fprintf(os.Stderr, "%s: paused at %d bytes, rerun to resume\n",
						s.DisplayName(), s.BytesAcknowledged())
				}
			}
			return nil
		},
	}
}

func newListCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your files in the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := newVault(opts)
			defer v.Close()

			entries, err := v.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No files.")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s  %s\n", e.ID, e.OriginalName)
			}
			return nil
		},
	}
}

func newGetCmd(opts *cliOptions) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "get <id>...",
		Short: "Download and decrypt files from the vault",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := newVault(opts)
			defer v.Close()

			entries, err := v.List(cmd.Context())
			if err != nil {
				return err
			}
			byID := make(map[string]models.FileEntry, len(entries))
			for _, e := range entries {
				byID[e.ID] = e
			}

			for _, id := range args {
				entry, ok := byID[id]
				if !ok {
					entry = models.FileEntry{ID: id}
				}
				dest, err := v.Fetch(cmd.Context(), entry, outDir)
				if err != nil {
					return fmt.Errorf("get %s: %w", id, err)
				}
				fmt.Println(dest)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory to write decrypted files into")
	return cmd
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show upload session states",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := newVault(opts)
			defer v.Close()

			sessions := v.Sessions()
			if len(sessions) == 0 {
				fmt.Println("No active sessions.")
				return nil
			}
			for _, s := range sessions {
				fmt.Printf("%-30s %-13s %d/%d bytes\n",
					s.DisplayName(), s.State(), s.BytesAcknowledged(), s.Size())
			}
			return nil
		},
	}
}
