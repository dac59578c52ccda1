package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingpad/internal/config"
	"github.com/ehrlich-b/wingpad/internal/editor"
	"github.com/ehrlich-b/wingpad/internal/fstree"
	"github.com/ehrlich-b/wingpad/internal/hostfs"
	"github.com/ehrlich-b/wingpad/internal/logger"
	"github.com/ehrlich-b/wingpad/internal/project"
	"github.com/ehrlich-b/wingpad/internal/session"
	"github.com/ehrlich-b/wingpad/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "wingpad",
		Short: "wingpad — collaborative editing over a relay",
		Long:  "Shares a project directory with remote peers and keeps everyone's copy convergent.",
	}

	root.AddCommand(startCmd(), joinCmd(), sessionsCmd(), renamesCmd(), configCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, nil, err
	}
	dbPath, err := cfg.StoreLocation()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, nil, err
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func deps(cfg *config.Config, db *store.Store) session.Deps {
	fs := hostfs.NewOS()
	sink := editor.NewHeadless(
		func(ctx context.Context, path string) (string, bool, error) {
			c, err := fs.ContentsAtPath(ctx, path)
			if err != nil || c == nil {
				return "", false, err
			}
			if c.Kind != fstree.KindText {
				return "", false, nil
			}
			return c.Text, true, nil
		},
		fs.WriteFile,
	)
	return session.Deps{
		Projects: project.NewProjects(),
		Editor:   sink,
		FS:       fs,
		Config:   cfg,
		Store:    db,
	}
}

func runUntilSignal(s *session.Session) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("leaving session...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Leave(ctx)
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <dir>",
		Short: "Share a directory in a new session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := setup()
			if err != nil {
				return err
			}
			defer db.Close()

			root, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			s, err := session.Start(cmd.Context(), root, deps(cfg, db))
			if err != nil {
				return err
			}
			fmt.Printf("sharing %s\nsession id: %s\n", root, s.ID())
			runUntilSignal(s)
			return nil
		},
	}
}

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <session-id> <dir>",
		Short: "Join a session, mirroring its project into a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := setup()
			if err != nil {
				return err
			}
			defer db.Close()

			root, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			if err := os.MkdirAll(root, 0o755); err != nil {
				return err
			}

			s, err := session.Join(cmd.Context(), args[0], root, deps(cfg, db))
			if err != nil {
				return err
			}
			fmt.Printf("joined session %s at %s\n", s.ID(), root)
			runUntilSignal(s)
			return nil
		},
	}
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := setup()
			if err != nil {
				return err
			}
			defer db.Close()

			sessions, err := db.ListRecentSessions(20)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tROOT\tROLE\tSTARTED\tENDED")
			for _, s := range sessions {
				ended := "-"
				if s.EndedAt != nil {
					ended = s.EndedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Root, s.Role, s.StartedAt.Format(time.RFC3339), ended)
			}
			return w.Flush()
		},
	}
}

func renamesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "renames <session-id>",
		Short: "Show the conflict-resolution renames of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := setup()
			if err != nil {
				return err
			}
			defer db.Close()

			renames, err := db.ListRenames(args[0])
			if err != nil {
				return err
			}
			if len(renames) == 0 {
				fmt.Println("no renames recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tNEW NAME\tRESOLVED BY\tAT")
			for _, r := range renames {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Path, r.NewName, r.PeerHandle, r.ResolvedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the config file location and current settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Path()
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			fmt.Printf("config: %s\nrelay: %s\nhandle: %s\nlog level: %s\n", path, cfg.Relay, cfg.Handle, cfg.LogLevel)
			return nil
		},
	}
}
