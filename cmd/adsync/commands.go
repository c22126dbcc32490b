package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/loader"
	"github.com/xtxerr/adsync/internal/logging"
	"github.com/xtxerr/adsync/internal/manager"
)

const defaultConfigPath = "/etc/adsync/adsync.yaml"

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	types      []string
	dryRun     bool
	subset     []string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   "adsync",
		Short: "Synchronize source identities into Active Directory",
		Long: `adsync reconciles users, groups, hosts, mailing lists and synthesized
groups from the source store with Active Directory.

A full sync compares every object of a sync type; a quicksync replays the
change log since the last run.`,
		Example: `  # Reconcile all users, logging what would change
  adsync full --type ad_user --dry-run

  # Replay pending changes for every configured sync type
  adsync quick

  # Re-run two change log events for groups
  adsync replay --type ad_group --change-id 4711 --change-id 4712`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	flags := cmd.PersistentFlags()
	flags.StringVar(&g.configPath, "config", defaultConfigPath, "configuration file")
	flags.StringSliceVar(&g.types, "type", nil, "sync type to run (repeatable; default all)")
	flags.BoolVar(&g.dryRun, "dry-run", false, "log remote writes instead of performing them")
	flags.StringSliceVar(&g.subset, "subset", nil, "restrict a full sync to these source names")
	flags.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")

	cmd.AddCommand(newFullCommand(g))
	cmd.AddCommand(newQuickCommand(g))
	cmd.AddCommand(newReplayCommand(g))
	cmd.AddCommand(newCheckConfigCommand(g))
	return cmd
}

// =============================================================================
// Commands
// =============================================================================

func newFullCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "full",
		Short: "Run a full sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, types, err := g.load()
			if err != nil {
				return err
			}
			mgr, err := g.open(cfg)
			if err != nil {
				return err
			}
			defer mgr.Close()

			var failed int
			var errs []error
			for _, name := range types {
				res, err := mgr.FullSync(cmd.Context(), name, manager.Options{DryRun: g.dryRun, Subset: g.subset})
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.String())
				failed += res.Failed()
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d objects failed", failed)
			}
			return nil
		},
	}
}

func newQuickCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "quick",
		Short: "Replay pending change log events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, types, err := g.load()
			if err != nil {
				return err
			}
			mgr, err := g.open(cfg)
			if err != nil {
				return err
			}
			defer mgr.Close()

			var failed int
			var errs []error
			for _, name := range types {
				res, err := mgr.Quicksync(cmd.Context(), name, manager.Options{DryRun: g.dryRun})
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, res.String())
				failed += res.Failed()
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d change events failed", failed)
			}
			return nil
		},
	}
}

func newReplayCommand(g *globals) *cobra.Command {
	var ids []int64

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay specific change log events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(g.types) != 1 {
				return errors.NewValidation("type", "replay needs exactly one sync type")
			}

			cfg, types, err := g.load()
			if err != nil {
				return err
			}
			mgr, err := g.open(cfg)
			if err != nil {
				return err
			}
			defer mgr.Close()

			res, err := mgr.Replay(cmd.Context(), types[0], ids, manager.Options{DryRun: g.dryRun})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", types[0], res.String())
			if res.Failed() > 0 {
				return fmt.Errorf("%d change events failed", res.Failed())
			}
			return nil
		},
	}
	cmd.Flags().Int64SliceVar(&ids, "change-id", nil, "change log event id (repeatable)")
	cmd.MarkFlagRequired("change-id")
	return cmd
}

func newCheckConfigCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and list the sync types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, types, err := g.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range types {
				st, err := cfg.Build(name, g.subset)
				if err != nil {
					return err
				}
				c := st.Config
				fmt.Fprintf(out, "%s: kind=%s spread=%s search_ou=%q attributes=%d unknown=%s deactivated=%s\n",
					name, cfg.SyncTypes[name].Kind, c.TargetSpread, c.SearchOU,
					len(c.Attributes), c.Unknown, c.Deactivated)
			}
			fmt.Fprintln(out, "configuration ok")
			return nil
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

// load reads the configuration, initializes logging and resolves the
// selected sync types.
func (g *globals) load() (*loader.Config, []string, error) {
	cfg, err := loader.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}

	levelName := cfg.Log.Level
	if g.logLevel != "" {
		levelName = g.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, nil, errors.NewValidation("log-level", err.Error())
	}
	logging.Init(level, cfg.Log.Format)

	types := g.types
	if len(types) == 0 {
		types = cfg.SyncTypeNames()
	}
	for _, name := range types {
		if _, ok := cfg.SyncTypes[name]; !ok {
			return nil, nil, errors.NewNotFound("sync type", name)
		}
	}
	return cfg, types, nil
}

// open prompts for the bind password when none is configured and stdin is
// a terminal, then opens the manager.
func (g *globals) open(cfg *loader.Config) (*manager.Manager, error) {
	if cfg.Directory.Password == "" && cfg.Directory.BindDN != "" {
		password, err := readPassword(cfg.Directory.BindDN)
		if err != nil {
			return nil, err
		}
		cfg.Directory.Password = password
	}
	return manager.Open(cfg)
}

// readPassword reads the bind password from the terminal with echo
// disabled. Without a terminal the password stays empty.
func readPassword(bindDN string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}

	fmt.Fprintf(os.Stderr, "Password for %s: ", bindDN)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}
