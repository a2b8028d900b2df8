package main

import (
	"context"
	"log/slog"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/filecache"
	"github.com/unkn0wn-root/filecache/internal/config"
	"github.com/unkn0wn-root/filecache/internal/logging"
)

// app is built once per invocation by the root command's PersistentPreRunE.
type app struct {
	cfg   *config.Config
	log   *logrus.Logger
	store filecache.Store
	close func(context.Context) error
}

type rootFlags struct {
	configPath string
	dir        string
	namespace  string
	logLevel   string
	hot        string
}

func newRootCmd() *cobra.Command {
	var (
		flags rootFlags
		a     = &app{}
	)

	root := &cobra.Command{
		Use:           "filecachectl",
		Short:         "Inspect and maintain a filecache directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg, flags)
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := logging.New(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return a.open(cmd.Name() == "janitor")
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.close == nil {
				return nil
			}
			return a.close(context.Background())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file (yaml, toml or json)")
	pf.StringVarP(&flags.dir, "dir", "d", "", "cache directory (overrides config)")
	pf.StringVarP(&flags.namespace, "namespace", "n", "", "namespace sub-directory (overrides config)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (overrides config)")
	pf.StringVar(&flags.hot, "hot", "", "in-memory entry cache: map, ristretto, bigcache or redis")

	root.AddCommand(
		newGetCmd(a),
		newSetCmd(a),
		newDelCmd(a),
		newHaveCmd(a),
		newPruneCmd(a),
		newClearCmd(a),
		newJanitorCmd(a),
	)
	return root
}

func applyFlags(cmd *cobra.Command, cfg *config.Config, f rootFlags) {
	pf := cmd.Flags()
	if pf.Changed("dir") {
		cfg.Directory = f.dir
	}
	if pf.Changed("namespace") {
		cfg.Namespace = f.namespace
	}
	if pf.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if pf.Changed("hot") {
		cfg.Hot.Provider = f.hot
	}
}

func slogLevel(l logrus.Level) slog.Level {
	switch {
	case l >= logrus.DebugLevel:
		return slog.LevelDebug
	case l == logrus.InfoLevel:
		return slog.LevelInfo
	case l == logrus.WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
