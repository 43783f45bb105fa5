package serve

import (
	"context"
	"os"
	"time"

	"github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"
	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/config"
	"github.com/stratastor/zfsd/internal/command"
	"github.com/stratastor/zfsd/internal/constants"
	"github.com/stratastor/zfsd/pkg/devices"
	"github.com/stratastor/zfsd/pkg/errors"
	"github.com/stratastor/zfsd/pkg/journal"
	"github.com/stratastor/zfsd/pkg/lifecycle"
	"github.com/stratastor/zfsd/pkg/zfsd"
	"github.com/stratastor/zfsd/pkg/zpool"
)

var debug bool

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the zfsd daemon",
		Long: "Start the zfsd daemon. It detaches from the terminal unless -d is given, " +
			"in which case it stays in the foreground and logs at debug level.",
		RunE: runServe,
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Stay in the foreground and log at debug level")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	lcfg := config.NewLoggerConfig(cfg)
	if debug {
		lcfg.LogLevel = "debug"
	}
	log, err := logger.NewTag(lcfg, "serve")
	if err != nil {
		return err
	}

	if debug {
		if err := lifecycle.EnsureSingleInstance(cfg.PIDFile); err != nil {
			log.Error("Failed to start", "err", err)
			return err
		}
	} else {
		if err := lifecycle.CheckSingleInstance(cfg.PIDFile); err != nil {
			log.Error("Failed to start", "err", err)
			return err
		}

		// go-daemon writes and locks the PID file in the child.
		dctx := &daemon.Context{
			PidFileName: cfg.PIDFile,
			PidFilePerm: 0644,
			LogFileName: cfg.Logs.Path,
			LogFilePerm: 0640,
			WorkDir:     "/",
			Umask:       027,
			Args:        os.Args,
		}

		child, err := dctx.Reborn()
		if err != nil {
			log.Error("Failed to start daemon", "err", err)
			return errors.Wrap(err, errors.LifecycleDaemon)
		}
		if child != nil {
			log.Info("zfsd is running as a daemon", "pid", child.Pid)
			return nil
		}
		defer dctx.Release()
	}

	return serve(cfg, lcfg, log)
}

func serve(cfg *config.Config, lcfg logger.Config, log logger.Logger) error {
	defer lifecycle.Shutdown()

	opts, err := cfg.DaemonOptions()
	if err != nil {
		log.Error("Invalid configuration", "err", err)
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Error("Failed to prepare directories", "err", err)
		return err
	}

	deps, err := buildDeps(cfg, lcfg, log)
	if err != nil {
		return err
	}

	dlog, err := logger.NewTag(lcfg, "zfsd")
	if err != nil {
		return err
	}
	d, err := zfsd.NewDaemon(dlog, opts, deps)
	if err != nil {
		log.Error("Failed to create daemon", "err", err)
		return err
	}
	lifecycle.RegisterShutdownHook(func() {
		if err := d.Close(); err != nil {
			log.Warn("Failed to release interval timer", "err", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("Starting zfsd",
		"version", constants.Version,
		"socket", opts.SocketPath,
		"caseDir", opts.CaseDir)
	if err := d.Run(ctx); err != nil {
		log.Error("zfsd exited with a fatal error", "err", err)
		return err
	}
	log.Info("zfsd stopped")
	return nil
}

// buildDeps wires the command-line tools behind the daemon's collaborator
// interfaces. The journal is optional; failing to open it is logged only.
func buildDeps(cfg *config.Config, lcfg logger.Config, log logger.Logger) (zfsd.Deps, error) {
	tag := func(name string) (logger.Logger, error) { return logger.NewTag(lcfg, name) }

	clog, err := tag("command")
	if err != nil {
		return zfsd.Deps{}, err
	}
	executor := command.NewCommandExecutor(clog, cfg.Tools.UseSudo)

	zlog, err := tag("zpool")
	if err != nil {
		return zfsd.Deps{}, err
	}
	pools := zpool.NewManager(zlog, executor, zpool.Paths{
		Zpool:   cfg.Tools.Zpool,
		Zinject: cfg.Tools.Zinject,
	})

	dlog, err := tag("devices")
	if err != nil {
		return zfsd.Deps{}, err
	}
	deps := zfsd.Deps{
		Pools:     pools,
		Corrector: pools,
		Prober: devices.NewProber(dlog, executor, devices.Paths{
			Zdb:      cfg.Tools.Zdb,
			Udevadm:  cfg.Tools.Udevadm,
			Diskinfo: cfg.Tools.Diskinfo,
		}),
		Enumerator: devices.NewEnumerator(dlog),
	}

	if !cfg.Journal.Enabled {
		return deps, nil
	}
	jlog, err := tag("journal")
	if err != nil {
		return zfsd.Deps{}, err
	}
	store, err := journal.Open(cfg.Journal.Path, jlog)
	if err != nil {
		log.Warn("Case journal unavailable, continuing without it", "err", err)
		return deps, nil
	}
	lifecycle.RegisterShutdownHook(func() { store.Close() })
	deps.Journal = store

	retention, err := cfg.JournalRetention()
	if err != nil {
		return zfsd.Deps{}, err
	}
	if retention > 0 {
		n, err := store.Prune(context.Background(), time.Now().Add(-retention))
		if err != nil {
			log.Warn("Failed to prune case journal", "err", err)
		} else if n > 0 {
			log.Info("Pruned case journal", "removed", n)
		}
	}
	return deps, nil
}
