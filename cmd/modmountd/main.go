// modmountd runs one full mount cycle at boot: reconcile leftovers from a
// crashed run, scan modules, plan, mount, persist state. Exit code 0 means
// the cycle completed (individual module failures included); non-zero means
// no plan could be produced at all.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kellerow/modmount/pkg/daemon"
	"github.com/kellerow/modmount/pkg/modmount/config"
	"github.com/kellerow/modmount/pkg/modmount/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		baseDir  = flag.String("base-dir", "", "daemon base directory (default: device path or XDG data dir)")
		logLevel = flag.String("log-level", "", "override configured log level")
		watch    = flag.Bool("watch", false, "stay alive and re-plan previews when config files change")
	)
	flag.Parse()

	if *baseDir == "" {
		*baseDir = config.DefaultBasePath()
	}

	cfg, cfgErr := config.Load(filepath.Join(*baseDir, config.ConfigFileName))
	cfg.BaseDir = *baseDir

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logPath := cfg.Logging.Path
	if logPath == "" {
		logPath = filepath.Join(cfg.BaseDir, "daemon.log")
	}
	if err := logging.Init(logging.Config{
		Level:      level,
		Path:       logPath,
		Rotation:   logging.DefaultRotationConfig(),
		Components: cfg.Logging.Components,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "modmountd: logging: %v\n", err)
		return 1
	}
	defer logging.Close()

	log := logging.Get("daemon")
	if cfgErr != nil {
		log.Warn("config unusable, continuing with defaults", "error", cfgErr)
	}

	if err := cfg.EnsureBaseDir(); err != nil {
		log.Error("base directory unavailable", "error", err)
		return 1
	}

	pidPath := filepath.Join(cfg.BaseDir, "daemon.pid")
	if err := daemon.RecoverStale(pidPath, cfg.JournalDir()); err != nil {
		log.Error("another instance is running", "error", err)
		return 1
	}
	if err := daemon.WritePIDFile(pidPath); err != nil {
		log.Error("pid file not written", "error", err)
		return 1
	}
	defer func() {
		_ = daemon.RemovePIDFile(pidPath)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := daemon.NewService(daemon.Options{Config: cfg})

	report, err := svc.RunCycle(ctx)
	if err != nil {
		log.Error("mount cycle aborted", "error", err)
		return 1
	}
	if failed := report.Failed(); failed > 0 {
		log.Warn("cycle completed with failures", "failed", failed, "total", len(report.Results))
	}

	if *watch {
		watchConfig(ctx, cfg, svc, log)
	}
	return 0
}

// watchConfig blocks until the context ends, logging a fresh planning
// preview after every config or override change. It never mounts; a
// reboot applies the new plan.
func watchConfig(ctx context.Context, cfg *config.Config, svc *daemon.Service, log *logging.Logger) {
	w, err := daemon.NewConfigWatcher(cfg)
	if err != nil {
		log.Error("config watcher unavailable", "error", err)
		return
	}
	defer w.Close()

	log.Info("watching for config changes", "dir", cfg.BaseDir)
	w.Run(ctx, func() {
		plan, issues, err := svc.Preview()
		if err != nil {
			log.Error("preview failed", "error", err)
			return
		}
		for _, mp := range plan.Modules {
			log.Info("preview", "module", mp.Module.ID, "mode", mp.Mode.String(), "reason", mp.Reason)
		}
		log.Info("preview complete", "modules", len(plan.Modules), "issues", len(issues))
	})
}
