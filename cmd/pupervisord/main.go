// Command pupervisord is the process-supervision daemon: it reads an INI
// configuration file, spawns and supervises the programs it describes,
// and exposes an RPC control surface over HTTP, following the same
// flag-parse-then-run shape as the teacher's cmd/server/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"pupervisord/internal/config"
	"pupervisord/internal/eventloop"
	"pupervisord/internal/logging"
	"pupervisord/internal/procutil"
	"pupervisord/internal/rpc"
	"pupervisord/internal/supervisor"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("c", "pupervisord.conf", "path to the configuration file")
		nodaemon   = flag.Bool("n", false, "run in the foreground instead of daemonizing")
		pidFile    = flag.String("pidfile", "", "override the configured pidfile path")
		logFile    = flag.String("logfile", "", "override the configured activity log path")
		logLevel   = flag.String("loglevel", "", "override the configured log level")
		httpAddr   = flag.String("http", "", "override the configured RPC listen address or unix socket path")
		userName   = flag.String("user", "", "override the configured privilege-drop user")
		directory  = flag.String("directory", "", "override the configured working directory")
	)
	flag.Parse()

	ov := config.Overrides{}
	if *nodaemon {
		t := true
		ov.NoDaemon = &t
	}
	setOverride(&ov.PidFile, *pidFile)
	setOverride(&ov.LogFile, *logFile)
	setOverride(&ov.LogLevel, *logLevel)
	setOverride(&ov.HTTPAddr, *httpAddr)
	setOverride(&ov.User, *userName)
	setOverride(&ov.Directory, *directory)

	cfg, err := config.Load(*configPath, ov)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}

	if !cfg.Supervisord.NoDaemon {
		isParent, err := procutil.Daemonize(cfg.Supervisord.Directory)
		if err != nil {
			fmt.Fprintln(os.Stderr, "daemonize:", err)
			return 1
		}
		if isParent {
			return 0
		}
	} else if cfg.Supervisord.Directory != "" {
		os.Chdir(cfg.Supervisord.Directory)
	}

	level, err := logging.ParseLevel(cfg.Supervisord.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	var sink *logging.RotatingFile
	if cfg.Supervisord.LogFile != "" {
		sink = logging.NewRotatingFile(cfg.Supervisord.LogFile, cfg.Supervisord.LogFileMaxBytes, cfg.Supervisord.LogFileBackups)
	}
	log := logging.New(level, sink)
	defer log.Sync()

	loop := eventloop.New(func(err error) {
		log.Error("event loop handler error", zap.Error(err))
	})

	sup, err := supervisor.New(cfg, *configPath, ov, loop, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup:", err)
		return 1
	}

	server := rpc.New(sup, loop, log)
	if err := server.Bind(); err != nil {
		fmt.Fprintln(os.Stderr, "rpc bind:", err)
		return 1
	}

	if err := sup.Bootstrap(); err != nil {
		if _, ok := err.(*supervisor.ResourceError); ok {
			fmt.Fprintln(os.Stderr, "resource limit:", err)
			return 3
		}
		fmt.Fprintln(os.Stderr, "bootstrap:", err)
		return 1
	}

	server.Serve()
	sup.StartAll()

	if err := sup.Run(); err != nil {
		log.Error("event loop exited with error", zap.Error(err))
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	server.Shutdown(ctx)

	return 0
}

func setOverride(dst **string, val string) {
	if val != "" {
		*dst = &val
	}
}
