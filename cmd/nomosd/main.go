// Package main provides nomosd, the Nomos key/value server daemon.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/finallevel/nomos/internal/config"
	"github.com/finallevel/nomos/internal/nomos"
	"github.com/finallevel/nomos/internal/replication"
	"github.com/finallevel/nomos/internal/server"
)

// stderrLogger adapts the stdlib logger to the engine's injected sink.
type stderrLogger struct {
	l *log.Logger
}

func (s stderrLogger) Errorf(format string, args ...any) {
	s.l.Printf("ERROR "+format, args...)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "nomosd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("nomosd", flag.ContinueOnError)
	configPath := flags.StringP("config", "c", "/etc/nomos/nomos.json", "path to the JWCC config file")
	dataPath := flags.String("data-path", "", "override data_path from the config")
	port := flags.Uint16("port", 0, "override port from the config")

	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	if *dataPath != "" {
		cfg.DataPath = *dataPath
	}

	if *port != 0 {
		cfg.Port = *port
	}

	logger := stderrLogger{l: log.New(os.Stderr, "nomosd ", log.LstdFlags)}

	defaultSubType, err := config.ParseKeyType(cfg.DefaultSublevelKeyType)
	if err != nil {
		return err
	}

	defaultItemType, err := config.ParseKeyType(cfg.DefaultItemKeyType)
	if err != nil {
		return err
	}

	syncPool := nomos.NewSyncWorkerPool(cfg.SyncThreadsCount, logger, nil)

	var (
		replLog  *replication.Log
		replSink nomos.ReplicationSink
		sweeper  nomos.RetentionSweeper
	)

	if cfg.ReplicationEnabled() {
		replLog, err = replication.OpenLog(replication.LogOptions{
			Dir:      cfg.ReplicationLogPath,
			ServerID: cfg.ServerID,
			KeepTime: time.Duration(cfg.ReplicationLogKeepTime) * time.Second,
			Logger:   logger,
		})
		if err != nil {
			return err
		}

		replSink = replLog
		sweeper = replLog
	}

	dir, err := nomos.NewIndexDirectory(nomos.DirectoryOptions{
		DataPath:               cfg.DataPath,
		AutoCreateTopLevel:     cfg.AutoCreateTopIndex,
		DefaultSubLevelKeyType: defaultSubType,
		DefaultItemKeyType:     defaultItemType,
		Sink:                   syncPool,
		Repl:                   replSink,
		ServerID:               cfg.ServerID,
		Log:                    logger,
	})
	if err != nil {
		return err
	}

	maintenance := nomos.NewHourlyMaintenance(dir, sweeper, logger)
	maintenance.Start()

	var peerServer *replication.PeerServer

	if cfg.ReplicationPort != 0 {
		peerServer = replication.NewPeerServer(replLog, cfg.ServerID, logger)

		replListener, err := net.Listen("tcp", net.JoinHostPort(cfg.Listen, strconv.Itoa(int(cfg.ReplicationPort))))
		if err != nil {
			return fmt.Errorf("replication listen: %w", err)
		}

		go func() {
			if err := peerServer.Serve(replListener); err != nil {
				logger.Errorf("replication server: %v", err)
			}
		}()
	}

	var clients []*replication.PeerClient

	for _, m := range cfg.Masters {
		client := replication.NewPeerClient(replication.PeerClientOptions{
			Addr:        m.Addr(),
			OwnServerID: cfg.ServerID,
			InfoDir:     cfg.ReplicationLogPath,
			Applier:     dir,
			Logger:      logger,
		})
		clients = append(clients, client)

		go client.Run()
	}

	srv := server.New(server.Options{
		Dir: dir,
		Resolve: func(topLevel string) (nomos.KeyType, nomos.KeyType) {
			if level := dir.Level(topLevel); level != nil {
				meta := level.Meta()
				return meta.SubLevelKeyType, meta.ItemKeyType
			}

			return defaultSubType, defaultItemType
		},
		Logger:         logger,
		CmdTimeout:     time.Duration(cfg.CmdTimeout) * time.Second,
		MaxConns:       cfg.Workers * cfg.WorkerQueueLength,
		BufferSize:     cfg.BufferSize,
		MaxFreeBuffers: cfg.MaxFreeBuffers,
	})

	listener, err := net.Listen("tcp", net.JoinHostPort(cfg.Listen, strconv.Itoa(int(cfg.Port))))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := srv.Serve(listener); err != nil {
			logger.Errorf("server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	// Shutdown: stop taking new work, then drain everything pending to
	// disk before exiting (§4.2 exit_flush).
	srv.Close()

	for _, client := range clients {
		client.Stop()
	}

	if peerServer != nil {
		peerServer.Close()
	}

	maintenance.Stop()
	syncPool.Close()

	if err := dir.ExitFlush(time.Now()); err != nil {
		return fmt.Errorf("exit flush: %w", err)
	}

	if replLog != nil {
		if err := replLog.Close(); err != nil {
			return fmt.Errorf("closing replication log: %w", err)
		}
	}

	return nil
}
