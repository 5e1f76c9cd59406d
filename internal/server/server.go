// Package server wires configuration, logging, the set manager, the
// background sweepers, and the wire protocol handler into a running TCP
// daemon (spec §6 CLI / on-disk layout sections).
package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/hlld/internal/config"
	"github.com/calvinalkan/hlld/internal/logging"
	"github.com/calvinalkan/hlld/internal/manager"
	"github.com/calvinalkan/hlld/internal/protocol"
	"github.com/calvinalkan/hlld/internal/workers"
)

// Run parses args, brings up the manager and its workers, and serves
// connections on the configured TCP port until stop is closed or accept
// fails. It returns the process exit code (spec §6: "Exit code 0 on clean
// shutdown, non-zero on config or bind failure").
func Run(args []string, stderr io.Writer, stop <-chan struct{}) int {
	flags := pflag.NewFlagSet("hlld", pflag.ContinueOnError)
	flags.SetOutput(stderr)

	configPath := flags.StringP("config", "f", "", "path to config.ini")
	workerOverride := flags.IntP("workers", "w", 0, "override the configured worker count")

	if err := flags.Parse(args); err != nil {
		return 2
	}

	global := config.DefaultGlobal()

	if *configPath != "" {
		loaded, err := config.LoadGlobal(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "hlld: loading config: %v\n", err)

			return 1
		}

		global = loaded
	}

	if *workerOverride > 0 {
		global.Workers = *workerOverride
	}

	logger, err := logging.New(global.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "hlld: %v\n", err)

		return 1
	}
	defer logger.Sync() //nolint:errcheck

	mgr, err := manager.New(global.DataDir, global, logger)
	if err != nil {
		logger.Error("startup: failed to open data dir", zap.Error(err))

		return 1
	}

	mgr.Start()
	defer mgr.Stop()

	sweeper := workers.New(mgr, global.FlushInterval, global.ColdInterval, logger)
	sweeper.Start()
	defer sweeper.Stop()

	handler := protocol.New(mgr, global, logger)

	addr := fmt.Sprintf("%s:%d", global.BindAddress, global.TCPPort)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("startup: failed to bind", zap.String("addr", addr), zap.Error(err))

		return 1
	}
	defer ln.Close()

	logger.Info("listening", zap.String("addr", addr), zap.Int("workers", global.Workers))

	go func() {
		<-stop
		ln.Close()
	}()

	serveConnections(ln, mgr, handler, logger)

	return 0
}

func serveConnections(ln net.Listener, mgr *manager.Manager, handler *protocol.Handler, logger *zap.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		go serveConn(conn, mgr, handler, logger)
	}
}

func serveConn(conn net.Conn, mgr *manager.Manager, handler *protocol.Handler, logger *zap.Logger) {
	defer conn.Close()

	clientID := conn.RemoteAddr().String()
	defer mgr.Leave(clientID)

	scanner := bufio.NewScanner(conn)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		reply := handler.Handle(clientID, scanner.Text())

		if _, err := writer.WriteString(reply); err != nil {
			return
		}

		if err := writer.Flush(); err != nil {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Debug("connection read error", zap.String("client", clientID), zap.Error(err))
	}
}

// Main runs the server on os.Args and os.Stderr with a stop channel that is
// never closed. cmd/hlld does not use it: it calls Run directly so it can
// close stop on SIGINT/SIGTERM.
func Main() int {
	stop := make(chan struct{})

	return Run(os.Args[1:], os.Stderr, stop)
}
