// hlld is a networked HyperLogLog sketch server.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/calvinalkan/hlld/internal/server"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	stop := make(chan struct{})

	go func() {
		<-sigCh
		close(stop)
	}()

	os.Exit(server.Run(os.Args[1:], os.Stderr, stop))
}
