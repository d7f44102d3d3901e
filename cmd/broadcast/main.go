// File: cmd/broadcast/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Broadcast server: every inbound message is fanned out to every other
// currently open connection. Because the reactor is single-threaded, the
// registry of open connections is a plain map touched only from OnConnect,
// OnMessage, and OnClose — all three run on the same goroutine, so no
// locking is needed, unlike a concurrent client registry (e.g. a sync.Map)
// built for a multi-goroutine server.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/momentics/ewss/conn"
	"github.com/momentics/ewss/server"
)

func main() {
	var (
		addr           string
		port           int
		maxConnections int
	)

	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Run a single-threaded WebSocket broadcast server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroadcast(addr, port, maxConnections)
		},
	}
	cmd.Flags().StringVar(&addr, "bind", "", "bind address (empty = all interfaces)")
	cmd.Flags().IntVar(&port, "port", 9002, "listen port")
	cmd.Flags().IntVar(&maxConnections, "max-connections", 64, "admission limit")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBroadcast(addr string, port, maxConnections int) error {
	srv, err := server.New(port,
		server.WithBindAddr(addr),
		server.WithMaxConnections(maxConnections),
	)
	if err != nil {
		return err
	}
	log := srv.Logger()

	clients := make(map[uint64]*conn.Connection, maxConnections)

	srv.OnConnect(func(c *conn.Connection) {
		clients[c.ID()] = c
		log.WithField("conn_id", c.ID()).WithField("clients", len(clients)).Info("client joined")
	}).OnMessage(func(c *conn.Connection, payload []byte, binary bool) {
		for id, peer := range clients {
			if id == c.ID() {
				continue
			}
			if binary {
				peer.SendBinary(payload)
			} else {
				peer.Send(payload)
			}
		}
	}).OnClose(func(c *conn.Connection, clean bool) {
		delete(clients, c.ID())
		log.WithField("conn_id", c.ID()).WithField("clients", len(clients)).Info("client left")
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		srv.Stop()
	}()

	info := srv.ServiceInfo()
	log.WithField("port", port).WithField("service", info.Name).Info("listening")
	return srv.Run()
}
