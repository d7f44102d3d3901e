// File: cmd/echo/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Minimal echo server: every text or binary message is sent back to its
// sender unchanged. Flag parsing, signal-driven shutdown, and a live
// connection counter, built directly against the single-threaded reactor
// in server.Server.
package main

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/momentics/ewss/conn"
	"github.com/momentics/ewss/server"
	"github.com/momentics/ewss/wserr"
)

func main() {
	var (
		addr           string
		port           int
		maxConnections int
	)

	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Run a single-threaded WebSocket echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEcho(addr, port, maxConnections)
		},
	}
	cmd.Flags().StringVar(&addr, "bind", "", "bind address (empty = all interfaces)")
	cmd.Flags().IntVar(&port, "port", 9001, "listen port")
	cmd.Flags().IntVar(&maxConnections, "max-connections", 64, "admission limit")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runEcho(addr string, port, maxConnections int) error {
	srv, err := server.New(port,
		server.WithBindAddr(addr),
		server.WithMaxConnections(maxConnections),
	)
	if err != nil {
		return err
	}
	log := srv.Logger()

	var active int64
	srv.OnConnect(func(c *conn.Connection) {
		log.WithField("conn_id", c.ID()).WithField("active", atomic.AddInt64(&active, 1)).Info("client connected")
	}).OnMessage(func(c *conn.Connection, payload []byte, binary bool) {
		if binary {
			c.SendBinary(payload)
		} else {
			c.Send(payload)
		}
	}).OnClose(func(c *conn.Connection, clean bool) {
		entry := log.WithField("conn_id", c.ID()).WithField("clean", clean).
			WithField("active", atomic.AddInt64(&active, -1))
		if clean {
			entry.Info("client disconnected")
			return
		}
		detail := c.LastErrorDetail()
		entry = entry.WithField("reason", detail.Error())
		if wserr.Is(detail, wserr.Timeout) {
			entry.Warn("client disconnected: timeout")
		} else {
			entry.Warn("client disconnected: error")
		}
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
