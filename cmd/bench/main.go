// File: cmd/bench/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Load-generating client: dials concurrency parallel connections to a
// server, performs the Upgrade handshake, then repeatedly sends a masked
// binary frame and waits for its echo, tracking round trips per second.
// Flag-configured concurrency/payload size, a ticker reporting aggregate
// RPS, one goroutine per simulated client, all built directly against a
// raw net.Conn since this module does not build a WebSocket client
// library of its own.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/momentics/ewss/wsproto"
)

func main() {
	var (
		addr        string
		concurrency int
		payloadLen  int
		durationSec int
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load-generate round trips against a WebSocket echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(addr, concurrency, payloadLen, durationSec)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9001", "server host:port")
	cmd.Flags().IntVar(&concurrency, "concurrency", 10, "parallel connections")
	cmd.Flags().IntVar(&payloadLen, "payload", 32, "bytes per message")
	cmd.Flags().IntVar(&durationSec, "duration", 10, "benchmark duration in seconds")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBench(addr string, concurrency, payloadLen, durationSec int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelDuration := context.WithTimeout(ctx, time.Duration(durationSec)*time.Second)
	defer cancelDuration()

	var roundTrips, errs int64

	for i := 0; i < concurrency; i++ {
		go worker(ctx, addr, payloadLen, &roundTrips, &errs)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("done: total_round_trips=%d errors=%d\n", atomic.LoadInt64(&roundTrips), atomic.LoadInt64(&errs))
			return nil
		case <-ticker.C:
			fmt.Printf("rps=%d errors=%d\n", atomic.SwapInt64(&roundTrips, 0), atomic.LoadInt64(&errs))
		}
	}
}

func worker(ctx context.Context, addr string, payloadLen int, roundTrips, errs *int64) {
	c, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		atomic.AddInt64(errs, 1)
		return
	}
	defer c.Close()

	if err := handshake(c); err != nil {
		atomic.AddInt64(errs, 1)
		return
	}

	payload := make([]byte, payloadLen)
	rand.Read(payload)
	frame := make([]byte, wsproto.MaxHeaderLen+payloadLen)
	resp := make([]byte, wsproto.MaxHeaderLen+payloadLen)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n := encodeMaskedBinary(frame, payload)
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := c.Write(frame[:n]); err != nil {
			atomic.AddInt64(errs, 1)
			return
		}
		c.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := readFrame(c, resp); err != nil {
			atomic.AddInt64(errs, 1)
			return
		}
		atomic.AddInt64(roundTrips, 1)
	}
}

// encodeMaskedBinary writes a client-role masked binary frame into dst and
// returns its length. Client-originated frames must be masked per RFC 6455;
// wsproto.EncodeFrameHeader's masked=true path only reserves the 4 key
// bytes, so the key is filled in and the payload masked here.
func encodeMaskedBinary(dst, payload []byte) int {
	hlen := wsproto.EncodeFrameHeader(wsproto.OpcodeBinary, uint64(len(payload)), true, dst)
	var key [4]byte
	rand.Read(key[:])
	copy(dst[hlen-4:hlen], key[:])
	n := copy(dst[hlen:], payload)
	wsproto.ApplyMask(dst[hlen:hlen+n], key)
	return hlen + n
}

func readFrame(c net.Conn, buf []byte) (int, error) {
	n, err := c.Read(buf[:2])
	if err != nil {
		return n, err
	}
	for n < 2 {
		m, err := c.Read(buf[n:2])
		if err != nil {
			return n, err
		}
		n += m
	}
	_, hlen, ok := wsproto.ParseFrameHeader(buf[:n])
	for !ok {
		m, err := c.Read(buf[n : n+1])
		if err != nil {
			return n, err
		}
		n += m
		_, hlen, ok = wsproto.ParseFrameHeader(buf[:n])
	}
	hdr, _, _ := wsproto.ParseFrameHeader(buf[:n])
	total := hlen + int(hdr.PayloadLen)
	for n < total {
		m, err := c.Read(buf[n:total])
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

func handshake(c net.Conn) error {
	var nonce [16]byte
	rand.Read(nonce[:])
	key := base64.StdEncoding.EncodeToString(nonce[:])

	req := "GET / HTTP/1.1\r\n" +
		"Host: bench\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Write([]byte(req)); err != nil {
		return err
	}

	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(wsproto.WebSocketGUID))
	wantAccept := base64.StdEncoding.EncodeToString(h.Sum(nil))

	buf := make([]byte, 512)
	total := 0
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		n, err := c.Read(buf[total:])
		if err != nil {
			return err
		}
		total += n
		resp := string(buf[:total])
		if idx := indexCRLFCRLF(resp); idx >= 0 {
			if !contains(resp, "101") || !contains(resp, wantAccept) {
				return fmt.Errorf("unexpected handshake response: %q", resp)
			}
			return nil
		}
	}
}

func indexCRLFCRLF(s string) int {
	for i := 0; i+4 <= len(s); i++ {
		if s[i] == '\r' && s[i+1] == '\n' && s[i+2] == '\r' && s[i+3] == '\n' {
			return i
		}
	}
	return -1
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
