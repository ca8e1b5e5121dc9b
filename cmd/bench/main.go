package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/discovery"
	"github.com/ryandielhenn/zephyrbus/pkg/msg"
	"github.com/ryandielhenn/zephyrbus/pkg/node"
)

func main() {
	mode := flag.String("mode", "http", "http: POST to a running daemon; inproc: two nodes in this process")
	addr := flag.String("addr", "http://localhost:8080", "daemon HTTP address (http mode)")
	n := flag.Int("n", 5000, "messages")
	conc := flag.Int("c", 32, "concurrency")
	valSize := flag.Int("val", 128, "payload size bytes")
	channel := flag.Uint("channel", 1, "channel to publish on")
	flag.Parse()

	var err error
	switch *mode {
	case "http":
		err = benchHTTP(*addr, *n, *conc, *valSize, uint16(*channel))
	case "inproc":
		err = benchInproc(*n, *conc, *valSize, uint16(*channel))
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func report(kind string, done, total, failed int64, dur time.Duration) {
	_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"mode", "ok", "total", "failed", "duration", "msg/s"},
		{kind, fmt.Sprint(done), fmt.Sprint(total), fmt.Sprint(failed), dur.Round(time.Millisecond).String(),
			fmt.Sprintf("%.2f", float64(done)/dur.Seconds())},
	}).Render()
}

func payload(size int) []byte {
	return bytes.Repeat([]byte{byte(rand.IntN(255))}, size)
}

func benchHTTP(addr string, n, conc, size int, channel uint16) error {
	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("%s/publish/%d", addr, channel)

	var failed atomic.Int64
	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	start := time.Now()
	for range n {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			resp, err := client.Post(url, "application/octet-stream", bytes.NewReader(payload(size)))
			if err != nil {
				failed.Add(1)
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()
	dur := time.Since(start)
	report("http", int64(n)-failed.Load(), int64(n), failed.Load(), dur)
	return nil
}

// benchInproc connects a publisher and a subscriber over loopback and
// measures end-to-end delivery.
func benchInproc(n, conc, size int, channel uint16) error {
	hub := discovery.NewHub()
	newNode := func(name string) (*node.Node, error) {
		cfg := node.DefaultConfig(name)
		cfg.Transport.Host = "127.0.0.1"
		cfg.Transport.MaxConnectDelay = 0
		return node.New(cfg, node.WithLogger(zap.NewNop()), node.WithDiscovery(hub.Provider("127.0.0.1")))
	}
	pub, err := newNode("bench-pub")
	if err != nil {
		return err
	}
	defer pub.Stop()
	sub, err := newNode("bench-sub")
	if err != nil {
		return err
	}
	defer sub.Stop()

	var received atomic.Int64
	done := make(chan struct{})
	if err := node.Subscribe(sub, channel, func(msg.UInt8Array) {
		if received.Add(1) == int64(n) {
			close(done)
		}
	}, node.WithCapacity(conc)); err != nil {
		return err
	}
	if err := pub.Start(); err != nil {
		return err
	}
	if err := sub.Start(); err != nil {
		return err
	}

	pterm.Info.Printfln("waiting for %s to subscribe %s to channel %d", pub.Name(), sub.Name(), channel)
	deadline := time.Now().Add(10 * time.Second)
	for !subscribed(pub, sub.Name(), channel) {
		if time.Now().After(deadline) {
			return errors.New("nodes did not connect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	data := payload(size)
	start := time.Now()
	for range n {
		if err := pub.Publish(channel, msg.UInt8Array{Data: data}); err != nil {
			return err
		}
	}
	select {
	case <-done:
	case <-time.After(30 * time.Second):
	}
	dur := time.Since(start)
	got := received.Load()
	report("inproc", got, int64(n), int64(n)-got, dur)
	return nil
}

func subscribed(n *node.Node, peer string, channel uint16) bool {
	for _, p := range n.Peers() {
		if p.Name != peer {
			continue
		}
		for _, ch := range p.Subscriptions {
			if ch == channel {
				return true
			}
		}
	}
	return false
}
