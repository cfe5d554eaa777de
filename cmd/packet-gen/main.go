// packet-gen floods an ingress node with packets from simulated peers.
// Each peer gets its own connection and identity, so the node's fairness
// behavior can be observed under load.
package main

import (
	"context"
	"encoding/json"
	"fairdispatch/internal/transport"
	"fairdispatch/pkg/backoff"
	"fairdispatch/pkg/circuitbreaker"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7070", "node address to connect to")
	peers := flag.Int("peers", 3, "number of simulated peers")
	packets := flag.Int("packets", 100, "packets to send per peer")
	interval := flag.Duration("interval", time.Millisecond, "delay between packets per peer")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if *peers <= 0 || *packets <= 0 {
		slog.Error("peers and packets must be positive")
		os.Exit(1)
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	var sent, failed atomic.Int64

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *peers; i++ {
		wg.Add(1)
		go func(peer int) {
			defer wg.Done()

			client := transport.NewClient(transport.ClientConfig{
				Name:    fmt.Sprintf("packet-gen-%d", peer),
				Backoff: &backoff.Config{Initial: 50 * time.Millisecond, Max: time.Second},
			}, breakers)

			if err := client.Connect(context.Background(), *addr); err != nil {
				slog.Error("Peer failed to connect", "peer", peer, "error", err)
				failed.Add(int64(*packets))
				return
			}
			defer client.Close()

			for n := 1; n <= *packets; n++ {
				payload, _ := json.Marshal(map[string]any{"peer": peer, "n": n})
				if err := client.Send(payload); err != nil {
					slog.Warn("Send failed", "peer", peer, "n", n, "error", err)
					failed.Add(1)
					continue
				}
				sent.Add(1)
				if *interval > 0 {
					time.Sleep(*interval)
				}
			}
		}(i)
	}
	wg.Wait()

	elapsed := time.Since(start)
	slog.Info("Load generation complete",
		"peers", *peers,
		"sent", sent.Load(),
		"failed", failed.Load(),
		"elapsed", elapsed,
		"rate", fmt.Sprintf("%.0f pkt/s", float64(sent.Load())/elapsed.Seconds()),
	)
}
