package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer starts an in-process NATS server on host. A port of -1
// picks a free port.
func EmbeddedServer(host string, port int) (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:           host,
		Port:           port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}
	server, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		server.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}
	return server, nil
}

// Connect dials a NATS server with reconnect enabled.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// Subscribe delivers live messages of one run, or of all runs when runID
// is "*", until ctx is done. The returned channel is closed on exit.
func Subscribe(ctx context.Context, nc *nats.Conn, prefix, runID string, buffer int) (<-chan LiveMessage, error) {
	if buffer <= 0 {
		buffer = 64
	}
	raw := make(chan *nats.Msg, buffer)
	sub, err := nc.ChanSubscribe(Subject(prefix, runID), raw)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan LiveMessage, buffer)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-raw:
				var lm LiveMessage
				if err := json.Unmarshal(msg.Data, &lm); err != nil {
					continue
				}
				select {
				case out <- lm:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
