package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/newmq/internal/client"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:7878/", "broker websocket URL")
	channel := flag.String("channel", "channel01", "channel to subscribe and publish to")
	msg := flag.String("message", "hello", "message to publish")
	clients := flag.Int("clients", 1, "number of concurrent clients")
	wait := flag.Duration("wait", 2*time.Second, "how long to print incoming messages (0 = until interrupted)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *wait > 0 {
		var waitCancel context.CancelFunc
		ctx, waitCancel = context.WithTimeout(ctx, *wait)
		defer waitCancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *clients; i++ {
		n := i + 1
		g.Go(func() error {
			return runClient(gctx, n, *url, *channel, []byte(*msg), logger.With("client", n))
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("client failed", "error", err)
		os.Exit(1)
	}
}

// runClient subscribes, publishes once and prints every message that
// arrives until ctx is done.
func runClient(ctx context.Context, n int, url, channel string, payload []byte, logger *slog.Logger) error {
	c, err := client.Dial(ctx, client.DefaultConfig(url), logger)
	if err != nil {
		return fmt.Errorf("client %d: %w", n, err)
	}
	defer c.Close()

	if err := c.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("client %d subscribe: %w", n, err)
	}
	if err := c.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("client %d publish: %w", n, err)
	}
	logger.Debug("subscribed and published", "channel", channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.Messages():
			fmt.Printf("client %d got message on %s: %q\n", n, msg.Channel, msg.Payload)
		case err := <-c.Errors():
			return fmt.Errorf("client %d: %w", n, err)
		}
	}
}
