// Command loadgen connects synthetic walkers to a broker and reports delivery counts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	flag "github.com/spf13/pflag"

	"github.com/coachpo/dyconit/internal/app/loadgen"
	"github.com/coachpo/dyconit/internal/infra/transport/ws"
)

const loadgenLoggerPrefix = "loadgen "

type cliOptions struct {
	url          string
	clients      int
	codec        string
	radius       int
	worldSize    float64
	speed        float64
	moveInterval time.Duration
	report       time.Duration
	duration     time.Duration
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if opts.duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, opts.duration)
		defer stop()
	}

	logger := log.New(os.Stdout, loadgenLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	clients, err := buildClients(opts, logger)
	if err != nil {
		logger.Fatalf("build clients: %v", err)
	}
	logger.Printf("starting clients=%d url=%s codec=%s", len(clients), opts.url, opts.codec)

	var wg conc.WaitGroup
	for _, client := range clients {
		wg.Go(func() { _ = client.Run(ctx) })
	}
	wg.Go(func() { reportLoop(ctx, logger, opts.report, clients) })
	wg.Wait()

	logger.Printf("final %s", formatStats(sum(clients)))
}

func parseFlags(args []string) (cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("loadgen", flag.ContinueOnError)
	fs.StringVar(&opts.url, "url", "ws://localhost:8880/ws", "Broker websocket URL")
	fs.IntVarP(&opts.clients, "clients", "n", 10, "Number of concurrent clients")
	fs.StringVar(&opts.codec, "codec", "json", "Wire codec (json, cbor)")
	fs.IntVar(&opts.radius, "radius", 1, "Viewport radius in cells")
	fs.Float64Var(&opts.worldSize, "world", 256, "Side length of the square world")
	fs.Float64Var(&opts.speed, "speed", 2, "Distance walked per move")
	fs.DurationVar(&opts.moveInterval, "interval", 100*time.Millisecond, "Delay between moves")
	fs.DurationVar(&opts.report, "report", 5*time.Second, "Stats report interval")
	fs.DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	if opts.clients <= 0 {
		return cliOptions{}, fmt.Errorf("clients must be >0")
	}
	if _, err := codecFor(opts.codec); err != nil {
		return cliOptions{}, err
	}
	return opts, nil
}

func codecFor(name string) (ws.Codec, error) {
	switch name {
	case ws.JSON.Name():
		return ws.JSON, nil
	case ws.CBOR.Name():
		return ws.CBOR, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

func buildClients(opts cliOptions, logger *log.Logger) ([]*loadgen.Client, error) {
	codec, err := codecFor(opts.codec)
	if err != nil {
		return nil, err
	}
	clients := make([]*loadgen.Client, 0, opts.clients)
	for i := range opts.clients {
		client, err := loadgen.NewClient(loadgen.Config{
			URL:          opts.url,
			Key:          fmt.Sprintf("walker-%d", i),
			Codec:        codec,
			Radius:       opts.radius,
			WorldSize:    opts.worldSize,
			Speed:        opts.speed,
			MoveInterval: opts.moveInterval,
			Seed:         uint64(i) + 1,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func reportLoop(ctx context.Context, logger *log.Logger, interval time.Duration, clients []*loadgen.Client) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Print(formatStats(sum(clients)))
		}
	}
}

func sum(clients []*loadgen.Client) loadgen.Stats {
	var total loadgen.Stats
	for _, client := range clients {
		s := client.Stats()
		total.Connects += s.Connects
		total.Published += s.Published
		total.Batches += s.Batches
		total.Received += s.Received
		total.Rejected += s.Rejected
	}
	return total
}

func formatStats(s loadgen.Stats) string {
	return fmt.Sprintf("connects=%d published=%d batches=%d received=%d rejected=%d",
		s.Connects, s.Published, s.Batches, s.Received, s.Rejected)
}
