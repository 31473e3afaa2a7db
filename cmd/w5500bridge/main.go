package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/simon-77/W5500-multiple-interfaces/bus"
	"github.com/simon-77/W5500-multiple-interfaces/internal/server"
	"github.com/simon-77/W5500-multiple-interfaces/w5500"
	"github.com/simon-77/W5500-multiple-interfaces/web"
)

func main() {
	configPath := flag.String("config", "/etc/w5500-bridge/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run all devices against a simulated chip")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] w5500-bridge starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		for i := range cfg.Devices {
			cfg.Devices[i].Transport = "sim"
		}
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// One shared serial bridge serves every hardware device; simulated
	// devices each get their own in-memory chip.
	var shared *bus.SharedBus
	for _, dc := range cfg.Devices {
		if dc.Transport != "sim" {
			shared = bus.NewSharedBus(cfg.Bridge)
			break
		}
	}
	if shared != nil {
		// Non-blocking: the server starts regardless, and device init
		// retries on every poll until the bridge answers.
		go connectWithRetry(ctx, "bridge", shared, 10)
	}

	controllers := make([]*server.Controller, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		var transport bus.Transport
		if dc.Transport == "sim" {
			transport = bus.NewSim()
			log.Printf("[main] device %s on simulated chip", dc.Name)
		} else {
			transport = shared.Transport(dc.ChipSelect)
			log.Printf("[main] device %s on bridge CS %d", dc.Name, dc.ChipSelect)
		}
		controllers = append(controllers, server.NewController(dc, w5500.New(transport)))
	}

	srv := server.New(cfg, controllers, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}

	if shared != nil {
		shared.Close()
	}
}

// connectable is satisfied by bus.SharedBus.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
