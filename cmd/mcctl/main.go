package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/p-arndt/mcdriver/client"
	"github.com/p-arndt/mcdriver/internal/config"
	"github.com/p-arndt/mcdriver/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "path to mcdriver.yaml")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var code int
	switch args[0] {
	case "version":
		code = runVersion(cfg, logger)
	case "open":
		code = runOpen(cfg, logger, args[1:])
	case "journal":
		code = runJournal(cfg, logger, args[1:])
	case "reap":
		code = runReap(cfg, logger, args[1:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		code = 2
	}
	os.Exit(code)
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: mcctl [-config file] <command> [flags]

Commands:
  version    show daemon and secure OS versions
  open       open a session with a trusted application and wait for it
  journal    list or prune the session journal
  reap       keep the journal reconciled and pruned until interrupted
`)
}

// newClient opens the journal and a client recording into it. The returned
// cleanup closes both.
func newClient(cfg *config.Config, logger *slog.Logger) (*client.Client, func(), error) {
	st, err := store.New(cfg.JournalPath, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	clientID := uuid.NewString()
	c, err := client.New(cfg, logger.With("client", clientID), client.WithJournal(st.Journal(clientID, logger)))
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	if err := c.Open(); err != nil {
		st.Close()
		return nil, nil, err
	}
	return c, func() {
		if err := c.Close(); err != nil {
			logger.Warn("close device", "error", err)
		}
		st.Close()
	}, nil
}
