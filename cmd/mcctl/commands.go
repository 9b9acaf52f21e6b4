package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/p-arndt/mcdriver/client"
	"github.com/p-arndt/mcdriver/internal/config"
	"github.com/p-arndt/mcdriver/internal/reaper"
	"github.com/p-arndt/mcdriver/internal/store"
	"github.com/p-arndt/mcdriver/protocol"
)

func runVersion(cfg *config.Config, logger *slog.Logger) int {
	c, cleanup, err := newClient(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open device: %v\n", err)
		return 1
	}
	defer cleanup()

	info, err := c.GetVersion()
	if err != nil {
		fmt.Fprintf(os.Stderr, "get version: %v\n", err)
		return 1
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "product\t%s\n", info.Product())
	for _, v := range []struct {
		name string
		v    uint32
	}{
		{"mci", info.VersionMCI},
		{"so", info.VersionSO},
		{"mclf", info.VersionMCLF},
		{"container", info.VersionContainer},
		{"mc config", info.VersionMcConfig},
		{"tl api", info.VersionTlAPI},
		{"dr api", info.VersionDrAPI},
		{"cmp", info.VersionCmp},
	} {
		fmt.Fprintf(tw, "%s\t%s\n", v.name, protocol.Version(v.v))
	}
	fmt.Fprintf(tw, "max tci\t%s\n", cfg.MaxTCILen)
	tw.Flush()
	return 0
}

func runOpen(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	id := fs.String("uuid", "", "trusted application UUID")
	gp := fs.Bool("gp", false, "open as a GlobalPlatform trusted application")
	tciSize := fs.String("tci", "4KiB", "size of the TCI to allocate")
	waitMs := fs.Int("wait", int(protocol.InfiniteTimeoutInterruptible), "notification timeout in ms (-1 forever, -2 forever until interrupted)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ta, err := uuid.Parse(*id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -uuid: %v\n", err)
		return 2
	}
	n, err := units.RAMInBytes(*tciSize)
	if err != nil || n <= 0 {
		fmt.Fprintf(os.Stderr, "invalid -tci %q\n", *tciSize)
		return 2
	}

	c, cleanup, err := newClient(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open device: %v\n", err)
		return 1
	}
	defer cleanup()

	tci, err := c.Malloc(int(n))
	if err != nil {
		fmt.Fprintf(os.Stderr, "allocate %s TCI: %v\n", units.BytesSize(float64(n)), err)
		return 1
	}
	defer c.Free(tci)

	sid, err := c.OpenSession(client.SessionRequest{UUID: ta, GP: *gp, TCI: tci})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open session: %v\n", err)
		return 1
	}
	defer c.CloseSession(sid)
	fmt.Printf("session %d open (tci %s)\n", sid, units.BytesSize(float64(n)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Notify(sid); err != nil {
		fmt.Fprintf(os.Stderr, "notify: %v\n", err)
		return 1
	}
	start := time.Now()
	err = c.WaitNotification(ctx, sid, int32(*waitMs))
	switch {
	case err == nil:
		fmt.Printf("notified after %s\n", units.HumanDuration(time.Since(start)))
	case errors.Is(err, protocol.InfoNotification):
		code, _ := c.GetError(sid)
		fmt.Printf("trusted application exited with code %d\n", code)
	default:
		fmt.Fprintf(os.Stderr, "wait: %v\n", err)
		return 1
	}
	return 0
}

func runJournal(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	status := fs.String("status", "", "only entries with this status (open, closed, orphaned, lost)")
	limit := fs.Int("limit", 50, "maximum number of entries (0 = all)")
	asJSON := fs.Bool("json", false, "print JSON")
	prune := fs.Duration("prune", 0, "delete finished entries older than this instead of listing")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	st, err := store.New(cfg.JournalPath, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open journal: %v\n", err)
		return 1
	}
	defer st.Close()

	if *prune > 0 {
		n, err := st.Prune(time.Now().Add(-*prune))
		if err != nil {
			fmt.Fprintf(os.Stderr, "prune: %v\n", err)
			return 1
		}
		fmt.Printf("pruned %d entries\n", n)
		return 0
	}

	reaper.New(st, time.Minute, 0, logger).Reconcile()

	records, err := st.ListSessions(*status, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCLIENT\tSESSION\tKIND\tTARGET\tSTATUS\tOPENED\tREASON")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%.8s\t%d\t%s\t%s\t%s\t%s ago\t%s\n",
			r.ID, r.ClientID, r.SessionID, r.Kind, r.Target, r.Status,
			units.HumanDuration(time.Since(r.OpenedAt)), r.Reason)
	}
	tw.Flush()
	return 0
}

func runReap(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("reap", flag.ContinueOnError)
	interval := fs.Duration("interval", time.Minute, "time between passes")
	retention := fs.Duration("retention", 30*24*time.Hour, "keep finished entries this long (0 = forever)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *interval <= 0 {
		fmt.Fprintln(os.Stderr, "-interval must be positive")
		return 2
	}

	st, err := store.New(cfg.JournalPath, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open journal: %v\n", err)
		return 1
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper.New(st, *interval, *retention, logger).Run(ctx)
	return 0
}
