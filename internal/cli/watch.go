package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/voicenote-sync/internal/config"
	"github.com/rickgao/voicenote-sync/internal/connstate"
	"github.com/rickgao/voicenote-sync/internal/dispatch"
	"github.com/rickgao/voicenote-sync/internal/feed"
	"github.com/rickgao/voicenote-sync/internal/metrics"
	"github.com/rickgao/voicenote-sync/internal/polling"
	"github.com/rickgao/voicenote-sync/internal/realtime"
	"github.com/rickgao/voicenote-sync/internal/sink"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	Duration    time.Duration // Stop after this long; 0 runs until interrupted
	Interactive bool          // Read commands from stdin
	ShowSync    bool
	Debounce    time.Duration // Delay before the refresh that follows a local mutation
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow pin changes as they happen",
		Long: `Follow the user's pinned tasks. Uses the realtime change feed when
api.realtime_url is set and falls back to polling after repeated failures.
Without a realtime URL the configured source is polled.

With --interactive, stdin accepts: pin <id> [order], unpin <id>, refresh,
status, polling, realtime, quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "exit after this long (0 = until interrupted)")
	cmd.Flags().BoolVarP(&opts.Interactive, "interactive", "i", false, "read commands from stdin")
	cmd.Flags().BoolVar(&opts.ShowSync, "show-sync", false, "print a line for every successful sync")
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", 500*time.Millisecond, "delay before refreshing after pin/unpin")

	return cmd
}

// syncer is the running sync layer: the realtime manager, or a bare poller
// when no change feed is configured.
type syncer interface {
	metrics.Provider
	Start()
	Stop()
	Refresh()
}

func runWatch(cmd *cobra.Command, rootOpts *RootOptions, opts *WatchOptions) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log, rootOpts.Verbose)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}
	ctx, quit := context.WithCancel(ctx)
	defer quit()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	out := &syncWriter{w: cmd.OutOrStdout()}
	printer := sink.NewAsync(NewPrinter(out, opts.ShowSync), logger)
	defer printer.Close()

	loop := dispatch.NewLoop(logger)

	var (
		s          syncer
		subscriber *feed.Subscriber
		manager    *realtime.Manager
	)
	if cfg.API.RealtimeURL != "" {
		subscriber = feed.NewSubscriber(feed.Config{
			URL:               cfg.API.RealtimeURL,
			Table:             cfg.Realtime.Table,
			HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
			JoinTimeout:       cfg.Realtime.JoinTimeout,
		}, b.creds, logger)
		defer subscriber.Close()

		manager = realtime.New(realtimeConfig(cfg), subscriber, b.source, printer, loop, logger)
		s = manager
	} else {
		s = &pollingOnly{Manager: polling.New(pollingConfig(cfg), b.source, printer, loop, logger)}
	}

	logger.Info("starting watch",
		"user_id", cfg.User.ID,
		"source", cfg.Source,
		"realtime", cfg.API.RealtimeURL != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(context.Background())
	})
	if cfg.Metrics.Port > 0 {
		server := metrics.NewServer(cfg.Metrics.Port, metrics.NewHandler(s, cfg.Metrics.Path, b.checks, logger), logger)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.Stop()
		loop.Close()
		return nil
	})

	s.Start()

	if opts.Interactive {
		c := &console{
			cfg:       cfg,
			sync:      s,
			manager:   manager,
			mutator:   b.mutator,
			out:       out,
			logger:    logger,
			refresher: newDebouncer(opts.Debounce, s.Refresh),
		}
		defer c.refresher.Stop()
		go func() {
			c.run(gctx, cmd.InOrStdin())
			quit()
		}()
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("watch stopped")
	return nil
}

// pollingOnly adapts a polling.Manager to the syncer interface.
type pollingOnly struct {
	*polling.Manager
}

func (p *pollingOnly) ConnectionMetrics() realtime.Metrics {
	st := p.Status()
	transport := realtime.TransportNone
	if st.Running() {
		transport = realtime.TransportPolling
	}
	factors := []string{}
	if st.LastError != "" {
		factors = append(factors, "last poll failed: "+st.LastError)
	}
	return realtime.Metrics{
		Running:       st.State == polling.StateRunning,
		Transport:     transport,
		PollingActive: st.Running(),
		Polling:       &st,
		Stability: connstate.StabilityAssessment{
			IsStable:       st.ErrorRetryCount == 0,
			StabilityScore: max(0, 100-25*st.ErrorRetryCount),
			Factors:        factors,
		},
	}
}

func (p *pollingOnly) Diagnostics() string {
	st := p.Status()
	var b strings.Builder
	b.WriteString("Polling Diagnostics\n")
	fmt.Fprintf(&b, "  State: %s\n", st.State)
	fmt.Fprintf(&b, "  Connected: %t\n", st.Connected)
	fmt.Fprintf(&b, "  Interval: %s\n", st.CurrentInterval)
	fmt.Fprintf(&b, "  Known Pins: %d\n", st.KnownPins)
	fmt.Fprintf(&b, "  Polls: %d (errors %d, changes %d)\n", st.TotalPolls, st.TotalErrors, st.TotalChanges)
	if st.LastError != "" {
		fmt.Fprintf(&b, "  Last Error: %s\n", st.LastError)
	}
	return b.String()
}

// console handles interactive watch commands.
type console struct {
	cfg       *config.Config
	sync      syncer
	manager   *realtime.Manager // nil when polling only
	mutator   Mutator
	out       io.Writer
	logger    *slog.Logger
	refresher *debouncer
}

var errQuit = errors.New("quit")

func (c *console) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		err := c.exec(ctx, strings.Fields(line))
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *console) exec(ctx context.Context, fields []string) error {
	switch fields[0] {
	case "pin":
		if len(fields) < 2 || len(fields) > 3 {
			return errors.New("usage: pin <task-id> [order]")
		}
		var order *int
		if len(fields) == 3 {
			n, err := strconv.Atoi(fields[2])
			if err != nil {
				return fmt.Errorf("invalid order %q", fields[2])
			}
			order = &n
		}
		if err := c.mutator.Pin(ctx, c.cfg.User.ID, fields[1], order); err != nil {
			return err
		}
		c.logger.Debug("pinned task", "task_id", fields[1])
		c.refresher.Trigger()

	case "unpin":
		if len(fields) != 2 {
			return errors.New("usage: unpin <task-id>")
		}
		if err := c.mutator.Unpin(ctx, c.cfg.User.ID, fields[1]); err != nil {
			return err
		}
		c.logger.Debug("unpinned task", "task_id", fields[1])
		c.refresher.Trigger()

	case "refresh":
		c.sync.Refresh()

	case "status":
		io.WriteString(c.out, c.sync.Diagnostics())

	case "polling", "realtime":
		if c.manager == nil {
			return errors.New("realtime not configured")
		}
		if fields[0] == "polling" {
			c.manager.SwitchToPollingFallback()
		} else {
			c.manager.SwitchToRealtimeMode()
		}

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}

// debouncer collapses bursts of Trigger calls into one fn call after delay.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	fn    func()
	timer *time.Timer
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
