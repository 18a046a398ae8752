package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/rickgao/voicenote-sync/internal/config"
)

// withBackend loads config, opens the backend and runs fn.
func withBackend(cmd *cobra.Command, rootOpts *RootOptions, fn func(ctx context.Context, cfg *config.Config, b *backend) error) error {
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
	ctx, cancel := context.WithTimeout(ctx, cfg.API.Timeout)
	defer cancel()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	return fn(ctx, cfg, b)
}

// NewPinsCommand creates the pins command.
func NewPinsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pins",
		Short: "List the user's pinned tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, rootOpts, func(ctx context.Context, cfg *config.Config, b *backend) error {
				records, err := b.source.Query(ctx, cfg.User.ID)
				if err != nil {
					return fmt.Errorf("query pins: %w", err)
				}

				w := cmd.OutOrStdout()
				if rootOpts.Format == "json" {
					enc := json.NewEncoder(w)
					enc.SetIndent("", "  ")
					return enc.Encode(toOutput(records))
				}
				writePinTable(w, toOutput(records))
				return nil
			})
		},
	}
}

func writePinTable(w io.Writer, pins []pinOutput) {
	if len(pins) == 0 {
		fmt.Fprintln(w, "No pinned tasks")
		return
	}

	r := lipgloss.NewRenderer(w)
	header := r.NewStyle().Bold(true)
	muted := r.NewStyle().Foreground(lipgloss.Color("#9399b2"))

	fmt.Fprintln(w, header.Render(fmt.Sprintf("%-3s %-38s %-6s %s", "#", "TASK", "ORDER", "PINNED")))
	for i, p := range pins {
		order := "-"
		if p.PinOrder != nil {
			order = strconv.Itoa(*p.PinOrder)
		}
		pinned := "-"
		if !p.PinnedAt.IsZero() {
			pinned = p.PinnedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%-3d %-38s %-6s %s\n", i+1, p.TaskID, order, muted.Render(pinned))
	}
}

// NewPinCommand creates the pin command.
func NewPinCommand(rootOpts *RootOptions) *cobra.Command {
	var order int

	cmd := &cobra.Command{
		Use:   "pin <task-id>",
		Short: "Pin a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pinOrder *int
			if cmd.Flags().Changed("order") {
				pinOrder = &order
			}
			return withBackend(cmd, rootOpts, func(ctx context.Context, cfg *config.Config, b *backend) error {
				if err := b.mutator.Pin(ctx, cfg.User.ID, args[0], pinOrder); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pinned %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&order, "order", 0, "pin order (unset sorts last)")
	return cmd
}

// NewUnpinCommand creates the unpin command.
func NewUnpinCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unpin <task-id>",
		Short: "Unpin a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, rootOpts, func(ctx context.Context, cfg *config.Config, b *backend) error {
				if err := b.mutator.Unpin(ctx, cfg.User.ID, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unpinned %s\n", args[0])
				return nil
			})
		},
	}
}

// NewAddCommand creates the add command, which seeds tasks into the local
// store.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <task-id>...",
		Short: "Add tasks to the local SQLite store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, rootOpts, func(ctx context.Context, cfg *config.Config, b *backend) error {
				if b.local == nil {
					return ErrLocalOnly
				}
				for _, id := range args {
					if err := b.local.AddTask(ctx, cfg.User.ID, id); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %d task(s)\n", len(args))
				return nil
			})
		},
	}
}
