package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/automata/internal/engine"
	"github.com/roach88/automata/internal/ir"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Data            string
	ExpectedVersion string
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <automata-id> <event-type>",
		Short: "Send one event to an automata",
		Long: `Evaluate the automata's transition for one event and commit the result.

With --expected-version the send fails with VERSION_CONFLICT unless the
automata is still at that version.

Example:
  automata send --tenant t1 <id> INCREMENT --data '{"amount": 5}'
  automata send --tenant t1 <id> RESET --expected-version 000004`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Data, "data", "d", "null", "event data as JSON")
	cmd.Flags().StringVar(&opts.ExpectedVersion, "expected-version", "", "fail unless the automata is at this version")

	return cmd
}

func runSend(opts *SendOptions, id, eventType string, cmd *cobra.Command) error {
	data, err := ir.Parse([]byte(opts.Data))
	if err != nil {
		_ = opts.formatter(cmd).Error(ErrCodeInput, fmt.Sprintf("invalid --data: %v", err), nil)
		return WrapExitError(ExitCommandError, "invalid --data", err)
	}
	return withApp(opts.RootOptions, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
		res, err := a.engine.SendEvent(ctx, a.principal, engine.SendRequest{
			AutomataID:      id,
			EventType:       eventType,
			EventData:       data,
			ExpectedVersion: opts.ExpectedVersion,
		})
		if err != nil {
			return f.Fail(err)
		}
		return f.Success(newSendView(res))
	})
}

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	StartVersion string
	Limit        int
	Reverse      bool
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "events <automata-id>",
		Short:         "List the committed events of an automata",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				events, err := a.engine.ListEvents(ctx, a.principal, args[0], engine.ListEventsOptions{
					StartVersion: opts.StartVersion,
					Limit:        opts.Limit,
					Reverse:      opts.Reverse,
				})
				if err != nil {
					return f.Fail(err)
				}
				return f.Success(newEventList(events))
			})
		},
	}

	cmd.Flags().StringVar(&opts.StartVersion, "start", "", "first base version to include")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events (0 for the default)")
	cmd.Flags().BoolVar(&opts.Reverse, "reverse", false, "newest first")

	return cmd
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <automata-id> <version>",
		Short: "Show the state of an automata at a version",
		Long: `Show the state at a version. The current version is always available;
older versions are only available where a snapshot was taken.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				hs, err := a.engine.GetHistoricalState(ctx, a.principal, args[0], args[1])
				if err != nil {
					return f.Fail(err)
				}
				return f.Success(snapshotView{
					AutomataID: hs.AutomataID,
					Version:    hs.Version,
					State:      hs.State,
					IsSnapshot: hs.IsSnapshot,
					Timestamp:  hs.Timestamp,
				})
			})
		},
	}
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "snapshot <automata-id>",
		Short:         "Snapshot the current state of an automata",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				snap, err := a.engine.CreateSnapshot(ctx, a.principal, args[0])
				if err != nil {
					return f.Fail(err)
				}
				return f.Success(snapshotView{
					AutomataID: snap.AutomataID,
					Version:    snap.Version,
					State:      snap.State,
					IsSnapshot: true,
					Timestamp:  snap.CreatedAt,
				})
			})
		},
	}
}

// SnapshotsOptions holds flags for the snapshots command.
type SnapshotsOptions struct {
	*RootOptions
	StartVersion string
	Limit        int
}

// NewSnapshotsCommand creates the snapshots command.
func NewSnapshotsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "snapshots <automata-id>",
		Short:         "List the snapshots of an automata",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				snaps, err := a.engine.ListSnapshots(ctx, a.principal, args[0], engine.ListSnapshotsOptions{
					StartVersion: opts.StartVersion,
					Limit:        opts.Limit,
				})
				if err != nil {
					return f.Fail(err)
				}
				return f.Success(newSnapshotList(snaps))
			})
		},
	}

	cmd.Flags().StringVar(&opts.StartVersion, "start", "", "first version to include")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of snapshots (0 for the default)")

	return cmd
}
