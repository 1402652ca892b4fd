package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/automata/internal/batch"
	"github.com/roach88/automata/internal/engine"
	"github.com/roach88/automata/internal/ir"
)

// BatchFile is the YAML input of batch send.
//
//	realm: r1
//	automatas:
//	  - id: 0192...
//	    events:
//	      - {type: INCREMENT, data: {amount: 1}}
//	      - {type: RESET}
//
// Without a realm the file must name exactly one automata.
type BatchFile struct {
	Realm     string          `yaml:"realm,omitempty"`
	Automatas []BatchFileItem `yaml:"automatas"`
}

// BatchFileItem is the event list for one automata.
type BatchFileItem struct {
	ID     string           `yaml:"id"`
	Events []BatchFileEvent `yaml:"events"`
}

// BatchFileEvent is one event of a batch file.
type BatchFileEvent struct {
	Type string `yaml:"type"`
	Data any    `yaml:"data,omitempty"`
}

// LoadBatchFile reads and converts a batch file. Unknown fields are
// rejected.
func LoadBatchFile(path string) (*BatchFile, []batch.Item, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read batch file: %w", err)
	}
	var bf BatchFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&bf); err != nil {
		return nil, nil, fmt.Errorf("parse batch file: %w", err)
	}
	if len(bf.Automatas) == 0 {
		return nil, nil, fmt.Errorf("batch file names no automatas")
	}
	if bf.Realm == "" && len(bf.Automatas) != 1 {
		return nil, nil, fmt.Errorf("batch file without a realm must name exactly one automata")
	}

	items := make([]batch.Item, len(bf.Automatas))
	for i, a := range bf.Automatas {
		events := make([]batch.Event, len(a.Events))
		for j, ev := range a.Events {
			data, err := ir.FromAny(ev.Data)
			if err != nil {
				return nil, nil, fmt.Errorf("automatas[%d].events[%d].data: %w", i, j, err)
			}
			events[j] = batch.Event{EventType: ev.Type, EventData: data}
		}
		items[i] = batch.Item{AutomataID: a.ID, Events: events}
	}
	return &bf, items, nil
}

// NewBatchCommand creates the batch command group.
func NewBatchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Send event lists and read states in bulk",
	}
	cmd.AddCommand(newBatchSendCommand(rootOpts))
	cmd.AddCommand(newBatchStatesCommand(rootOpts))
	return cmd
}

func newBatchSendCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <batch-file>",
		Short: "Send event lists from a YAML file",
		Long: `Send each automata's events in order. Processing of an automata stops
at its first failed event; the events before it stay committed. With a
realm, automatas are processed concurrently and every automata must
belong to that realm.

Exit codes:
  0 - every event committed
  1 - at least one automata stopped early
  2 - command error (unreadable file, rejected request, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			bf, items, err := LoadBatchFile(args[0])
			if err != nil {
				_ = f.Error(ErrCodeInput, err.Error(), nil)
				return WrapExitError(ExitCommandError, "invalid batch file", err)
			}
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				var res batchView
				if bf.Realm == "" {
					r, err := a.batch.SendToAutomata(ctx, a.principal, items[0].AutomataID, items[0].Events)
					if err != nil {
						return f.Fail(err)
					}
					res = batchView{Automatas: []batch.AutomataResult{r}, SuccessfulCount: r.SuccessfulCount, FailedCount: r.FailedCount}
				} else {
					r, err := a.batch.SendToRealm(ctx, a.principal, bf.Realm, items)
					if err != nil {
						return f.Fail(err)
					}
					res = batchView{RealmID: r.RealmID, Automatas: r.Automatas, SuccessfulCount: r.SuccessfulCount, FailedCount: r.FailedCount}
				}
				if err := f.Success(res); err != nil {
					return err
				}
				if res.FailedCount > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d event(s) failed", res.FailedCount))
				}
				return nil
			})
		},
	}
}

func newBatchStatesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "states <automata-id>...",
		Short:         "Read the current state of several automatas",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				results, err := a.batch.GetStates(ctx, a.principal, args)
				if err != nil {
					return f.Fail(err)
				}
				out := make(statesView, len(results))
				for i, r := range results {
					out[i] = stateEntry{AutomataID: r.AutomataID, Error: r.Error}
					if r.Automata != nil {
						v := newAutomataView(*r.Automata)
						out[i].Automata = &v
					}
				}
				return f.Success(out)
			})
		},
	}
}

// batchView is the CLI rendering of a batch send.
type batchView struct {
	RealmID         string                 `json:"realmId,omitempty"`
	Automatas       []batch.AutomataResult `json:"automatas"`
	SuccessfulCount int                    `json:"successfulCount"`
	FailedCount     int                    `json:"failedCount"`
}

func (v batchView) String() string {
	var b strings.Builder
	for _, r := range v.Automatas {
		fmt.Fprintf(&b, "%s: %d committed", r.AutomataID, r.SuccessfulCount)
		if failed, ok := r.Failed(); ok {
			fmt.Fprintf(&b, ", stopped at event %d: %s %s", failed.EventIndex, failed.Error.Code, failed.Error.Message)
		}
		if r.LastSuccessfulIndex >= 0 {
			last := r.Results[r.LastSuccessfulIndex]
			fmt.Fprintf(&b, " (version %s)", last.NewVersion)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%d event(s) committed, %d failed", v.SuccessfulCount, v.FailedCount)
	return b.String()
}

type stateEntry struct {
	AutomataID string        `json:"automataId"`
	Automata   *automataView `json:"automata,omitempty"`
	Error      *engine.Error `json:"error,omitempty"`
}

type statesView []stateEntry

func (l statesView) String() string {
	var b strings.Builder
	for i, e := range l {
		if i > 0 {
			b.WriteByte('\n')
		}
		if e.Error != nil {
			fmt.Fprintf(&b, "%s: %s %s", e.AutomataID, e.Error.Code, e.Error.Message)
			continue
		}
		fmt.Fprintf(&b, "%s  version=%s  state=%s", e.AutomataID, e.Automata.Version, stateJSON(e.Automata.State))
	}
	return b.String()
}
