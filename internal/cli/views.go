package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/automata/internal/engine"
	"github.com/roach88/automata/internal/ir"
)

// withApp opens the configured store for the duration of fn.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, a *app, f *OutputFormatter) error) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			f.VerboseLog("close: %v", cerr)
		}
	}()
	return fn(ctx, a, f)
}

func stateJSON(v ir.Value) string {
	if v == nil {
		return "null"
	}
	b, err := ir.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(b)
}

// automataView is the CLI rendering of an automata.
type automataView struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	RealmID    string    `json:"realmId"`
	Descriptor string    `json:"descriptor"`
	Version    string    `json:"version"`
	Status     ir.Status `json:"status"`
	State      ir.Value  `json:"state"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func newAutomataView(a ir.Automata) automataView {
	return automataView{
		ID:         a.ID,
		TenantID:   a.TenantID,
		RealmID:    a.RealmID,
		Descriptor: a.Descriptor.Name,
		Version:    a.Version,
		Status:     a.Status,
		State:      a.CurrentState,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func (v automataView) String() string {
	return fmt.Sprintf("%s  realm=%s  descriptor=%s  version=%s  status=%s\nstate: %s",
		v.ID, v.RealmID, v.Descriptor, v.Version, v.Status, stateJSON(v.State))
}

type automataList []automataView

func (l automataList) String() string {
	if len(l) == 0 {
		return "No automatas."
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDESCRIPTOR\tVERSION\tSTATUS")
	for _, v := range l {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, v.Descriptor, v.Version, v.Status)
	}
	_ = tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}

// sendView is the CLI rendering of a committed send.
type sendView struct {
	EventID     string   `json:"eventId"`
	BaseVersion string   `json:"baseVersion"`
	NewVersion  string   `json:"newVersion"`
	OldState    ir.Value `json:"oldState"`
	NewState    ir.Value `json:"newState"`
}

func newSendView(r engine.SendResult) sendView {
	return sendView{
		EventID:     r.EventID,
		BaseVersion: r.BaseVersion,
		NewVersion:  r.NewVersion,
		OldState:    r.OldState,
		NewState:    r.NewState,
	}
}

func (v sendView) String() string {
	return fmt.Sprintf("%s  %s -> %s\nstate: %s", v.EventID, v.BaseVersion, v.NewVersion, stateJSON(v.NewState))
}

// eventView is the CLI rendering of a committed event.
type eventView struct {
	ID          string    `json:"id"`
	BaseVersion string    `json:"baseVersion"`
	EventType   string    `json:"eventType"`
	EventData   ir.Value  `json:"eventData"`
	Sender      string    `json:"sender"`
	Timestamp   time.Time `json:"timestamp"`
}

type eventList []eventView

func newEventList(events []ir.Event) eventList {
	out := make(eventList, len(events))
	for i, ev := range events {
		out[i] = eventView{
			ID:          ev.ID,
			BaseVersion: ev.BaseVersion,
			EventType:   ev.EventType,
			EventData:   ev.EventData,
			Sender:      ev.SenderSubjectID,
			Timestamp:   ev.Timestamp,
		}
	}
	return out
}

func (l eventList) String() string {
	if len(l) == 0 {
		return "No events."
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BASE\tTYPE\tSENDER\tTIME\tDATA")
	for _, ev := range l {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ev.BaseVersion, ev.EventType, ev.Sender,
			ev.Timestamp.UTC().Format(time.RFC3339), stateJSON(ev.EventData))
	}
	_ = tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}

// snapshotView is the CLI rendering of a snapshot or historical state.
type snapshotView struct {
	AutomataID string    `json:"automataId"`
	Version    string    `json:"version"`
	State      ir.Value  `json:"state"`
	IsSnapshot bool      `json:"isSnapshot"`
	Timestamp  time.Time `json:"timestamp"`
}

func (v snapshotView) String() string {
	source := "current"
	if v.IsSnapshot {
		source = "snapshot"
	}
	return fmt.Sprintf("%s@%s (%s)\nstate: %s", v.AutomataID, v.Version, source, stateJSON(v.State))
}

type snapshotList []snapshotView

func newSnapshotList(snaps []ir.Snapshot) snapshotList {
	out := make(snapshotList, len(snaps))
	for i, s := range snaps {
		out[i] = snapshotView{AutomataID: s.AutomataID, Version: s.Version, State: s.State, IsSnapshot: true, Timestamp: s.CreatedAt}
	}
	return out
}

func (l snapshotList) String() string {
	if len(l) == 0 {
		return "No snapshots."
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tTAKEN\tSTATE")
	for _, s := range l {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Version, s.Timestamp.UTC().Format(time.RFC3339), stateJSON(s.State))
	}
	_ = tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}
