package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/automata/internal/compiler"
	"github.com/roach88/automata/internal/engine"
)

// CreateOptions holds flags for the create command.
type CreateOptions struct {
	*RootOptions
	Realm string
	Name  string
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <descriptors>",
		Short: "Create an automata from a CUE descriptor",
		Long: `Create an automata at version 000000 in the caller's tenant.

The descriptor is compiled from a CUE file or directory. When it defines
more than one automata, --name selects which one to create.

Example:
  automata create --tenant t1 --realm r1 ./counter.cue
  automata create --tenant t1 --realm r1 --name toggle ./descriptors`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Realm, "realm", "", "realm to create the automata in (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "descriptor name when the source defines several")
	_ = cmd.MarkFlagRequired("realm")

	return cmd
}

func runCreate(opts *CreateOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	descs, err := compiler.Load(path)
	if err != nil {
		_ = f.Error(ErrCodeCompile, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load descriptors", err)
	}
	desc := descs[0]
	switch {
	case opts.Name != "":
		d, ok := compiler.Find(descs, opts.Name)
		if !ok {
			_ = f.Error(ErrCodeInput, fmt.Sprintf("no descriptor named %q", opts.Name), nil)
			return NewExitError(ExitCommandError, "unknown descriptor")
		}
		desc = d
	case len(descs) > 1:
		names := make([]string, len(descs))
		for i, d := range descs {
			names[i] = d.Name
		}
		_ = f.Error(ErrCodeInput, "several descriptors found; choose one with --name: "+strings.Join(names, ", "), nil)
		return NewExitError(ExitCommandError, "ambiguous descriptor")
	}

	return withApp(opts.RootOptions, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
		f.VerboseLog("creating %q in realm %s", desc.Name, opts.Realm)
		created, err := a.engine.CreateAutomata(ctx, a.principal, engine.CreateRequest{RealmID: opts.Realm, Descriptor: desc})
		if err != nil {
			return f.Fail(err)
		}
		return f.Success(newAutomataView(created))
	})
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <automata-id>",
		Short:         "Show an automata's current state and version",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				got, err := a.engine.GetAutomata(ctx, a.principal, args[0])
				if err != nil {
					return f.Fail(err)
				}
				return f.Success(newAutomataView(got))
			})
		},
	}
}

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <automata-id>",
		Short: "Make an automata read-only",
		Long: `Archive an automata. Archived automatas reject further events but stay
readable. Archiving an archived automata is a no-op.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				archived, err := a.engine.ArchiveAutomata(ctx, a.principal, args[0])
				if err != nil {
					return f.Fail(err)
				}
				return f.Success(newAutomataView(archived))
			})
		},
	}
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	After string
	Limit int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list <realm-id>",
		Short: "List the automatas of a realm",
		Long: `List the automatas of a realm in the caller's tenant, in creation order.
Pass the last id of a page as --after to fetch the next one.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				list, err := a.engine.ListAutomatasInRealm(ctx, a.principal, args[0],
					engine.ListOptions{After: opts.After, Limit: opts.Limit})
				if err != nil {
					return f.Fail(err)
				}
				out := make(automataList, len(list))
				for i, item := range list {
					out[i] = newAutomataView(item)
				}
				return f.Success(out)
			})
		},
	}

	cmd.Flags().StringVar(&opts.After, "after", "", "last id of the previous page")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size (0 for the default)")

	return cmd
}
