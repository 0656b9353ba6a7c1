package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"

	"enerx-readmodel/internal/dispatcher"
	"enerx-readmodel/internal/failure"
)

// SubmitOptions configure the submit command.
type SubmitOptions struct {
	Method string
	Args   []string
	JSON   bool
}

// Submit sends one contract write and refreshes the affected views. The
// audit row is written when a database is configured.
func (a *App) Submit(ctx context.Context, opts SubmitOptions) error {
	if _, ok := dispatcher.Lookup(opts.Method); !ok {
		return failure.Invalid("submit", "unknown method %q", opts.Method)
	}
	if _, err := dispatcher.ParseArgs(opts.Method, opts.Args); err != nil {
		return err
	}

	rt, closeAll, err := a.build(ctx, buildOptions{store: true})
	defer closeAll()
	if err != nil {
		return err
	}
	if !rt.adapter.HasWallet() {
		return failure.New(failure.KindConnection, opts.Method, "ethereum.private_key not configured", nil)
	}

	m, err := rt.dispatcher.Dispatch(ctx, opts.Method, opts.Args)
	if m != nil {
		if opts.JSON {
			if werr := writeJSON(a.Out, m); werr != nil {
				return werr
			}
		} else if perr := printMutation(a.Out, m); perr != nil {
			return perr
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", failure.UserMessage(err), err)
	}
	return nil
}

// PrintMethods lists the write methods and their arguments.
func (a *App) PrintMethods() error {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Method\tRefreshes")
	for _, spec := range dispatcher.Methods() {
		affects := strings.Join(spec.Affects, ",")
		if affects == "" {
			affects = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\n", spec.Usage(), affects)
	}
	return writer.Flush()
}

func printMutation(w io.Writer, m *dispatcher.Mutation) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Mutation\t%s\n", m.ID)
	fmt.Fprintf(writer, "Method\t%s(%s)\n", m.Method, strings.Join(m.Args, ", "))
	fmt.Fprintf(writer, "State\t%s\n", m.State)
	for _, t := range m.Trail {
		fmt.Fprintf(writer, "\t%s -> %s at %s\n", t.From, t.To, formatTime(t.At))
	}
	if m.TxHash != (common.Hash{}) {
		fmt.Fprintf(writer, "Tx\t%s\n", m.TxHash.Hex())
	}
	if m.BlockNumber > 0 {
		fmt.Fprintf(writer, "Block\t%d\n", m.BlockNumber)
	}
	if len(m.Refreshed) > 0 {
		fmt.Fprintf(writer, "Refreshed\t%s\n", strings.Join(m.Refreshed, ","))
	}
	names := make([]string, 0, len(m.RefreshErrors))
	for name := range m.RefreshErrors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(writer, "Refresh error\t%s: %s\n", name, sanitizeInline(m.RefreshErrors[name]))
	}
	if m.ErrorMessage != "" {
		fmt.Fprintf(writer, "Error\t%s\n", m.ErrorMessage)
	}
	return writer.Flush()
}
