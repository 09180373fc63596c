package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-sandbox/sandbox"
)

type inspectOptions struct {
	witPath string
	load    []string
}

func newInspectCommand(c *sandboxCli) *cobra.Command {
	var opts inspectOptions

	cmd := &cobra.Command{
		Use:   "inspect [OPTIONS] USER/FUNCTION",
		Short: "Bind a function and show its exports, memory, table and modules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), c, opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.witPath, "wit", "", "WIT file describing export signatures")
	flags.StringSliceVar(&opts.load, "load", nil, "Shared modules to load after bind")
	return cmd
}

func runInspect(ctx context.Context, c *sandboxCli, opts inspectOptions, name string) error {
	user, function, err := splitFunction(name)
	if err != nil {
		return err
	}
	rt, err := c.dispatcher()
	if err != nil {
		return err
	}
	bin, err := rt.Store().ReadFunction(user, function)
	if err != nil {
		return err
	}
	sigs, err := loadSignatures(opts.witPath)
	if err != nil {
		return err
	}
	funcs, err := exportedFuncs(bin, sigs)
	if err != nil {
		return err
	}

	s, err := rt.Bind(ctx, rt.Config().Descriptor(user, function))
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	for _, path := range opts.load {
		if _, err := s.LoadModule(ctx, path); err != nil {
			return err
		}
	}

	fmt.Fprintln(c.out, renderInspect(s.DebugInfo(), funcs))
	return nil
}

func renderInspect(info sandbox.DebugInfo, funcs []funcInfo) string {
	var b strings.Builder
	row := func(label, format string, args ...any) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(fmt.Sprintf(format, args...))
		b.WriteString("\n")
	}

	b.WriteString(titleStyle.Render(info.Function))
	b.WriteString("\n\n")
	row("memory", "%d/%d pages (%d bytes)", info.Pages, info.MaxPages, info.Bytes)
	row("table", "%d of %d slots used", info.TableCursor, info.TableSize)
	row("symbols", "%d functions, %d data", info.FuncSymbols, info.DataSymbols)
	row("snapshots", "%d", info.Snapshots)
	row("contexts", "%d", info.Contexts)

	b.WriteString("\n")
	b.WriteString(headingStyle.Render("Exports"))
	b.WriteString("\n")
	for _, f := range funcs {
		b.WriteString("  ")
		b.WriteString(funcStyle.Render(formatSignature(f.name, f.sig)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(headingStyle.Render("Modules"))
	b.WriteString("\n")
	for _, m := range info.Modules {
		path := m.Path
		if path == "" {
			path = "(main)"
		}
		fmt.Fprintf(&b, "  [%d] %s memory=%#x+%d table=%d+%d funcs=%d\n",
			m.Handle, funcStyle.Render(path), m.MemoryBase, m.MemorySize, m.TableBase, m.TableSize, m.Functions)
	}

	if len(info.Pending) > 0 {
		b.WriteString("\n")
		b.WriteString(headingStyle.Render("Pending"))
		b.WriteString("\n")
		for _, p := range info.Pending {
			fmt.Fprintf(&b, "  %s %s (%d references)\n", typeStyle.Render(p.Kind.String()), p.Name, p.References)
		}
	}
	return b.String()
}
