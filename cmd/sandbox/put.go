package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/wasm"
)

type putOptions struct {
	shared bool
	data   bool
}

func newPutCommand(c *sandboxCli) *cobra.Command {
	var opts putOptions

	cmd := &cobra.Command{
		Use:   "put [OPTIONS] USER/FUNCTION|NAME FILE",
		Short: "Store function bytecode, a shared module or a data file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.shared && opts.data {
				return errors.InvalidInput(errors.PhaseConfig, "--shared and --data are exclusive")
			}
			return runPut(c, opts, args[0], args[1])
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.shared, "shared", false, "Store a shared module loadable by path")
	flags.BoolVar(&opts.data, "data", false, "Store a data file guests can open")
	return cmd
}

func runPut(c *sandboxCli, opts putOptions, name, file string) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrap(errors.PhaseStorage, errors.KindNotFound, err, "read "+file)
	}
	store := c.store()

	switch {
	case opts.data:
		err = store.WriteData(name, content)
	case opts.shared:
		if _, err := wasm.Parse(content); err != nil {
			return errors.Wrap(errors.PhaseStorage, errors.KindInvalidInput, err, "parse "+file)
		}
		err = store.WriteModule(name, content)
	default:
		var user, function string
		if user, function, err = splitFunction(name); err != nil {
			return err
		}
		if _, err := wasm.Parse(content); err != nil {
			return errors.Wrap(errors.PhaseStorage, errors.KindInvalidInput, err, "parse "+file)
		}
		err = store.WriteFunction(user, function, content)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "stored %s (%d bytes)\n", name, len(content))
	return nil
}
