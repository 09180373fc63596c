package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCommand(c *sandboxCli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fns, err := c.store().Functions()
			if err != nil {
				return err
			}
			for _, fn := range fns {
				fmt.Fprintln(c.out, fn)
			}
			return nil
		},
	}
}
