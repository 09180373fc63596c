package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/runtime"
)

type runOptions struct {
	witPath string
	sigName string
	repeat  int
}

func newRunCommand(c *sandboxCli) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [OPTIONS] USER/FUNCTION [TARGET [ARG...]]",
		Short: "Invoke a function export or table slot (#N)",
		Long: "Invoke a function export or table slot (#N). Without a target on a " +
			"terminal, run starts the interactive mode.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.repeat < 1 {
				return errors.InvalidInput(errors.PhaseConfig, "--repeat must be at least 1")
			}
			if len(args) == 1 {
				if !term.IsTerminal(int(os.Stdin.Fd())) {
					return errors.InvalidInput(errors.PhaseConfig, "no target given")
				}
				return runInteractive(c, args[0], opts.witPath)
			}
			return runRun(cmd.Context(), c, opts, args[0], args[1], args[2:])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.witPath, "wit", "", "WIT file describing argument and result types")
	flags.StringVar(&opts.sigName, "sig", "", "WIT function whose signature a table slot has")
	flags.IntVarP(&opts.repeat, "repeat", "n", 1, "Invoke this many times")
	return cmd
}

func runRun(ctx context.Context, c *sandboxCli, opts runOptions, name, targetStr string, values []string) error {
	user, function, err := splitFunction(name)
	if err != nil {
		return err
	}
	target, err := parseTarget(targetStr)
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

	sig, ok := signatureFor(funcs, sigs, target.Name, opts.sigName)
	if !ok {
		sig = runtime.Signature{Params: make([]wit.Type, len(values))}
		for i := range sig.Params {
			sig.Params[i] = wit.S32{}
		}
	}
	args, err := sig.EncodeArgs(values)
	if err != nil {
		return err
	}

	call := runtime.Call{User: user, Function: function, Target: target, Args: args}
	for i := 0; i < opts.repeat; i++ {
		start := time.Now()
		res, err := rt.Invoke(ctx, call)
		if err != nil {
			return err
		}
		c.log.Debug("invoked",
			zap.String("target", target.String()),
			zap.Int("iteration", i),
			zap.Duration("elapsed", time.Since(start)))
		fmt.Fprintln(c.out, strings.Join(sig.FormatResults(res), " "))
	}
	return nil
}

func signatureFor(funcs []funcInfo, sigs map[string]runtime.Signature, export, sigName string) (runtime.Signature, bool) {
	if sigName != "" {
		sig, ok := sigs[sigName]
		return sig, ok
	}
	for _, f := range funcs {
		if f.name == export {
			return f.sig, true
		}
	}
	return runtime.Signature{}, false
}
