package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikey-austin/mupnp/internal/adapters/output"
	"github.com/mikey-austin/mupnp/internal/core"
)

func callCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "call <device> <service> <action> [Name=Value ...]",
		Short: "Invoke an action",
		Long:  "service is a service type URN, a serviceId or a short name such as AVTransport.",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, cancel := withTimeout(cmd.Context(), app.timeout)
			defer cancel()

			result, err := app.service.Call(ctx, args[0], args[1], args[2], args[3:])
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}
}

func subscribeCommand() *cobra.Command {
	var (
		listen   string
		duration time.Duration
		renew    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "subscribe <device> <service>",
		Short: "Print events from a service until interrupted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			printer := app.printer
			if app.json {
				printer = output.JSONPrinter{Out: app.out, Compact: true}
			}
			var mu sync.Mutex
			var printErr error
			err := app.service.Subscribe(ctx, args[0], args[1], listen, renew, func(e core.EventResult) {
				mu.Lock()
				defer mu.Unlock()
				if err := printer.Print(e); err != nil && printErr == nil {
					printErr = err
				}
			})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			return printErr
		},
	}

	cmd.Flags().StringVar(&listen, "callback", ":0", "listen address for event callbacks")
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (0 waits for interrupt)")
	cmd.Flags().DurationVar(&renew, "renew", 5*time.Minute, "requested subscription timeout")

	return cmd
}
