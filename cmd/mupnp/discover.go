package main

import (
	"github.com/spf13/cobra"
)

func discoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discover [target]",
		Short: "Search the network for devices",
		Long:  "Send an M-SEARCH for target (default upnp:rootdevice) and describe every device that answers.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, cancel := withTimeout(cmd.Context(), app.timeout)
			defer cancel()

			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			result, err := app.service.Discover(ctx, target)
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}
}

func describeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <device>",
		Short: "Show services and actions of a device",
		Long:  "device is a description URL, a UDN, a friendly name or an alias.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, cancel := withTimeout(cmd.Context(), app.timeout)
			defer cancel()

			result, err := app.service.Describe(ctx, args[0])
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}
}
