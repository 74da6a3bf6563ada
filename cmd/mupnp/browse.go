package main

import (
	"github.com/spf13/cobra"

	"github.com/mikey-austin/mupnp/internal/core"
)

func browseCommand() *cobra.Command {
	var (
		start    int
		count    int
		filter   string
		metadata bool
	)

	cmd := &cobra.Command{
		Use:   "browse [server] [objectId]",
		Short: "Browse a ContentDirectory",
		Long: "List the children of objectId (default 0). With --metadata, show the object itself.\n" +
			"A single argument is the server unless a default server is configured.",
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, cancel := withTimeout(cmd.Context(), app.timeout)
			defer cancel()

			req := core.BrowseRequest{Start: start, Count: count, Filter: filter, Metadata: metadata}
			switch len(args) {
			case 1:
				if app.service.Config.Defaults.Server != "" {
					req.ObjectID = args[0]
				} else {
					req.Device = args[0]
				}
			case 2:
				req.Device = args[0]
				req.ObjectID = args[1]
			}
			result, err := app.service.Browse(ctx, req)
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}

	cmd.Flags().IntVar(&start, "start", 0, "starting index")
	cmd.Flags().IntVar(&count, "count", 50, "requested count (0 for all)")
	cmd.Flags().StringVar(&filter, "filter", "*", "property filter")
	cmd.Flags().BoolVar(&metadata, "metadata", false, "browse metadata of the object")

	return cmd
}

func searchCommand() *cobra.Command {
	var (
		start     int
		count     int
		filter    string
		container string
	)

	cmd := &cobra.Command{
		Use:   "search <server> <criteria>",
		Short: "Search a ContentDirectory",
		Long:  `criteria uses the ContentDirectory syntax, e.g. 'upnp:class derivedfrom "object.item.audioItem" and dc:title contains "blue"'.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, cancel := withTimeout(cmd.Context(), app.timeout)
			defer cancel()

			result, err := app.service.Search(ctx, core.SearchRequest{
				Device:    args[0],
				Container: container,
				Criteria:  args[1],
				Filter:    filter,
				Start:     start,
				Count:     count,
			})
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}

	cmd.Flags().IntVar(&start, "start", 0, "starting index")
	cmd.Flags().IntVar(&count, "count", 50, "requested count (0 for all)")
	cmd.Flags().StringVar(&filter, "filter", "*", "property filter")
	cmd.Flags().StringVar(&container, "container", "0", "container to search under")

	return cmd
}
