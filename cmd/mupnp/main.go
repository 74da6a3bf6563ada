package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mikey-austin/mupnp/internal/adapters/config"
	"github.com/mikey-austin/mupnp/internal/adapters/output"
	"github.com/mikey-austin/mupnp/internal/controlpoint"
	"github.com/mikey-austin/mupnp/internal/core"
)

type app struct {
	service core.Service
	printer output.Printer
	out     io.Writer
	json    bool
	timeout time.Duration
}

func main() {
	if err := rootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(core.ExitCode(err))
	}
}

func rootCommand(stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "mupnp",
		Short: "UPnP control point",
	}
	root.SetOut(stdout)

	var (
		configPath string
		timeout    time.Duration
		jsonOut    bool
		noColor    bool
		interfaces []string
		mx         int
		target     string
	)

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	root.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "command timeout")
	root.PersistentFlags().BoolVarP(&jsonOut, "json", "j", false, "output json")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable color")
	root.PersistentFlags().StringSliceVar(&interfaces, "interface", nil, "network interfaces to search on")
	root.PersistentFlags().IntVar(&mx, "mx", 0, "M-SEARCH MX seconds (1-5)")
	root.PersistentFlags().StringVar(&target, "target", "", "M-SEARCH target used to find devices")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var (
			cfg config.Config
			err error
		)
		if configPath != "" {
			cfg, err = config.LoadFile(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return core.WrapError(core.ExitUsage, "load config", err)
		}
		if noColor || jsonOut {
			pterm.DisableColor()
		}
		if len(interfaces) == 0 {
			interfaces = cfg.Interfaces
		}
		if mx <= 0 {
			mx = cfg.MX
		}
		if mx <= 0 {
			mx = 2
		}
		if mx > 5 {
			return &core.CLIError{Code: core.ExitUsage, Msg: "mx must be between 1 and 5"}
		}
		if target == "" {
			target = cfg.Target
		}

		cp := controlpoint.New(controlpoint.Config{
			Interfaces:    interfaces,
			Timeout:       timeout,
			CacheCompress: true,
		}, nil)
		coreCfg := core.Config{
			Target:  target,
			MX:      mx,
			Aliases: cfg.Aliases,
			Defaults: core.Defaults{
				Server:   cfg.Defaults.Server,
				Renderer: cfg.Defaults.Renderer,
			},
		}

		var printer output.Printer
		if jsonOut {
			printer = output.JSONPrinter{Out: stdout}
		} else {
			printer = output.HumanPrinter{Out: stdout}
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cmd.SetContext(context.WithValue(ctx, appKey{}, &app{
			service: core.Service{
				ControlPoint: cp,
				Events:       cp,
				Resolver:     core.Resolver{ControlPoint: cp, Config: coreCfg},
				Config:       coreCfg,
			},
			printer: printer,
			out:     stdout,
			json:    jsonOut,
			// Discovery takes MX seconds before any call can start.
			timeout: timeout + time.Duration(mx)*time.Second,
		}))
		return nil
	}

	root.AddCommand(discoverCommand())
	root.AddCommand(describeCommand())
	root.AddCommand(browseCommand())
	root.AddCommand(searchCommand())
	root.AddCommand(callCommand())
	root.AddCommand(subscribeCommand())

	return root
}

type appKey struct{}

func fromContext(cmd *cobra.Command) *app {
	val := cmd.Context().Value(appKey{})
	if val == nil {
		return nil
	}
	return val.(*app)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}
