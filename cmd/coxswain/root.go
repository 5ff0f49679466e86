package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"frameworks/api_tunnel/internal/apperr"
	"frameworks/api_tunnel/internal/manager"
	"frameworks/api_tunnel/internal/settings"
	"frameworks/api_tunnel/pkg/config"
	"frameworks/api_tunnel/pkg/logging"
	"frameworks/api_tunnel/pkg/version"
)

// buildFunc matches manager.Build; tests swap it out.
type buildFunc func(settings.Settings, logging.Logger, manager.Options) (*manager.Facade, func() error, error)

type app struct {
	cfgFile string
	output  string
	verbose bool

	logger logging.Logger
	build  buildFunc
	opts   manager.Options
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "coxswain",
		Short:         "WireGuard tunnel orchestrator",
		Long:          "coxswain manages a server and a client WireGuard interface, their peers and keys, and tunes the host when traffic grows.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := parseFormat(a.output); err != nil {
				return err
			}
			if a.verbose {
				a.logger.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &apperr.UsageError{Msg: fmt.Sprintf("unknown command %q for coxswain", args[0])}
			}
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &apperr.UsageError{Msg: err.Error()}
	})

	root.PersistentFlags().StringVar(&a.cfgFile, "config", config.GetEnv("COXSWAIN_CONFIG", ""), "config file (default is $COXSWAIN_CONFIG or "+settings.DefaultConfigFile+")")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", string(formatText), "output format: text|json|yaml")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		a.command("status", "Show interfaces, peers, traffic and optimizer state", manager.CommandStatus, 0),
		a.command("add-peer <name> <allowed-ip>", "Create a peer and write its client bundle", manager.CommandAddPeer, 2),
		a.command("rotate <name>", "Replace a peer's key pair, keeping its address", manager.CommandRotate, 1),
		a.command("revoke <name>", "Remove a peer and archive its keys", manager.CommandRevoke, 1),
		a.command("monitor", "Sample traffic and tune the host until interrupted", manager.CommandMonitor, 0),
		a.command("start-server", "Bring up the server interface", manager.CommandStartServer, 0),
		a.command("stop-server", "Tear down the server interface", manager.CommandStopServer, 0),
		a.command("start-client", "Bring up the client interface from its bundle", manager.CommandStartClient, 0),
		a.command("stop-client", "Tear down the client interface", manager.CommandStopClient, 0),
		a.versionCmd(),
	)
	return root
}

func (a *app) command(use, short string, c manager.Command, nargs int) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  exactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := manager.Request{Command: c}
			if nargs > 0 {
				req.Name = args[0]
			}
			if nargs > 1 {
				req.AllowedIP = args[1]
			}
			return a.run(cmd, req)
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := parseFormat(a.output)
			info := version.GetInfo()
			return render(cmd.OutOrStdout(), format, info, func(w *textWriter) {
				w.line("%s", info.String())
			})
		},
	}
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &apperr.UsageError{Msg: fmt.Sprintf("%s: accepts %d arg(s), received %d (usage: coxswain %s)", cmd.Name(), n, len(args), cmd.Use)}
		}
		return nil
	}
}

// loadSettings reads the config file and COXSWAIN_* environment.
func (a *app) loadSettings() (settings.Settings, error) {
	v, err := settings.NewViper(a.cfgFile)
	if err != nil {
		return settings.Settings{}, err
	}
	return settings.Load(v)
}

func (a *app) run(cmd *cobra.Command, req manager.Request) error {
	format, err := parseFormat(a.output)
	if err != nil {
		return err
	}
	s, err := a.loadSettings()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	opts := a.opts
	if req.Command == manager.CommandMonitor {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		if opts.LogOutput == nil {
			opts.LogOutput = logging.Buffer(a.logger)
		}
	}

	facade, closeFn, err := a.build(s, a.logger, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil {
			a.logger.WithError(cerr).Warn("Failed to release resources")
		}
	}()

	a.logger.WithFields(logging.Fields{
		"command": req.Command.String(),
		"config":  a.cfgFile,
	}).Debug("Running command")

	res, err := facade.Run(ctx, req)
	if err != nil {
		return err
	}
	return renderResult(cmd.OutOrStdout(), format, res)
}
