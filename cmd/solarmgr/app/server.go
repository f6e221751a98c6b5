package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	utilserrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/component-base/version"
	"k8s.io/component-base/version/verflag"
	"k8s.io/klog/v2"

	"github.com/antoine510/solar-mgr/cmd/solarmgr/options"
	"github.com/antoine510/solar-mgr/pkg/generic"
	baseoptions "github.com/antoine510/solar-mgr/pkg/generic/options"
	"github.com/antoine510/solar-mgr/pkg/web"
)

const (
	ComponentSolarMgr = "solar-mgr"
)

func NewSolarMgrCmd() *cobra.Command {
	cleanFlagSet := pflag.NewFlagSet(ComponentSolarMgr, pflag.ContinueOnError)
	o := options.NewDefaultOptions()
	cmd := &cobra.Command{
		Use: ComponentSolarMgr,
		Long: `solar-mgr polls the current sensors and MPPT chargers of a solar installation over
their shared serial bus, writes the readings to InfluxDB and/or MQTT once per period,
and exposes the modules over HTTP for inspection and control.`,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// initial flag parse, since we disable cobra's flag parsing
			if err := cleanFlagSet.Parse(args); err != nil {
				klog.ErrorS(err, "Failed to parse flag")
				_ = cmd.Usage()
				os.Exit(1)
			}

			// check if there are non-flag arguments in the command line
			cmds := cleanFlagSet.Args()
			if len(cmds) > 0 {
				klog.ErrorS(nil, "Unknown command", "command", cmds[0])
				_ = cmd.Usage()
				os.Exit(1)
			}

			// short-circuit on help
			baseoptions.PrintHelpAndExitIfRequested(cmd, cleanFlagSet)

			// short-circuit on defaultconfig
			defaults := options.NewDefaultOptions()
			defaults.Influx.Token = ""
			baseoptions.PrintDefaultConfigAndExitIfRequested(defaults, cleanFlagSet)

			// short-circuit on verflag
			verflag.PrintAndExitIfRequested()

			if err := baseoptions.ParseAndApplyConfigFile(o, args); err != nil {
				return err
			}

			if errs := options.Validate(o); len(errs) != 0 {
				return utilserrors.NewAggregate(errs)
			}

			// To help debugging, immediately log version
			klog.InfoS("Starting solar-mgr", "version", version.Get().String())
			return run(o)
		},
	}

	verflag.AddFlags(cleanFlagSet)
	o.AddFlags(cleanFlagSet)
	o.AddBaseFlags(cmd, cleanFlagSet)

	return cmd
}

func run(o *options.Options) error {
	c, err := o.Config()
	if err != nil {
		return err
	}

	server, err := web.NewServer(generic.Default(), o, c)
	if err != nil {
		_ = c.Close()
		return err
	}

	exit, err := server.Serve()
	if err != nil {
		_ = c.Close()
		return err
	}
	klog.V(1).InfoS("Server started", "port", o.Port, "device", o.Serial.Device, "period", o.Collector.Period.Duration)
	// Wait for interrupt signal to gracefully shutdown the server
	exitCh := make(chan os.Signal, 1)
	// kill (no param) default send syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	// kill -9 is syscall.SIGKILL but can't be catch, so don't need add it
	signal.Notify(exitCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exitCh
	klog.V(1).InfoS("Shutting down", "signal", sig.String())
	ctx, cancel := context.WithTimeout(context.Background(), o.Wait.Duration)
	defer cancel()

	exit(ctx)
	return nil
}
