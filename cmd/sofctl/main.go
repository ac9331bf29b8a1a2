package main

import (
	"context"
	"errors"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/gen2brain/sof"
)

// config is the resolved configuration of a sofctl invocation.
type config struct {
	Mailbox     string
	Topology    string
	IpcTimeout  time.Duration
	BootTimeout time.Duration
	StrictABI   bool
	XrunStop    bool
	MetricsAddr string
}

func loadConfig(vip *viper.Viper) config {
	return config{
		Mailbox:     vip.GetString("mailbox"),
		Topology:    vip.GetString("topology"),
		IpcTimeout:  vip.GetDuration("ipc-timeout"),
		BootTimeout: vip.GetDuration("boot-timeout"),
		StrictABI:   vip.GetBool("strict-abi"),
		XrunStop:    vip.GetBool("xrun-stop"),
		MetricsAddr: vip.GetString("metrics-addr"),
	}
}

func newRootCmd() *cobra.Command {
	vip := viper.New()

	var cfgFile string

	cmd := &cobra.Command{
		Use:           "sofctl",
		Short:         "Drive a SOF DSP over a shared memory mailbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(vip, cfgFile)
		},
	}

	flags := cmd.PersistentFlags()
	flags.SetNormalizeFunc(wordSepNormalize)
	flags.StringVar(&cfgFile, "config", "", "Config file (default ./sofctl.yaml or $HOME/.config/sofctl/sofctl.yaml)")
	flags.String("mailbox", "sof-mailbox", "Mailbox file, relative names are placed in /dev/shm")
	flags.String("topology", "", "Topology file loaded after boot")
	flags.Duration("ipc-timeout", sof.DefaultIpcTimeout, "IPC reply timeout")
	flags.Duration("boot-timeout", sof.DefaultBootTimeout, "Firmware boot timeout")
	flags.Bool("strict-abi", false, "Reject firmware with a newer ABI")
	flags.Bool("xrun-stop", false, "Stop streams on xrun")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	_ = vip.BindPFlags(flags)

	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)

	cmd.AddCommand(
		newTopologyCmd(vip),
		newInfoCmd(vip),
		newLoadCmd(vip),
		newCtlCmd(vip),
		newPcmCmd(vip),
		newCycleCmd(vip),
	)

	return cmd
}

func initConfig(vip *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		vip.SetConfigFile(cfgFile)
	} else {
		vip.SetConfigName("sofctl")
		vip.SetConfigType("yaml")
		vip.AddConfigPath(".")

		if home, err := os.UserHomeDir(); err == nil {
			vip.AddConfigPath(home + "/.config/sofctl")
		}
	}

	vip.SetEnvPrefix("SOFCTL")
	vip.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vip.AutomaticEnv()

	if err := vip.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config failed: %w", err)
		}
	}

	if f := vip.ConfigFileUsed(); f != "" {
		klog.V(2).InfoS("Using config file", "path", f)
	}

	return nil
}

// wordSepNormalize accepts underscores in flag names, so --ipc_timeout works like --ipc-timeout.
func wordSepNormalize(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = klog.NewContext(ctx, klog.Background().WithName("sofctl"))

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	klog.Flush()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
