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
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/gen2brain/sof"
)

func newRootCmd() *cobra.Command {
	vip := viper.New()

	cmd := &cobra.Command{
		Use:           "dspemu",
		Short:         "Emulate SOF firmware on the DSP side of a shared memory mailbox",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			vip.SetEnvPrefix("DSPEMU")
			vip.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			vip.AutomaticEnv()

			return run(cmd.Context(), vip)
		},
	}

	flags := cmd.Flags()
	flags.String("mailbox", "sof-mailbox", "Mailbox file, relative names are placed in /dev/shm")
	flags.String("abi", "", "Reported ABI version as MAJOR.MINOR.PATCH (default: host ABI)")
	flags.Duration("poll-interval", sof.DefaultPollInterval, "Doorbell poll interval")
	flags.Duration("period", 20*time.Millisecond, "Position notification period of running streams")

	_ = vip.BindPFlags(flags)

	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)

	return cmd
}

func parseAbi(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}

	var major, minor, patch uint32
	if _, err := fmt.Sscanf(s, "%d.%d.%d", &major, &minor, &patch); err != nil {
		return 0, fmt.Errorf("invalid ABI version %q: %w", s, err)
	}

	return sof.AbiVersion(major, minor, patch), nil
}

func run(ctx context.Context, vip *viper.Viper) error {
	logger := klog.FromContext(ctx)

	abi, err := parseAbi(vip.GetString("abi"))
	if err != nil {
		return err
	}

	mb, err := sof.OpenShmMailbox(vip.GetString("mailbox"), sof.MailboxDsp, logger)
	if err != nil {
		return err
	}
	defer mb.Close()

	emu := sof.NewEmulator(logger, abi)

	go positions(ctx, mb, emu, vip.GetDuration("period"))

	logger.Info("Serving", "mailbox", mb.Path())

	return mb.Serve(ctx, vip.GetDuration("poll-interval"), emu)
}

// positions posts the position of every running stream once per period.
func positions(ctx context.Context, mb *sof.ShmMailbox, emu *sof.Emulator, period time.Duration) {
	if period <= 0 {
		return
	}

	logger := klog.FromContext(ctx)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, frame := range emu.Positions() {
			if err := mb.Notify(ctx, frame, period); err != nil {
				if !errors.Is(err, syscall.EBUSY) {
					logger.Error(err, "Position notification failed")
				}
			}
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = klog.NewContext(ctx, klog.Background().WithName("dspemu"))

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	klog.Flush()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
