package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gen2brain/sof"
)

func newTopologyCmd(vip *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Inspect topology files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check FILE",
		Short: "Parse and validate a topology file and print its build order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := sof.LoadTopologyFile(args[0])
			if err != nil {
				return err
			}

			printTopology(t)

			return nil
		},
	})

	return cmd
}

func newLoadCmd(vip *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "load FILE",
		Short: "Boot the DSP and build a topology on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vip.Set("topology", args[0])

			s, err := openSession(cmd.Context(), vip)
			if err != nil {
				return err
			}
			defer s.Close()

			p := s.dev.Pipeline()
			fmt.Printf("Pipeline %s: %d widgets, %d routes, %d DAI links, cores %#x\n",
				p.State(), len(p.Widgets()), len(p.Routes()), len(p.DaiLinks()), p.EnabledCores())
			fmt.Printf("Controls: %d, PCMs: %d\n", s.dev.Controls().NumCtls(), len(s.dev.Streams().Pcms()))

			return nil
		},
	}
}

func newInfoCmd(vip *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Boot the DSP and print the firmware version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), vip)
			if err != nil {
				return err
			}
			defer s.Close()

			ready := s.dev.FwReady()
			v := s.dev.FwVersion()

			fmt.Printf("Firmware: %s\n", v.String())
			fmt.Printf("ABI: fw %s, host %s\n", sof.AbiString(v.AbiVersion), sof.AbiString(sof.SOF_ABI_VERSION))
			fmt.Printf("Mailbox: %s (host box %d bytes at %#x, dsp box %d bytes at %#x)\n", s.mb.Path(),
				ready.HostboxSize, ready.HostboxOffset, ready.DspboxSize, ready.DspboxOffset)
			fmt.Printf("Power: %s\n", s.dev.PowerState())

			return nil
		},
	}
}

func printTopology(t *sof.Topology) {
	fmt.Printf("Widgets (%d, build order):\n", len(t.Widgets))
	for _, w := range t.Widgets {
		fmt.Printf("  %3d: %-20s %-9s pipeline %d core %d\n", w.CompID, w.Name, w.Kind, w.PipelineID, w.Core)
	}

	fmt.Printf("Routes (%d):\n", len(t.Routes))
	for _, r := range t.Routes {
		if r.Control != "" {
			fmt.Printf("  %s -> %s [%s]\n", r.Source, r.Sink, r.Control)
		} else {
			fmt.Printf("  %s -> %s\n", r.Source, r.Sink)
		}
	}

	fmt.Printf("DAI links (%d):\n", len(t.DaiLinks))
	for _, l := range t.DaiLinks {
		fmt.Printf("  %s on %s\n", l.Name, l.Widget)
	}

	fmt.Printf("Controls (%d):\n", len(t.Controls))
	for _, c := range t.Controls {
		printControl(c)
	}

	fmt.Printf("PCMs (%d):\n", len(t.Pcms))
	for _, p := range t.Pcms {
		for dir, st := range p.Streams {
			if st != nil {
				fmt.Printf("  %d: %s %s comp %d\n", p.ID, p.Name, sof.Direction(dir), st.CompID)
			}
		}
	}
}
