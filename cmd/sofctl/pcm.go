package main

import (
	"fmt"
	"time"

	"github.com/go-audio/audio"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/gen2brain/sof"
)

// streamFlags selects a stream and its parameters.
type streamFlags struct {
	pcm          string
	capture      bool
	from         string
	rate         int
	channels     int
	bits         int
	periodFrames int
	tag          int
}

func (f *streamFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.pcm, "pcm", "", "PCM, DAI or caps name (default: first PCM)")
	flags.BoolVar(&f.capture, "capture", false, "Use the capture stream")
	flags.StringVar(&f.from, "from", "", "Take rate, channels and width from a WAV or MP3 file")
	flags.IntVar(&f.rate, "rate", 48000, "Frames per second")
	flags.IntVar(&f.channels, "channels", 2, "Channels per frame")
	flags.IntVar(&f.bits, "bits", 16, "Sample width (16, 24 or 32)")
	flags.IntVar(&f.periodFrames, "period-size", 1024, "Period size in frames")
	flags.IntVar(&f.tag, "stream-tag", 1, "Host DMA stream tag")
}

// params resolves the hardware parameters. Explicitly set flags override the media file.
func (f *streamFlags) params(flags *pflag.FlagSet) (sof.HwParams, error) {
	format := &audio.Format{NumChannels: f.channels, SampleRate: f.rate}
	bits := f.bits

	if f.from != "" {
		m, err := readMediaFormat(f.from)
		if err != nil {
			return sof.HwParams{}, err
		}

		if !flags.Changed("channels") {
			format.NumChannels = m.Format.NumChannels
		}

		if !flags.Changed("rate") {
			format.SampleRate = m.Format.SampleRate
		}

		if !flags.Changed("bits") {
			bits = m.BitDepth
		}
	}

	container := 4
	if bits == 16 {
		container = 2
	}

	return sof.HwParams{
		Format:      format,
		BitDepth:    bits,
		PeriodBytes: uint32(f.periodFrames * format.NumChannels * container),
		StreamTag:   uint16(f.tag),
	}, nil
}

func (f *streamFlags) stream(s *session) (*sof.PcmStream, error) {
	dir := sof.SNDRV_PCM_STREAM_PLAYBACK
	if f.capture {
		dir = sof.SNDRV_PCM_STREAM_CAPTURE
	}

	if f.pcm != "" {
		return s.dev.Streams().FindStreamByName(f.pcm, dir)
	}

	pcms := s.dev.Streams().Pcms()
	if len(pcms) == 0 {
		return nil, fmt.Errorf("topology has no PCMs")
	}

	st := pcms[0].Stream(dir)
	if st == nil {
		return nil, fmt.Errorf("pcm %q has no %s stream", pcms[0].Name, dir)
	}

	return st, nil
}

func newPcmCmd(vip *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pcm",
		Short: "Configure and run host streams",
	}

	cmd.AddCommand(newPcmParamsCmd(vip), newPcmStartCmd(vip))

	return cmd
}

func newPcmParamsCmd(vip *viper.Viper) *cobra.Command {
	var sf streamFlags

	cmd := &cobra.Command{
		Use:   "params",
		Short: "Send stream parameters to the DSP and release them again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			params, err := sf.params(cmd.Flags())
			if err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), vip)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := sf.stream(s)
			if err != nil {
				return err
			}

			if err := st.SetHwParams(params); err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, st.HwFree())
			}()

			printParams(st, params)

			return nil
		},
	}

	sf.register(cmd.Flags())

	return cmd
}

func newPcmStartCmd(vip *viper.Viper) *cobra.Command {
	var (
		sf       streamFlags
		periods  int
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a stream and follow its position until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			params, err := sf.params(cmd.Flags())
			if err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), vip)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := sf.stream(s)
			if err != nil {
				return err
			}

			elapsed := make(chan struct{}, 1)
			st.OnPeriodElapsed = func(*sof.PcmStream) {
				select {
				case elapsed <- struct{}{}:
				default:
				}
			}

			if err := st.SetHwParams(params); err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, st.HwFree())
			}()

			printParams(st, params)

			if err := st.Prepare(); err != nil {
				return err
			}

			if err := st.Start(); err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, st.Stop())
			}()

			var timeout <-chan time.Time
			if duration > 0 {
				timer := time.NewTimer(duration)
				defer timer.Stop()
				timeout = timer.C
			}

			for n := 0; periods <= 0 || n < periods; n++ {
				select {
				case <-elapsed:
					posn := st.Position()
					fmt.Printf("Position: host %d dai %d\n", posn.HostPosn, posn.DaiPosn)
				case <-timeout:
					return nil
				case <-cmd.Context().Done():
					return nil
				}
			}

			fmt.Printf("Xruns: %d\n", st.Xruns())

			return nil
		},
	}

	sf.register(cmd.Flags())
	cmd.Flags().IntVar(&periods, "periods", 0, "Stop after this many periods (0 = until interrupted)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 = no limit)")

	return cmd
}

func printParams(st *sof.PcmStream, params sof.HwParams) {
	fmt.Printf("Stream: %s %s, comp %d\n", st.Pcm().Name, st.Direction, st.CompID)
	fmt.Printf("Configuration: %d channels, %d Hz, %d bits\n", params.Format.NumChannels, params.Format.SampleRate, params.BitDepth)
	fmt.Printf("Period: %d bytes, position offset %#x\n", params.PeriodBytes, st.PosnOffset())
}
