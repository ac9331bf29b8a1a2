package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCycleCmd(vip *viper.Viper) *cobra.Command {
	var (
		count   int
		runtime bool
		pause   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Suspend and resume the DSP, rebuilding the loaded topology each time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), vip)
			if err != nil {
				return err
			}
			defer s.Close()

			for i := 1; i <= count; i++ {
				start := time.Now()

				if err := s.dev.Suspend(runtime); err != nil {
					return fmt.Errorf("cycle %d: %w", i, err)
				}

				if pause > 0 {
					select {
					case <-time.After(pause):
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					}
				}

				if err := s.dev.Resume(runtime); err != nil {
					return fmt.Errorf("cycle %d: %w", i, err)
				}

				fmt.Printf("Cycle %d: pipeline %s, fw %s, %s\n", i, s.dev.Pipeline().State(), s.dev.FwState(), time.Since(start).Round(time.Microsecond))
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "Number of suspend/resume cycles")
	cmd.Flags().BoolVar(&runtime, "runtime", false, "Runtime suspend instead of system suspend")
	cmd.Flags().DurationVar(&pause, "pause", 0, "Time to stay suspended")

	return cmd
}
