package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gen2brain/sof"
)

func newCtlCmd(vip *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "List, read and write component controls",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List the controls of the loaded topology",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := openSession(cmd.Context(), vip)
				if err != nil {
					return err
				}
				defer s.Close()

				ctls := s.dev.Controls()
				fmt.Printf("%d controls.\n", ctls.NumCtls())

				for _, c := range ctls.Ctls {
					printControl(c)
				}

				return nil
			},
		},
		&cobra.Command{
			Use:   "get NAME|ID",
			Short: "Read a control from the DSP",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := openSession(cmd.Context(), vip)
				if err != nil {
					return err
				}
				defer s.Close()

				c, err := findControl(s.dev.Controls(), args[0])
				if err != nil {
					return err
				}

				if c.IsBinary() {
					if _, err := c.GetData(); err != nil {
						return err
					}
				} else if _, err := c.GetValues(); err != nil {
					return err
				}

				printControl(c)

				return nil
			},
		},
		newCtlSetCmd(vip),
	)

	return cmd
}

func newCtlSetCmd(vip *viper.Viper) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "set NAME|ID [VALUE...]",
		Short: "Write channel values, or binary data from --file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), vip)
			if err != nil {
				return err
			}
			defer s.Close()

			c, err := findControl(s.dev.Controls(), args[0])
			if err != nil {
				return err
			}

			if c.IsBinary() {
				if file == "" {
					return fmt.Errorf("control %q is binary, use --file", c.Name)
				}

				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}

				err = c.SetData(data)
				if err != nil {
					return err
				}
			} else {
				values, err := parseValues(args[1:], c.NumChannels)
				if err != nil {
					return err
				}

				if err := c.SetValues(values); err != nil {
					return err
				}
			}

			fmt.Printf("Set control '%s' successfully.\n", c.Name)

			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "File with the data of a binary control")

	return cmd
}

// findControl looks a control up by numeric id first, then by name.
func findControl(ctls *sof.Controls, arg string) (*sof.Control, error) {
	if id, err := strconv.ParseUint(arg, 10, 32); err == nil {
		return ctls.Ctl(uint32(id))
	}

	return ctls.CtlByName(arg)
}

// parseValues parses one value per channel. A single value is applied to every channel.
func parseValues(args []string, channels int) ([]uint32, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no values given")
	}

	values := make([]uint32, 0, channels)
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", a, err)
		}

		values = append(values, uint32(v))
	}

	if len(values) == 1 {
		for len(values) < channels {
			values = append(values, values[0])
		}
	}

	return values, nil
}

func printControl(c *sof.Control) {
	if c.IsBinary() {
		data := c.Data()
		fmt.Printf("  %s (comp %d, %s, %d bytes)\n", c.Name, c.CompID, c.Cmd, c.Size)

		limit := 16
		if len(data) > limit {
			fmt.Printf("    Value (first %d bytes): %v...\n", limit, data[:limit])
		} else {
			fmt.Printf("    Value: %v\n", data)
		}

		return
	}

	values := make([]string, 0, c.NumChannels)
	for _, v := range c.Values() {
		values = append(values, strconv.FormatUint(uint64(v), 10))
	}

	fmt.Printf("  %s (comp %d, %s, %d channels)\n", c.Name, c.CompID, c.Cmd, c.NumChannels)
	if c.Max != 0 {
		fmt.Printf("    Range: 0 - %d\n", c.Max)
	}
	fmt.Printf("    Value: %s\n", strings.Join(values, ", "))
}
