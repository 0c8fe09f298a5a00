package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/gdu-service/internal/validation"
)

func newComputeCmd(a *app) *cobra.Command {
	var (
		in   validation.QueryInput
		opts stackOptions
	)
	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Compute cumulative GDU for a location and date range",
		Long: `Compute selects the nearest station with acceptable data for the range
and prints the result as JSON.`,
		Example: `  gductl compute --start 2020-08-18 --end 2021-04-19 --lon -96.80417 --lat 45.5948`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.open(opts)
			if err != nil {
				return err
			}
			defer st.close()

			result, err := st.service.ComputeRaw(cmd.Context(), in)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVar(&in.StartDate, "start", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&in.EndDate, "end", "", "last day, YYYY-MM-DD (inclusive)")
	cmd.Flags().StringVar(&in.Lon, "lon", "", "longitude in decimal degrees")
	cmd.Flags().StringVar(&in.Lat, "lat", "", "latitude in decimal degrees")
	cmd.Flags().StringVar(&in.Base, "base", "", "base temperature override (°F)")
	cmd.Flags().StringVar(&in.Upper, "upper", "", "upper threshold override (°F)")
	cmd.Flags().StringVar(&opts.clipping, "clipping", "", "upper cutoff mode: legacy or independent")
	for _, name := range []string{"start", "end", "lon", "lat"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
