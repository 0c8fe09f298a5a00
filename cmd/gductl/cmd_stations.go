package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/gdu-service/internal/validation"
)

func newStationsCmd(a *app) *cobra.Command {
	var (
		lon, lat string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "stations",
		Short: "List the stations nearest a location",
		Long:  `Stations prints the candidate stations in the order a query would try them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			lonV, latV, err := validation.ParseCoordinates(lon, lat)
			if err != nil {
				return err
			}
			st, err := a.open(stackOptions{})
			if err != nil {
				return err
			}
			defer st.close()

			ranked, err := st.directory.Nearest(cmd.Context(), lonV, latV)
			if err != nil {
				return err
			}
			if limit > 0 && len(ranked) > limit {
				ranked = ranked[:limit]
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STATION\tNAME\tREGION\tDISTANCE_KM")
			for _, s := range ranked {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\n", s.ID, s.Name, s.Region, s.DistanceKm)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&lon, "lon", "", "longitude in decimal degrees")
	cmd.Flags().StringVar(&lat, "lat", "", "latitude in decimal degrees")
	cmd.Flags().IntVar(&limit, "limit", 5, "maximum stations to print; 0 prints all")
	_ = cmd.MarkFlagRequired("lon")
	_ = cmd.MarkFlagRequired("lat")
	return cmd
}
