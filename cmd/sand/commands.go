package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/earthscan/sand/downloader"
	"github.com/earthscan/sand/pattern"
)

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <product-name>...",
		Short: "check product names against the sensor grammars",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := pattern.Default()
			for _, name := range args {
				sensor, err := table.Identify(name)
				if err != nil {
					return err
				}
				id, err := table.Parse(name, sensor)
				if err != nil {
					return err
				}
				fmt.Printf("%s\n  sensor: %s\n", name, sensor)
				fields := make([]string, 0, len(id.FieldValues))
				for field := range id.FieldValues {
					fields = append(fields, field)
				}
				sort.Strings(fields)
				for _, field := range fields {
					fmt.Printf("  %s: %s\n", field, id.FieldValues[field])
				}
			}
			return nil
		},
	}
}

func sensorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sensors",
		Short: "list the known sensors and their name templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table := pattern.Default()
			for _, sensor := range table.Sensors() {
				p, err := table.Lookup(sensor)
				if err != nil {
					return err
				}
				fmt.Printf("%-22s %s\n", sensor, "{"+strings.Join(p.FieldNames(), "}"+p.Separator+"{")+"}")
			}
			return nil
		},
	}
}

func queryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "list the products matching the criteria",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newOrchestrator()
			if err != nil {
				return err
			}
			criteria, err := parseCriteria()
			if err != nil {
				return err
			}
			records, err := o.Query(cmd.Context(), sensorID, criteria)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no product found")
				return nil
			}
			for _, record := range records {
				size := "?"
				if record.SizeKnown() {
					size = fmt.Sprintf("%.1fMB", float64(record.SizeBytes)/(1024*1024))
				}
				fmt.Printf("%s  %s  %s\n", record.AcquisitionTime.Format(time.RFC3339), size, record.Name)
			}
			return nil
		},
	}
	addCriteriaFlags(cmd)
	return cmd
}

func downloadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download [<product-name>...]",
		Short: "download products by name, or every product matching the criteria",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newOrchestrator()
			if err != nil {
				return err
			}
			opts, err := parseDownloadOptions()
			if err != nil {
				return err
			}

			if len(args) > 0 {
				for _, name := range args {
					session, err := o.Retrieve(cmd.Context(), name, destDir, opts)
					if err != nil {
						return err
					}
					fmt.Printf("%s -> %s (%d bytes)\n", name, session.DestinationPath, session.BytesWritten)
				}
				return nil
			}

			criteria, err := parseCriteria()
			if err != nil {
				return err
			}
			records, err := o.Query(cmd.Context(), sensorID, criteria)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no product found")
				return nil
			}
			sessions, err := o.DownloadAll(cmd.Context(), records, destDir, opts)
			for _, session := range sessions {
				if session == nil {
					continue
				}
				status := session.State.String()
				fmt.Printf("%-9s %s -> %s\n", status, session.Target.Name, session.DestinationPath)
			}
			return err
		},
	}
	addCriteriaFlags(cmd)
	cmd.Flags().StringVar(&destDir, "dest", ".", "destination directory")
	cmd.Flags().BoolVar(&uncompress, "uncompress", false, "extract recognized archives after download")
	cmd.Flags().StringVar(&ifExistsFlag, "if-exists", "skip", "behavior when the destination exists: skip, overwrite or error")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "parallel downloads")
	return cmd
}

func addCriteriaFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&sensorID, "sensor", "", "sensor identifier, e.g. SENTINEL-2-MSI")
	cmd.Flags().StringVar(&fromFlag, "from", "", "start of the acquisition time range (inclusive)")
	cmd.Flags().StringVar(&toFlag, "to", "", "end of the acquisition time range (inclusive)")
	cmd.Flags().StringVar(&aoiFlag, "aoi", "", "area of interest: WKT geometry or lon,lat point")
	cmd.Flags().StringSliceVar(&containsFlag, "contains", nil, "substrings the product name must contain")
	cmd.Flags().Float64Var(&cloudMaxFlag, "cloud-max", 0, "maximum cloud cover in percent")
}

func parseDownloadOptions() (downloader.DownloadOptions, error) {
	opts := downloader.DownloadOptions{Uncompress: uncompress}
	switch ifExistsFlag {
	case "skip":
		opts.IfExists = downloader.IfExistsSkip
	case "overwrite":
		opts.IfExists = downloader.IfExistsOverwrite
	case "error":
		opts.IfExists = downloader.IfExistsError
	default:
		return opts, fmt.Errorf("--if-exists: unknown policy: %s", ifExistsFlag)
	}
	return opts, nil
}
