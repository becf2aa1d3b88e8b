package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/araddon/dateparse"
	"github.com/go-spatial/geom"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/earthscan/sand/common"
	"github.com/earthscan/sand/credentials"
	"github.com/earthscan/sand/downloader"
	"github.com/earthscan/sand/interface/cache"
	"github.com/earthscan/sand/interface/provider"
	"github.com/earthscan/sand/pattern"
	"github.com/earthscan/sand/service/geometry"
	"github.com/earthscan/sand/service/log"
)

var (
	credentialsPath string
	localRoot       string
	debug           bool

	sensorID     string
	fromFlag     string
	toFlag       string
	aoiFlag      string
	containsFlag []string
	cloudMaxFlag float64
	destDir      string
	uncompress   bool
	ifExistsFlag string
	concurrency  int
)

func main() {
	root := &cobra.Command{
		Use:           "sand",
		Short:         "search and download satellite acquisition products",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				logger, err := zap.NewDevelopment()
				if err == nil {
					log.SetDefault(logger)
				}
			}
		},
	}
	root.PersistentFlags().StringVar(&credentialsPath, "credentials", "", "yaml file holding the provider credentials")
	root.PersistentFlags().StringVar(&localRoot, "local-root", "", "directory tree served as a local provider")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "verbose logging")

	root.AddCommand(validateCommand(), sensorsCommand(), queryCommand(), downloadCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newOrchestrator() (*downloader.Orchestrator, error) {
	var creds credentials.Source = credentials.Static{}
	if credentialsPath != "" {
		fileSource, err := credentials.NewFileSource(credentialsPath)
		if err != nil {
			return nil, err
		}
		creds = fileSource
	}

	table := pattern.Default()
	registry := provider.NewRegistry(
		provider.NewCopernicus(),
		provider.NewCreodias(),
		provider.NewUSGS(),
		provider.NewLandsatAWS(table),
	)
	if localRoot != "" {
		registry.Register(provider.NewLocal(localRoot, table))
	}

	o := downloader.New(registry, creds)
	o.Cache = cache.NewMemory()
	o.Concurrency = concurrency
	return o, nil
}

func parseCriteria() (common.SearchCriteria, error) {
	var criteria common.SearchCriteria
	var err error
	if fromFlag != "" {
		if criteria.Start, err = dateparse.ParseAny(fromFlag); err != nil {
			return criteria, fmt.Errorf("--from: %w", err)
		}
	}
	if toFlag != "" {
		if criteria.End, err = dateparse.ParseAny(toFlag); err != nil {
			return criteria, fmt.Errorf("--to: %w", err)
		}
	}
	criteria.NameContains = containsFlag
	criteria.CloudCoverMax = cloudMaxFlag

	if aoiFlag != "" {
		if criteria.AOI, err = parseAOI(aoiFlag); err != nil {
			return criteria, fmt.Errorf("--aoi: %w", err)
		}
	}
	return criteria, nil
}

// parseAOI accepts either a WKT geometry or a "lon,lat" point
func parseAOI(s string) (geom.Geometry, error) {
	if parts := strings.Split(s, ","); len(parts) == 2 {
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if errLon == nil && errLat == nil {
			return geometry.Point(lon, lat), nil
		}
	}
	return geometry.DecodeWKT(s)
}
