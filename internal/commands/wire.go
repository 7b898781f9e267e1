package commands

import (
	"github.com/graywater/streamvis/internal/clock"
	"github.com/graywater/streamvis/internal/community"
	"github.com/graywater/streamvis/internal/config"
	"github.com/graywater/streamvis/internal/fetch"
	"github.com/graywater/streamvis/internal/forecast"
	"github.com/graywater/streamvis/internal/gauges"
	"github.com/graywater/streamvis/internal/poll"
	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/usgs"
)

// newEngine assembles the polling stack every mode shares: the station
// fleet, one HTTP client, the two USGS adapters behind the blended
// policy, the optional overlay and community services, and the state
// store. The store lock is not taken here; Prepare owns that.
func newEngine(opts config.Options) (*poll.Engine, *gauges.Registry, error) {
	cfg, err := config.Load(opts.StationsFile)
	if err != nil {
		return nil, nil, err
	}
	registry := gauges.NewRegistry(cfg)
	client := fetch.NewClient(opts.HTTPTimeout)
	clk := clock.System()

	legacy := usgs.NewLegacy(client, cfg.Defaults.USGSIVURL, cfg.Defaults.USGSSiteURL)
	modern := usgs.NewModern(client, cfg.Defaults.OGCBaseURL)
	backend := usgs.NewBackend(legacy, modern, clk)

	fc := forecast.New(client, clk, forecast.Config{
		Base:            opts.ForecastBase,
		DefaultTemplate: cfg.Defaults.ForecastTemplate,
		NWRFCTextURL:    cfg.Defaults.NWRFCTextURL,
		HorizonHours:    opts.ForecastHours,
	})

	var comm *community.Service
	if opts.CommunityBase != "" {
		comm = community.New(client, clk, opts.CommunityBase, opts.CommunityPublish)
	}

	engine := poll.New(poll.Config{
		Store:     state.NewStore(opts.StateFile),
		Backend:   backend,
		Search:    legacy,
		Registry:  registry,
		Forecast:  fc,
		Community: comm,
		Clock:     clk,
		Options:   opts,
	})
	return engine, registry, nil
}
