package config

func ptr(v float64) *float64 { return &v }

// Builtin returns the default Snoqualmie-basin fleet used when no stations
// file is given. Flood thresholds follow the NWS advisory levels for the
// two stations that have them.
func Builtin() Config {
	cfg := Config{
		Stations: []Station{
			{
				GaugeID:     "TANW1",
				SiteNo:      "12141300",
				DisplayName: "Middle Fork Snoqualmie River near Tanner",
				Lat:         47.485912,
				Lon:         -121.647864,
			},
			{
				GaugeID:     "GARW1",
				SiteNo:      "12143400",
				DisplayName: "SF Snoqualmie River ab Alice Creek near Garcia",
				Lat:         47.4151086,
				Lon:         -121.5873213,
				NWSLid:      "GARW1",
			},
			{
				GaugeID:     "EDGW1",
				SiteNo:      "12143600",
				DisplayName: "SF Snoqualmie River at Edgewick",
				Lat:         47.4527778,
				Lon:         -121.7166667,
			},
			{
				GaugeID:     "SQUW1",
				SiteNo:      "12144500",
				DisplayName: "Snoqualmie River near Snoqualmie",
				Lat:         47.5451019,
				Lon:         -121.8423360,
				Thresholds: &FloodThresholds{
					Action:   ptr(11.94),
					Minor:    ptr(13.54),
					Moderate: ptr(16.21),
					Major:    ptr(17.42),
				},
			},
			{
				GaugeID:     "CRNW1",
				SiteNo:      "12149000",
				DisplayName: "Snoqualmie River near Carnation",
				Lat:         47.6659340,
				Lon:         -121.9253969,
				Thresholds: &FloodThresholds{
					Action:   ptr(50.7),
					Minor:    ptr(54.0),
					Moderate: ptr(56.0),
					Major:    ptr(58.0),
				},
			},
		},
	}
	cfg.Defaults.fill()
	return cfg
}
