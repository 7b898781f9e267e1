package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltinFleet(t *testing.T) {
	cfg := Builtin()
	if len(cfg.Stations) != 5 {
		t.Fatalf("builtin fleet size = %d, want 5", len(cfg.Stations))
	}

	wantSites := map[string]string{
		"TANW1": "12141300",
		"GARW1": "12143400",
		"EDGW1": "12143600",
		"SQUW1": "12144500",
		"CRNW1": "12149000",
	}
	for _, st := range cfg.Stations {
		if got := wantSites[st.GaugeID]; got != st.SiteNo {
			t.Errorf("station %s: site_no = %q, want %q", st.GaugeID, st.SiteNo, got)
		}
		if !st.HasLocation() {
			t.Errorf("station %s: expected coordinates", st.GaugeID)
		}
	}

	if cfg.Defaults.USGSIVURL != DefaultUSGSIVURL {
		t.Errorf("iv url = %q, want default", cfg.Defaults.USGSIVURL)
	}
}

func TestLoadEmptyPathReturnsBuiltin(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Stations) != 5 {
		t.Errorf("station count = %d, want 5", len(cfg.Stations))
	}
}

func TestLoadStationsFile(t *testing.T) {
	yaml := `
stations:
  - gauge_id: TESTA
    usgs_site_no: "11111111"
    display_name: Test River at A
    lat: 47.5
    lon: -121.8
    flood_thresholds:
      action: 10.0
      minor: 12.0
  - gauge_id: TESTB
    usgs_site_no: "22222222"
defaults:
  usgs_iv_url: https://example.test/iv/
`
	path := filepath.Join(t.TempDir(), "stations.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Stations) != 2 {
		t.Fatalf("station count = %d, want 2", len(cfg.Stations))
	}
	a := cfg.Stations[0]
	if a.GaugeID != "TESTA" || a.SiteNo != "11111111" {
		t.Errorf("station A = %+v", a)
	}
	if a.Thresholds == nil || a.Thresholds.Action == nil || *a.Thresholds.Action != 10.0 {
		t.Errorf("station A thresholds = %+v", a.Thresholds)
	}
	if a.Thresholds.Major != nil {
		t.Errorf("station A major threshold should be nil")
	}
	if cfg.Defaults.USGSIVURL != "https://example.test/iv/" {
		t.Errorf("iv url = %q, want override", cfg.Defaults.USGSIVURL)
	}
	// Unset defaults still fall back.
	if cfg.Defaults.OGCBaseURL != DefaultOGCBaseURL {
		t.Errorf("ogc base = %q, want default", cfg.Defaults.OGCBaseURL)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("STREAMVIS_TEST_SITE", "33333333")
	yaml := `
stations:
  - gauge_id: ENVG
    usgs_site_no: "${STREAMVIS_TEST_SITE}"
`
	path := filepath.Join(t.TempDir(), "stations.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stations[0].SiteNo != "33333333" {
		t.Errorf("site_no = %q, want env expansion", cfg.Stations[0].SiteNo)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "no_stations",
			cfg:     Config{},
			wantErr: true,
		},
		{
			name: "missing_gauge_id",
			cfg: Config{Stations: []Station{
				{SiteNo: "123"},
			}},
			wantErr: true,
		},
		{
			name: "missing_site_no",
			cfg: Config{Stations: []Station{
				{GaugeID: "AAAA1"},
			}},
			wantErr: true,
		},
		{
			name: "duplicate_gauge_id",
			cfg: Config{Stations: []Station{
				{GaugeID: "AAAA1", SiteNo: "1"},
				{GaugeID: "AAAA1", SiteNo: "2"},
			}},
			wantErr: true,
		},
		{
			name: "bad_latitude",
			cfg: Config{Stations: []Station{
				{GaugeID: "AAAA1", SiteNo: "1", Lat: 95.0, Lon: 10.0},
			}},
			wantErr: true,
		},
		{
			name: "valid",
			cfg: Config{Stations: []Station{
				{GaugeID: "AAAA1", SiteNo: "1"},
			}},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOptionsValidate(t *testing.T) {
	ok := DefaultOptions()
	if err := ok.Validate(); err != nil {
		t.Fatalf("default options should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"bad_mode", func(o *Options) { o.Mode = "stream" }},
		{"bad_backend", func(o *Options) { o.Backend = "waterservices" }},
		{"bad_metric", func(o *Options) { o.ChartMetric = "depth" }},
		{"empty_state_file", func(o *Options) { o.StateFile = "" }},
		{"zero_min_retry", func(o *Options) { o.MinRetry = 0 }},
		{"max_below_min", func(o *Options) { o.MaxRetry = o.MinRetry / 2 }},
		{"negative_backfill", func(o *Options) { o.BackfillHours = -1 }},
		{"bad_user_lat", func(o *Options) { o.HasUserLocation = true; o.UserLat = 91 }},
		{"zero_tick", func(o *Options) { o.UITick = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.mutate(&o)
			if err := o.Validate(); err == nil {
				t.Errorf("Validate() expected error")
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	env := "STREAMVIS_TEST_KEY=value1\n# comment\nSTREAMVIS_TEST_QUOTED=\"quoted value\"\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o644); err != nil {
		t.Fatal(err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)
	defer os.Unsetenv("STREAMVIS_TEST_KEY")
	defer os.Unsetenv("STREAMVIS_TEST_QUOTED")

	LoadEnv()

	if got := os.Getenv("STREAMVIS_TEST_KEY"); got != "value1" {
		t.Errorf("STREAMVIS_TEST_KEY = %q, want value1", got)
	}
	if got := os.Getenv("STREAMVIS_TEST_QUOTED"); got != "quoted value" {
		t.Errorf("STREAMVIS_TEST_QUOTED = %q, want unquoted", got)
	}
}
