package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func f64(v float64) *float64 { return &v }

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStore(path)
	if err := store.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer store.Release()

	st := Default()
	g := st.Gauge("TANW1")
	g.UpsertHistory(HistoryPoint{TS: "2026-01-10T08:00:00Z", Stage: f64(5.1), Flow: f64(820)})
	g.UpsertHistory(HistoryPoint{TS: "2026-01-10T08:15:00Z", Stage: f64(5.2), Flow: f64(834)})
	g.RealignLast()
	g.MeanIntervalSec = 900
	g.CadenceMult = 1
	g.CadenceFit = 0.92
	g.PhaseOffsetSec = f64(120)
	g.LatencyLocSec = 610
	g.LatencyScaleSec = 42
	g.LatencySamples = []float64{600, 615, 605}
	g.LatencyWindow = &[2]float64{540, 660}
	g.PollsPerUpdateEWMA = 1.4
	st.Meta.APIBackend = "blended"
	st.Meta.Backend("legacy").LatencyEWMAMs = 350
	st.ForecastFor("TANW1").Points = []HistoryPoint{{TS: "2026-01-10T12:00:00Z", Stage: f64(6.0)}}

	if err := store.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	lg, ok := loaded.GaugeIf("TANW1")
	if !ok {
		t.Fatal("gauge missing after reload")
	}
	if lg.LastTimestamp != "2026-01-10T08:15:00Z" {
		t.Errorf("last_timestamp = %q", lg.LastTimestamp)
	}
	if lg.LastStage == nil || *lg.LastStage != 5.2 {
		t.Errorf("last_stage = %v", lg.LastStage)
	}
	if lg.CadenceMult != 1 || lg.CadenceFit != 0.92 {
		t.Errorf("cadence = %d/%v", lg.CadenceMult, lg.CadenceFit)
	}
	if lg.PhaseOffsetSec == nil || *lg.PhaseOffsetSec != 120 {
		t.Errorf("phase = %v", lg.PhaseOffsetSec)
	}
	if lg.LatencyWindow == nil || lg.LatencyWindow[0] != 540 || lg.LatencyWindow[1] != 660 {
		t.Errorf("latency window = %v", lg.LatencyWindow)
	}
	if len(lg.LatencySamples) != 3 {
		t.Errorf("latency samples = %v", lg.LatencySamples)
	}
	if loaded.Meta.Backend("legacy").LatencyEWMAMs != 350 {
		t.Errorf("backend stats lost")
	}
	if len(loaded.Forecast["TANW1"].Points) != 1 {
		t.Errorf("forecast lost")
	}
}

func TestTopLevelLayout(t *testing.T) {
	st := Default()
	st.Gauge("CRNW1").LastTimestamp = "2026-01-10T08:00:00Z"
	st.ForecastFor("CRNW1").Points = []HistoryPoint{{TS: "2026-01-10T09:00:00Z"}}

	data, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"meta", "CRNW1", "forecast"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("top-level key %q missing; have %v", key, keysOf(doc))
		}
	}
}

func keysOf(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.json"))
	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Meta == nil || st.Meta.StateVersion != SchemaVersion {
		t.Errorf("meta = %+v", st.Meta)
	}
}

func TestLoadCorruptFileRepairs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := NewStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Meta.LoadError == "" {
		t.Error("load error not recorded")
	}
	if len(st.Gauges) != 0 {
		t.Errorf("gauges = %v", st.Gauges)
	}
}

func TestLoadRepairsBadGaugeSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	doc := `{
		"meta": {"state_version": 1},
		"TANW1": {"last_timestamp": "2026-01-10T08:00:00Z"},
		"BAD01": 42
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := NewStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := st.GaugeIf("TANW1"); !ok {
		t.Error("good gauge dropped")
	}
	if _, ok := st.GaugeIf("BAD01"); ok {
		t.Error("bad gauge kept")
	}
}

func TestSaveWithoutLock(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))
	if err := store.Save(Default()); !errors.Is(err, ErrNotLocked) {
		t.Errorf("Save without lock = %v, want ErrNotLocked", err)
	}
}

func TestLockContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	first := NewStore(path)
	if err := first.Acquire(); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	second := NewStore(path)
	err := second.Acquire()
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire = %v, want ErrLocked", err)
	}

	first.Release()
	if err := second.Acquire(); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
	second.Release()
}

func TestUpsertHistoryMergesSameTimestamp(t *testing.T) {
	g := &GaugeState{}
	g.UpsertHistory(HistoryPoint{TS: "2026-01-10T08:00:00Z", Stage: f64(12.3), Flow: f64(4200)})
	g.UpsertHistory(HistoryPoint{TS: "2026-01-10T08:00:00Z", Flow: f64(4300)})

	if len(g.History) != 1 {
		t.Fatalf("history length = %d, want 1", len(g.History))
	}
	pt := g.History[0]
	if pt.Stage == nil || *pt.Stage != 12.3 {
		t.Errorf("stage = %v, want preserved 12.3", pt.Stage)
	}
	if pt.Flow == nil || *pt.Flow != 4300 {
		t.Errorf("flow = %v, want refreshed 4300", pt.Flow)
	}
}

func TestUpsertHistoryOrderAndCap(t *testing.T) {
	g := &GaugeState{}
	g.UpsertHistory(HistoryPoint{TS: "2026-01-10T08:30:00Z"})
	g.UpsertHistory(HistoryPoint{TS: "2026-01-10T08:00:00Z"})
	g.UpsertHistory(HistoryPoint{TS: "2026-01-10T08:15:00Z"})

	want := []string{"2026-01-10T08:00:00Z", "2026-01-10T08:15:00Z", "2026-01-10T08:30:00Z"}
	for i, w := range want {
		if g.History[i].TS != w {
			t.Errorf("history[%d] = %s, want %s", i, g.History[i].TS, w)
		}
	}

	g2 := &GaugeState{}
	base := int64(1767945600) // 2026-01-09T08:00:00Z
	for i := 0; i < HistoryLimit+10; i++ {
		ts := timeFromUnix(base + int64(i)*900)
		g2.UpsertHistory(HistoryPoint{TS: ts})
	}
	if len(g2.History) != HistoryLimit {
		t.Errorf("history length = %d, want %d", len(g2.History), HistoryLimit)
	}
}

func TestDeltas(t *testing.T) {
	g := &GaugeState{}
	base := int64(1767945600)
	for _, off := range []int64{0, 900, 1800, 3600} {
		g.UpsertHistory(HistoryPoint{TS: timeFromUnix(base + off)})
	}
	d := g.Deltas(24)
	want := []float64{900, 900, 1800}
	if len(d) != len(want) {
		t.Fatalf("deltas = %v", d)
	}
	for i := range want {
		if d[i] != want[i] {
			t.Errorf("delta[%d] = %v, want %v", i, d[i], want[i])
		}
	}

	if got := g.Deltas(2); len(got) != 2 || got[0] != 900 || got[1] != 1800 {
		t.Errorf("capped deltas = %v", got)
	}
}

func TestNormalizeRepairs(t *testing.T) {
	st := Default()
	g := st.Gauge("SQUW1")
	g.History = []HistoryPoint{
		{TS: "garbage"},
		{TS: "2026-01-10T08:15:00Z", Stage: f64(11.0)},
		{TS: "2026-01-10T08:00:00Z", Stage: f64(10.9)},
		{TS: "2026-01-10T08:15:00+00:00", Flow: f64(900)}, // same instant, other metric
	}
	g.MeanIntervalSec = 10            // below floor
	g.CadenceMult = 99                // incoherent
	g.CadenceFit = 0.99
	g.LatencyScaleSec = -5            // nonsense
	g.LatencySamples = []float64{600, -1, 610}
	g.NoUpdatePolls = -3
	g.NextETA = "not a time"

	st.Normalize()

	if len(g.History) != 2 {
		t.Fatalf("history = %v", g.History)
	}
	last := g.History[1]
	if last.TS != "2026-01-10T08:15:00Z" || last.Stage == nil || last.Flow == nil {
		t.Errorf("merged last = %+v", last)
	}
	if g.LastTimestamp != "2026-01-10T08:15:00Z" {
		t.Errorf("last_timestamp = %q", g.LastTimestamp)
	}
	if g.MeanIntervalSec != MinIntervalSec {
		t.Errorf("mean_interval = %v, want clamped %d", g.MeanIntervalSec, MinIntervalSec)
	}
	if g.CadenceMult != 0 || g.CadenceFit != 0 {
		t.Errorf("cadence not cleared: %d/%v", g.CadenceMult, g.CadenceFit)
	}
	if g.LatencyScaleSec != LatencyPriorScaleSec {
		t.Errorf("latency scale = %v, want prior", g.LatencyScaleSec)
	}
	if len(g.LatencySamples) != 2 {
		t.Errorf("latency samples = %v", g.LatencySamples)
	}
	if g.NoUpdatePolls != 0 {
		t.Errorf("no_update_polls = %d", g.NoUpdatePolls)
	}
	if g.NextETA != "" {
		t.Errorf("next_eta = %q", g.NextETA)
	}
}

func TestNormalizeWrapsPhaseOntoGrid(t *testing.T) {
	st := Default()
	g := st.Gauge("TANW1")
	g.CadenceMult = 4
	g.CadenceFit = 0.8
	g.MeanIntervalSec = 2900
	g.PhaseOffsetSec = f64(-100)

	st.Normalize()

	if g.MeanIntervalSec != 2900 {
		t.Errorf("mean_interval = %v, want untouched 2900", g.MeanIntervalSec)
	}
	if g.PhaseOffsetSec == nil || *g.PhaseOffsetSec != 3500 {
		t.Errorf("phase = %v, want wrapped 3500", g.PhaseOffsetSec)
	}
}

func TestEvictDynamic(t *testing.T) {
	st := Default()
	st.Gauge("TANW1").LastTimestamp = "2026-01-10T08:00:00Z"
	st.Gauge("U41300").LastTimestamp = "2026-01-10T08:00:00Z"
	st.ForecastFor("U41300").Points = []HistoryPoint{{TS: "2026-01-10T09:00:00Z"}}
	st.Meta.DynamicSites = map[string]*DynamicSite{"U41300": {SiteNo: "12141300"}}
	st.Meta.NearbyGauges = []string{"U41300"}
	st.Meta.NearbySearchTS = "2026-01-10T07:00:00Z"

	st.EvictDynamic([]string{"U41300"})

	if _, ok := st.GaugeIf("U41300"); ok {
		t.Error("dynamic gauge survived eviction")
	}
	if _, ok := st.GaugeIf("TANW1"); !ok {
		t.Error("primary gauge evicted")
	}
	if st.Meta.DynamicSites != nil || st.Meta.NearbyGauges != nil || st.Meta.NearbySearchTS != "" {
		t.Error("discovery metadata survived eviction")
	}
	if _, ok := st.Forecast["U41300"]; ok {
		t.Error("forecast survived eviction")
	}
}

func timeFromUnix(sec int64) string {
	return time.Unix(sec, 0).UTC().Format("2006-01-02T15:04:05Z")
}
