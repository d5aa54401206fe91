package pipeline

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRingBufferEvictsOldestWhenFull(t *testing.T) {
	buf := NewRingBuffer(3)
	buf.Append(Reading{Value: 1.0, TS: 1})
	buf.Append(Reading{Value: 2.0, TS: 2})
	buf.Append(Reading{Value: 3.0, TS: 3})
	buf.Append(Reading{Value: 4.0, TS: 4})

	if buf.Len() != 3 {
		t.Fatalf("expected length capped at 3, got %d", buf.Len())
	}
	list := buf.ToList()
	if list[0].Value != 2.0 || list[2].Value != 4.0 {
		t.Fatalf("unexpected buffer order after eviction: %+v", list)
	}
}

func TestRingBufferQueryFiltersByTimeRange(t *testing.T) {
	buf := NewRingBuffer(10)
	for i := 1; i <= 5; i++ {
		buf.Append(Reading{Value: float64(i), TS: float64(i)})
	}

	got := buf.Query(2, 4)
	if len(got) != 3 || got[0].TS != 2 || got[2].TS != 4 {
		t.Fatalf("unexpected range query result: %+v", got)
	}
}

func TestRingBufferLatestEmpty(t *testing.T) {
	buf := NewRingBuffer(10)
	if _, ok := buf.Latest(); ok {
		t.Fatal("expected no latest reading on empty buffer")
	}
}

func TestRingBufferFromListSkipsNothingValid(t *testing.T) {
	buf := NewRingBuffer(5)
	buf.FromList([]Reading{{Value: 1.0, TS: 1}, {Value: 2.0, TS: 2}})
	if buf.Len() != 2 {
		t.Fatalf("expected 2 readings restored, got %d", buf.Len())
	}
}

func TestAggregateReadingsFunctions(t *testing.T) {
	readings := []Reading{{Value: 1.0, TS: 1}, {Value: 2.0, TS: 2}, {Value: 3.0, TS: 3}}

	cases := []struct {
		fn   AggFunc
		want float64
	}{
		{AggMin, 1}, {AggMax, 3}, {AggAvg, 2}, {AggSum, 6}, {AggCount, 3}, {AggMedian, 2},
	}
	for _, c := range cases {
		got, err := AggregateReadings(readings, c.fn)
		if err != nil {
			t.Fatalf("AggregateReadings(%s): %v", c.fn, err)
		}
		if got != c.want {
			t.Fatalf("%s: expected %v, got %v", c.fn, c.want, got)
		}
	}
}

func TestAggregateReadingsStdevRequiresTwoPoints(t *testing.T) {
	one := []Reading{{Value: 5.0, TS: 1}}
	got, err := AggregateReadings(one, AggStdev)
	if err != nil || got != 0 {
		t.Fatalf("expected stdev 0 for a single point, got %v err %v", got, err)
	}
}

func TestAggregateReadingsUnknownFunctionErrors(t *testing.T) {
	if _, err := AggregateReadings(nil, "bogus"); err == nil {
		t.Fatal("expected error for unknown aggregation")
	}
}

func TestAggregateReadingsEmptyReturnsZero(t *testing.T) {
	got, err := AggregateReadings(nil, AggAvg)
	if err != nil || got != 0 {
		t.Fatalf("expected 0 for empty input, got %v err %v", got, err)
	}
}

func TestAggregateReadingsCoercesBooleans(t *testing.T) {
	readings := []Reading{{Value: true, TS: 1}, {Value: false, TS: 2}, {Value: true, TS: 3}}
	got, err := AggregateReadings(readings, AggSum)
	if err != nil || got != 2 {
		t.Fatalf("expected booleans coerced to 0/1 summing to 2, got %v err %v", got, err)
	}
}

func TestRecordIgnoresNonNumericValues(t *testing.T) {
	p := New("", 0, 0)
	p.Record("sensor-01", "label", "bright red", 0)
	if got := p.Query("sensor-01", "label", 0, 0); got != nil {
		t.Fatalf("expected non-numeric value to be ignored, got %+v", got)
	}
}

func TestRecordAndQuery(t *testing.T) {
	p := New("", 0, 0)
	p.Record("sensor-01", "temperature", 21.5, 100)
	p.Record("sensor-01", "temperature", 22.0, 200)

	got := p.Query("sensor-01", "temperature", 0, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(got))
	}
}

func TestRecordStateRecordsOnlyNumericFields(t *testing.T) {
	p := New("", 0, 0)
	count := p.RecordState("sensor-01", map[string]any{
		"temperature": 21.5,
		"label":       "kitchen",
		"motion":      true,
	})
	if count != 2 {
		t.Fatalf("expected 2 numeric fields recorded, got %d", count)
	}
}

func TestLatestReturnsMostRecentReading(t *testing.T) {
	p := New("", 0, 0)
	p.Record("sensor-01", "temperature", 21.5, 100)
	p.Record("sensor-01", "temperature", 23.0, 200)

	latest, ok := p.Latest("sensor-01", "temperature")
	if !ok || latest.Value != 23.0 {
		t.Fatalf("unexpected latest reading: %+v", latest)
	}
}

func TestLatestUnknownBufferReturnsFalse(t *testing.T) {
	p := New("", 0, 0)
	if _, ok := p.Latest("ghost", "temperature"); ok {
		t.Fatal("expected no latest reading for unknown buffer")
	}
}

func TestAggregateViaPipeline(t *testing.T) {
	p := New("", 0, 0)
	p.Record("sensor-01", "temperature", 10.0, 1)
	p.Record("sensor-01", "temperature", 20.0, 2)

	avg, err := p.Aggregate("sensor-01", "temperature", AggAvg, 0, 0)
	if err != nil || avg != 15.0 {
		t.Fatalf("unexpected aggregate: %v err %v", avg, err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.json")

	p1 := New(path, 100, 0)
	p1.Record("sensor-01", "temperature", 21.5, 100)
	p1.Record("sensor-01", "temperature", 22.0, 200)
	if err := p1.save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	p2 := New(path, 100, 0)
	total := p2.Load()
	if total != 2 {
		t.Fatalf("expected 2 readings loaded, got %d", total)
	}
	got := p2.Query("sensor-01", "temperature", 0, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 readings after reload, got %d", len(got))
	}
}

func TestLoadMissingFileReturnsZero(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "missing.json"), 100, 0)
	if got := p.Load(); got != 0 {
		t.Fatalf("expected 0 for missing file, got %d", got)
	}
}

func TestLoadDisabledWhenPathEmpty(t *testing.T) {
	p := New("", 100, 0)
	if got := p.Load(); got != 0 {
		t.Fatalf("expected 0 when persistence disabled, got %d", got)
	}
}

func TestSummaryEmptyPipeline(t *testing.T) {
	p := New("", 0, 0)
	if got := p.Summary(""); got != "No sensor data recorded." {
		t.Fatalf("unexpected summary: %q", got)
	}
}

func TestSummaryIncludesDeviceAndCapability(t *testing.T) {
	p := New("", 0, 0)
	p.Record("sensor-01", "temperature", 21.5, nowUnix())

	got := p.Summary("")
	if got == "" || got == "No sensor data recorded." {
		t.Fatal("expected non-empty summary")
	}
}

func TestSummaryFiltersByDevice(t *testing.T) {
	p := New("", 0, 0)
	p.Record("sensor-01", "temperature", 21.5, nowUnix())
	p.Record("sensor-02", "humidity", 55.0, nowUnix())

	got := p.Summary("sensor-01")
	if !strings.Contains(got, "sensor-01") || strings.Contains(got, "sensor-02") {
		t.Fatalf("expected summary scoped to sensor-01, got %q", got)
	}
}

func TestStatsReportsBufferDetails(t *testing.T) {
	p := New("", 0, 0)
	p.Record("sensor-01", "temperature", 21.5, 100)

	stats := p.Stats()
	if stats.TotalRecorded != 1 || stats.ActiveBuffers != 1 || len(stats.Buffers) != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Buffers[0].LatestValue != 21.5 {
		t.Fatalf("unexpected latest value in stats: %+v", stats.Buffers[0])
	}
}

func TestListDevicesAndCapabilities(t *testing.T) {
	p := New("", 0, 0)
	p.Record("sensor-01", "temperature", 21.5, 1)
	p.Record("sensor-01", "humidity", 50.0, 1)
	p.Record("sensor-02", "temperature", 18.0, 1)

	devices := p.ListDevices()
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %v", devices)
	}
	caps := p.ListCapabilities("sensor-01")
	if len(caps) != 2 {
		t.Fatalf("expected 2 capabilities for sensor-01, got %v", caps)
	}
}

func TestStartStopFlushesDirtyDataToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.json")
	p := New(path, 100, 10*time.Millisecond)
	p.Record("sensor-01", "temperature", 21.5, 100)

	p.Start()
	p.Stop()

	reloaded := New(path, 100, 0)
	if got := reloaded.Load(); got != 1 {
		t.Fatalf("expected 1 reading persisted on stop, got %d", got)
	}
}
