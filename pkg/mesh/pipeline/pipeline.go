// Package pipeline implements the sensor data pipeline: time-series
// recording, querying, and aggregation of device readings, backed by
// fixed-capacity ring buffers with periodic JSON persistence.
package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meshcore/hub/internal/logger"
)

// Reading is a single timestamped sensor measurement.
type Reading struct {
	Value any     `json:"value"`
	TS    float64 `json:"ts"`
}

// numericValue coerces a reading's value to float64. Booleans become 0/1.
func (r Reading) numericValue() (float64, bool) {
	switch v := r.Value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// RingBuffer is a fixed-capacity FIFO buffer of readings. Appending past
// capacity evicts the oldest reading.
type RingBuffer struct {
	maxSize int
	data    []Reading
	start   int // index of oldest element within data
}

// NewRingBuffer constructs a buffer holding up to maxSize readings.
func NewRingBuffer(maxSize int) *RingBuffer {
	return &RingBuffer{maxSize: maxSize, data: make([]Reading, 0, maxSize)}
}

// Append adds a reading, evicting the oldest if the buffer is full.
func (b *RingBuffer) Append(r Reading) {
	if len(b.data) < b.maxSize {
		b.data = append(b.data, r)
		return
	}
	b.data[b.start] = r
	b.start = (b.start + 1) % b.maxSize
}

// Len returns the number of readings currently stored.
func (b *RingBuffer) Len() int {
	return len(b.data)
}

// MaxSize returns the buffer's capacity.
func (b *RingBuffer) MaxSize() int {
	return b.maxSize
}

// orderedSlice returns the buffer's readings oldest-first.
func (b *RingBuffer) orderedSlice() []Reading {
	if len(b.data) < b.maxSize || b.start == 0 {
		out := make([]Reading, len(b.data))
		copy(out, b.data)
		return out
	}
	out := make([]Reading, 0, len(b.data))
	out = append(out, b.data[b.start:]...)
	out = append(out, b.data[:b.start]...)
	return out
}

// Query returns readings whose timestamp falls within [start, end].
// A zero bound is treated as unbounded.
func (b *RingBuffer) Query(start, end float64) []Reading {
	var out []Reading
	for _, r := range b.orderedSlice() {
		if start != 0 && r.TS < start {
			continue
		}
		if end != 0 && r.TS > end {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Latest returns the most recent reading, or false if the buffer is empty.
func (b *RingBuffer) Latest() (Reading, bool) {
	ordered := b.orderedSlice()
	if len(ordered) == 0 {
		return Reading{}, false
	}
	return ordered[len(ordered)-1], true
}

// ToList serialises all readings oldest-first.
func (b *RingBuffer) ToList() []Reading {
	return b.orderedSlice()
}

// FromList replaces the buffer's contents with readings loaded from disk.
// Readings beyond capacity evict the oldest, so at most the last MaxSize
// remain.
func (b *RingBuffer) FromList(readings []Reading) {
	b.data = b.data[:0]
	b.start = 0
	for _, r := range readings {
		b.Append(r)
	}
}

// -- aggregation --------------------------------------------------------------

// AggFunc is the name of a supported aggregation function.
type AggFunc string

const (
	AggMin    AggFunc = "min"
	AggMax    AggFunc = "max"
	AggAvg    AggFunc = "avg"
	AggSum    AggFunc = "sum"
	AggCount  AggFunc = "count"
	AggMedian AggFunc = "median"
	AggStdev  AggFunc = "stdev"
)

var supportedAggFuncs = []AggFunc{AggMin, AggMax, AggAvg, AggSum, AggCount, AggMedian, AggStdev}

// AggregateReadings applies fn to the numeric values of readings. Readings
// that aren't numeric/boolean are dropped before aggregating. Returns 0 if
// no numeric values remain. An unknown fn is an error even with no readings.
func AggregateReadings(readings []Reading, fn AggFunc) (float64, error) {
	supported := false
	for _, f := range supportedAggFuncs {
		if f == fn {
			supported = true
			break
		}
	}
	if !supported {
		return 0, fmt.Errorf("unknown aggregation %q, supported: %v", fn, supportedAggFuncs)
	}

	var values []float64
	for _, r := range readings {
		if v, ok := r.numericValue(); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return 0, nil
	}

	switch fn {
	case AggMin:
		return minFloat(values), nil
	case AggMax:
		return maxFloat(values), nil
	case AggAvg:
		return mean(values), nil
	case AggSum:
		return sumFloat(values), nil
	case AggCount:
		return float64(len(values)), nil
	case AggMedian:
		return median(values), nil
	case AggStdev:
		return stdev(values), nil
	default:
		return 0, fmt.Errorf("unknown aggregation %q, supported: %v", fn, supportedAggFuncs)
	}
}

func minFloat(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxFloat(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func sumFloat(vs []float64) float64 {
	var s float64
	for _, v := range vs {
		s += v
	}
	return s
}

func mean(vs []float64) float64 {
	return sumFloat(vs) / float64(len(vs))
}

func median(vs []float64) float64 {
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func stdev(vs []float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	m := mean(vs)
	var sumSq float64
	for _, v := range vs {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(vs)-1))
}

// -- SensorPipeline -------------------------------------------------------

type bufferKey struct {
	nodeID     string
	capability string
}

// SensorPipeline records device readings over time and serves historical
// queries, aggregations, and LLM-friendly summaries.
type SensorPipeline struct {
	Path          string
	MaxPoints     int
	FlushInterval time.Duration
	log           *logger.Logger

	mu             sync.Mutex
	buffers        map[bufferKey]*RingBuffer
	totalRecorded  int
	dirty          bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a pipeline. An empty path disables persistence. MaxPoints
// is floored at 100 readings per buffer.
func New(path string, maxPoints int, flushInterval time.Duration) *SensorPipeline {
	if maxPoints < 100 {
		maxPoints = 100
	}
	return &SensorPipeline{
		Path:          path,
		MaxPoints:     maxPoints,
		FlushInterval: flushInterval,
		buffers:       make(map[bufferKey]*RingBuffer),
		log:           logger.Get().WithComponent("pipeline"),
	}
}

// -- lifecycle --------------------------------------------------------------

type persistedFile struct {
	TotalRecorded int                    `json:"total_recorded"`
	Buffers       map[string][]Reading   `json:"buffers"`
}

// Load reads persisted readings from disk. Returns the total readings
// loaded, or 0 if persistence is disabled or the file doesn't exist.
func (p *SensorPipeline) Load() int {
	if p.Path == "" {
		return 0
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		p.log.Error("failed to load sensor pipeline data", err, "path", p.Path)
		return 0
	}

	var file persistedFile
	if err := json.Unmarshal(data, &file); err != nil {
		p.log.Error("failed to parse sensor pipeline data", err, "path", p.Path)
		return 0
	}

	p.mu.Lock()
	total := 0
	for keyStr, readings := range file.Buffers {
		parts := strings.SplitN(keyStr, "|", 2)
		if len(parts) != 2 {
			continue
		}
		buf := p.getOrCreateBufferLocked(parts[0], parts[1])
		buf.FromList(readings)
		total += buf.Len()
	}
	if file.TotalRecorded > 0 {
		p.totalRecorded = file.TotalRecorded
	} else {
		p.totalRecorded = total
	}
	bufferCount := len(p.buffers)
	p.mu.Unlock()

	p.log.Info("loaded sensor readings", "total", total, "buffers", bufferCount, "path", p.Path)
	return total
}

// Start begins the auto-flush loop if persistence and a flush interval are
// both configured.
func (p *SensorPipeline) Start() {
	if p.FlushInterval <= 0 || p.Path == "" {
		p.log.Info("sensor pipeline started", "max_points", p.MaxPoints, "flush", "disabled", "path", pathOrDisabled(p.Path))
		return
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.flushLoop()
	p.log.Info("sensor pipeline started", "max_points", p.MaxPoints, "flush_interval", p.FlushInterval.String(), "path", pathOrDisabled(p.Path))
}

func pathOrDisabled(path string) string {
	if path == "" {
		return "disabled"
	}
	return path
}

// Stop halts the flush loop and saves any pending changes.
func (p *SensorPipeline) Stop() {
	if p.stopCh != nil {
		close(p.stopCh)
		<-p.doneCh
		p.stopCh = nil
	}
	p.mu.Lock()
	dirty := p.dirty
	p.mu.Unlock()
	if dirty {
		if err := p.save(); err != nil {
			p.log.Error("sensor pipeline save failed", err)
		}
	}
	p.log.Info("sensor pipeline stopped")
}

func (p *SensorPipeline) flushLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			dirty := p.dirty
			p.mu.Unlock()
			if dirty {
				if err := p.save(); err != nil {
					p.log.Error("sensor pipeline save failed", err)
				}
			}
		}
	}
}

func (p *SensorPipeline) save() error {
	if p.Path == "" {
		return nil
	}
	p.mu.Lock()
	file := persistedFile{TotalRecorded: p.totalRecorded, Buffers: make(map[string][]Reading, len(p.buffers))}
	for key, buf := range p.buffers {
		file.Buffers[key.nodeID+"|"+key.capability] = buf.ToList()
	}
	p.mu.Unlock()

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal sensor pipeline data: %w", err)
	}

	if dir := filepath.Dir(p.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create sensor pipeline dir: %w", err)
		}
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sensor pipeline temp file: %w", err)
	}
	if err := os.Rename(tmp, p.Path); err != nil {
		return err
	}

	p.mu.Lock()
	p.dirty = false
	p.mu.Unlock()
	return nil
}

func (p *SensorPipeline) getOrCreateBufferLocked(nodeID, capability string) *RingBuffer {
	key := bufferKey{nodeID: nodeID, capability: capability}
	buf, ok := p.buffers[key]
	if !ok {
		buf = NewRingBuffer(p.MaxPoints)
		p.buffers[key] = buf
	}
	return buf
}

// -- recording ----------------------------------------------------------

// isNumeric reports whether v is a type Record accepts: float64, int, or
// bool.
func isNumeric(v any) bool {
	switch v.(type) {
	case float64, int, bool:
		return true
	default:
		return false
	}
}

// Record stores a reading for (nodeID, capability). Non-numeric/boolean
// values are silently ignored. ts of 0 defaults to now.
func (p *SensorPipeline) Record(nodeID, capability string, value any, ts float64) {
	if !isNumeric(value) {
		return
	}
	if ts == 0 {
		ts = nowUnix()
	}
	p.mu.Lock()
	buf := p.getOrCreateBufferLocked(nodeID, capability)
	buf.Append(Reading{Value: value, TS: ts})
	p.totalRecorded++
	p.dirty = true
	p.mu.Unlock()
}

// RecordState records every numeric/boolean value in state for nodeID,
// sharing a single timestamp across the batch. Returns the count recorded.
func (p *SensorPipeline) RecordState(nodeID string, state map[string]any) int {
	ts := nowUnix()
	count := 0
	for cap, value := range state {
		if isNumeric(value) {
			p.Record(nodeID, cap, value, ts)
			count++
		}
	}
	return count
}

// -- querying -------------------------------------------------------------

// Query returns readings for (nodeID, capability) within [start, end].
// Returns nil if no buffer exists for that pair.
func (p *SensorPipeline) Query(nodeID, capability string, start, end float64) []Reading {
	p.mu.Lock()
	buf, ok := p.buffers[bufferKey{nodeID, capability}]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return buf.Query(start, end)
}

// Latest returns the most recent reading for (nodeID, capability).
func (p *SensorPipeline) Latest(nodeID, capability string) (Reading, bool) {
	p.mu.Lock()
	buf, ok := p.buffers[bufferKey{nodeID, capability}]
	p.mu.Unlock()
	if !ok {
		return Reading{}, false
	}
	return buf.Latest()
}

// Aggregate runs a named aggregation over readings for (nodeID,
// capability) within [start, end]. Returns 0 if no data exists.
func (p *SensorPipeline) Aggregate(nodeID, capability string, fn AggFunc, start, end float64) (float64, error) {
	readings := p.Query(nodeID, capability, start, end)
	return AggregateReadings(readings, fn)
}

// -- LLM context ----------------------------------------------------------

// Summary returns a human-readable summary of recorded sensor data. If
// nodeID is non-empty, only that device's buffers are included.
func (p *SensorPipeline) Summary(nodeID string) string {
	p.mu.Lock()
	deviceCaps := make(map[string][]string)
	for key := range p.buffers {
		if nodeID != "" && key.nodeID != nodeID {
			continue
		}
		deviceCaps[key.nodeID] = append(deviceCaps[key.nodeID], key.capability)
	}
	if len(deviceCaps) == 0 {
		p.mu.Unlock()
		return "No sensor data recorded."
	}

	devices := make([]string, 0, len(deviceCaps))
	for nid := range deviceCaps {
		devices = append(devices, nid)
	}
	sort.Strings(devices)

	lines := []string{"## Sensor Data Summary", ""}
	now := nowUnix()
	for _, nid := range devices {
		lines = append(lines, fmt.Sprintf("### %s", nid))
		caps := append([]string(nil), deviceCaps[nid]...)
		sort.Strings(caps)
		for _, cap := range caps {
			buf := p.buffers[bufferKey{nid, cap}]
			count := buf.Len()
			latest, ok := buf.Latest()
			if count == 0 || !ok {
				continue
			}
			readings := buf.Query(0, 0)
			agg, _ := AggregateReadings(readings, AggAvg)
			minV, _ := AggregateReadings(readings, AggMin)
			maxV, _ := AggregateReadings(readings, AggMax)
			ageS := now - latest.TS
			var ageStr string
			switch {
			case ageS < 60:
				ageStr = fmt.Sprintf("%.0fs ago", ageS)
			case ageS < 3600:
				ageStr = fmt.Sprintf("%.0fm ago", ageS/60)
			default:
				ageStr = fmt.Sprintf("%.1fh ago", ageS/3600)
			}
			lines = append(lines, fmt.Sprintf(
				"- **%s**: latest=%v, avg=%.2f, min=%v, max=%v, count=%d, last update %s",
				cap, latest.Value, agg, minV, maxV, count, ageStr,
			))
		}
		lines = append(lines, "")
	}
	p.mu.Unlock()
	return strings.Join(lines, "\n")
}

// -- monitoring -----------------------------------------------------------

// BufferStats is the per-buffer snapshot reported by Stats.
type BufferStats struct {
	NodeID      string `json:"node_id"`
	Capability  string `json:"capability"`
	Count       int    `json:"count"`
	MaxSize     int    `json:"max_size"`
	LatestValue any    `json:"latest_value"`
	LatestTS    float64 `json:"latest_ts"`
}

// Stats is the pipeline-wide statistics snapshot.
type Stats struct {
	TotalRecorded      int           `json:"total_recorded"`
	ActiveBuffers      int           `json:"active_buffers"`
	Buffers            []BufferStats `json:"buffers"`
	Path               string        `json:"path"`
	MaxPointsPerBuffer int           `json:"max_points_per_buffer"`
	FlushIntervalSec   float64       `json:"flush_interval"`
}

// Stats returns pipeline-wide statistics for status/monitoring display.
func (p *SensorPipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	bufStats := make([]BufferStats, 0, len(p.buffers))
	for key, buf := range p.buffers {
		var latestVal any
		var latestTS float64
		if latest, ok := buf.Latest(); ok {
			latestVal = latest.Value
			latestTS = latest.TS
		}
		bufStats = append(bufStats, BufferStats{
			NodeID:      key.nodeID,
			Capability:  key.capability,
			Count:       buf.Len(),
			MaxSize:     buf.MaxSize(),
			LatestValue: latestVal,
			LatestTS:    latestTS,
		})
	}
	return Stats{
		TotalRecorded:      p.totalRecorded,
		ActiveBuffers:      len(p.buffers),
		Buffers:            bufStats,
		Path:               p.Path,
		MaxPointsPerBuffer: p.MaxPoints,
		FlushIntervalSec:   p.FlushInterval.Seconds(),
	}
}

// ListCapabilities returns all tracked capabilities for a device.
func (p *SensorPipeline) ListCapabilities(nodeID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for key := range p.buffers {
		if key.nodeID == nodeID {
			out = append(out, key.capability)
		}
	}
	return out
}

// ListDevices returns every device with recorded sensor data.
func (p *SensorPipeline) ListDevices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for key := range p.buffers {
		if _, ok := seen[key.nodeID]; !ok {
			seen[key.nodeID] = struct{}{}
			out = append(out, key.nodeID)
		}
	}
	return out
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
