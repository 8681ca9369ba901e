// Package summary accumulates decoded points of one sensor stream into
// per-laser distance and reflectivity statistics.
package summary

import (
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/velodyne.report/internal/velodyne/decode"
)

// DefaultMaxSamples bounds the distance samples kept per laser for quantiles.
const DefaultMaxSamples = 100000

// lasers is the number of physical lasers addressable by laser id.
const lasers = 64

// Collector is a decode.PointSink that keeps running statistics. It is safe
// for concurrent use.
type Collector struct {
	mu          sync.Mutex
	maxSamples  int
	points      int
	batches     int
	revolutions uint64
	returnModes map[decode.ReturnMode]int
	first, last time.Time
	perLaser    [lasers]laserAccum
}

type laserAccum struct {
	count        int
	distances    []float64
	reflectivity []float64
}

// NewCollector creates a Collector. maxSamples <= 0 selects DefaultMaxSamples.
func NewCollector(maxSamples int) *Collector {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Collector{
		maxSamples:  maxSamples,
		returnModes: make(map[decode.ReturnMode]int),
	}
}

// AddPoints implements decode.PointSink.
func (c *Collector) AddPoints(points []decode.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batches++
	for i := range points {
		p := &points[i]
		c.points++
		c.returnModes[p.ReturnMode]++
		if p.Revolution > c.revolutions {
			c.revolutions = p.Revolution
		}
		if c.first.IsZero() || p.Timestamp.Before(c.first) {
			c.first = p.Timestamp
		}
		if p.Timestamp.After(c.last) {
			c.last = p.Timestamp
		}

		if p.LaserID < 0 || p.LaserID >= lasers {
			continue
		}
		acc := &c.perLaser[p.LaserID]
		acc.count++
		if len(acc.distances) < c.maxSamples {
			acc.distances = append(acc.distances, p.Distance)
			acc.reflectivity = append(acc.reflectivity, float64(p.Reflectivity))
		}
	}
}

// LaserSummary describes the returns of one laser.
type LaserSummary struct {
	LaserID          int     `json:"laser_id"`
	Returns          int     `json:"returns"`
	Samples          int     `json:"samples"`
	MinDistance      float64 `json:"min_distance"`
	MaxDistance      float64 `json:"max_distance"`
	MeanDistance     float64 `json:"mean_distance"`
	StdDevDistance   float64 `json:"stddev_distance"`
	P50Distance      float64 `json:"p50_distance"`
	P85Distance      float64 `json:"p85_distance"`
	P95Distance      float64 `json:"p95_distance"`
	MeanReflectivity float64 `json:"mean_reflectivity"`
}

// Summary is a snapshot of a Collector.
type Summary struct {
	Points      int            `json:"points"`
	Packets     int            `json:"packets_with_points"`
	Revolutions uint64         `json:"revolutions"`
	ReturnModes map[string]int `json:"return_modes"`
	FirstPoint  time.Time      `json:"first_point"`
	LastPoint   time.Time      `json:"last_point"`
	Span        time.Duration  `json:"span_ns"`
	Lasers      []LaserSummary `json:"lasers"`
}

// Summary computes statistics over everything collected so far. Lasers with
// no returns are omitted.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Points:      c.points,
		Packets:     c.batches,
		Revolutions: c.revolutions,
		ReturnModes: make(map[string]int, len(c.returnModes)),
		FirstPoint:  c.first,
		LastPoint:   c.last,
	}
	if !c.first.IsZero() {
		s.Span = c.last.Sub(c.first)
	}
	for mode, n := range c.returnModes {
		s.ReturnModes[mode.String()] = n
	}

	for id := range c.perLaser {
		acc := &c.perLaser[id]
		if acc.count == 0 {
			continue
		}
		s.Lasers = append(s.Lasers, summarise(id, acc))
	}
	return s
}

func summarise(id int, acc *laserAccum) LaserSummary {
	sorted := make([]float64, len(acc.distances))
	copy(sorted, acc.distances)
	sort.Float64s(sorted)

	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 {
		std = 0 // Undefined for one sample; NaN does not encode to JSON.
	}
	return LaserSummary{
		LaserID:          id,
		Returns:          acc.count,
		Samples:          len(sorted),
		MinDistance:      floats.Min(sorted),
		MaxDistance:      floats.Max(sorted),
		MeanDistance:     mean,
		StdDevDistance:   std,
		P50Distance:      stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P85Distance:      stat.Quantile(0.85, stat.Empirical, sorted, nil),
		P95Distance:      stat.Quantile(0.95, stat.Empirical, sorted, nil),
		MeanReflectivity: stat.Mean(acc.reflectivity, nil),
	}
}

// Reset discards everything collected.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points = 0
	c.batches = 0
	c.revolutions = 0
	c.returnModes = make(map[decode.ReturnMode]int)
	c.first = time.Time{}
	c.last = time.Time{}
	c.perLaser = [lasers]laserAccum{}
}

// WriteJSON writes an indented JSON summary.
func (s Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
