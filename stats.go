package refmap

import (
	"fmt"
	"math"
	"strings"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Stats is a snapshot of the map internals. The walk is not atomic, so
// under concurrent modification Size and Counter may disagree.
type Stats struct {
	// Segments is the number of segments.
	Segments int
	// TotalBuckets is the number of buckets over all segments.
	TotalBuckets int
	// EmptyBuckets is the number of buckets that hold no entries.
	EmptyBuckets int
	// Capacity is the number of entries the segments hold before their
	// next resize.
	Capacity int
	// Size is the number of live entries found by the walk.
	Size int
	// Counter is the number of entries according to the segment counters,
	// which include collected entries awaiting cleanup and values being
	// computed.
	Counter int
	// MinEntries is the minimum number of entries per bucket chain.
	MinEntries int
	// MaxEntries is the maximum number of entries per bucket chain.
	MaxEntries int
	// TotalResizes is the number of times a segment table grew.
	TotalResizes uint32
	// TotalEvictions is the number of entries removed because their key or
	// value was collected.
	TotalEvictions uint64
	// Computations is the number of compute functions started.
	Computations uint64
	// ComputationFailures is the number of compute functions that failed.
	ComputationFailures uint64
	KeyStrength         Strength
	ValueStrength       Strength
}

// Stats returns statistics for the map. It is meant for diagnostics and
// tests.
func (m *Map[K, V]) Stats() *Stats {
	stats := &Stats{
		Segments:            len(m.segments),
		MinEntries:          math.MaxInt,
		Computations:        m.computations.Load(),
		ComputationFailures: m.computeFailures.Load(),
		KeyStrength:         m.keys.strength,
		ValueStrength:       m.values.strength,
	}
	for i := range m.segments {
		s := &m.segments[i]
		stats.TotalResizes += s.resizes.Load()
		stats.TotalEvictions += s.evictions.Load()
		stats.Counter += int(s.count.Load())

		t := s.table.Load()
		stats.TotalBuckets += len(t.buckets)
		stats.Capacity += len(t.buckets) * 3 / 4
		for j := range t.buckets {
			nentries := 0
			for e := t.buckets[j].Load(); e != nil; e = e.next {
				nentries++
				if !e.cleared() && !e.value.Load().computing() {
					stats.Size++
				}
			}
			if nentries == 0 {
				stats.EmptyBuckets++
			}
			stats.MinEntries = min(stats.MinEntries, nentries)
			stats.MaxEntries = max(stats.MaxEntries, nentries)
		}
	}
	return stats
}

// ToString returns string representation of map stats.
func (s *Stats) ToString() string {
	var sb strings.Builder
	sb.WriteString("Stats{\n")
	sb.WriteString(fmt.Sprintf("Segments:            %d\n", s.Segments))
	sb.WriteString(fmt.Sprintf("TotalBuckets:        %d\n", s.TotalBuckets))
	sb.WriteString(fmt.Sprintf("EmptyBuckets:        %d\n", s.EmptyBuckets))
	sb.WriteString(fmt.Sprintf("Capacity:            %d\n", s.Capacity))
	sb.WriteString(fmt.Sprintf("Size:                %d\n", s.Size))
	sb.WriteString(fmt.Sprintf("Counter:             %d\n", s.Counter))
	sb.WriteString(fmt.Sprintf("MinEntries:          %d\n", s.MinEntries))
	sb.WriteString(fmt.Sprintf("MaxEntries:          %d\n", s.MaxEntries))
	sb.WriteString(fmt.Sprintf("TotalResizes:        %d\n", s.TotalResizes))
	sb.WriteString(fmt.Sprintf("TotalEvictions:      %d\n", s.TotalEvictions))
	sb.WriteString(fmt.Sprintf("Computations:        %d\n", s.Computations))
	sb.WriteString(fmt.Sprintf("ComputationFailures: %d\n", s.ComputationFailures))
	sb.WriteString(fmt.Sprintf("KeyStrength:         %s\n", s.KeyStrength))
	sb.WriteString(fmt.Sprintf("ValueStrength:       %s\n", s.ValueStrength))
	sb.WriteString("}\n")
	return sb.String()
}

// Report publishes the snapshot as gauges named prefix + "." + metric.
func (s *Stats) Report(client statsd.ClientInterface, prefix string, tags ...string) error {
	if client == nil {
		return invalidArgument("nil statsd client")
	}
	tags = append(tags[:len(tags):len(tags)], "key_strength:"+s.KeyStrength.String(), "value_strength:"+s.ValueStrength.String())
	gauges := []struct {
		name  string
		value float64
	}{
		{"segments", float64(s.Segments)},
		{"buckets", float64(s.TotalBuckets)},
		{"empty_buckets", float64(s.EmptyBuckets)},
		{"capacity", float64(s.Capacity)},
		{"size", float64(s.Size)},
		{"counter", float64(s.Counter)},
		{"max_chain", float64(s.MaxEntries)},
		{"resizes", float64(s.TotalResizes)},
		{"evictions", float64(s.TotalEvictions)},
		{"computations", float64(s.Computations)},
		{"computation_failures", float64(s.ComputationFailures)},
	}
	var result *multierror.Error
	for _, g := range gauges {
		if err := client.Gauge(prefix+"."+g.name, g.value, tags, 1); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "gauge %s", g.name))
		}
	}
	return result.ErrorOrNil()
}

// ReportStats takes a Stats snapshot and publishes it through client.
func (m *Map[K, V]) ReportStats(client statsd.ClientInterface, prefix string, tags ...string) error {
	return m.Stats().Report(client, prefix, tags...)
}
