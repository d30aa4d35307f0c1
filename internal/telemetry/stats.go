// Package telemetry provides observability for the Port 42 daemon.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stats collects Prometheus-style metrics for the daemon.
type Stats struct {
	mu sync.RWMutex

	startTime time.Time

	// Counters
	turnsTotal        map[string]int64 // key: agent,status
	sessionsTotal     int64
	commandsGenerated int64
	requestsTotal     map[string]int64 // key: type

	// Histograms (simplified: bucket counts + sum + count)
	turnDurations map[string]*histogram // key: agent
}

type histogram struct {
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

var defaultBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

func newHistogram() *histogram {
	return &histogram{
		buckets: defaultBuckets,
		counts:  make([]int64, len(defaultBuckets)+1), // +1 for +Inf
	}
}

func (h *histogram) observe(value float64) {
	h.sum += value
	h.count++
	for i, b := range h.buckets {
		if value <= b {
			h.counts[i]++
		}
	}
	h.counts[len(h.buckets)]++ // +Inf always counts
}

// NewStats creates a new Stats collector. Uptime counts from here.
func NewStats() *Stats {
	return &Stats{
		startTime:     time.Now(),
		turnsTotal:    make(map[string]int64),
		requestsTotal: make(map[string]int64),
		turnDurations: make(map[string]*histogram),
	}
}

// Uptime returns the time elapsed since the collector was created.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// RecordRequest records a handled protocol request by type.
func (s *Stats) RecordRequest(reqType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestsTotal[reqType]++
}

// RecordSessionCreated records the birth of a session.
func (s *Stats) RecordSessionCreated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionsTotal++
}

// RecordCommandGenerated records a materialized command.
func (s *Stats) RecordCommandGenerated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandsGenerated++
}

// CommandsGenerated returns the number of commands materialized so far.
func (s *Stats) CommandsGenerated() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commandsGenerated
}

// RecordTurn records a completed possess turn.
func (s *Stats) RecordTurn(agent, status string, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%s,%s", agent, status)
	s.turnsTotal[key]++

	h, ok := s.turnDurations[agent]
	if !ok {
		h = newHistogram()
		s.turnDurations[agent] = h
	}
	h.observe(duration.Seconds())
}

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (s *Stats) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		sb.WriteString("# HELP port42_uptime_seconds Daemon uptime\n")
		sb.WriteString("# TYPE port42_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "port42_uptime_seconds %.3f\n\n", time.Since(s.startTime).Seconds())

		sb.WriteString("# HELP port42_sessions_total Sessions created\n")
		sb.WriteString("# TYPE port42_sessions_total counter\n")
		fmt.Fprintf(&sb, "port42_sessions_total %d\n\n", s.sessionsTotal)

		sb.WriteString("# HELP port42_commands_generated_total Commands materialized\n")
		sb.WriteString("# TYPE port42_commands_generated_total counter\n")
		fmt.Fprintf(&sb, "port42_commands_generated_total %d\n\n", s.commandsGenerated)

		sb.WriteString("# HELP port42_requests_total Requests handled by type\n")
		sb.WriteString("# TYPE port42_requests_total counter\n")
		for _, key := range sortedKeys(s.requestsTotal) {
			fmt.Fprintf(&sb, "port42_requests_total{type=%q} %d\n", key, s.requestsTotal[key])
		}
		sb.WriteString("\n")

		sb.WriteString("# HELP port42_turns_total Possess turns completed\n")
		sb.WriteString("# TYPE port42_turns_total counter\n")
		for _, key := range sortedKeys(s.turnsTotal) {
			parts := strings.SplitN(key, ",", 2)
			fmt.Fprintf(&sb, "port42_turns_total{agent=%q,status=%q} %d\n",
				parts[0], parts[1], s.turnsTotal[key])
		}
		sb.WriteString("\n")

		sb.WriteString("# HELP port42_turn_duration_seconds Possess turn duration\n")
		sb.WriteString("# TYPE port42_turn_duration_seconds histogram\n")
		for _, agent := range sortedMapKeys(s.turnDurations) {
			h := s.turnDurations[agent]
			cumulative := int64(0)
			for i, b := range h.buckets {
				cumulative += h.counts[i]
				fmt.Fprintf(&sb, "port42_turn_duration_seconds_bucket{agent=%q,le=\"%.3g\"} %d\n",
					agent, b, cumulative)
			}
			cumulative += h.counts[len(h.buckets)]
			fmt.Fprintf(&sb, "port42_turn_duration_seconds_bucket{agent=%q,le=\"+Inf\"} %d\n",
				agent, cumulative)
			fmt.Fprintf(&sb, "port42_turn_duration_seconds_sum{agent=%q} %.6f\n",
				agent, h.sum)
			fmt.Fprintf(&sb, "port42_turn_duration_seconds_count{agent=%q} %d\n",
				agent, h.count)
		}

		_, _ = w.Write([]byte(sb.String()))
	})
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
