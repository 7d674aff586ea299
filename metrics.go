// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package uaf

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/uaf/ua"
)

// Counter is an atomic counter. It may go down for gauges.
type Counter struct {
	value atomic.Int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	c.value.Add(delta)
}

// Value returns the current value.
func (c *Counter) Value() int64 {
	return c.value.Load()
}

// Reset sets the counter to zero.
func (c *Counter) Reset() {
	c.value.Store(0)
}

var latencyBounds = []struct {
	ms    float64
	label string
}{
	{1, "1ms"}, {5, "5ms"}, {10, "10ms"}, {25, "25ms"}, {50, "50ms"},
	{100, "100ms"}, {250, "250ms"}, {500, "500ms"}, {1000, "1s"}, {5000, "5s+"},
}

// LatencyHistogram tracks a latency distribution in milliseconds.
type LatencyHistogram struct {
	mu       sync.Mutex
	buckets  []int64
	sum      float64
	count    int64
	min, max float64
}

// NewLatencyHistogram creates a histogram with buckets from 1ms to 5s.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		buckets: make([]int64, len(latencyBounds)),
		min:     -1,
		max:     -1,
	}
}

// Observe records one observation.
func (h *LatencyHistogram) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += ms
	h.count++
	if h.min < 0 || ms < h.min {
		h.min = ms
	}
	if ms > h.max {
		h.max = ms
	}
	for i, b := range latencyBounds {
		if ms <= b.ms {
			h.buckets[i]++
			return
		}
	}
	h.buckets[len(h.buckets)-1]++
}

// Stats returns a snapshot of the histogram.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		Sum:     h.sum,
		Buckets: make(map[string]int64, len(h.buckets)),
	}
	if h.count > 0 {
		stats.Avg = h.sum / float64(h.count)
		stats.Min = h.min
		stats.Max = h.max
	}
	for i, n := range h.buckets {
		stats.Buckets[latencyBounds[i].label] = n
	}
	return stats
}

// Reset clears the histogram.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clear(h.buckets)
	h.sum, h.count = 0, 0
	h.min, h.max = -1, -1
}

// LatencyStats is a histogram snapshot.
type LatencyStats struct {
	Count   int64
	Sum     float64
	Avg     float64
	Min     float64
	Max     float64
	Buckets map[string]int64
}

// Metrics holds the engine counters.
type Metrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	Timeouts        Counter
	Latency         *LatencyHistogram

	ActiveSessions Counter
	Reconnections  Counter

	ActiveSubscriptions  Counter
	MonitoredItems       Counter
	DataNotifications    Counter
	EventNotifications   Counter
	KeepAlives           Counter
	MissingNotifications Counter
	RepublishRequests    Counter

	DiscoveryPasses Counter
	DiscoveryErrors Counter

	serviceMetrics sync.Map // ua.ServiceID -> *ServiceMetrics
}

// ServiceMetrics holds the counters of one service.
type ServiceMetrics struct {
	Requests Counter
	Errors   Counter
	Latency  *LatencyHistogram
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{Latency: NewLatencyHistogram()}
}

// ForService returns the metrics of svc, creating them on first use.
func (m *Metrics) ForService(svc ua.ServiceID) *ServiceMetrics {
	if v, ok := m.serviceMetrics.Load(svc); ok {
		return v.(*ServiceMetrics)
	}
	v, _ := m.serviceMetrics.LoadOrStore(svc, &ServiceMetrics{Latency: NewLatencyHistogram()})
	return v.(*ServiceMetrics)
}

func (m *Metrics) observe(svc ua.ServiceID, start time.Time, err error) {
	d := time.Since(start)
	sm := m.ForService(svc)
	m.RequestsTotal.Add(1)
	sm.Requests.Add(1)
	m.Latency.Observe(d)
	sm.Latency.Observe(d)
	if err != nil {
		m.RequestsErrors.Add(1)
		sm.Errors.Add(1)
		if IsTimeout(err) {
			m.Timeouts.Add(1)
		}
		return
	}
	m.RequestsSuccess.Add(1)
}

// Collect returns all metrics as a map (compatible with expvar).
func (m *Metrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"requests_total":        m.RequestsTotal.Value(),
		"requests_success":      m.RequestsSuccess.Value(),
		"requests_errors":       m.RequestsErrors.Value(),
		"timeouts":              m.Timeouts.Value(),
		"latency":               m.Latency.Stats(),
		"active_sessions":       m.ActiveSessions.Value(),
		"reconnections":         m.Reconnections.Value(),
		"active_subscriptions":  m.ActiveSubscriptions.Value(),
		"monitored_items":       m.MonitoredItems.Value(),
		"data_notifications":    m.DataNotifications.Value(),
		"event_notifications":   m.EventNotifications.Value(),
		"keep_alives":           m.KeepAlives.Value(),
		"missing_notifications": m.MissingNotifications.Value(),
		"republish_requests":    m.RepublishRequests.Value(),
		"discovery_passes":      m.DiscoveryPasses.Value(),
		"discovery_errors":      m.DiscoveryErrors.Value(),
	}

	services := make(map[string]interface{})
	m.serviceMetrics.Range(func(key, value interface{}) bool {
		sm := value.(*ServiceMetrics)
		services[key.(ua.ServiceID).String()] = map[string]interface{}{
			"requests": sm.Requests.Value(),
			"errors":   sm.Errors.Value(),
			"latency":  sm.Latency.Stats(),
		}
		return true
	})
	if len(services) > 0 {
		result["services"] = services
	}
	return result
}
