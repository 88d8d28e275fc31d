// Package observability provides protocol metrics counters and logger setup
// for management channels.
package observability

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// latencyWindow is the number of most recent round trips kept for
// percentile reporting.
const latencyWindow = 1024

// Metrics holds atomic counters for management channel activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	requestsSent      atomic.Int64
	responsesReceived atomic.Int64
	requestsFailed    atomic.Int64
	requestsHandled   atomic.Int64
	handlerErrors     atomic.Int64
	unknownResponses  atomic.Int64
	framingErrors     atomic.Int64
	overloaded        atomic.Int64
	channelsOpen      atomic.Int64
	inFlight          atomic.Int64

	latMu     sync.Mutex
	latencies []time.Duration
	latNext   int
}

// NewMetrics returns a zero-initialised Metrics.
func NewMetrics() *Metrics {
	return &Metrics{latencies: make([]time.Duration, 0, latencyWindow)}
}

func (m *Metrics) IncRequestSent() {
	if m != nil {
		m.requestsSent.Inc()
		m.inFlight.Inc()
	}
}

// ObserveResponse records a resolved request and its round-trip time.
func (m *Metrics) ObserveResponse(rtt time.Duration) {
	if m == nil {
		return
	}
	m.responsesReceived.Inc()
	m.inFlight.Dec()
	m.latMu.Lock()
	if len(m.latencies) < latencyWindow {
		m.latencies = append(m.latencies, rtt)
	} else {
		m.latencies[m.latNext] = rtt
		m.latNext = (m.latNext + 1) % latencyWindow
	}
	m.latMu.Unlock()
}

// IncRequestFailed records a pending request failed locally (close, timeout).
func (m *Metrics) IncRequestFailed() {
	if m != nil {
		m.requestsFailed.Inc()
		m.inFlight.Dec()
	}
}

func (m *Metrics) IncRequestHandled() {
	if m != nil {
		m.requestsHandled.Inc()
	}
}

func (m *Metrics) IncHandlerError() {
	if m != nil {
		m.handlerErrors.Inc()
	}
}

func (m *Metrics) IncUnknownResponse() {
	if m != nil {
		m.unknownResponses.Inc()
	}
}

func (m *Metrics) IncFramingError() {
	if m != nil {
		m.framingErrors.Inc()
	}
}

func (m *Metrics) IncOverloaded() {
	if m != nil {
		m.overloaded.Inc()
	}
}

func (m *Metrics) IncChannel() {
	if m != nil {
		m.channelsOpen.Inc()
	}
}

func (m *Metrics) DecChannel() {
	if m != nil {
		m.channelsOpen.Dec()
	}
}

// GetMetrics returns a snapshot of the counters.
func (m *Metrics) GetMetrics() map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return map[string]int64{
		"requests_sent":      m.requestsSent.Load(),
		"responses_received": m.responsesReceived.Load(),
		"requests_failed":    m.requestsFailed.Load(),
		"requests_handled":   m.requestsHandled.Load(),
		"handler_errors":     m.handlerErrors.Load(),
		"unknown_responses":  m.unknownResponses.Load(),
		"framing_errors":     m.framingErrors.Load(),
		"overloaded":         m.overloaded.Load(),
		"channels_open":      m.channelsOpen.Load(),
		"in_flight":          m.inFlight.Load(),
	}
}

// LatencySnapshot returns a copy of the recorded round-trip times.
func (m *Metrics) LatencySnapshot() []time.Duration {
	if m == nil {
		return nil
	}
	m.latMu.Lock()
	defer m.latMu.Unlock()
	out := make([]time.Duration, len(m.latencies))
	copy(out, m.latencies)
	return out
}
