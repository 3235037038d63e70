package server

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// gatewayMetrics is a custom prometheus.Collector over mutex-guarded
// counters. Gauges for live state (channels, pending requests) are sampled
// at scrape time through callbacks so the hot paths never touch them.
type gatewayMetrics struct {
	getChannels func() int
	getPending  func() int

	controlChannels   *prometheus.Desc
	pendingRequests   *prometheus.Desc
	channelConnects   *prometheus.Desc
	channelCloses     *prometheus.Desc
	channelEvictions  *prometheus.Desc
	ingressRequests   *prometheus.Desc
	l4BytesTotal      *prometheus.Desc
	tcpStreamsTotal   *prometheus.Desc
	udpSessionsTotal  *prometheus.Desc
	rateLimitRejected *prometheus.Desc

	mu              sync.RWMutex
	connectsByRgn   map[string]float64
	closesByRgn     map[string]float64
	evictions       float64
	ingressByResult map[string]float64
	l4Bytes         map[string]float64 // "protocol:direction"
	tcpStreams      float64
	udpSessions     float64
	rateLimited     float64
}

func newGatewayMetrics() *gatewayMetrics {
	return &gatewayMetrics{
		controlChannels: prometheus.NewDesc(
			"tunlify_control_channels",
			"Number of connected control channels",
			nil, nil,
		),
		pendingRequests: prometheus.NewDesc(
			"tunlify_pending_requests",
			"Number of in-flight proxied HTTP requests",
			nil, nil,
		),
		channelConnects: prometheus.NewDesc(
			"tunlify_channel_connects_total",
			"Total control channel connects",
			[]string{"region"}, nil,
		),
		channelCloses: prometheus.NewDesc(
			"tunlify_channel_closes_total",
			"Total control channel closes",
			[]string{"region"}, nil,
		),
		channelEvictions: prometheus.NewDesc(
			"tunlify_channel_evictions_total",
			"Total control channels evicted for missed heartbeats",
			nil, nil,
		),
		ingressRequests: prometheus.NewDesc(
			"tunlify_ingress_requests_total",
			"Total public HTTP ingress requests by outcome",
			[]string{"outcome"}, nil,
		),
		l4BytesTotal: prometheus.NewDesc(
			"tunlify_l4_bytes_total",
			"Total bytes relayed through L4 listeners",
			[]string{"protocol", "direction"}, nil,
		),
		tcpStreamsTotal: prometheus.NewDesc(
			"tunlify_tcp_streams_total",
			"Total accepted TCP ingress streams",
			nil, nil,
		),
		udpSessionsTotal: prometheus.NewDesc(
			"tunlify_udp_sessions_total",
			"Total UDP ingress sessions",
			nil, nil,
		),
		rateLimitRejected: prometheus.NewDesc(
			"tunlify_rate_limited_total",
			"Total requests rejected by the rate limiter",
			nil, nil,
		),
		connectsByRgn:   make(map[string]float64),
		closesByRgn:     make(map[string]float64),
		ingressByResult: make(map[string]float64),
		l4Bytes:         make(map[string]float64),
	}
}

// handler builds the /metrics endpoint over a private registry.
func (m *gatewayMetrics) handler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(m)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (m *gatewayMetrics) recordConnect(region string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectsByRgn[region]++
}

func (m *gatewayMetrics) recordClose(region string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closesByRgn[region]++
}

func (m *gatewayMetrics) recordEviction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions++
}

func (m *gatewayMetrics) recordIngress(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingressByResult[outcome]++
}

func (m *gatewayMetrics) recordL4Bytes(protocol, direction string, n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.l4Bytes[protocol+":"+direction] += float64(n)
}

func (m *gatewayMetrics) recordTCPStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tcpStreams++
}

func (m *gatewayMetrics) recordUDPSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.udpSessions++
}

func (m *gatewayMetrics) recordRateLimited() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimited++
}

// Describe implements prometheus.Collector.
func (m *gatewayMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.controlChannels
	ch <- m.pendingRequests
	ch <- m.channelConnects
	ch <- m.channelCloses
	ch <- m.channelEvictions
	ch <- m.ingressRequests
	ch <- m.l4BytesTotal
	ch <- m.tcpStreamsTotal
	ch <- m.udpSessionsTotal
	ch <- m.rateLimitRejected
}

// Collect implements prometheus.Collector.
func (m *gatewayMetrics) Collect(ch chan<- prometheus.Metric) {
	if m.getChannels != nil {
		ch <- prometheus.MustNewConstMetric(m.controlChannels, prometheus.GaugeValue, float64(m.getChannels()))
	}
	if m.getPending != nil {
		ch <- prometheus.MustNewConstMetric(m.pendingRequests, prometheus.GaugeValue, float64(m.getPending()))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for region, v := range m.connectsByRgn {
		ch <- prometheus.MustNewConstMetric(m.channelConnects, prometheus.CounterValue, v, region)
	}
	for region, v := range m.closesByRgn {
		ch <- prometheus.MustNewConstMetric(m.channelCloses, prometheus.CounterValue, v, region)
	}
	ch <- prometheus.MustNewConstMetric(m.channelEvictions, prometheus.CounterValue, m.evictions)
	for outcome, v := range m.ingressByResult {
		ch <- prometheus.MustNewConstMetric(m.ingressRequests, prometheus.CounterValue, v, outcome)
	}
	for key, v := range m.l4Bytes {
		protocol, direction, ok := splitMetricKey(key)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(m.l4BytesTotal, prometheus.CounterValue, v, protocol, direction)
	}
	ch <- prometheus.MustNewConstMetric(m.tcpStreamsTotal, prometheus.CounterValue, m.tcpStreams)
	ch <- prometheus.MustNewConstMetric(m.udpSessionsTotal, prometheus.CounterValue, m.udpSessions)
	ch <- prometheus.MustNewConstMetric(m.rateLimitRejected, prometheus.CounterValue, m.rateLimited)
}

func splitMetricKey(key string) (string, string, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// Ingress outcome labels. Low cardinality by construction.
const (
	outcomeOK              = "ok"
	outcomeBadRoute        = "bad_route"
	outcomeNotFound        = "not_found"
	outcomeClientDown      = "client_disconnected"
	outcomeChannelDown     = "websocket_disconnected"
	outcomeQueueFull       = "queue_full"
	outcomeTimeout         = "timeout"
	outcomeBadGateway      = "bad_gateway"
	outcomeTunnelGone      = "tunnel_gone"
	outcomeBodyTooLarge    = "body_too_large"
	outcomeClientCancelled = "cancelled"
)
