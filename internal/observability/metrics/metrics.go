package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "siderec"

// Recorder owns a Prometheus registry and the collectors for HTTP traffic,
// realtime sessions, chunk ingestion and merges.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	liveConnections prometheus.Gauge
	signaling       *prometheus.CounterVec
	chunks          *prometheus.CounterVec
	chunkBytes      prometheus.Counter
	merges          *prometheus.CounterVec
	mergeDuration   *prometheus.HistogramVec
	meetingsEnded   prometheus.Counter
	publications    *prometheus.CounterVec
}

var defaultRecorder atomic.Pointer[Recorder]

func init() {
	defaultRecorder.Store(New())
}

// New builds a Recorder backed by a fresh registry that also exports the Go
// runtime and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		liveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connections",
			Help:      "Websocket connections currently open on this instance.",
		}),
		signaling: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_messages_total",
			Help:      "Realtime messages handled by kind and outcome.",
		}, []string{"kind", "outcome"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Uploaded chunks by outcome.",
		}, []string{"outcome"}),
		chunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Bytes written by chunk uploads.",
		}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Merge attempts by artifact kind and outcome.",
		}, []string{"kind", "outcome"}),
		mergeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Wall time spent producing merged artifacts.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		meetingsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "meetings_ended_total",
			Help:      "Meetings whose host duration was recorded.",
		}),
		publications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_publications_total",
			Help:      "Artifact uploads to object storage by outcome.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpDuration,
		r.liveConnections,
		r.signaling,
		r.chunks,
		r.chunkBytes,
		r.merges,
		r.mergeDuration,
		r.meetingsEnded,
		r.publications,
	)
	return r
}

// Default returns the process-wide recorder used by the package helpers.
func Default() *Recorder {
	return defaultRecorder.Load()
}

// SetDefault swaps the process-wide recorder. Tests use it to isolate counts.
func SetDefault(r *Recorder) {
	if r != nil {
		defaultRecorder.Store(r)
	}
}

// Registry exposes the underlying registry for tests and custom collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	m := strings.ToUpper(method)
	p := normalizePath(path)
	r.httpRequests.WithLabelValues(m, p, fmt.Sprintf("%d", status)).Inc()
	r.httpDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

func (r *Recorder) ConnectionOpened() {
	r.liveConnections.Inc()
}

func (r *Recorder) ConnectionClosed() {
	r.liveConnections.Dec()
}

func (r *Recorder) ObserveSignal(kind, outcome string) {
	r.signaling.WithLabelValues(normalizeName(kind), normalizeName(outcome)).Inc()
}

func (r *Recorder) ChunkStored(size int64) {
	r.chunks.WithLabelValues("stored").Inc()
	if size > 0 {
		r.chunkBytes.Add(float64(size))
	}
}

func (r *Recorder) ChunkFailed() {
	r.chunks.WithLabelValues("failed").Inc()
}

func (r *Recorder) ObserveMerge(kind, outcome string, duration time.Duration) {
	k := normalizeName(kind)
	r.merges.WithLabelValues(k, normalizeName(outcome)).Inc()
	if duration > 0 {
		r.mergeDuration.WithLabelValues(k).Observe(duration.Seconds())
	}
}

func (r *Recorder) MeetingEnded() {
	r.meetingsEnded.Inc()
}

func (r *Recorder) ObservePublication(outcome string) {
	r.publications.WithLabelValues(normalizeName(outcome)).Inc()
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" || strings.HasPrefix(part, "{") {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

func ConnectionOpened() { Default().ConnectionOpened() }

func ConnectionClosed() { Default().ConnectionClosed() }

func ObserveSignal(kind, outcome string) { Default().ObserveSignal(kind, outcome) }

func ChunkStored(size int64) { Default().ChunkStored(size) }

func ChunkFailed() { Default().ChunkFailed() }

func ObserveMerge(kind, outcome string, duration time.Duration) {
	Default().ObserveMerge(kind, outcome, duration)
}

func MeetingEnded() { Default().MeetingEnded() }

func ObservePublication(outcome string) { Default().ObservePublication(outcome) }

// Handler exposes the default recorder.
func Handler() http.Handler {
	return Default().Handler()
}
