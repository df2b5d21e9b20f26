package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// MergeJobLabel keys merge pipeline counters by outcome.
type MergeJobLabel struct {
	Status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, the
// upload session lifecycle, the merge pipeline, and purchase webhook
// reconciliation. It coordinates concurrent writers via a RWMutex while
// exposing thread-safe gauges for in-flight work.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	uploadEvents    map[string]uint64
	chunksReceived  uint64
	bytesReceived   uint64
	mergeEvents     map[MergeJobLabel]uint64
	webhookEvents   map[string]uint64
	tokensGranted   uint64
	tokensSpent     uint64
	activeUploads   atomic.Int64
	activeMerges    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		uploadEvents:    make(map[string]uint64),
		mergeEvents:     make(map[MergeJobLabel]uint64),
		webhookEvents:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across helper functions for
// callers that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// UploadStarted records a new upload session and increments the active
// session gauge.
func (r *Recorder) UploadStarted() {
	r.incrementUploadEvent("start")
	r.activeUploads.Add(1)
}

// UploadCompleted records a finalized upload session and decrements the
// active session gauge.
func (r *Recorder) UploadCompleted() {
	r.incrementUploadEvent("complete")
	r.decrementGauge(&r.activeUploads)
}

// UploadAborted records an aborted or expired session and decrements the
// active session gauge, guarding against negative counts when updates race.
func (r *Recorder) UploadAborted(reason string) {
	r.incrementUploadEvent(reason)
	r.decrementGauge(&r.activeUploads)
}

func (r *Recorder) incrementUploadEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.uploadEvents[normalized]++
	r.mu.Unlock()
}

// ObserveChunk records one accepted chunk and its size.
func (r *Recorder) ObserveChunk(sizeBytes int64) {
	r.mu.Lock()
	r.chunksReceived++
	if sizeBytes > 0 {
		r.bytesReceived += uint64(sizeBytes)
	}
	r.mu.Unlock()
}

// MergeStarted records the beginning of a merge attempt and increments the
// active merge gauge.
func (r *Recorder) MergeStarted() {
	r.recordMergeEvent("start")
	r.activeMerges.Add(1)
}

// MergeCompleted records a successful merge and decrements the active gauge.
func (r *Recorder) MergeCompleted() {
	r.recordMergeEvent("complete")
	r.decrementGauge(&r.activeMerges)
}

// MergeFailed records a failed merge attempt and decrements the active gauge.
func (r *Recorder) MergeFailed() {
	r.recordMergeEvent("fail")
	r.decrementGauge(&r.activeMerges)
}

// MergeRetried records a merge attempt scheduled for retry.
func (r *Recorder) MergeRetried() {
	r.recordMergeEvent("retry")
	r.decrementGauge(&r.activeMerges)
}

func (r *Recorder) recordMergeEvent(status string) {
	label := MergeJobLabel{Status: normalizeName(status)}
	r.mu.Lock()
	r.mergeEvents[label]++
	r.mu.Unlock()
}

// ObserveWebhook records one processed purchase webhook delivery by outcome
// ("applied", "duplicate", "rejected") and accumulates granted tokens.
func (r *Recorder) ObserveWebhook(outcome string, tokens int64) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.webhookEvents[normalized]++
	if normalized == "applied" && tokens > 0 {
		r.tokensGranted += uint64(tokens)
	}
	r.mu.Unlock()
}

// ObserveSpend records tokens debited from a wallet.
func (r *Recorder) ObserveSpend(tokens int64) {
	if tokens <= 0 {
		return
	}
	r.mu.Lock()
	r.tokensSpent += uint64(tokens)
	r.mu.Unlock()
}

// ActiveUploads exposes the current gauge of open upload sessions.
func (r *Recorder) ActiveUploads() int64 {
	return r.activeUploads.Load()
}

// ActiveMerges exposes the current number of in-flight merge attempts.
func (r *Recorder) ActiveMerges() int64 {
	return r.activeMerges.Load()
}

// UploadCounts returns a copy of upload lifecycle counters for reporting and
// tests.
func (r *Recorder) UploadCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.uploadEvents))
	for k, v := range r.uploadEvents {
		counts[k] = v
	}
	return counts
}

// MergeCounts returns copies of merge event counters and the current active
// merge gauge value.
func (r *Recorder) MergeCounts() (events map[MergeJobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[MergeJobLabel]uint64, len(r.mergeEvents))
	for k, v := range r.mergeEvents {
		events[k] = v
	}
	return events, r.activeMerges.Load()
}

// WebhookCounts returns a copy of webhook outcome counters.
func (r *Recorder) WebhookCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.webhookEvents))
	for k, v := range r.webhookEvents {
		counts[k] = v
	}
	return counts
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.uploadEvents = make(map[string]uint64)
	r.chunksReceived = 0
	r.bytesReceived = 0
	r.mergeEvents = make(map[MergeJobLabel]uint64)
	r.webhookEvents = make(map[string]uint64)
	r.tokensGranted = 0
	r.tokensSpent = 0
	r.activeUploads.Store(0)
	r.activeMerges.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	uploadEvents := sortedKeys(r.uploadEvents)
	webhookEvents := sortedKeys(r.webhookEvents)
	mergeLabels := r.sortedMergeLabels()

	fmt.Fprintln(w, "# HELP triclip_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE triclip_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "triclip_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP triclip_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE triclip_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "triclip_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP triclip_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE triclip_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "triclip_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP triclip_upload_sessions_total Upload session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE triclip_upload_sessions_total counter")
	for _, event := range uploadEvents {
		fmt.Fprintf(w, "triclip_upload_sessions_total{event=\"%s\"} %d\n", event, r.uploadEvents[event])
	}

	fmt.Fprintln(w, "# HELP triclip_active_upload_sessions Current number of open upload sessions")
	fmt.Fprintln(w, "# TYPE triclip_active_upload_sessions gauge")
	fmt.Fprintf(w, "triclip_active_upload_sessions %d\n", r.activeUploads.Load())

	fmt.Fprintln(w, "# HELP triclip_upload_chunks_total Total accepted upload chunks")
	fmt.Fprintln(w, "# TYPE triclip_upload_chunks_total counter")
	fmt.Fprintf(w, "triclip_upload_chunks_total %d\n", r.chunksReceived)

	fmt.Fprintln(w, "# HELP triclip_upload_bytes_total Total accepted upload bytes")
	fmt.Fprintln(w, "# TYPE triclip_upload_bytes_total counter")
	fmt.Fprintf(w, "triclip_upload_bytes_total %d\n", r.bytesReceived)

	fmt.Fprintln(w, "# HELP triclip_merge_jobs_total Merge pipeline events by status")
	fmt.Fprintln(w, "# TYPE triclip_merge_jobs_total counter")
	for _, label := range mergeLabels {
		fmt.Fprintf(w, "triclip_merge_jobs_total{status=\"%s\"} %d\n", label.Status, r.mergeEvents[label])
	}

	fmt.Fprintln(w, "# HELP triclip_active_merge_jobs Current number of in-flight merge attempts")
	fmt.Fprintln(w, "# TYPE triclip_active_merge_jobs gauge")
	fmt.Fprintf(w, "triclip_active_merge_jobs %d\n", r.activeMerges.Load())

	fmt.Fprintln(w, "# HELP triclip_purchase_webhooks_total Purchase webhook deliveries by outcome")
	fmt.Fprintln(w, "# TYPE triclip_purchase_webhooks_total counter")
	for _, event := range webhookEvents {
		fmt.Fprintf(w, "triclip_purchase_webhooks_total{outcome=\"%s\"} %d\n", event, r.webhookEvents[event])
	}

	fmt.Fprintln(w, "# HELP triclip_tokens_granted_total Total tokens credited through applied webhooks")
	fmt.Fprintln(w, "# TYPE triclip_tokens_granted_total counter")
	fmt.Fprintf(w, "triclip_tokens_granted_total %d\n", r.tokensGranted)

	fmt.Fprintln(w, "# HELP triclip_tokens_spent_total Total tokens debited from wallets")
	fmt.Fprintln(w, "# TYPE triclip_tokens_spent_total counter")
	fmt.Fprintf(w, "triclip_tokens_spent_total %d\n", r.tokensSpent)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedMergeLabels() []MergeJobLabel {
	labels := make([]MergeJobLabel, 0, len(r.mergeEvents))
	for label := range r.mergeEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
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

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// UploadStarted increments counters on the default recorder.
func UploadStarted() {
	defaultRecorder.UploadStarted()
}

// UploadCompleted decrements active uploads on the default recorder.
func UploadCompleted() {
	defaultRecorder.UploadCompleted()
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
