package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// collector is one metric family in the text exposition.
type collector interface {
	write(w io.Writer)
}

// registry renders its collectors in registration order.
type registry struct {
	mu         sync.Mutex
	collectors []collector
}

func (r *registry) register(c collector) {
	r.mu.Lock()
	r.collectors = append(r.collectors, c)
	r.mu.Unlock()
}

func (r *registry) writeTo(w io.Writer) {
	r.mu.Lock()
	cs := append([]collector(nil), r.collectors...)
	r.mu.Unlock()
	for _, c := range cs {
		c.write(w)
	}
}

var (
	defaultRegistry = &registry{}

	runsStarted        = newCounter("reprocess_runs_started_total", "Reprocess runs that claimed their step", "")
	runsFinished       = newCounter("reprocess_runs_finished_total", "Reprocess runs by terminal status", "status")
	documentsProcessed = newCounter("reprocess_documents_processed_total", "Documents whose prompt sequence completed", "")
	documentsFailed    = newCounter("reprocess_documents_failed_total", "Documents recorded with an error result", "")
	llmCallsFailed     = newCounter("llm_calls_failed_total", "Provider calls that returned an error", "")
	workerMessages     = newCounter("worker_messages_total", "Queue messages by handling outcome", "outcome")

	llmCallDuration = newHistogram("llm_call_duration_ms", "Provider call duration in milliseconds",
		[]float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 120000})
)

func IncRunsStarted() { runsStarted.inc("") }
func IncDocumentsProcessed() { documentsProcessed.inc("") }
func IncDocumentsFailed() { documentsFailed.inc("") }
func IncLLMCallsFailed() { llmCallsFailed.inc("") }

// IncRunsFinished counts a terminated run by its terminal status.
func IncRunsFinished(status string) { runsFinished.inc(status) }

func IncWorkerReceived() { workerMessages.inc("received") }
func IncWorkerCompleted() { workerMessages.inc("completed") }
func IncWorkerFailed() { workerMessages.inc("failed") }
func IncWorkerDeletedUnrecoverable() { workerMessages.inc("dropped") }

// ObserveLLMDurationMs records a provider call duration in milliseconds.
func ObserveLLMDurationMs(value float64) {
	llmCallDuration.observe(math.Max(value, 0))
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render returns the current exposition text.
func Render() string {
	var b strings.Builder
	defaultRegistry.writeTo(&b)
	return b.String()
}

// counter is a monotonically increasing family. An empty label name makes it
// a single unlabeled series.
type counter struct {
	name, help, label string

	mu     sync.Mutex
	series map[string]uint64
}

func newCounter(name, help, label string) *counter {
	c := &counter{name: name, help: help, label: label, series: map[string]uint64{}}
	defaultRegistry.register(c)
	return c
}

func (c *counter) inc(value string) {
	c.mu.Lock()
	c.series[value]++
	c.mu.Unlock()
}

func (c *counter) get(value string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.series[value]
}

func (c *counter) write(w io.Writer) {
	header(w, c.name, c.help, "counter")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.label == "" {
		fmt.Fprintf(w, "%s %d\n", c.name, c.series[""])
		return
	}
	values := make([]string, 0, len(c.series))
	for v := range c.series {
		values = append(values, v)
	}
	sort.Strings(values)
	for _, v := range values {
		fmt.Fprintf(w, "%s{%s=%q} %d\n", c.name, c.label, v, c.series[v])
	}
}

// histogram keeps per-bucket counts; write emits them cumulatively.
type histogram struct {
	name, help string
	bounds     []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	total  uint64
}

func newHistogram(name, help string, bounds []float64) *histogram {
	h := &histogram{name: name, help: help, bounds: bounds, counts: make([]uint64, len(bounds))}
	defaultRegistry.register(h)
	return h
}

func (h *histogram) observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.sum += v
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

func (h *histogram) write(w io.Writer) {
	header(w, h.name, h.help, "histogram")
	h.mu.Lock()
	defer h.mu.Unlock()
	var running uint64
	for i, le := range h.bounds {
		running += h.counts[i]
		fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", h.name, number(le), running)
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.total)
	fmt.Fprintf(w, "%s_sum %s\n", h.name, number(h.sum))
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.total)
}

func header(w io.Writer, name, help, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func number(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
