// Package metrics tracks process-wide bus traffic. Every counter is exported
// to prometheus and mirrored in an atomic so the periodic reporter can log
// throughput without scraping.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GeeItsZee/SockExchange/internal/util"
)

// ──────────────────────────────────────────────────────────────────────────────
// Prometheus collectors
// ──────────────────────────────────────────────────────────────────────────────

var (
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sockexchange",
		Name:      "frames_total",
		Help:      "Frames moved over hub/leaf links, by direction and packet kind.",
	}, []string{"direction", "packet"})

	bytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sockexchange",
		Name:      "bytes_total",
		Help:      "Frame bytes moved over hub/leaf links, by direction.",
	}, []string{"direction"})

	transportsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sockexchange",
		Name:      "transports_open",
		Help:      "Currently open transports.",
	})

	registeredLeaves = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sockexchange",
		Name:      "registered_leaves",
		Help:      "Leaves currently registered with this hub.",
	})

	handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sockexchange",
		Name:      "handshakes_total",
		Help:      "Registration handshakes, by result.",
	}, []string{"result"})

	protocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sockexchange",
		Name:      "protocol_violations_total",
		Help:      "Transports closed because of a protocol violation.",
	})

	callOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sockexchange",
		Name:      "call_outcomes_total",
		Help:      "Resolved pending calls, by status.",
	}, []string{"status"})

	dialAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sockexchange",
		Name:      "dial_attempts_total",
		Help:      "Leaf dial attempts, by outcome.",
	}, []string{"outcome"})
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // transports opened since process start
	ClosedConns atomic.Int64 // transports closed since process start
	BytesSent   atomic.Int64
	BytesRecv   atomic.Int64
}

func (s *stats) AddConn() {
	s.TotalConns.Add(1)
	transportsOpen.Inc()
}

func (s *stats) RemoveConn() {
	s.ClosedConns.Add(1)
	transportsOpen.Dec()
}

// AddSent records one outbound frame of n bytes (prefix included).
func (s *stats) AddSent(packet string, n int) {
	s.BytesSent.Add(int64(n))
	bytesTotal.WithLabelValues("out").Add(float64(n))
	framesTotal.WithLabelValues("out", packet).Inc()
}

// AddRecv records one inbound frame of n bytes (prefix included).
func (s *stats) AddRecv(packet string, n int) {
	s.BytesRecv.Add(int64(n))
	bytesTotal.WithLabelValues("in").Add(float64(n))
	framesTotal.WithLabelValues("in", packet).Inc()
}

func (s *stats) LeafRegistered() { registeredLeaves.Inc() }
func (s *stats) LeafUnregistered() { registeredLeaves.Dec() }
func (s *stats) Handshake(result string) { handshakes.WithLabelValues(result).Inc() }
func (s *stats) ProtocolViolation() { protocolViolations.Inc() }
func (s *stats) CallResolved(status string) { callOutcomes.WithLabelValues(status).Inc() }
func (s *stats) Dial(outcome string) { dialAttempts.WithLabelValues(outcome).Inc() }

// ──────────────────────────────────────────────────────────────────────────────
// Exposition
// ──────────────────────────────────────────────────────────────────────────────

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("metrics listening on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs bus throughput every
// interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				upC := total - prevTotal
				downC := closed - prevClosed

				if upC > 0 || downC > 0 || inS > 10 || outS > 10 {
					util.LogInfo("%s", formatStats(inS, outS, upC, downC))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes renders a byte count in exactly 8 characters,
// e.g. "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(inS, outS float64, upC, downC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Links: %2d↑ %2d↓",
		formatBytes(inS),
		formatBytes(outS),
		upC,
		downC,
	)
}
