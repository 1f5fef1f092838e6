// Package metrics provides Prometheus metrics for the PBFT consensus engine.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for PBFT.
type Metrics struct {
	mu sync.Mutex

	// Consensus metrics
	consensusRoundsTotal prometheus.Counter   // 총 합의 라운드
	consensusDuration    prometheus.Histogram // 합의 소요 시간
	currentBlockHeight   prometheus.Gauge     // 현재 블록 높이
	currentView          prometheus.Gauge     // 현 뷰 번호

	// Message metrics
	messagesSentTotal     *prometheus.CounterVec   // 타입별 전송 메시지 수
	messagesReceivedTotal *prometheus.CounterVec   // 타입별 수신 메시지 수
	messageProcessingTime *prometheus.HistogramVec // 업데이트 처리 시간

	// View change metrics
	viewChangesTotal prometheus.Counter

	// Backlog and fault metrics
	backlogSize        prometheus.Gauge
	protocolViolations *prometheus.CounterVec

	roundStartTimes map[uint64]time.Time
}

// NewMetrics creates a new Metrics instance and registers all metrics with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		roundStartTimes: make(map[uint64]time.Time),
	}

	// Consensus metrics
	m.consensusRoundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consensus_rounds_total",
		Help:      "Total number of consensus rounds completed",
	})

	m.consensusDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "consensus_duration_seconds",
		Help:      "Duration of consensus rounds in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	})

	m.currentBlockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "block_height",
		Help:      "Height of the last committed block",
	})

	m.currentView = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_view",
		Help:      "Current view number",
	})

	// Message metrics
	m.messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Total number of messages sent by type",
	}, []string{"type"})

	m.messagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Total number of messages received by type",
	}, []string{"type"})

	m.messageProcessingTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "update_processing_seconds",
		Help:      "Time to process host updates by kind",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
	}, []string{"type"})

	m.viewChangesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "view_changes_total",
		Help:      "Total number of view changes started",
	})

	m.backlogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backlog_size",
		Help:      "Number of peer messages waiting in the backlog",
	})

	m.protocolViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_violations_total",
		Help:      "Peer messages rejected as protocol violations by kind",
	}, []string{"kind"})

	reg.MustRegister(
		m.consensusRoundsTotal,
		m.consensusDuration,
		m.currentBlockHeight,
		m.currentView,
		m.messagesSentTotal,
		m.messagesReceivedTotal,
		m.messageProcessingTime,
		m.viewChangesTotal,
		m.backlogSize,
		m.protocolViolations,
	)

	return m
}

// StartConsensusRound records the start of a consensus round.
func (m *Metrics) StartConsensusRound(seqNum uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roundStartTimes[seqNum]; !ok {
		m.roundStartTimes[seqNum] = time.Now()
	}
}

// EndConsensusRound records the end of a consensus round.
func (m *Metrics) EndConsensusRound(seqNum uint64) {
	m.mu.Lock()
	startTime, exists := m.roundStartTimes[seqNum]
	if exists {
		delete(m.roundStartTimes, seqNum)
	}
	m.mu.Unlock()

	if exists {
		m.consensusDuration.Observe(time.Since(startTime).Seconds())
		m.consensusRoundsTotal.Inc()
	}
}

// SetBlockHeight sets the current block height.
func (m *Metrics) SetBlockHeight(height uint64) {
	m.currentBlockHeight.Set(float64(height))
}

// SetCurrentView sets the current view number.
func (m *Metrics) SetCurrentView(view uint64) {
	m.currentView.Set(float64(view))
}

// IncrementMessagesSent increments the messages sent counter.
func (m *Metrics) IncrementMessagesSent(msgType string) {
	m.messagesSentTotal.WithLabelValues(msgType).Inc()
}

// IncrementMessagesReceived increments the messages received counter.
func (m *Metrics) IncrementMessagesReceived(msgType string) {
	m.messagesReceivedTotal.WithLabelValues(msgType).Inc()
}

// RecordMessageProcessingTime records the time to process an update.
func (m *Metrics) RecordMessageProcessingTime(kind string, duration time.Duration) {
	m.messageProcessingTime.WithLabelValues(kind).Observe(duration.Seconds())
}

// IncrementViewChanges increments the view change counter.
func (m *Metrics) IncrementViewChanges() {
	m.viewChangesTotal.Inc()
}

// SetBacklogSize sets the backlog gauge.
func (m *Metrics) SetBacklogSize(n int) {
	m.backlogSize.Set(float64(n))
}

// IncrementProtocolViolations counts a rejected message.
func (m *Metrics) IncrementProtocolViolations(kind string) {
	m.protocolViolations.WithLabelValues(kind).Inc()
}

// Server provides 프로메테우스 매트릭을 위한 HTTP 서버를 제공
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a metrics HTTP server exposing gatherer on /metrics.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Serve listens on the configured address and serves until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NullMetrics is a no-op implementation of metrics for testing.
type NullMetrics struct{}

func (n *NullMetrics) StartConsensusRound(seqNum uint64)                        {}
func (n *NullMetrics) EndConsensusRound(seqNum uint64)                          {}
func (n *NullMetrics) SetBlockHeight(height uint64)                             {}
func (n *NullMetrics) SetCurrentView(view uint64)                               {}
func (n *NullMetrics) IncrementMessagesSent(msgType string)                     {}
func (n *NullMetrics) IncrementMessagesReceived(msgType string)                 {}
func (n *NullMetrics) RecordMessageProcessingTime(kind string, d time.Duration) {}
func (n *NullMetrics) IncrementViewChanges()                                    {}
func (n *NullMetrics) SetBacklogSize(size int)                                  {}
func (n *NullMetrics) IncrementProtocolViolations(kind string)                  {}
