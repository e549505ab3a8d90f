// Package metrics はゲートウェイのPrometheusメトリクスと、その公開用HTTPサーバーを提供する。
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "gateway"

	// Path はメトリクスを公開するパス。
	Path = "/metrics"

	// 上流呼び出し: 5ms ~ 30s（UPSTREAM_TIMEOUTのデフォルトまで）
	upstreamDurationMin   = 0.005
	upstreamDurationMax   = 30.0
	upstreamDurationCount = 14
)

// Metrics はゲートウェイのメトリクス一式。
type Metrics struct {
	// requestsTotal はステージごとの結果数。
	requestsTotal *prometheus.CounterVec
	// upstreamDuration は上流呼び出しの所要時間。
	upstreamDuration *prometheus.HistogramVec
	// inFlight は処理中のリクエスト数。
	inFlight prometheus.Gauge

	registry *prometheus.Registry
}

// New は専用のレジストリにメトリクスを登録して返す。
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of pipeline stage outcomes",
			},
			[]string{"stage", "outcome"},
		),
		upstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_request_duration_seconds",
				Help:      "Time spent waiting for upstream services",
				Buckets:   prometheus.ExponentialBucketsRange(upstreamDurationMin, upstreamDurationMax, upstreamDurationCount),
			},
			[]string{"route", "code"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),
		registry: registry,
	}
}

// Observe はステージの結果を記録する。
func (m *Metrics) Observe(stage, outcome string) {
	m.requestsTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveUpstream は上流呼び出しの所要時間を記録する。
func (m *Metrics) ObserveUpstream(route, code string, elapsed time.Duration) {
	m.upstreamDuration.WithLabelValues(route, code).Observe(elapsed.Seconds())
}

// TrackInFlight は処理中リクエスト数を1増やし、減らすための関数を返す。
func (m *Metrics) TrackInFlight() func() {
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// Registry はメトリクスのレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler はメトリクスを公開するHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server はメトリクス公開用のHTTPサーバー。
type Server struct {
	srv *http.Server
}

// NewServer は addr で待ち受けるメトリクスサーバーを生成する。
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle(Path, m.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Serve はlnで待ち受けを開始する。Shutdownされた場合はnilを返す。
func (s *Server) Serve(ln net.Listener) error {
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("メトリクスサーバーの起動に失敗: %w", err)
	}
	return nil
}

// ListenAndServe は設定されたアドレスで待ち受けを開始する。
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("メトリクスポートのリッスンに失敗: %w", err)
	}
	return s.Serve(ln)
}

// Shutdown はサーバーを停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
