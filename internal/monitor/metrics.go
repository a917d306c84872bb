package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// 连接指标
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mono_active_connections",
		Help: "当前活跃连接数",
	})

	TotalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mono_total_connections",
		Help: "总连接数",
	})

	ConnectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mono_connection_errors_total",
		Help: "连接读写错误数",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mono_bytes_received_total",
		Help: "接收的字节总数",
	})

	// 命令指标
	CommandsServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mono_commands_served_total",
			Help: "已响应的命令数",
		},
		[]string{"command"},
	)

	UnknownCommands = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mono_unknown_commands_total",
		Help: "未知命令数",
	})

	ResponseDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mono_response_duration_seconds",
		Help:    "响应写入耗时",
		Buckets: prometheus.DefBuckets,
	})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mono_goroutines",
		Help: "当前Goroutine数量",
	})

	MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mono_memory_usage_bytes",
		Help: "内存使用量",
	})
)

var registerOnce sync.Once

type Monitor struct {
	log logrus.FieldLogger
}

func NewMonitor(log logrus.FieldLogger) *Monitor {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ActiveConnections,
			TotalConnections,
			ConnectionErrors,
			BytesReceived,
			CommandsServed,
			UnknownCommands,
			ResponseDuration,
			GoroutineCount,
			MemoryUsage,
		)
	})

	return &Monitor{log: log}
}

// Handler 返回 /metrics 与 /health 路由
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// StartMetricsServer 启动Metrics HTTP服务器, ctx 结束时关闭
func (m *Monitor) StartMetricsServer(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("Metrics服务器监听失败: %w", err)
	}

	srv := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.log.Infof("Metrics服务器启动: %s", ln.Addr())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Errorf("Metrics服务器错误: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return nil
}

// StartRuntimeMonitor 启动运行时监控
func (m *Monitor) StartRuntimeMonitor(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sampleRuntime()
			}
		}
	}()
}

func (m *Monitor) sampleRuntime() {
	GoroutineCount.Set(float64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	MemoryUsage.Set(float64(memStats.Alloc))

	m.log.Debugf("Goroutines: %d, 内存: %.2f MB",
		runtime.NumGoroutine(),
		float64(memStats.Alloc)/1024/1024,
	)
}
