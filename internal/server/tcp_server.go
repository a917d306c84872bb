package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"mono-simulator/internal/config"
	"mono-simulator/internal/handler"
	"mono-simulator/internal/monitor"
	"mono-simulator/internal/parser"
	"mono-simulator/internal/storage"
)

// BindError 监听端口失败, 进程应以 Code() 退出
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("监听 %s 失败: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Code 返回底层 socket 错误码, 没有时返回 1
func (e *BindError) Code() int {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) && errno != 0 {
		return int(errno)
	}
	return 1
}

type TCPServer struct {
	config     *config.Config
	listener   net.Listener
	storage    *storage.EventPublisher
	publisher  handler.Publisher
	monitor    *monitor.Monitor
	log        logrus.FieldLogger
	parserOpts []parser.Option
	limiter    chan struct{}
	wg         sync.WaitGroup
}

type Option func(*TCPServer)

// WithPublisher 替换命令事件发布者
func WithPublisher(p handler.Publisher) Option {
	return func(s *TCPServer) {
		s.publisher = p
	}
}

// WithParserOptions 传给每个连接的解析器
func WithParserOptions(opts ...parser.Option) Option {
	return func(s *TCPServer) {
		s.parserOpts = append(s.parserOpts, opts...)
	}
}

func NewTCPServer(cfg *config.Config, log logrus.FieldLogger, opts ...Option) (*TCPServer, error) {
	s := &TCPServer{
		config:  cfg,
		monitor: monitor.NewMonitor(log),
		log:     log,
	}
	if cfg.Server.Concurrent {
		s.limiter = make(chan struct{}, cfg.Server.MaxConnections)
	}

	// 创建事件发布
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		pub, err := storage.NewEventPublisher(
			ctx,
			cfg.Redis.Addr,
			cfg.Redis.Password,
			cfg.Redis.Channel,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			log,
		)
		if err != nil {
			return nil, err
		}
		s.storage = pub
		s.publisher = pub
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start 绑定监听端口
func (s *TCPServer) Start() error {
	addr := net.JoinHostPort(s.config.Server.Host, strconv.Itoa(s.config.Server.Port))

	lc := net.ListenConfig{
		KeepAlive: s.config.Server.KeepAlive,
	}

	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	s.listener = listener
	mode := "顺序"
	if s.config.Server.Concurrent {
		mode = fmt.Sprintf("并发, 最大连接: %d", s.config.Server.MaxConnections)
	}
	s.log.Infof("服务器启动成功: %s (%s)", listener.Addr(), mode)
	return nil
}

// Addr 返回实际监听地址, 未启动时为 nil
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe 绑定端口并处理连接直到 ctx 结束
func (s *TCPServer) ListenAndServe(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve 接受连接直到 ctx 结束. 默认一次只处理一个连接,
// 后续客户端在当前连接关闭前停留在监听队列中
func (s *TCPServer) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("服务器未启动")
	}

	// 启动监控
	if s.config.Monitor.Enabled {
		if err := s.monitor.StartMetricsServer(ctx, s.config.Monitor.MetricsPort); err != nil {
			s.log.Errorf("启动监控失败: %v", err)
		}
		s.monitor.StartRuntimeMonitor(ctx)
	}

	stop := context.AfterFunc(ctx, func() {
		s.listener.Close()
	})
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("停止接受新连接")
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return fmt.Errorf("监听已关闭: %w", err)
			}
			s.log.Errorf("接受连接错误: %v", err)
			continue
		}

		if !s.config.Server.Concurrent {
			s.handleConnection(ctx, conn)
			continue
		}

		// 连接数限制
		select {
		case s.limiter <- struct{}{}:
			s.wg.Add(1)
			go func() {
				defer func() {
					<-s.limiter
					s.wg.Done()
				}()
				s.handleConnection(ctx, conn)
			}()
		default:
			s.log.Warnf("达到最大连接数，拒绝连接: %s", conn.RemoteAddr())
			conn.Close()
		}
	}
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	s.log.Infof("客户端已连接: %s", conn.RemoteAddr())

	h := handler.NewConnectionHandler(
		conn,
		s.publisher,
		s.log,
		s.config.Server.IdleTimeout,
		s.config.Server.WriteTimeout,
		s.parserOpts...,
	)

	if err := h.Handle(ctx); err != nil {
		s.log.Errorf("连接异常: %v", err)
	}
}

// Close 释放监听和存储连接
func (s *TCPServer) Close() error {
	var errs []error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭存储连接失败: %w", err))
		}
	}
	return errors.Join(errs...)
}
