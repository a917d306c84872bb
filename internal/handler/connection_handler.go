package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mono-simulator/internal/monitor"
	"mono-simulator/internal/parser"
	"mono-simulator/pkg/protocol"
)

const publishTimeout = 2 * time.Second

// Publisher 命令事件的下游, 可为空
type Publisher interface {
	Publish(ctx context.Context, event *protocol.CommandEvent) error
}

// ConnError 连接读写失败, 只影响当前连接
type ConnError struct {
	Session string
	Op      string
	Err     error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("连接 %s %s失败: %v", e.Session, e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

type ConnectionHandler struct {
	conn         net.Conn
	session      string
	peer         string
	parser       *parser.Parser
	publisher    Publisher
	log          logrus.FieldLogger
	idleTimeout  time.Duration
	writeTimeout time.Duration
}

func NewConnectionHandler(
	conn net.Conn,
	publisher Publisher,
	log logrus.FieldLogger,
	idleTimeout time.Duration,
	writeTimeout time.Duration,
	opts ...parser.Option,
) *ConnectionHandler {
	session := uuid.NewString()
	peer := conn.RemoteAddr().String()

	return &ConnectionHandler{
		conn:         conn,
		session:      session,
		peer:         peer,
		parser:       parser.NewParser(opts...),
		publisher:    publisher,
		log:          log.WithFields(logrus.Fields{"session": session, "peer": peer}),
		idleTimeout:  idleTimeout,
		writeTimeout: writeTimeout,
	}
}

// Session 返回连接的会话ID
func (h *ConnectionHandler) Session() string {
	return h.session
}

// Handle 逐字节处理连接直到对端关闭. 正常关闭, 空闲超时和 ctx 取消都返回 nil
func (h *ConnectionHandler) Handle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		h.conn.Close()
	})
	defer func() {
		stop()
		h.conn.Close()
		monitor.ActiveConnections.Dec()
		h.log.Info("连接关闭")
	}()

	monitor.ActiveConnections.Inc()
	monitor.TotalConnections.Inc()

	reader := bufio.NewReader(h.conn)

	for {
		if h.idleTimeout > 0 {
			h.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
		}

		b, err := reader.ReadByte()
		if err != nil {
			return h.readError(ctx, err)
		}

		monitor.BytesReceived.Inc()

		ev := h.parser.Feed(b)
		switch ev.Kind {
		case protocol.EventResponse:
			if err := h.respond(ctx, ev); err != nil {
				return err
			}
		case protocol.EventUnknown:
			monitor.UnknownCommands.Inc()
			h.log.Warnf("未知命令: *%q", ev.Byte)
			h.publish(ctx, ev, "unknown command")
		}
	}
}

func (h *ConnectionHandler) readError(ctx context.Context, err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	if ctx.Err() != nil {
		h.log.Debug("服务器关闭, 断开连接")
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		h.log.Infof("连接空闲超过 %v", h.idleTimeout)
		return nil
	}

	monitor.ConnectionErrors.Inc()
	return &ConnError{Session: h.session, Op: "读取", Err: err}
}

// respond 同步写回响应, 写完才读取下一个字节
func (h *ConnectionHandler) respond(ctx context.Context, ev protocol.Event) error {
	h.log.Infof("收到命令->*%c", ev.Command.Letter())

	start := time.Now()
	if h.writeTimeout > 0 {
		h.conn.SetWriteDeadline(start.Add(h.writeTimeout))
	}
	if _, err := h.conn.Write(ev.Payload); err != nil {
		monitor.ConnectionErrors.Inc()
		return &ConnError{Session: h.session, Op: "写入", Err: err}
	}
	monitor.ResponseDuration.Observe(time.Since(start).Seconds())
	monitor.CommandsServed.WithLabelValues(ev.Command.String()).Inc()

	h.log.Infof("发送响应->%s", strings.TrimSuffix(string(ev.Payload), protocol.Terminator))
	h.publish(ctx, ev, "")
	return nil
}

// publish 发布失败只记录日志, 不影响协议
func (h *ConnectionHandler) publish(ctx context.Context, ev protocol.Event, errText string) {
	if h.publisher == nil {
		return
	}

	event := &protocol.CommandEvent{
		Session:   h.session,
		Peer:      h.peer,
		Timestamp: time.Now(),
		Command:   ev.Command.String(),
		Input:     string([]byte{protocol.CommandMarker, ev.Byte}),
		Response:  strings.TrimSuffix(string(ev.Payload), protocol.Terminator),
		Error:     errText,
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := h.publisher.Publish(pubCtx, event); err != nil {
		h.log.Warnf("发布命令事件失败: %v", err)
	}
}
