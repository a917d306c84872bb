package parser

import (
	"strconv"
	"time"

	"mono-simulator/pkg/protocol"
)

// Parser 按字节驱动的命令状态机, 每个连接一个实例, 非并发安全
type Parser struct {
	state protocol.State
	now   func() time.Time
}

type Option func(*Parser)

// WithClock 替换日期命令使用的时钟
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		p.now = now
	}
}

func NewParser(opts ...Option) *Parser {
	p := &Parser{
		state: protocol.StateIdle,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State 返回当前状态
func (p *Parser) State() protocol.State {
	return p.state
}

// Reset 回到空闲状态
func (p *Parser) Reset() {
	p.state = protocol.StateIdle
}

// Feed 处理一个输入字节
func (p *Parser) Feed(b byte) protocol.Event {
	switch p.state {
	case protocol.StateIdle:
		if b == protocol.CommandMarker {
			p.state = protocol.StateAwaitingCommand
		}
		return protocol.Event{Kind: protocol.EventNone, Byte: b}

	case protocol.StateAwaitingCommand:
		cmd := lookup(b)
		if cmd == protocol.CommandUnrecognized {
			p.state = protocol.StateIdle
			return protocol.Event{Kind: protocol.EventUnknown, Command: cmd, Byte: b}
		}
		// 命令状态只在转移时触发一次响应, 随后立即回到空闲
		p.state = commandState(cmd)
		ev := protocol.Event{
			Kind:    protocol.EventResponse,
			Command: cmd,
			Payload: p.respond(cmd),
			Byte:    b,
		}
		p.state = protocol.StateIdle
		return ev

	default:
		p.state = protocol.StateIdle
		return protocol.Event{Kind: protocol.EventNone, Byte: b}
	}
}

func (p *Parser) respond(cmd protocol.Command) []byte {
	var body string
	switch cmd {
	case protocol.CommandTemperature:
		body = protocol.TemperatureReading
	case protocol.CommandHumidity:
		body = protocol.HumidityReading
	case protocol.CommandAccelerometer:
		body = protocol.AccelerometerReading
	case protocol.CommandDate:
		// Unix() 向下取整到秒
		body = protocol.DatePrefix + strconv.FormatInt(p.now().Unix(), 10)
	}
	return []byte(body + protocol.Terminator)
}

func lookup(b byte) protocol.Command {
	switch b | 0x20 {
	case 't':
		return protocol.CommandTemperature
	case 'h':
		return protocol.CommandHumidity
	case 'd':
		return protocol.CommandDate
	case 'a':
		return protocol.CommandAccelerometer
	default:
		return protocol.CommandUnrecognized
	}
}

func commandState(cmd protocol.Command) protocol.State {
	switch cmd {
	case protocol.CommandTemperature:
		return protocol.StateTemperature
	case protocol.CommandHumidity:
		return protocol.StateHumidity
	case protocol.CommandDate:
		return protocol.StateDate
	case protocol.CommandAccelerometer:
		return protocol.StateAccelerometer
	default:
		return protocol.StateIdle
	}
}
