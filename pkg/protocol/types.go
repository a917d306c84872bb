package protocol

import "time"

// State 命令解析状态
type State uint8

const (
	StateIdle State = iota
	StateAwaitingCommand
	StateTemperature
	StateHumidity
	StateDate
	StateAccelerometer
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCommand:
		return "awaiting_command"
	case StateTemperature:
		return "temperature"
	case StateHumidity:
		return "humidity"
	case StateDate:
		return "date"
	case StateAccelerometer:
		return "accelerometer"
	default:
		return "invalid"
	}
}

// Command 由命令字符得出的命令
type Command uint8

const (
	CommandUnrecognized Command = iota
	CommandTemperature
	CommandHumidity
	CommandDate
	CommandAccelerometer
)

func (c Command) String() string {
	switch c {
	case CommandTemperature:
		return "temperature"
	case CommandHumidity:
		return "humidity"
	case CommandDate:
		return "date"
	case CommandAccelerometer:
		return "accelerometer"
	default:
		return "unrecognized"
	}
}

// Letter 返回命令的大写字符, 未知命令返回 '?'
func (c Command) Letter() byte {
	switch c {
	case CommandTemperature:
		return 'T'
	case CommandHumidity:
		return 'H'
	case CommandDate:
		return 'D'
	case CommandAccelerometer:
		return 'A'
	default:
		return '?'
	}
}

// EventKind Feed 的结果类型
type EventKind uint8

const (
	EventNone EventKind = iota
	EventResponse
	EventUnknown
)

// Event 每个输入字节产生的事件
type Event struct {
	Kind    EventKind
	Command Command
	Payload []byte // 仅 EventResponse 时非空, 含结束符
	Byte    byte   // 触发事件的字节
}

// 协议常量
const (
	DefaultPort = 7913

	// 命令起始符
	CommandMarker byte = '*'

	// 结束符是 LF 后跟 CR, 与真实设备保持一致
	Terminator = "\n\r"

	// 固定读数
	TemperatureReading   = "t23.20"
	HumidityReading      = "h45.00"
	AccelerometerReading = "x0.23y0.54z0.21"
	DatePrefix           = "d"
)

// CommandEvent 发布到消息队列的命令事件
type CommandEvent struct {
	Session   string    `json:"session"`
	Peer      string    `json:"peer"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	Input     string    `json:"input"`
	Response  string    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
}
