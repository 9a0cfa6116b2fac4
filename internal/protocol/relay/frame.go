package relay

import (
	"errors"
	"fmt"
)

// 继电器串口协议帧结构
// 格式：head(1) + len(1) + index(1) + mode(1) + state(var) + xor(1) + end(1)
// 控制帧固定 7 字节；查询响应帧携带多字节状态段（每端口一字节）。
const (
	FrameHead byte = 0x7E // 包头
	FrameEnd  byte = 0x55 // 包尾
	FrameLen  byte = 7    // 控制帧总长度

	// MinFrameLen 合法帧的最小长度（状态段至少一字节）
	MinFrameLen = 7
)

// 下行 MODE 字节（硬件命令码）
const (
	ModeIndexPower  byte = 0x40 // 按端口序号通断
	ModeHubPower    byte = 0x21 // 按 USB hub 值通断
	ModeQueryStates byte = 0x06 // 查询全部端口状态
	ModeSetState    byte = 0x20 // 绑定端口（写端口状态）
)

// STATE 字节取值
const (
	StateOn  byte = 0xFF // 通电
	StateOff byte = 0x00 // 断电
)

// PortCount 继电器物理端口数，查询响应的状态段为每端口一字节
const PortCount = 5

// MessageKind 任务消息类型，0..5，与网络协议中的 kind 字段一致
type MessageKind byte

const (
	MsgDisconnectByIndex MessageKind = iota // 按端口断电
	MsgConnectByIndex                       // 按端口通电
	MsgDisconnectByHub                      // 按 hub 值断电
	MsgConnectByHub                         // 按 hub 值通电
	MsgGetPortStates                        // 查询端口状态
	MsgSetPortState                         // 绑定端口
)

// String 返回消息类型名称（日志用）
func (k MessageKind) String() string {
	switch k {
	case MsgDisconnectByIndex:
		return "disconnect_by_index"
	case MsgConnectByIndex:
		return "connect_by_index"
	case MsgDisconnectByHub:
		return "disconnect_by_hub"
	case MsgConnectByHub:
		return "connect_by_hub"
	case MsgGetPortStates:
		return "get_port_states"
	case MsgSetPortState:
		return "set_port_state"
	}
	return fmt.Sprintf("unknown(%d)", byte(k))
}

// Valid 判断消息类型是否在合法范围内
func (k MessageKind) Valid() bool { return k <= MsgSetPortState }

var (
	// ErrFrameCorrupt 帧校验失败：长度、包头包尾或校验和不符。
	// 属可重试的传输层错误，调用方不应视为协议缺陷。
	ErrFrameCorrupt = errors.New("relay: frame corrupt")

	// ErrBadKind 消息类型超出 0..5
	ErrBadKind = errors.New("relay: invalid message kind")
)

// Frame 已编码的线缆字节序列
type Frame []byte

// ParsedFrame 解码结果
type ParsedFrame struct {
	Index byte   // 端口序号或 hub 值，语义取决于 Mode
	Mode  byte   // 硬件命令码
	State byte   // 首个状态字节
	// Payload 完整状态段（LEN-6 字节）；查询响应为每端口一字节的 hub 绑定值
	Payload []byte
}

// PortStates 以端口序（1 起）返回状态段；非查询响应返回 nil
func (p *ParsedFrame) PortStates() []byte {
	if p.Mode != ModeQueryStates || len(p.Payload) < PortCount {
		return nil
	}
	return p.Payload[:PortCount]
}

// WireMode 将消息类型映射为硬件 MODE 字节
func WireMode(kind MessageKind) (byte, error) {
	switch kind {
	case MsgDisconnectByIndex, MsgConnectByIndex:
		return ModeIndexPower, nil
	case MsgDisconnectByHub, MsgConnectByHub:
		return ModeHubPower, nil
	case MsgGetPortStates:
		return ModeQueryStates, nil
	case MsgSetPortState:
		return ModeSetState, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrBadKind, byte(kind))
}

// Encode 构造 7 字节控制帧。
// index/state 的语义随 kind 变化：按端口命令 index=端口序号、state=通断；
// 按 hub 命令 index=hub 值；绑定命令 index=端口序号、state=hub 值；
// 查询命令两者置零。校验和覆盖 len..state（不含包头，与硬件文档样例一致）。
func Encode(kind MessageKind, index, state byte) (Frame, error) {
	mode, err := WireMode(kind)
	if err != nil {
		return nil, err
	}
	return EncodePayload(index, mode, []byte{state})
}

// EncodePayload 构造携带任意状态段的帧，状态段至少一字节。
// 供查询响应模拟与多字节扩展使用。
func EncodePayload(index, mode byte, payload []byte) (Frame, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrFrameCorrupt)
	}
	total := 6 + len(payload)
	if total > 0xFF {
		return nil, fmt.Errorf("%w: payload too large", ErrFrameCorrupt)
	}
	f := make(Frame, 0, total)
	f = append(f, FrameHead, byte(total), index, mode)
	f = append(f, payload...)
	f = append(f, checksum(f), FrameEnd)
	return f, nil
}

// Decode 校验并解析一帧。任何不符均返回 ErrFrameCorrupt，绝不 panic。
func Decode(b []byte) (*ParsedFrame, error) {
	if len(b) < MinFrameLen {
		return nil, fmt.Errorf("%w: short frame (%d bytes)", ErrFrameCorrupt, len(b))
	}
	if int(b[1]) != len(b) {
		return nil, fmt.Errorf("%w: length field %d != %d", ErrFrameCorrupt, b[1], len(b))
	}
	if b[0] != FrameHead {
		return nil, fmt.Errorf("%w: bad head 0x%02x", ErrFrameCorrupt, b[0])
	}
	if b[len(b)-1] != FrameEnd {
		return nil, fmt.Errorf("%w: bad end 0x%02x", ErrFrameCorrupt, b[len(b)-1])
	}
	if got, want := b[len(b)-2], checksum(b[:len(b)-2]); got != want {
		return nil, fmt.Errorf("%w: checksum 0x%02x != 0x%02x", ErrFrameCorrupt, got, want)
	}
	payload := make([]byte, len(b)-6)
	copy(payload, b[4:len(b)-2])
	return &ParsedFrame{
		Index:   b[2],
		Mode:    b[3],
		State:   payload[0],
		Payload: payload,
	}, nil
}

// checksum 对 len..最后一个状态字节做异或（入参为去掉 xor/end 的前缀）
func checksum(prefix []byte) byte {
	var x byte
	for _, v := range prefix[1:] {
		x ^= v
	}
	return x
}
