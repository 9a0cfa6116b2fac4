package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// 网络侧报文格式：2 字节大端长度前缀 + JSON 包体。
// 长度前缀只计包体，不含自身。版本字段为后续扩展留位。

// Version 当前报文版本
const Version = 1

// MaxMessageSize 单条报文包体上限：2 字节长度前缀所能表达的最大值，
// 同时防御异常客户端
const MaxMessageSize = 0xFFFF

var (
	// ErrMessageTooLarge 包体超过 MaxMessageSize
	ErrMessageTooLarge = errors.New("wire: message too large")

	// ErrBadVersion 报文版本不被支持
	ErrBadVersion = errors.New("wire: unsupported message version")
)

// Request 客户端下行请求
type Request struct {
	// Ver 报文版本，零值按 Version 处理
	Ver int `json:"ver,omitempty"`
	// ID 请求标识，响应原样带回；同连接并发请求靠它配对
	ID string `json:"id"`
	// Kind 消息类型 0..5，与 relay.MessageKind 一致
	Kind byte `json:"kind"`
	// Index 端口序号或 hub 值，语义随 Kind
	Index byte `json:"index,omitempty"`
	// Value 通断状态或待绑定 hub 值
	Value byte `json:"value,omitempty"`
	// Serial 绑定命令关联的设备序列号
	Serial string `json:"serial,omitempty"`
	// Priority 任务优先级，数值越小越先执行，0 为最高；
	// 缺省时服务端按消息类型取默认优先级
	Priority *int `json:"priority,omitempty"`
	// Force 绑定命令的强制覆盖标记
	Force bool `json:"force,omitempty"`
}

// Response 服务端应答
type Response struct {
	Ver int    `json:"ver,omitempty"`
	ID  string `json:"id"`
	OK  bool   `json:"ok"`
	// Error OK=false 时的错误描述
	Error string `json:"error,omitempty"`
	// States 查询命令的每端口状态，其余命令为空
	States []byte `json:"states,omitempty"`
	// Index/State 硬件回执的原始字段
	Index byte `json:"index,omitempty"`
	State byte `json:"state,omitempty"`
}

// WriteMessage 编码 v 为 JSON 并带长度前缀写出
func WriteMessage(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal: %w", err)
	}
	if len(body) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadMessage 读取一条完整报文并解码到 v
func ReadMessage(r io.Reader, v interface{}) error {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n > MaxMessageSize {
		return ErrMessageTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: unmarshal: %w", err)
	}
	return nil
}

// CheckVersion 校验报文版本，零值视作当前版本
func CheckVersion(ver int) error {
	if ver != 0 && ver != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, ver)
	}
	return nil
}
