package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kyrie2014/UsbRelay/internal/protocol/relay"
	"github.com/kyrie2014/UsbRelay/internal/protocol/wire"
)

var (
	// ErrClosed 客户端已关闭
	ErrClosed = errors.New("client: closed")

	// ErrRemote 服务端返回的业务错误，详情见包装信息
	ErrRemote = errors.New("client: remote error")
)

// Client 继电器服务的 TCP 客户端。
// 单连接多路复用：请求按 ID 配对应答，支持并发调用。
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wire.Response
	closed  bool
	readErr error
}

// Dial 建立到服务端的连接
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial relay server: %w", err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan wire.Response),
	}
	go c.readLoop()
	return c, nil
}

// readLoop 持续读取应答并派发给等待方
func (c *Client) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		var resp wire.Response
		if err := wire.ReadMessage(r, &resp); err != nil {
			c.failAll(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// failAll 连接断开时让所有挂起请求立即失败
func (c *Client) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// Do 发送请求并等待配对的应答。req.ID 为空时自动生成。
// 服务端返回业务错误时包装为 ErrRemote。
func (c *Client) Do(ctx context.Context, req wire.Request) (wire.Response, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ch := make(chan wire.Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Response{}, ErrClosed
	}
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return wire.Response{}, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := wire.WriteMessage(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return wire.Response{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return wire.Response{}, err
		}
		if !resp.OK {
			return resp, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return wire.Response{}, ctx.Err()
	}
}

// Close 关闭连接，挂起请求立即失败
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Disconnect 按端口序号断电
func (c *Client) Disconnect(ctx context.Context, index byte) error {
	_, err := c.Do(ctx, wire.Request{Kind: byte(relay.MsgDisconnectByIndex), Index: index, Value: relay.StateOff})
	return err
}

// Connect 按端口序号通电
func (c *Client) Connect(ctx context.Context, index byte) error {
	_, err := c.Do(ctx, wire.Request{Kind: byte(relay.MsgConnectByIndex), Index: index, Value: relay.StateOn})
	return err
}

// DisconnectHub 按 hub 值断电
func (c *Client) DisconnectHub(ctx context.Context, hub byte) error {
	_, err := c.Do(ctx, wire.Request{Kind: byte(relay.MsgDisconnectByHub), Index: hub, Value: relay.StateOff})
	return err
}

// ConnectHub 按 hub 值通电
func (c *Client) ConnectHub(ctx context.Context, hub byte) error {
	_, err := c.Do(ctx, wire.Request{Kind: byte(relay.MsgConnectByHub), Index: hub, Value: relay.StateOn})
	return err
}

// GetPortStates 查询每端口状态
func (c *Client) GetPortStates(ctx context.Context) ([]byte, error) {
	resp, err := c.Do(ctx, wire.Request{Kind: byte(relay.MsgGetPortStates)})
	if err != nil {
		return nil, err
	}
	return resp.States, nil
}

// BindPort 将设备绑定到端口。port 为端口序号，hub 为 USB hub 值。
func (c *Client) BindPort(ctx context.Context, serial string, port, hub byte, force bool) error {
	_, err := c.Do(ctx, wire.Request{
		Kind:   byte(relay.MsgSetPortState),
		Index:  port,
		Value:  hub,
		Serial: serial,
		Force:  force,
	})
	return err
}
