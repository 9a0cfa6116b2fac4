package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/kyrie2014/UsbRelay/internal/config"
	"github.com/kyrie2014/UsbRelay/internal/dispatcher"
	"github.com/kyrie2014/UsbRelay/internal/protocol/relay"
	"github.com/kyrie2014/UsbRelay/internal/server"
	"github.com/kyrie2014/UsbRelay/internal/storage"
	"github.com/kyrie2014/UsbRelay/internal/storage/memstore"
	"github.com/kyrie2014/UsbRelay/internal/taskqueue"
)

// echoChannel 回显命令帧的假继电器板
type echoChannel struct{}

func (echoChannel) Transact(ctx context.Context, frame relay.Frame, timeout time.Duration) ([]byte, error) {
	if frame[3] == relay.ModeQueryStates {
		return relay.EncodePayload(0, relay.ModeQueryStates, []byte{0xAA, 0x00, 0x00, 0x00, 0xBB})
	}
	return frame, nil
}

func startStack(t *testing.T) (*Client, func()) {
	t.Helper()
	q := taskqueue.New()
	d := dispatcher.New(q, echoChannel{}, memstore.New(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()

	srv := server.New(cfgpkg.ServerConfig{
		Addr:         "127.0.0.1:0",
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, d, zap.NewNop(), nil)
	require.NoError(t, srv.Start())

	c, err := Dial(srv.Addr().String(), time.Second)
	require.NoError(t, err)

	return c, func() {
		_ = c.Close()
		shCtx, shCancel := context.WithTimeout(context.Background(), time.Second)
		defer shCancel()
		_ = srv.Shutdown(shCtx)
		q.Close()
		cancel()
	}
}

// TestConnectDisconnect 基础通断命令走完整客户端-服务端链路
func TestConnectDisconnect(t *testing.T) {
	c, stop := startStack(t)
	defer stop()

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx, 2))
	require.NoError(t, c.Disconnect(ctx, 2))
	require.NoError(t, c.ConnectHub(ctx, 0x21))
	require.NoError(t, c.DisconnectHub(ctx, 0x21))
}

// TestGetPortStates 查询返回五个端口的状态
func TestGetPortStates(t *testing.T) {
	c, stop := startStack(t)
	defer stop()

	states, err := c.GetPortStates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0x00, 0x00, 0x00, 0xBB}, states)
}

// TestBindConflictSurfaced 绑定冲突作为 ErrRemote 透出给客户端
func TestBindConflictSurfaced(t *testing.T) {
	c, stop := startStack(t)
	defer stop()

	ctx := context.Background()
	require.NoError(t, c.BindPort(ctx, "AAA", 3, 0x11, false))

	err := c.BindPort(ctx, "BBB", 3, 0x22, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), storage.ErrBindingConflict.Error())

	// force 覆盖成功
	require.NoError(t, c.BindPort(ctx, "BBB", 3, 0x22, true))
}

// TestConcurrentCalls 并发调用各自拿到配对的应答
func TestConcurrentCalls(t *testing.T) {
	c, stop := startStack(t)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				assert.NoError(t, c.Connect(context.Background(), byte(n%5+1)))
			} else {
				_, err := c.GetPortStates(context.Background())
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
}

// TestClosedClient 关闭后调用立即失败
func TestClosedClient(t *testing.T) {
	c, stop := startStack(t)
	stop()

	err := c.Connect(context.Background(), 1)
	require.Error(t, err)
}
