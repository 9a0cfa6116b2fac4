package serialport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/kyrie2014/UsbRelay/internal/protocol/relay"
)

func validFrame(t *testing.T) []byte {
	t.Helper()
	f, err := relay.Encode(relay.MsgConnectByIndex, 1, relay.StateOn)
	require.NoError(t, err)
	return f
}

// TestExtractFrameWhole 完整帧一次取出
func TestExtractFrameWhole(t *testing.T) {
	buf := append([]byte{}, validFrame(t)...)
	f, ok, err := extractFrame(&buf)
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, validFrame(t), f)
	assert.Empty(t, buf)
}

// TestExtractFramePartial 半帧数据时等待更多字节
func TestExtractFramePartial(t *testing.T) {
	full := validFrame(t)
	buf := append([]byte{}, full[:4]...)
	_, ok, err := extractFrame(&buf)
	assert.False(t, ok)
	assert.NoError(t, err)

	buf = append(buf, full[4:]...)
	f, ok, err := extractFrame(&buf)
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, full, f)
}

// TestExtractFrameResync 包头前的噪声字节被丢弃
func TestExtractFrameResync(t *testing.T) {
	buf := append([]byte{0x00, 0x12, 0x34}, validFrame(t)...)
	f, ok, err := extractFrame(&buf)
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, validFrame(t), f)
}

// TestExtractFrameCorrupt 校验失败的完整帧返回 ErrFrameCorrupt
func TestExtractFrameCorrupt(t *testing.T) {
	bad := validFrame(t)
	bad[5] ^= 0x01 // 破坏校验和
	buf := append([]byte{}, bad...)
	_, ok, err := extractFrame(&buf)
	require.True(t, ok)
	assert.ErrorIs(t, err, relay.ErrFrameCorrupt)
}

// TestExtractFrameBadLength 长度字段非法时丢弃包头重新对齐
func TestExtractFrameBadLength(t *testing.T) {
	buf := []byte{relay.FrameHead, 0x02, 0xAA}
	_, ok, err := extractFrame(&buf)
	require.True(t, ok)
	assert.ErrorIs(t, err, relay.ErrFrameCorrupt)
	// 包头字节已被消费，后续字节保留待重新对齐
	assert.Equal(t, []byte{0x02, 0xAA}, buf)
}

// silentPort 写正常、永远读不到数据的假串口
type silentPort struct{ serial.Port }

func (silentPort) Write(p []byte) (int, error) { return len(p), nil }
func (silentPort) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, nil
}
func (silentPort) Close() error { return nil }

// blockedPort 读阻塞直至 Close 解除
type blockedPort struct {
	serial.Port
	unblock chan struct{}
}

func (p *blockedPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *blockedPort) Read(b []byte) (int, error) {
	<-p.unblock
	return 0, errors.New("read from closed port")
}
func (p *blockedPort) Close() error {
	close(p.unblock)
	return nil
}

func newTestChannel(port serial.Port) *Channel {
	return &Channel{name: "COM-fake", port: port, log: zap.NewNop(), closed: make(chan struct{})}
}

// TestTransactTimeout 限定时间内收不到完整响应帧返回 ErrTimeout，通道不关闭
func TestTransactTimeout(t *testing.T) {
	ch := newTestChannel(silentPort{})
	f := validFrame(t)

	_, err := ch.Transact(context.Background(), f, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// 超时是可重试错误，通道继续可用
	_, err = ch.Transact(context.Background(), f, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

// TestCloseDuringTransact Close 与在途收发竞争：在途调用以 ErrClosed 返回
func TestCloseDuringTransact(t *testing.T) {
	ch := newTestChannel(&blockedPort{unblock: make(chan struct{})})
	f := validFrame(t)

	errC := make(chan error, 1)
	go func() {
		_, err := ch.Transact(context.Background(), f, 5*time.Second)
		errC <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ch.Close())

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("关闭后在途收发未返回")
	}

	// 关闭后的新调用直接拒绝；Close 幂等
	_, err := ch.Transact(context.Background(), f, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, ch.Close())
}

// TestOpenRegistry 进程内独占登记：重复登记冲突，释放后可再次登记
func TestOpenRegistry(t *testing.T) {
	const name = "COM-test-registry"

	openMu.Lock()
	_, dup := openPorts[name]
	require.False(t, dup)
	openPorts[name] = struct{}{}
	openMu.Unlock()

	openMu.Lock()
	_, dup = openPorts[name]
	openMu.Unlock()
	assert.True(t, dup)

	release(name)
	openMu.Lock()
	_, dup = openPorts[name]
	openMu.Unlock()
	assert.False(t, dup)
}
