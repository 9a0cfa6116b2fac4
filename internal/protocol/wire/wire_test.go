package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRequestRoundTrip 请求经长度前缀编解码后字段不变
func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	prio := 2
	req := Request{ID: "abc", Kind: 1, Index: 3, Value: 0xFF, Serial: "SN01", Priority: &prio, Force: true}
	require.NoError(t, WriteMessage(&buf, req))

	// 前缀 = 包体长度
	n := binary.BigEndian.Uint16(buf.Bytes()[:2])
	assert.Equal(t, int(n), buf.Len()-2)

	var got Request
	require.NoError(t, ReadMessage(&buf, &got))
	assert.Equal(t, req, got)
}

// TestPriorityZeroSurvivesWire 显式的最高优先级 0 与"未指定"在线上可区分
func TestPriorityZeroSurvivesWire(t *testing.T) {
	var buf bytes.Buffer
	zero := 0
	require.NoError(t, WriteMessage(&buf, Request{ID: "p0", Kind: 4, Priority: &zero}))
	require.NoError(t, WriteMessage(&buf, Request{ID: "unset", Kind: 4}))

	var a, b Request
	require.NoError(t, ReadMessage(&buf, &a))
	require.NoError(t, ReadMessage(&buf, &b))
	require.NotNil(t, a.Priority)
	assert.Equal(t, 0, *a.Priority)
	assert.Nil(t, b.Priority)
}

// TestReadShortBody 包体不完整时返回读错误而非挂起解析
func TestReadShortBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Response{ID: "x", OK: true}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])

	var got Response
	err := ReadMessage(truncated, &got)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// TestStreamedMessages 同一条流上多条报文依次解出
func TestStreamedMessages(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Request{ID: "1", Kind: 4}))
	require.NoError(t, WriteMessage(&buf, Request{ID: "2", Kind: 0, Index: 2}))

	var a, b Request
	require.NoError(t, ReadMessage(&buf, &a))
	require.NoError(t, ReadMessage(&buf, &b))
	assert.Equal(t, "1", a.ID)
	assert.Equal(t, "2", b.ID)
	assert.Equal(t, byte(2), b.Index)
}

// TestCheckVersion 零值与当前版本放行，其余拒绝
func TestCheckVersion(t *testing.T) {
	assert.NoError(t, CheckVersion(0))
	assert.NoError(t, CheckVersion(Version))
	assert.ErrorIs(t, CheckVersion(99), ErrBadVersion)
}
