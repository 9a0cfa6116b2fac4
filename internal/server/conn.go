package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kyrie2014/UsbRelay/internal/protocol/wire"
)

// connContext 单个客户端连接的读/写循环。
// 写走带缓冲的队列由写循环串行落盘，应答可乱序但互不交错。
type connContext struct {
	s      *Server
	c      net.Conn
	writeC chan wire.Response
	closed int32
	doneC  chan struct{}
}

func newConnContext(s *Server, c net.Conn) *connContext {
	return &connContext{
		s:      s,
		c:      c,
		writeC: make(chan wire.Response, 128),
		doneC:  make(chan struct{}),
	}
}

// reply 投递应答，连接已关或写队列打满时丢弃
func (cc *connContext) reply(resp wire.Response) {
	if atomic.LoadInt32(&cc.closed) == 1 {
		return
	}
	select {
	case cc.writeC <- resp:
	case <-cc.doneC:
	default:
		cc.s.log.Warn("write queue full, response dropped",
			zap.String("remote", cc.c.RemoteAddr().String()),
			zap.String("id", resp.ID))
	}
}

func (cc *connContext) close() {
	if !atomic.CompareAndSwapInt32(&cc.closed, 0, 1) {
		return
	}
	close(cc.doneC)
	_ = cc.c.Close()
}

// run 启动读/写循环，阻塞直至连接结束
func (cc *connContext) run() {
	defer cc.close()
	remote := cc.c.RemoteAddr().String()
	cc.s.log.Debug("connection opened", zap.String("remote", remote))

	// 写循环
	doneW := make(chan struct{})
	go func() {
		defer close(doneW)
		for {
			select {
			case resp := <-cc.writeC:
				if cc.s.cfg.WriteTimeout > 0 {
					_ = cc.c.SetWriteDeadline(time.Now().Add(cc.s.cfg.WriteTimeout))
				}
				if err := wire.WriteMessage(cc.c, resp); err != nil {
					cc.s.log.Debug("write failed", zap.String("remote", remote), zap.Error(err))
					return
				}
			case <-cc.doneC:
				return
			}
		}
	}()

	// 读循环
	r := bufio.NewReader(cc.c)
	for {
		if cc.s.cfg.ReadTimeout > 0 {
			_ = cc.c.SetReadDeadline(time.Now().Add(cc.s.cfg.ReadTimeout))
		}
		var req wire.Request
		if err := wire.ReadMessage(r, &req); err != nil {
			if !errors.Is(err, io.EOF) && !isClosedErr(err) {
				cc.s.log.Debug("read failed", zap.String("remote", remote), zap.Error(err))
			}
			break
		}
		cc.s.handle(cc, req)
	}

	cc.close()
	<-doneW
	cc.s.log.Debug("connection closed", zap.String("remote", remote))
}

func isClosedErr(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
