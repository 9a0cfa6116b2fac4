package server

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	cfgpkg "github.com/kyrie2014/UsbRelay/internal/config"
	"github.com/kyrie2014/UsbRelay/internal/dispatcher"
	"github.com/kyrie2014/UsbRelay/internal/metrics"
	"github.com/kyrie2014/UsbRelay/internal/protocol/relay"
	"github.com/kyrie2014/UsbRelay/internal/protocol/wire"
	"github.com/kyrie2014/UsbRelay/internal/taskqueue"
)

// Server 继电器 TCP 前端：接收带长度前缀的 JSON 请求，
// 转换为下行任务提交给调度器，任务完成后异步回写应答。
// 同一连接上的请求各自独立完成，应答顺序不保证与请求一致。
type Server struct {
	cfg     cfgpkg.ServerConfig
	disp    *dispatcher.Dispatcher
	log     *zap.Logger
	m       *metrics.AppMetrics
	limiter *rate.Limiter

	ln    net.Listener
	wg    sync.WaitGroup
	stopC chan struct{}
}

// New 创建 TCP 前端。m 可为 nil。
func New(cfg cfgpkg.ServerConfig, disp *dispatcher.Dispatcher, log *zap.Logger, m *metrics.AppMetrics) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return &Server{
		cfg:     cfg,
		disp:    disp,
		log:     log,
		m:       m,
		limiter: limiter,
		stopC:   make(chan struct{}),
	}
}

// Start 监听并接受连接（非阻塞，内部 goroutine）
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("tcp server listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				select {
				case <-s.stopC:
					return
				default:
				}
				// 短暂错误等待后重试
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if s.limiter != nil && !s.limiter.Allow() {
				if s.m != nil {
					s.m.TCPRejected.Inc()
				}
				s.log.Warn("connection rejected by accept limiter",
					zap.String("remote", conn.RemoteAddr().String()))
				_ = conn.Close()
				continue
			}
			if s.m != nil {
				s.m.TCPAccepted.Inc()
			}

			cc := newConnContext(s, conn)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				cc.run()
			}()
		}
	}()
	return nil
}

// Addr 返回实际监听地址（测试时端口可用 :0 随机分配）
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown 优雅关闭监听并等待连接退出
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopC)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	ch := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// handle 处理一条请求：校验、入队、挂接异步回写
func (s *Server) handle(cc *connContext, req wire.Request) {
	if err := wire.CheckVersion(req.Ver); err != nil {
		cc.reply(wire.Response{ID: req.ID, Error: err.Error()})
		return
	}
	kind := relay.MessageKind(req.Kind)
	if !kind.Valid() {
		cc.reply(wire.Response{ID: req.ID, Error: relay.ErrBadKind.Error()})
		return
	}

	prio := taskqueue.PriorityAuto
	if req.Priority != nil {
		prio = *req.Priority
	}
	t := taskqueue.NewTask(kind, req.Index, req.Value, prio)
	t.Serial = req.Serial
	t.Force = req.Force

	f, err := s.disp.Submit(t)
	if err != nil {
		cc.reply(wire.Response{ID: req.ID, Error: err.Error()})
		return
	}

	// 每请求一个等待协程：同连接的慢任务不阻塞后续请求
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-f.Done():
		case <-cc.doneC:
			// 连接已断，任务照常执行，结果丢弃
			return
		}
		res, err := f.Wait(context.Background())
		resp := wire.Response{ID: req.ID}
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
			resp.States = res.States
			if res.Frame != nil {
				resp.Index = res.Frame.Index
				resp.State = res.Frame.State
			}
		}
		cc.reply(resp)
	}()
}
