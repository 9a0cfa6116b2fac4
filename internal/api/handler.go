package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kyrie2014/UsbRelay/internal/protocol/relay"
	"github.com/kyrie2014/UsbRelay/internal/recovery"
	"github.com/kyrie2014/UsbRelay/internal/storage"
	"github.com/kyrie2014/UsbRelay/internal/taskqueue"
)

// TaskSubmitter 下行任务提交口，生产实现为 *dispatcher.Dispatcher
type TaskSubmitter interface {
	Submit(t *taskqueue.Task) (*taskqueue.Future, error)
}

// Recoverer 恢复会话入口，生产实现为 *recovery.Controller
type Recoverer interface {
	Recover(ctx context.Context, serial string) (*recovery.Report, error)
}

// Handler 管理 API 处理器
type Handler struct {
	disp     TaskSubmitter
	bindings storage.BindingStore
	rec      Recoverer
	logger   *zap.Logger
}

// NewHandler 创建管理 API 处理器。rec 可为 nil（恢复入口返回 503）。
func NewHandler(disp TaskSubmitter, bindings storage.BindingStore, rec Recoverer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{disp: disp, bindings: bindings, rec: rec, logger: logger}
}

// submitAndWait 入队一个任务并等待完成
func (h *Handler) submitAndWait(c *gin.Context, t *taskqueue.Task) (taskqueue.Result, bool) {
	f, err := h.disp.Submit(t)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return taskqueue.Result{}, false
	}
	res, err := f.Wait(c.Request.Context())
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, storage.ErrBindingConflict) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return taskqueue.Result{}, false
	}
	return res, true
}

// GetPorts 查询每端口状态
func (h *Handler) GetPorts(c *gin.Context) {
	res, ok := h.submitAndWait(c, taskqueue.NewTask(relay.MsgGetPortStates, 0, 0, taskqueue.PriorityAuto))
	if !ok {
		return
	}
	ports := make([]gin.H, 0, len(res.States))
	for i, v := range res.States {
		ports = append(ports, gin.H{"index": i + 1, "hub": v, "bound": v != 0})
	}
	c.JSON(http.StatusOK, gin.H{"ports": ports})
}

// SetPortPower 按端口通断电
func (h *Handler) SetPortPower(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 1 || index > relay.PortCount {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid port index"})
		return
	}

	var req struct {
		On bool `json:"on"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := relay.MsgDisconnectByIndex
	state := relay.StateOff
	if req.On {
		kind = relay.MsgConnectByIndex
		state = relay.StateOn
	}
	if _, ok := h.submitAndWait(c, taskqueue.NewTask(kind, byte(index), state, taskqueue.PriorityAuto)); !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": index, "on": req.On})
}

// ListBindings 查询全部绑定
func (h *Handler) ListBindings(c *gin.Context) {
	list, err := h.bindings.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, b := range list {
		out = append(out, gin.H{"serial": b.Serial, "hub": b.HubValue, "port": b.PortIndex})
	}
	c.JSON(http.StatusOK, gin.H{"bindings": out})
}

// PutBinding 写入绑定（端口写 hub 值并落表）
func (h *Handler) PutBinding(c *gin.Context) {
	var req struct {
		Serial string `json:"serial" binding:"required"`
		Port   byte   `json:"port" binding:"required"`
		Hub    byte   `json:"hub"`
		Force  bool   `json:"force"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Port < 1 || req.Port > relay.PortCount {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid port index"})
		return
	}

	t := taskqueue.NewTask(relay.MsgSetPortState, req.Port, req.Hub, taskqueue.PriorityAuto)
	t.Serial = req.Serial
	t.Force = req.Force
	if _, ok := h.submitAndWait(c, t); !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"serial": req.Serial, "port": req.Port, "hub": req.Hub})
}

// DeleteBinding 解除绑定：端口写零并清表
func (h *Handler) DeleteBinding(c *gin.Context) {
	serial := c.Param("serial")

	b, err := h.bindings.Get(c.Request.Context(), serial)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"serial": serial, "released": false})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if b.PortIndex != 0 {
		t := taskqueue.NewTask(relay.MsgSetPortState, b.PortIndex, relay.StateOff, taskqueue.PriorityAuto)
		t.Serial = serial
		t.Force = true
		if _, ok := h.submitAndWait(c, t); !ok {
			return
		}
	}
	if err := h.bindings.Delete(c.Request.Context(), serial); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"serial": serial, "released": true})
}

// Recover 触发一次恢复会话并等待结果
func (h *Handler) Recover(c *gin.Context) {
	if h.rec == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "recovery not configured"})
		return
	}
	var req struct {
		Serial string `json:"serial" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rep, err := h.rec.Recover(c.Request.Context(), req.Serial)
	body := gin.H{}
	if rep != nil {
		body["session"] = rep.SessionID
		body["outcome"] = rep.Outcome
		body["attempts"] = rep.Attempts
	}
	if err != nil {
		body["error"] = err.Error()
		c.JSON(http.StatusBadGateway, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
