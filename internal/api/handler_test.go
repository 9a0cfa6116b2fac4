package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kyrie2014/UsbRelay/internal/protocol/relay"
	"github.com/kyrie2014/UsbRelay/internal/recovery"
	"github.com/kyrie2014/UsbRelay/internal/storage"
	"github.com/kyrie2014/UsbRelay/internal/storage/memstore"
	"github.com/kyrie2014/UsbRelay/internal/taskqueue"
)

// inlineSubmitter 同步执行任务的假调度器：绑定命令写表，查询回状态
type inlineSubmitter struct {
	bindings storage.BindingStore
	states   []byte
	tasks    []*taskqueue.Task
}

func (s *inlineSubmitter) Submit(t *taskqueue.Task) (*taskqueue.Future, error) {
	s.tasks = append(s.tasks, t)
	q := taskqueue.New()
	f, err := q.Submit(t)
	if err != nil {
		return nil, err
	}

	if t.Kind == relay.MsgSetPortState {
		if t.Value == relay.StateOff {
			if t.Serial != "" {
				_ = s.bindings.Delete(context.Background(), t.Serial)
			}
		} else {
			b := storage.Binding{Serial: t.Serial, HubValue: t.Value, PortIndex: t.Index}
			if err := s.bindings.Put(context.Background(), b, t.Force); err != nil {
				t.Complete(taskqueue.Result{Err: err})
				return f, nil
			}
		}
	}
	t.Complete(taskqueue.Result{States: s.states})
	return f, nil
}

// fakeRecoverer 预置恢复结果
type fakeRecoverer struct {
	rep *recovery.Report
	err error
}

func (r *fakeRecoverer) Recover(context.Context, string) (*recovery.Report, error) {
	return r.rep, r.err
}

func setupRouter(t *testing.T, sub *inlineSubmitter, rec Recoverer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, sub, sub.bindings, rec, zap.NewNop())
	return r
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// TestGetPorts 端口列表带绑定标记
func TestGetPorts(t *testing.T) {
	sub := &inlineSubmitter{bindings: memstore.New(), states: []byte{0x21, 0, 0, 0x33, 0}}
	r := setupRouter(t, sub, nil)

	w := doJSON(r, http.MethodGet, "/api/ports", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Ports []struct {
			Index int  `json:"index"`
			Hub   byte `json:"hub"`
			Bound bool `json:"bound"`
		} `json:"ports"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Ports, 5)
	assert.True(t, body.Ports[0].Bound)
	assert.Equal(t, byte(0x21), body.Ports[0].Hub)
	assert.False(t, body.Ports[1].Bound)
	assert.True(t, body.Ports[3].Bound)
}

// TestSetPortPower 通断电提交正确的任务类型
func TestSetPortPower(t *testing.T) {
	sub := &inlineSubmitter{bindings: memstore.New()}
	r := setupRouter(t, sub, nil)

	w := doJSON(r, http.MethodPost, "/api/ports/2/power", `{"on":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sub.tasks, 1)
	assert.Equal(t, relay.MsgConnectByIndex, sub.tasks[0].Kind)
	assert.Equal(t, byte(2), sub.tasks[0].Index)

	w = doJSON(r, http.MethodPost, "/api/ports/2/power", `{"on":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, relay.MsgDisconnectByIndex, sub.tasks[1].Kind)

	// 非法端口
	w = doJSON(r, http.MethodPost, "/api/ports/9/power", `{"on":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestBindingsCRUD 绑定的写入、冲突、列表与删除
func TestBindingsCRUD(t *testing.T) {
	sub := &inlineSubmitter{bindings: memstore.New()}
	r := setupRouter(t, sub, nil)

	w := doJSON(r, http.MethodPost, "/api/bindings", `{"serial":"SN01","port":3,"hub":33}`)
	require.Equal(t, http.StatusOK, w.Code)

	// 端口被占，未加 force 时 409
	w = doJSON(r, http.MethodPost, "/api/bindings", `{"serial":"SN02","port":3,"hub":34}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, http.MethodPost, "/api/bindings", `{"serial":"SN02","port":3,"hub":34,"force":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/api/bindings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "SN01")
	assert.Contains(t, w.Body.String(), "SN02")

	w = doJSON(r, http.MethodDelete, "/api/bindings/SN01", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"released":true`)

	// 再删幂等
	w = doJSON(r, http.MethodDelete, "/api/bindings/SN01", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"released":false`)
}

// TestRecoverEndpoint 恢复入口透传会话结果
func TestRecoverEndpoint(t *testing.T) {
	sub := &inlineSubmitter{bindings: memstore.New()}
	rec := &fakeRecoverer{rep: &recovery.Report{
		SessionID: "s-1", Serial: "SN01", Outcome: storage.OutcomeSuccess, Attempts: 2,
	}}
	r := setupRouter(t, sub, rec)

	w := doJSON(r, http.MethodPost, "/api/recover", `{"serial":"SN01"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"attempts":2`)
	assert.Contains(t, w.Body.String(), `"outcome":"success"`)

	// 失败会话带错误信息
	rec.rep = &recovery.Report{SessionID: "s-2", Outcome: storage.OutcomeFailed, Attempts: 3}
	rec.err = recovery.ErrExhausted
	w = doJSON(r, http.MethodPost, "/api/recover", `{"serial":"SN01"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "exhausted")

	// 未配置恢复器
	r2 := setupRouter(t, sub, nil)
	w = doJSON(r2, http.MethodPost, "/api/recover", `{"serial":"SN01"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
