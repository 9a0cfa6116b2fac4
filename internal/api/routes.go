package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kyrie2014/UsbRelay/internal/storage"
)

// RegisterRoutes 注册管理 API 路由
func RegisterRoutes(r *gin.Engine, disp TaskSubmitter, bindings storage.BindingStore,
	rec Recoverer, logger *zap.Logger) {
	if r == nil || disp == nil || bindings == nil {
		return
	}
	handler := NewHandler(disp, bindings, rec, logger)

	apiGroup := r.Group("/api")

	// 端口控制
	apiGroup.GET("/ports", handler.GetPorts)
	apiGroup.POST("/ports/:index/power", handler.SetPortPower)

	// 绑定管理
	apiGroup.GET("/bindings", handler.ListBindings)
	apiGroup.POST("/bindings", handler.PutBinding)
	apiGroup.DELETE("/bindings/:serial", handler.DeleteBinding)

	// 恢复入口
	apiGroup.POST("/recover", handler.Recover)

	if logger != nil {
		logger.Info("admin routes registered", zap.Int("endpoints", 6))
	}
}
