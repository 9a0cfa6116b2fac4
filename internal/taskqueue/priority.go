package taskqueue

import "github.com/kyrie2014/UsbRelay/internal/protocol/relay"

// 任务优先级定义
// 注意: 数值越小=优先级越高
const (
	// PriorityEmergency 紧急命令（立即执行）
	// 场景: 断电（恢复流程的第一步，其余动作都等它）
	PriorityEmergency = 1

	// PriorityHigh 高优先级命令
	// 场景: 通电恢复
	PriorityHigh = 2

	// PriorityNormal 普通优先级命令
	// 场景: 查询端口状态、绑定端口
	PriorityNormal = 3

	// PriorityBackground 后台任务
	// 场景: 周期性巡检
	PriorityBackground = 5
)

// PriorityAuto 提交时按消息类型取默认优先级。
// 0 是合法的最高优先级，不能用作"未指定"哨兵。
const PriorityAuto = -1

// KindPriority 根据消息类型返回默认优先级
func KindPriority(kind relay.MessageKind) int {
	switch kind {
	case relay.MsgDisconnectByIndex, relay.MsgDisconnectByHub:
		return PriorityEmergency
	case relay.MsgConnectByIndex, relay.MsgConnectByHub:
		return PriorityHigh
	case relay.MsgGetPortStates, relay.MsgSetPortState:
		return PriorityNormal
	default:
		return PriorityNormal
	}
}
