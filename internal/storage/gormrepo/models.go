package gormrepo

import (
	"time"
)

// 注意：
// - 显式声明每个字段，不使用 gorm.Model，避免隐式 DeletedAt
// - pm_recoveryadbdata 列名沿用既有运维报表，不做重命名

// RelayBinding 映射 relay_bindings 表：设备序列号与继电器端口的绑定
type RelayBinding struct {
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// 设备序列号，唯一
	Serial string `gorm:"column:serial;type:varchar(64);not null;uniqueIndex"`
	// USB hub 位置值（继电器按 hub 控制时使用）
	HubValue uint8 `gorm:"column:hub_value;not null;default:0"`
	// 继电器端口序号，1 起
	PortIndex uint8 `gorm:"column:port_index;not null;index"`
	// 审计字段
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (RelayBinding) TableName() string { return "relay_bindings" }

// RecoveryRecord 映射 pm_recoveryadbdata 表：按 设备+日期 聚合的恢复统计
type RecoveryRecord struct {
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// 统计日期（天粒度）
	Date string `gorm:"column:Date;type:varchar(10);not null;uniqueIndex:uk_serial_date,priority:2"`
	// 执行恢复的主机名
	PC string `gorm:"column:PC;type:varchar(64)"`
	// 设备平台/芯片信息
	Chipset string `gorm:"column:Chipset;type:varchar(64)"`
	// 设备序列号
	Serial string `gorm:"column:Serial;type:varchar(64);not null;uniqueIndex:uk_serial_date,priority:1"`
	IMEI   string `gorm:"column:IMEI;type:varchar(32)"`
	// 当日 adb 掉线次数
	AdbLost int32 `gorm:"column:AdbLost;not null;default:0"`
	// 当日恢复成功次数
	AdbRecovery int32 `gorm:"column:AdbRecovery;not null;default:0"`
	// 设备固件版本
	Build string `gorm:"column:Build;type:varchar(128)"`
	// 当日恢复流程启动总次数
	TotalRun int32 `gorm:"column:TotalRun;not null;default:0"`
	// 当日恢复失败（放弃）次数
	TotalLost int32 `gorm:"column:TotalLost;not null;default:0"`
	Comment   string `gorm:"column:Comment;type:varchar(255)"`
	// 当日断电重连（物理复位）次数
	RebootTimes int32 `gorm:"column:RebootTimes;not null;default:0"`
}

func (RecoveryRecord) TableName() string { return "pm_recoveryadbdata" }
