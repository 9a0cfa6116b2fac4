package gormrepo

import (
	"context"
	"errors"
	"os"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kyrie2014/UsbRelay/internal/storage"
)

// DeviceMeta 写统计记录时附带的设备信息，查不到时留空即可
type DeviceMeta struct {
	Chipset string
	IMEI    string
	Build   string
}

// MetaFunc 按序列号查询设备信息；nil 或返回错误时记录空信息
type MetaFunc func(ctx context.Context, serial string) (DeviceMeta, error)

// Repository 基于 GORM/MySQL 的绑定表与恢复统计实现
type Repository struct {
	db   *gorm.DB
	host string
	meta MetaFunc
}

var (
	_ storage.BindingStore = (*Repository)(nil)
	_ storage.StatsSink    = (*Repository)(nil)
)

// New 构造仓储。meta 可为 nil。
func New(db *gorm.DB, meta MetaFunc) *Repository {
	host, _ := os.Hostname()
	return &Repository{db: db, host: host, meta: meta}
}

// Get 按序列号查询绑定
func (r *Repository) Get(ctx context.Context, serial string) (storage.Binding, error) {
	var rec RelayBinding
	err := r.db.WithContext(ctx).Where("serial = ?", serial).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Binding{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Binding{}, err
	}
	return storage.Binding{Serial: rec.Serial, HubValue: rec.HubValue, PortIndex: rec.PortIndex}, nil
}

// Put 写入绑定。冲突检查与写入在同一事务内完成，
// 并发写同一端口时由唯一索引与事务保证只有一方成功。
func (r *Repository) Put(ctx context.Context, b storage.Binding, force bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !force && b.PortIndex != 0 {
			var occupied RelayBinding
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("port_index = ? AND serial <> ?", b.PortIndex, b.Serial).
				Take(&occupied).Error
			switch {
			case err == nil:
				return storage.ErrBindingConflict
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}

		record := &RelayBinding{
			Serial:    b.Serial,
			HubValue:  b.HubValue,
			PortIndex: b.PortIndex,
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "serial"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"hub_value":  b.HubValue,
				"port_index": b.PortIndex,
				"updated_at": gorm.Expr("NOW()"),
			}),
		}).Create(record).Error
	})
}

// Delete 解除绑定，记录不存在时视为成功
func (r *Repository) Delete(ctx context.Context, serial string) error {
	return r.db.WithContext(ctx).Where("serial = ?", serial).Delete(&RelayBinding{}).Error
}

// List 返回全部绑定，按端口序
func (r *Repository) List(ctx context.Context) ([]storage.Binding, error) {
	var recs []RelayBinding
	if err := r.db.WithContext(ctx).Order("port_index ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]storage.Binding, 0, len(recs))
	for _, rec := range recs {
		out = append(out, storage.Binding{Serial: rec.Serial, HubValue: rec.HubValue, PortIndex: rec.PortIndex})
	}
	return out, nil
}

// RecordRecovery 按 设备+日期 累加恢复统计。
// 每次会话都由 adb 掉线触发：AdbLost 与 TotalRun 恒加一；
// 成功加 AdbRecovery，失败加 TotalLost；RebootTimes 累加实际断电次数。
func (r *Repository) RecordRecovery(ctx context.Context, serial string, outcome storage.Outcome, attempts int, at time.Time) error {
	var m DeviceMeta
	if r.meta != nil {
		m, _ = r.meta(ctx, serial)
	}

	var recovered, lost int32
	if outcome == storage.OutcomeSuccess {
		recovered = 1
	} else {
		lost = 1
	}

	record := &RecoveryRecord{
		Date:        at.Format("2006-01-02"),
		PC:          r.host,
		Chipset:     m.Chipset,
		Serial:      serial,
		IMEI:        m.IMEI,
		AdbLost:     1,
		AdbRecovery: recovered,
		Build:       m.Build,
		TotalRun:    1,
		TotalLost:   lost,
		RebootTimes: int32(attempts),
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "Serial"}, {Name: "Date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"AdbLost":     gorm.Expr("AdbLost + 1"),
				"AdbRecovery": gorm.Expr("AdbRecovery + ?", recovered),
				"TotalRun":    gorm.Expr("TotalRun + 1"),
				"TotalLost":   gorm.Expr("TotalLost + ?", lost),
				"RebootTimes": gorm.Expr("RebootTimes + ?", attempts),
			}),
		}).
		Create(record).Error
}
