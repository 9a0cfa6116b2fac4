package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kyrie2014/UsbRelay/internal/storage"
)

// Redis Key 设计
const (
	// relay:binding:{serial} -> bindingData JSON
	keyBindingPrefix = "relay:binding:"

	// relay:port:{portIndex} -> serial（端口占用表，冲突检测用）
	keyPortPrefix = "relay:port:"

	// relay:serials -> Set[serial]（List 遍历用）
	keySerialSet = "relay:serials"
)

// bindingData Redis 存储的绑定数据结构
type bindingData struct {
	Serial    string `json:"serial"`
	HubValue  byte   `json:"hub_value"`
	PortIndex byte   `json:"port_index"`
}

// Store Redis 版本的绑定表，供多实例部署共享绑定状态
type Store struct {
	client *redis.Client
}

var _ storage.BindingStore = (*Store)(nil)

// New 创建 Redis 绑定表
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, serial string) (storage.Binding, error) {
	val, err := s.client.Get(ctx, keyBindingPrefix+serial).Result()
	if errors.Is(err, redis.Nil) {
		return storage.Binding{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Binding{}, err
	}

	var data bindingData
	if err := json.Unmarshal([]byte(val), &data); err != nil {
		return storage.Binding{}, err
	}
	return storage.Binding{Serial: data.Serial, HubValue: data.HubValue, PortIndex: data.PortIndex}, nil
}

// Put 写入绑定。占用表用 WATCH+事务保护，
// 并发争抢同一端口时失败方重试，最多三轮。
func (s *Store) Put(ctx context.Context, b storage.Binding, force bool) error {
	portKey := s.portKey(b.PortIndex)

	txn := func(tx *redis.Tx) error {
		if b.PortIndex != 0 {
			holder, err := tx.Get(ctx, portKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil && holder != b.Serial && !force {
				return storage.ErrBindingConflict
			}
		}

		// 同一设备换绑端口时清掉旧占用
		old, err := s.Get(ctx, b.Serial)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		payload, err := json.Marshal(bindingData{
			Serial:    b.Serial,
			HubValue:  b.HubValue,
			PortIndex: b.PortIndex,
		})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if old.PortIndex != 0 && old.PortIndex != b.PortIndex {
				pipe.Del(ctx, s.portKey(old.PortIndex))
			}
			pipe.Set(ctx, keyBindingPrefix+b.Serial, payload, 0)
			if b.PortIndex != 0 {
				pipe.Set(ctx, portKey, b.Serial, 0)
			}
			pipe.SAdd(ctx, keySerialSet, b.Serial)
			return nil
		})
		return err
	}

	for i := 0; i < 3; i++ {
		err := s.client.Watch(ctx, txn, portKey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

func (s *Store) Delete(ctx context.Context, serial string) error {
	old, err := s.Get(ctx, serial)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keyBindingPrefix+serial)
		if old.PortIndex != 0 {
			pipe.Del(ctx, s.portKey(old.PortIndex))
		}
		pipe.SRem(ctx, keySerialSet, serial)
		return nil
	})
	return err
}

func (s *Store) List(ctx context.Context) ([]storage.Binding, error) {
	serials, err := s.client.SMembers(ctx, keySerialSet).Result()
	if err != nil {
		return nil, err
	}

	out := make([]storage.Binding, 0, len(serials))
	for _, serial := range serials {
		b, err := s.Get(ctx, serial)
		if errors.Is(err, storage.ErrNotFound) {
			// 集合残留，顺手清理
			s.client.SRem(ctx, keySerialSet, serial)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Store) portKey(port byte) string {
	return fmt.Sprintf("%s%d", keyPortPrefix, port)
}
