// Package syncer 定期从设备清单同步设备到存储，并把增删改通知订阅者。
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/charlesren/netcfg/store"
)

const syncerModule = "syncer"

// NewInventorySyncer 创建清单同步器；st 为nil时只维护快照和通知
func NewInventorySyncer(source Source, st store.ConfigStore, interval time.Duration) *InventorySyncer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InventorySyncer{
		source:   source,
		store:    st,
		interval: interval,
		devices:  make(map[string]store.DeviceRecord),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 立即同步一次，之后按间隔同步，直到 Stop
func (cs *InventorySyncer) Start() {
	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		if err := cs.Sync(cs.ctx); err != nil {
			xlog.Errorf(syncerModule, "initial sync failed: %v", err)
		}

		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()
		for {
			select {
			case <-cs.ctx.Done():
				return
			case <-ticker.C:
				if err := cs.Sync(cs.ctx); err != nil {
					xlog.Warnf(syncerModule, "sync failed: %v (retrying in %v)", err, cs.interval)
				}
			}
		}
	}()
	xlog.Infof(syncerModule, "inventory syncer started (interval %v)", cs.interval)
}

// Stop 停止同步并关闭所有订阅通道
func (cs *InventorySyncer) Stop() {
	cs.stopOnce.Do(func() {
		cs.cancel()
		cs.wg.Wait()

		cs.mu.Lock()
		for _, sub := range cs.subscribers {
			close(sub)
		}
		cs.subscribers = nil
		cs.mu.Unlock()
		xlog.Infof(syncerModule, "inventory syncer stopped at version %d", cs.Version())
	})
}

// Sync 执行一次同步。新增和变更的设备写入存储；清单中删除的设备只通知，
// 存储中的记录和历史保留。写入失败时快照不变，下次同步重试。
func (cs *InventorySyncer) Sync(ctx context.Context) error {
	fetched, err := cs.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch inventory: %w", err)
	}
	newDevices := make(map[string]store.DeviceRecord, len(fetched))
	for _, rec := range fetched {
		newDevices[rec.Address] = rec
	}

	cs.mu.Lock()
	events := cs.detectChanges(newDevices)
	if len(events) == 0 {
		cs.lastSync = time.Now()
		cs.mu.Unlock()
		xlog.Debugf(syncerModule, "inventory unchanged (%d devices)", len(newDevices))
		return nil
	}

	if cs.store != nil {
		var changed []store.DeviceRecord
		for _, ev := range events {
			if ev.Type != DeviceDelete {
				changed = append(changed, ev.Device)
			}
		}
		if _, _, err := store.MergeInventory(ctx, cs.store, changed); err != nil {
			cs.mu.Unlock()
			return err
		}
	}

	cs.devices = newDevices
	cs.version++
	cs.lastSync = time.Now()
	// 为所有事件设置版本号
	for i := range events {
		events[i].Version = cs.version
	}
	cs.mu.Unlock()

	xlog.Infof(syncerModule, "inventory version %d: %d changes, %d devices", cs.Version(), len(events), len(newDevices))
	cs.notifyAll(events)
	return nil
}

func (cs *InventorySyncer) detectChanges(newDevices map[string]store.DeviceRecord) []DeviceChangeEvent {
	var events []DeviceChangeEvent

	// 检测删除和更新
	for addr, old := range cs.devices {
		if rec, exists := newDevices[addr]; !exists {
			events = append(events, DeviceChangeEvent{Type: DeviceDelete, Device: old})
		} else if entryOf(old) != entryOf(rec) {
			events = append(events, DeviceChangeEvent{Type: DeviceUpdate, Device: rec})
		}
	}

	// 检测新增
	for addr, rec := range newDevices {
		if _, exists := cs.devices[addr]; !exists {
			events = append(events, DeviceChangeEvent{Type: DeviceCreate, Device: rec})
		}
	}
	return events
}

func (cs *InventorySyncer) notifyAll(events []DeviceChangeEvent) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	for _, event := range events {
		for _, sub := range cs.subscribers {
			select {
			case sub <- event:
			default:
				xlog.Warnf(syncerModule, "subscriber channel full, dropped %s event for %s", event.Type, event.Device.Address)
			}
		}
	}
}

// Subscribe 订阅清单变更，返回取消函数
func (cs *InventorySyncer) Subscribe() (<-chan DeviceChangeEvent, func()) {
	ch := make(chan DeviceChangeEvent, 100)
	cs.mu.Lock()
	cs.subscribers = append(cs.subscribers, Subscriber(ch))
	cs.mu.Unlock()

	return ch, func() { cs.unsubscribe(ch) }
}

func (cs *InventorySyncer) unsubscribe(ch chan DeviceChangeEvent) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i, sub := range cs.subscribers {
		if sub == Subscriber(ch) {
			cs.subscribers = append(cs.subscribers[:i], cs.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Snapshot 当前清单快照
func (cs *InventorySyncer) Snapshot() map[string]store.DeviceRecord {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	snapshot := make(map[string]store.DeviceRecord, len(cs.devices))
	for k, v := range cs.devices {
		snapshot[k] = v
	}
	return snapshot
}

func (cs *InventorySyncer) Version() int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.version
}

func (cs *InventorySyncer) LastSync() time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.lastSync
}
