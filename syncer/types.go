package syncer

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/charlesren/netcfg/store"
)

type ChangeType uint8

const (
	DeviceCreate ChangeType = iota + 1
	DeviceUpdate
	DeviceDelete
)

func (t ChangeType) String() string {
	switch t {
	case DeviceCreate:
		return "create"
	case DeviceUpdate:
		return "update"
	case DeviceDelete:
		return "delete"
	}
	return "unknown"
}

type DeviceChangeEvent struct {
	Type    ChangeType
	Device  store.DeviceRecord // 事件关联的设备
	Version int64              // 清单版本号
}

// Subscriber 强类型的只写通道
type Subscriber chan<- DeviceChangeEvent

// Source 设备清单来源
type Source interface {
	Fetch(ctx context.Context) ([]store.DeviceRecord, error)
}

type SourceFunc func(ctx context.Context) ([]store.DeviceRecord, error)

func (f SourceFunc) Fetch(ctx context.Context) ([]store.DeviceRecord, error) { return f(ctx) }

// FileSource 读取xlsx设备清单文件
type FileSource string

func (p FileSource) Fetch(context.Context) ([]store.DeviceRecord, error) {
	f, err := os.Open(string(p))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return store.ImportInventory(f)
}

// inventoryEntry 参与变更比较的字段；下发历史不属于清单
type inventoryEntry struct {
	Family  string
	Port    int
	AuthRef string
}

func entryOf(rec store.DeviceRecord) inventoryEntry {
	return inventoryEntry{Family: string(rec.Family), Port: rec.Port, AuthRef: rec.AuthRef}
}

type InventorySyncer struct {
	source   Source
	store    store.ConfigStore
	interval time.Duration

	devices     map[string]store.DeviceRecord // 当前全量清单
	version     int64                         // 单调递增版本号
	lastSync    time.Time
	subscribers []Subscriber
	mu          sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}
