package main

import (
	"context"
	"fmt"

	"github.com/charlesren/netcfg/connection"
	"github.com/charlesren/netcfg/internal/config"
	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/charlesren/netcfg/manager"
	"github.com/charlesren/netcfg/store"
	"github.com/charlesren/netcfg/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// newRegistry 按设备类型选择驱动，测试中替换为模拟驱动
var newRegistry = connection.NewDefaultRegistry

// app 组装好的运行时组件
type app struct {
	mgr     *manager.Manager
	metrics *prometheus.Registry
	audit   *task.JSONLinesHandler
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	poolCfg, err := cfg.PoolConfig()
	if err != nil {
		return nil, fmt.Errorf("pool config: %w", err)
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := connection.NewPrometheusCollector(metrics)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}

	aggregator := task.NewAggregator(cfg.Audit.Workers, cfg.Audit.BufferSize, cfg.Audit.FlushInterval)
	aggregator.AddHandler(&task.LogHandler{})
	var audit *task.JSONLinesHandler
	if cfg.Audit.File != "" {
		audit = task.NewJSONLinesHandler(cfg.Audit.File, cfg.Audit.MaxSize, cfg.Audit.MaxBackups, cfg.Audit.MaxAge)
		aggregator.AddHandler(audit)
		xlog.Infof("Main", "审计日志: %s", cfg.Audit.File)
	}
	aggregator.Start()

	pool := connection.NewPool(poolCfg, newRegistry(poolCfg), connection.WithMetricsCollector(collector))
	mgr := manager.New(pool,
		manager.WithStore(st),
		manager.WithAggregator(aggregator),
		manager.WithPolicy(cfg.Policy),
		manager.WithAcquireTimeout(cfg.AcquireTimeout),
		manager.WithWorkers(cfg.Workers),
		manager.WithExecutor(task.NewExecutor(task.WithExecutorMetrics(collector))),
	)
	xlog.Infof("Main", "管理器初始化完成 (store: %s, workers: %d)", cfg.Store.Backend, cfg.Workers)
	return &app{mgr: mgr, metrics: metrics, audit: audit}, nil
}

// Close 先停止管理器（聚合器随之刷新），再关闭审计文件
func (a *app) Close() error {
	err := a.mgr.Close()
	if a.audit != nil {
		if cerr := a.audit.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
