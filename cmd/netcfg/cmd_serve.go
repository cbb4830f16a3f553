package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charlesren/netcfg/internal/api"
	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/charlesren/netcfg/syncer"
	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				c.cfg.API.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, c)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides api.listen)")
	return cmd
}

func runServe(ctx context.Context, c *cli) error {
	a, err := newApp(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			xlog.Errorf("Main", "关闭失败: %v", err)
		}
	}()

	if inv := c.cfg.Inventory; inv.File != "" {
		cs := syncer.NewInventorySyncer(syncer.FileSource(inv.File), a.mgr.Store(), inv.SyncInterval)
		events, _ := cs.Subscribe()
		go logInventoryChanges(events)
		cs.Start()
		defer cs.Stop()
	}

	srv := api.NewServer(a.mgr, api.WithToken(c.cfg.API.Token), api.WithGatherer(a.metrics))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(c.cfg.API.Listen)
	}()
	xlog.Infof("Main", "服务启动 (pid %d)", os.Getpid())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	xlog.Infof("Main", "接收到终止信号，开始优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// logInventoryChanges 记录清单变更，通道在同步器停止时关闭
func logInventoryChanges(events <-chan syncer.DeviceChangeEvent) {
	for ev := range events {
		xlog.Infof("Main", "清单变更 v%d: %s %s (%s)", ev.Version, ev.Type, ev.Device.Address, ev.Device.Family)
	}
}
