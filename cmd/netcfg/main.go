// netcfg 把配置意图下发到网络设备。
//
// 用法:
//
//	netcfg apply -f intent.yaml --address 192.0.2.1 --family cisco_ios -u admin
//	netcfg serve                     启动HTTP接口
//	netcfg devices list|import|export
package main

import (
	"fmt"
	"os"

	"github.com/charlesren/netcfg/internal/config"
	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli 子命令共享的状态
type cli struct {
	confPath string
	cfg      *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:               "netcfg",
		Short:             "Push configuration intents to network devices",
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.confPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			xlog.Init(xlog.New(cfg.LogOptions()...))
			xlog.Debugf("Main", "配置加载完成: %s", c.confPath)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.confPath, "config", "c", "", "config file (default ./netcfg.yaml or /etc/netcfg/netcfg.yaml)")

	root.AddCommand(
		newApplyCmd(c),
		newServeCmd(c),
		newDevicesCmd(c),
	)
	return root
}
