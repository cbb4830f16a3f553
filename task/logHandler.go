package task

import "github.com/charlesren/netcfg/internal/xlog"

// LogHandler 日志处理器
type LogHandler struct{}

func (h *LogHandler) HandleResult(events []ResultEvent) error {
	for _, event := range events {
		if event.Success {
			xlog.Infof("result", "✓ %s %s applied (%d commands, attempts: %d, duration: %v)",
				event.Endpoint, event.IntentRef, len(event.CommandsSent), event.Attempts, event.Duration)
		} else {
			xlog.Warnf("result", "✗ %s %s %s: %s (verify: %t, duration: %v)",
				event.Endpoint, event.IntentRef, event.ErrorCode, event.Error, event.NeedsVerification, event.Duration)
		}
	}
	return nil
}
