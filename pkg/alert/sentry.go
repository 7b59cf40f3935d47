// Package alert 把终态失败上报到 Sentry，供运维排查。
package alert

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/d60-Lab/timeline-feed/config"
)

// Init 初始化 Sentry；DSN 为空时不启用，Capture 变为空操作。
func Init(cfg config.SentryConfig) (bool, error) {
	if cfg.DSN == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		SampleRate:  cfg.SampleRate,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Capture 上报一个错误，tags 用于 Sentry 侧检索，extras 附带上下文
func Capture(err error, tags map[string]string, extras map[string]interface{}) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		for k, v := range extras {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Flush 退出前等待事件发送
func Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}
