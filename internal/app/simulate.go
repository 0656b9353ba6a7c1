package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"enerx-readmodel/internal/alerting"
	"enerx-readmodel/internal/dispatcher"
)

// SimulateAlert 发送一条模拟的变更结果通知，用于验证告警通道。
func (a *App) SimulateAlert(ctx context.Context, method string, failed bool) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	note := simulatedNotification(method, failed, time.Now().UTC())
	return notifier.Notify(ctx, note)
}

func simulatedNotification(method string, failed bool, at time.Time) alerting.Notification {
	note := alerting.Notification{
		MutationID:    uuid.NewString(),
		Method:        method,
		State:         string(dispatcher.StateSucceeded),
		At:            at,
		AdditionalMsg: "simulated",
	}
	if spec, ok := dispatcher.Lookup(method); ok {
		note.Refreshed = spec.Affects
	}
	if failed {
		note.State = string(dispatcher.StateFailed)
		note.Refreshed = nil
		note.Error = "simulated failure"
	}
	return note
}
