package async

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"

	"github.com/n8n-work/workflow-engine/internal/graph"
	"github.com/n8n-work/workflow-engine/internal/stepresult"
)

// NewPollingHandler adapts the teacher's handlePollingTask/
// executePollingRequest placeholder into a real HTTP polling loop: it
// issues cfg.Method requests to cfg.URL on an interval, evaluating
// SuccessCondition/FailureCondition as gjson path expressions against the
// response body (spec's "resty.v2 polling handler" wiring).
func NewPollingHandler(cfg *PollingConfig, client *resty.Client) graph.AsyncHandlerFunc {
	return func(_ interface{}, _ map[string]interface{}, progressArg interface{}) (interface{}, error) {
		progress, _ := progressArg.(ProgressReporter)

		maxAttempts := cfg.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = defaultPollMaxAttempts
		}
		interval := time.Duration(cfg.IntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Second
		}

		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if progress != nil && progress.IsCancelled() {
				return stepresult.Fail{Err: fmt.Errorf("polling task cancelled")}, nil
			}

			req := client.R().SetHeaders(cfg.Headers)
			if len(cfg.Body) > 0 {
				req = req.SetBody([]byte(cfg.Body))
			}

			resp, err := req.Execute(cfg.Method, cfg.URL)
			if err != nil {
				if progress != nil {
					progress.Update((attempt-1)*100/maxAttempts, fmt.Sprintf("attempt %d failed: %v", attempt, err))
				}
				time.Sleep(interval)
				continue
			}

			body := resp.String()

			if cfg.FailureCondition != "" && gjson.Get(body, cfg.FailureCondition).Exists() {
				return stepresult.Fail{Err: fmt.Errorf("polling failure condition matched")}, nil
			}
			if cfg.SuccessCondition == "" || gjson.Get(body, cfg.SuccessCondition).Exists() {
				return stepresult.Finish{Value: body}, nil
			}

			if progress != nil {
				progress.Update(attempt*100/maxAttempts, fmt.Sprintf("attempt %d/%d pending", attempt, maxAttempts))
			}
			time.Sleep(interval)
		}

		return stepresult.Fail{Err: fmt.Errorf("exceeded maximum polling attempts (%d)", maxAttempts)}, nil
	}
}

// NewWebhookHandler adapts the teacher's handleWebhookTask: it blocks until
// an external caller delivers a payload for cfg.CallbackID through the
// owning Manager, or until TimeoutSec elapses.
func NewWebhookHandler(mgr *Manager, cfg *WebhookConfig) graph.AsyncHandlerFunc {
	return func(_ interface{}, _ map[string]interface{}, progressArg interface{}) (interface{}, error) {
		progress, _ := progressArg.(ProgressReporter)

		timeout := time.Duration(cfg.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}

		ch := mgr.awaitWebhook(cfg.CallbackID)
		defer mgr.forgetWebhook(cfg.CallbackID)

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		poll := time.NewTicker(time.Second)
		defer poll.Stop()

		for {
			select {
			case delivery := <-ch:
				if delivery.Error != "" {
					return stepresult.Fail{Err: fmt.Errorf("webhook delivery error: %s", delivery.Error)}, nil
				}
				return stepresult.Finish{Value: delivery.Data}, nil
			case <-timer.C:
				return stepresult.Fail{Err: fmt.Errorf("webhook %s timed out after %s", cfg.CallbackID, timeout)}, nil
			case <-poll.C:
				if progress != nil && progress.IsCancelled() {
					return stepresult.Fail{Err: fmt.Errorf("webhook task cancelled")}, nil
				}
			}
		}
	}
}

// NewWaitHandler adapts the teacher's handleWaitTask: a pure delay, either
// fixed-duration or until an absolute timestamp.
func NewWaitHandler(cfg *WaitConfig) graph.AsyncHandlerFunc {
	return func(_ interface{}, _ map[string]interface{}, progressArg interface{}) (interface{}, error) {
		progress, _ := progressArg.(ProgressReporter)

		var waitDuration time.Duration
		if cfg.UntilTimestamp != nil {
			waitDuration = time.Until(time.Unix(*cfg.UntilTimestamp, 0))
		} else {
			waitDuration = time.Duration(cfg.DurationSeconds) * time.Second
		}
		if waitDuration <= 0 {
			return stepresult.Finish{Value: map[string]interface{}{"waited_seconds": 0}}, nil
		}

		deadline := time.Now().Add(waitDuration)
		tick := time.NewTicker(250 * time.Millisecond)
		defer tick.Stop()

		for time.Now().Before(deadline) {
			<-tick.C
			if progress != nil {
				if progress.IsCancelled() {
					return stepresult.Fail{Err: fmt.Errorf("wait task cancelled")}, nil
				}
				remaining := time.Until(deadline)
				pct := int(100 * (1 - remaining.Seconds()/waitDuration.Seconds()))
				progress.Update(pct, "waiting")
			}
		}
		return stepresult.Finish{Value: map[string]interface{}{"waited_seconds": waitDuration.Seconds()}}, nil
	}
}

// NewScheduleHandler adapts the teacher's handleScheduleTask placeholder
// ("would use a cron library here") with a real robfig/cron parse: it
// completes at the cron expression's next scheduled occurrence.
func NewScheduleHandler(cfg *ScheduleConfig) graph.AsyncHandlerFunc {
	return func(_ interface{}, _ map[string]interface{}, progressArg interface{}) (interface{}, error) {
		progress, _ := progressArg.(ProgressReporter)

		schedule, err := cron.ParseStandard(cfg.CronExpression)
		if err != nil {
			return stepresult.Fail{Err: fmt.Errorf("invalid cron expression %q: %w", cfg.CronExpression, err)}, nil
		}

		loc := time.Local
		if cfg.Timezone != "" {
			if tz, err := time.LoadLocation(cfg.Timezone); err == nil {
				loc = tz
			}
		}

		next := schedule.Next(time.Now().In(loc))
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()
		poll := time.NewTicker(time.Second)
		defer poll.Stop()

		for {
			select {
			case <-timer.C:
				return stepresult.Finish{Value: map[string]interface{}{"fired_at": next.Unix(), "cron": cfg.CronExpression}}, nil
			case <-poll.C:
				if progress != nil && progress.IsCancelled() {
					return stepresult.Fail{Err: fmt.Errorf("schedule task cancelled")}, nil
				}
			}
		}
	}
}
