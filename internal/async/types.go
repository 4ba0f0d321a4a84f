// Package async implements the async step manager (spec §4.6): allocating
// durable state for a background task, dispatching it to one of four
// built-in handler shapes (or a user-supplied handler), reporting progress,
// and feeding the handler's eventual step result back into the executor.
//
// Grounded on the teacher's internal/async/async_manager.go, stripped of
// its protobuf/gRPC notification path (dropped along with the rest of the
// gRPC surface, see DESIGN.md) and its placeholder HTTP/cron/JSONPath
// logic, which here is implemented for real against resty, gjson and
// robfig/cron.
package async

import (
	"encoding/json"
	"time"
)

// PollingConfig drives the polling handler: it calls URL on an interval
// until the response satisfies SuccessCondition or FailureCondition, both
// gjson path expressions evaluated against the response body.
type PollingConfig struct {
	URL              string            `json:"url"`
	Method           string            `json:"method"`
	Headers          map[string]string `json:"headers"`
	Body             json.RawMessage   `json:"body,omitempty"`
	IntervalSeconds  int               `json:"interval_seconds"`
	MaxAttempts      int               `json:"max_attempts"`
	SuccessCondition string            `json:"success_condition"`
	FailureCondition string            `json:"failure_condition"`
}

// WebhookConfig drives the webhook handler: it waits for an external
// caller to deliver a payload to the task's callback id within TimeoutSec.
type WebhookConfig struct {
	CallbackID string            `json:"callback_id"`
	Secret     string            `json:"secret"`
	Headers    map[string]string `json:"headers"`
	TimeoutSec int               `json:"timeout_sec"`
}

// WaitConfig drives the wait handler: a pure delay, either for a fixed
// duration or until an absolute timestamp.
type WaitConfig struct {
	DurationSeconds int    `json:"duration_seconds"`
	UntilTimestamp  *int64 `json:"until_timestamp,omitempty"`
}

// ScheduleConfig drives the schedule handler: it completes the next time
// CronExpression fires after the handler starts.
type ScheduleConfig struct {
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone"`
}

// HandlerConfig bundles the four built-in shapes; exactly one field is set
// per task, selected by graph.StepNode.AsyncHandler's closure at
// registration time.
type HandlerConfig struct {
	Polling  *PollingConfig
	Webhook  *WebhookConfig
	Wait     *WaitConfig
	Schedule *ScheduleConfig
}

// ProgressReporter is handed to a running async handler (spec §4.6 point
// 5): Update reports monotonic percent-complete, IsCancelled reports
// whether the owning instance was cancelled or the task's watchdog fired.
type ProgressReporter interface {
	Update(percent int, message string)
	IsCancelled() bool
}

// webhookDelivery is the payload an external caller posts to resolve a
// pending webhook task.
type webhookDelivery struct {
	Data  interface{}
	Error string
}

const (
	defaultPollMaxAttempts = 100
	defaultWebhookTimeout  = time.Hour
)
