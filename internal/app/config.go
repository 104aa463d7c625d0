package app

import (
	"fmt"
	"time"

	"github.com/petrijr/signalflow/pkg/api"
	"github.com/petrijr/signalflow/workflows"
)

// WorkerConfig configures the embedded or standalone worker.
type WorkerConfig struct {
	TaskQueue         string        `env:"SIGNALFLOW_TASK_QUEUE" envDefault:"simple-workflow-queue" yaml:"task_queue"`
	WorkerID          string        `env:"SIGNALFLOW_WORKER_ID" yaml:"worker_id"`
	Concurrency       int           `env:"SIGNALFLOW_WORKER_CONCURRENCY" envDefault:"4" yaml:"concurrency"`
	LeaseTTL          time.Duration `env:"SIGNALFLOW_LEASE_TTL" envDefault:"30s" yaml:"lease_ttl"`
	HeartbeatInterval time.Duration `env:"SIGNALFLOW_HEARTBEAT_INTERVAL" yaml:"heartbeat_interval"`

	// RecoverIdleAfter is how long an open run must be quiet before the
	// recovery sweep re-queues its work.
	RecoverIdleAfter time.Duration `env:"SIGNALFLOW_RECOVER_IDLE_AFTER" envDefault:"1m" yaml:"recover_idle_after"`
	// RecoverySchedule is the cron spec of the recovery sweep. Empty
	// disables the sweep; recovery still runs once at startup.
	RecoverySchedule string `env:"SIGNALFLOW_RECOVERY_SCHEDULE" envDefault:"@every 1m" yaml:"recovery_schedule"`
}

// WorkflowConfig tunes SimpleWorkflow and its activities.
type WorkflowConfig struct {
	SignalTimeout       time.Duration `env:"SIGNALFLOW_SIGNAL_TIMEOUT" yaml:"signal_timeout"`
	SignalTimeoutPolicy string        `env:"SIGNALFLOW_SIGNAL_TIMEOUT_POLICY" envDefault:"fail" yaml:"signal_timeout_policy"`
	ActivityDelay       time.Duration `env:"SIGNALFLOW_ACTIVITY_DELAY" envDefault:"1s" yaml:"activity_delay"`
	ActivityTimeout     time.Duration `env:"SIGNALFLOW_ACTIVITY_TIMEOUT" envDefault:"30s" yaml:"activity_timeout"`
	ActivityMaxAttempts int           `env:"SIGNALFLOW_ACTIVITY_MAX_ATTEMPTS" envDefault:"3" yaml:"activity_max_attempts"`
}

// Options converts the configuration into workflow options.
func (c WorkflowConfig) Options() (workflows.Options, error) {
	policy := workflows.TimeoutPolicy(c.SignalTimeoutPolicy)
	switch policy {
	case "", workflows.TimeoutFail, workflows.TimeoutContinue:
	default:
		return workflows.Options{}, fmt.Errorf("unknown signal timeout policy %q", c.SignalTimeoutPolicy)
	}
	if c.SignalTimeout < 0 {
		return workflows.Options{}, fmt.Errorf("signal timeout must not be negative")
	}

	retry := api.DefaultRetryPolicy()
	if c.ActivityMaxAttempts > 0 {
		retry.MaxAttempts = c.ActivityMaxAttempts
	}
	return workflows.Options{
		SignalTimeout:   c.SignalTimeout,
		OnSignalTimeout: policy,
		ActivityOptions: api.ActivityOptions{
			RetryPolicy:         &retry,
			StartToCloseTimeout: c.ActivityTimeout,
		},
	}, nil
}
