package config

import (
	"slices"
	"time"

	"github.com/yusliao/mesevents/pkg/mesevents/bus"
	mserrors "github.com/yusliao/mesevents/pkg/mesevents/errors"
)

// duration parses s, returning 0 for anything Validate would reject.
func duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (c ServerConfig) ShutdownTimeoutDuration() time.Duration { return duration(c.ShutdownTimeout) }

func (c StoreConfig) ConnMaxLifetimeDuration() time.Duration { return duration(c.ConnMaxLifetime) }

func (c KafkaConfig) WriteTimeoutDuration() time.Duration { return duration(c.WriteTimeout) }

func (c DispatchConfig) DrainTimeoutDuration() time.Duration { return duration(c.DrainTimeout) }

// BusConfig converts the dispatch section for bus.New.
func (c DispatchConfig) BusConfig() bus.Config {
	retry := mserrors.DefaultRetry
	retry.InitialBackoff = duration(c.InitialBackoff)
	retry.MaxBackoff = duration(c.MaxBackoff)
	retry.BackoffFactor = c.BackoffFactor
	return bus.Config{
		MaxRetries:       c.MaxRetries,
		Retry:            retry,
		HandlerTimeout:   duration(c.HandlerTimeout),
		BroadcastTimeout: duration(c.BroadcastTimeout),
		PropagateCancel:  c.PropagateCancel,
	}
}

func (c DeadLetterConfig) RetentionDuration() time.Duration { return duration(c.Retention) }

func (c DeadLetterConfig) JanitorIntervalDuration() time.Duration {
	return duration(c.JanitorInterval)
}

func (c StatsConfig) RetentionDuration() time.Duration { return duration(c.Retention) }

func (c StatsConfig) PruneIntervalDuration() time.Duration { return duration(c.PruneInterval) }
