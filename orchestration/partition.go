package orchestration

import (
	"time"

	"github.com/apphub/apphub/store"
)

// Time-window key formats per granularity. Keys are UTC and boundary
// aligned: an hourly key names the hour bucket the instant falls in.
const (
	windowMinute = "2006-01-02T15:04"
	windowHour   = "2006-01-02T15"
	windowDay    = "2006-01-02"
)

// EnumeratePartitionKeys expands a partition spec into its concrete keys.
// timeWindow yields the ordered buckets from now-lookback through the
// current bucket inclusive; dynamic yields nothing (the step discovers its
// partitions at runtime); static yields the literal values.
func EnumeratePartitionKeys(spec *store.PartitionSpec, now time.Time) []string {
	if spec == nil {
		return nil
	}
	switch spec.Type {
	case "timeWindow":
		return timeWindowKeys(spec, now.UTC())
	case "static":
		out := make([]string, len(spec.Values))
		copy(out, spec.Values)
		return out
	default: // dynamic
		return nil
	}
}

func timeWindowKeys(spec *store.PartitionSpec, now time.Time) []string {
	var unit time.Duration
	var format string
	switch spec.Granularity {
	case "minute":
		unit, format = time.Minute, windowMinute
	case "hour":
		unit, format = time.Hour, windowHour
	case "day":
		unit, format = 24*time.Hour, windowDay
	default:
		return nil
	}

	current := now.Truncate(unit)
	lookback := spec.Lookback
	if lookback < 0 {
		lookback = 0
	}

	keys := make([]string, 0, lookback+1)
	for i := lookback; i >= 0; i-- {
		keys = append(keys, current.Add(-time.Duration(i)*unit).Format(format))
	}
	return keys
}
