package orchestration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/apphub/apphub/store"
)

func TestTimeWindowPartitionsHourly(t *testing.T) {
	now := time.Date(2025, 8, 1, 12, 15, 0, 0, time.UTC)
	spec := &store.PartitionSpec{Type: "timeWindow", Granularity: "hour", Lookback: 2}

	keys := EnumeratePartitionKeys(spec, now)

	assert.Equal(t, []string{"2025-08-01T10", "2025-08-01T11", "2025-08-01T12"}, keys)
}

func TestTimeWindowPartitionsMinute(t *testing.T) {
	now := time.Date(2025, 8, 1, 12, 15, 30, 0, time.UTC)
	spec := &store.PartitionSpec{Type: "timeWindow", Granularity: "minute", Lookback: 1}

	keys := EnumeratePartitionKeys(spec, now)

	assert.Equal(t, []string{"2025-08-01T12:14", "2025-08-01T12:15"}, keys)
}

func TestTimeWindowPartitionsDaily(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 5, 0, 0, time.UTC)
	spec := &store.PartitionSpec{Type: "timeWindow", Granularity: "day", Lookback: 2}

	keys := EnumeratePartitionKeys(spec, now)

	assert.Equal(t, []string{"2025-07-30", "2025-07-31", "2025-08-01"}, keys)
}

func TestTimeWindowPartitionsZeroLookback(t *testing.T) {
	now := time.Date(2025, 8, 1, 12, 59, 59, 0, time.UTC)
	spec := &store.PartitionSpec{Type: "timeWindow", Granularity: "hour"}

	keys := EnumeratePartitionKeys(spec, now)

	assert.Equal(t, []string{"2025-08-01T12"}, keys)
}

func TestDynamicPartitionsAlwaysEmpty(t *testing.T) {
	spec := &store.PartitionSpec{Type: "dynamic"}

	assert.Empty(t, EnumeratePartitionKeys(spec, time.Now()))
}

func TestStaticPartitionsReturnValues(t *testing.T) {
	spec := &store.PartitionSpec{Type: "static", Values: []string{"us-east", "eu-west"}}

	keys := EnumeratePartitionKeys(spec, time.Now())

	assert.Equal(t, []string{"us-east", "eu-west"}, keys)
}
