package timex

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_JSON(t *testing.T) {
	var v struct {
		TTL Duration `json:"ttl"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"ttl":"5m"}`), &v))
	assert.Equal(t, 5*time.Minute, v.TTL.Duration)

	b, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ttl":"5m0s"}`, string(b))

	require.NoError(t, json.Unmarshal([]byte(`{"ttl":1000}`), &v))
	assert.Equal(t, time.Duration(1000), v.TTL.Duration)

	assert.Error(t, json.Unmarshal([]byte(`{"ttl":true}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"ttl":"soon"}`), &v))
}

func TestFormat_FixedWidthAndOrder(t *testing.T) {
	a := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	b := a.Add(1500 * time.Microsecond)

	fa, fb := Format(a), Format(b)
	assert.Equal(t, "2024-03-01T08:00:00.000000Z", fa)
	assert.Equal(t, len(fa), len(fb))
	assert.Less(t, fa, fb)

	back, err := Parse(fb)
	require.NoError(t, err)
	assert.True(t, back.Equal(b))
}

func TestParse_AcceptsRFC3339(t *testing.T) {
	got, err := Parse("2024-03-01T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T08:00:00.000000Z", Format(got))
}

func TestSystem_StrictlyIncreasing(t *testing.T) {
	c := NewSystem()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		next := c.Now()
		require.True(t, next.After(prev))
		prev = next
	}
}

func TestManual_Advance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)
	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(time.Minute), c.Advance(time.Minute))

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestInto_ScansStoredValues(t *testing.T) {
	var got time.Time
	require.NoError(t, Into(&got).Scan("2024-03-01T08:00:00.000001Z"))
	assert.Equal(t, 1000, got.Nanosecond())

	require.NoError(t, Into(&got).Scan([]byte("2024-03-02T08:00:00.000000Z")))
	assert.Equal(t, 2, got.Day())

	before := got
	require.NoError(t, Into(&got).Scan(nil))
	assert.Equal(t, before, got)

	assert.Error(t, Into(&got).Scan(42))
	assert.Error(t, Into(&got).Scan("yesterday"))
}
