package clock

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	assert.Equal(t, start, fake.Now())

	fake.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), fake.Now())
	assert.Equal(t, start.Add(90*time.Second).UnixMilli(), fake.NowMillis())
}

func TestFakeISO(t *testing.T) {
	fake := NewFake(time.Date(2025, 1, 1, 12, 30, 0, 0, time.UTC))
	assert.Equal(t, "2025-01-01T12:30:00Z", fake.ISO())
}

func TestNewID(t *testing.T) {
	id := NewID("req")
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.NotContains(t, id, "-")

	other := NewID("req")
	assert.NotEqual(t, id, other)
}

func TestNewID_NoKind(t *testing.T) {
	id := NewID("")
	assert.NotContains(t, id, "_")
	assert.Len(t, id, 32)
}

func TestInstanceID_Stable(t *testing.T) {
	first := InstanceID()
	second := InstanceID()
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}
