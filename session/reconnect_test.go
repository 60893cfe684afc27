package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectionPolicyNeverNegative(t *testing.T) {
	p := NewReconnectionPolicy(2, time.Second)

	assert.True(t, p.Attempt())
	assert.True(t, p.Attempt())
	assert.False(t, p.Attempt())
	assert.False(t, p.Attempt())
	assert.Zero(t, p.Remaining())

	p.Reset()
	assert.Equal(t, 2, p.Remaining())
}

func TestReconnectionPolicyNegativeMax(t *testing.T) {
	p := NewReconnectionPolicy(-3, 0)
	assert.Zero(t, p.Remaining())
	assert.False(t, p.Attempt())
}

func TestReconnectionPolicyWait(t *testing.T) {
	p := NewReconnectionPolicy(1, 30*time.Second)
	start := time.Unix(1000, 0)

	assert.False(t, p.Waiting())
	assert.False(t, p.WaitExpired(start))

	p.StartWait(start)
	assert.True(t, p.Waiting())
	assert.False(t, p.WaitExpired(start.Add(29*time.Second)))
	assert.True(t, p.WaitExpired(start.Add(30*time.Second)))

	p.StopWait()
	assert.False(t, p.WaitExpired(start.Add(time.Hour)))

	p.StartWait(start)
	p.Attempt()
	p.Reset()
	assert.False(t, p.Waiting())
	assert.Equal(t, 1, p.Remaining())
}
