package connectivity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonitorTransitionFiresCallbacksOnce(t *testing.T) {
	m := NewMonitor(false)
	fired := 0
	m.NotifyOnline(func() { fired++ })

	m.SetOnline(true)
	assert.Equal(t, 1, fired)

	// Already online: no re-fire.
	m.SetOnline(true)
	assert.Equal(t, 1, fired)

	m.SetOnline(false)
	m.SetOnline(true)
	assert.Equal(t, 2, fired)
}

func TestMonitorInitialState(t *testing.T) {
	assert.True(t, NewMonitor(true).Online())
	assert.False(t, NewMonitor(false).Online())
}
