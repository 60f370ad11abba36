package actor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchdogFiresOnce(t *testing.T) {
	fired := make(chan string, 4)
	w := NewWatchdog("test", "timeout", func(ev string) error {
		fired <- ev
		return nil
	}, testLogger())

	w.Arm(10 * time.Millisecond)
	assert.True(t, w.Armed())

	select {
	case ev := <-fired:
		assert.Equal(t, "timeout", ev)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
	assert.False(t, w.Armed())

	select {
	case <-fired:
		t.Fatal("watchdog fired twice")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestWatchdogCancel(t *testing.T) {
	fired := make(chan string, 1)
	w := NewWatchdog("test", "timeout", func(ev string) error {
		fired <- ev
		return nil
	}, testLogger())

	w.Arm(10 * time.Millisecond)
	w.Cancel()

	select {
	case <-fired:
		t.Fatal("cancelled watchdog fired")
	case <-time.After(40 * time.Millisecond):
	}
}

func TestWatchdogIntoStoppedActor(t *testing.T) {
	l := newLight(1)
	l.machine.Step("smash")
	require.Equal(t, broken, l.machine.State())

	w := NewWatchdog("light", lightEvent("toggle"), l.machine.TrySend, testLogger())
	w.Arm(time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, broken, l.machine.State())
}
