package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	c, err := Parse([]byte(`
scheduler:
  quantum: 2
  tick: 1ms
memory:
  physical: 1MB
  stack: 4KB
futex:
  capacity: 3
`))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Scheduler.Quantum)
	assert.Equal(t, time.Millisecond, c.Scheduler.Tick.D())
	assert.Equal(t, uint64(1<<20), c.Memory.Physical.Bytes())
	assert.Equal(t, uint64(4096), c.Memory.Stack.Bytes())
	assert.Equal(t, 3, c.Futex.Capacity)

	// Untouched keys keep their defaults.
	assert.Equal(t, Default().Interrupt, c.Interrupt)
	assert.Equal(t, Default().Scheduler.SyscallCost, c.Scheduler.SyscallCost)
}

func TestParseErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown key":  "scheduler:\n  quantun: 2\n",
		"bad size":     "memory:\n  stack: lots\n",
		"bad duration": "scheduler:\n  tick: soon\n",
		"invalid":      "futex:\n  capacity: 0\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
	_, err := Parse([]byte("interrupt:\n  max_nesting: -1\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMarshalRoundTrip(t *testing.T) {
	c := Default()
	c.Scheduler.WaitForInterrupts = true
	data, err := c.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "tick: 10ms")
	assert.Contains(t, string(data), "physical: 4.00MB")

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, c, back)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kern.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyCmdline(t *testing.T) {
	c := Default()
	err := c.ApplyCmdline(`sched.quantum=1 sched.tick=2ms mm.stack='16 KB' futex.capacity=2 sched.wait log.level=debug`)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Scheduler.Quantum)
	assert.Equal(t, 2*time.Millisecond, c.Scheduler.Tick.D())
	assert.Equal(t, uint64(16*1024), c.Memory.Stack.Bytes())
	assert.Equal(t, 2, c.Futex.Capacity)
	assert.True(t, c.Scheduler.WaitForInterrupts)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestApplyCmdlineErrors(t *testing.T) {
	for _, line := range []string{
		"bogus=1",
		"sched.quantum=many",
		"sched.quantum=0",
		"log.color=sometimes",
		`mm.stack="unterminated`,
	} {
		c := Default()
		assert.Error(t, c.ApplyCmdline(line), line)
	}
}
