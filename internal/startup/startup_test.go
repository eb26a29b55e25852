package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []string
}

func (r *recorder) dep(name string, needs []string, failures int) Func {
	return Func{
		Name:  name,
		Needs: needs,
		StartFn: func(context.Context) error {
			if failures > 0 {
				failures--
				r.events = append(r.events, "fail "+name)
				return errors.New(name + " unavailable")
			}
			r.events = append(r.events, "start "+name)
			return nil
		},
		StopFn: func(context.Context) error {
			r.events = append(r.events, "stop "+name)
			return nil
		},
	}
}

func newStartup(maxAttempts int) *Startup {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return New(logger, maxAttempts).WithBackoffUnit(time.Millisecond)
}

func TestStart_OrdersByDependency(t *testing.T) {
	r := &recorder{}
	s := newStartup(1)
	s.Add(r.dep("http", []string{"worker"}, 0))
	s.Add(r.dep("worker", []string{"database", "redis"}, 0))
	s.Add(r.dep("database", nil, 0))
	s.Add(r.dep("redis", nil, 0))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start database", "start redis", "start worker", "start http"}, r.events)
	assert.Equal(t, StatusStarted, s.Status("http"))

	r.events = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"stop http", "stop worker", "stop redis", "stop database"}, r.events)
	assert.Equal(t, StatusStopped, s.Status("database"))
}

func TestStart_RetriesOnlyFailedDependencies(t *testing.T) {
	r := &recorder{}
	s := newStartup(3)
	s.Add(r.dep("database", nil, 0))
	s.Add(r.dep("redis", []string{"database"}, 2))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start database", "fail redis", "fail redis", "start redis"}, r.events)
}

func TestStart_GivesUp(t *testing.T) {
	r := &recorder{}
	s := newStartup(2)
	s.Add(r.dep("database", nil, 5))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup failed after 2 attempts")
	assert.Contains(t, err.Error(), "database unavailable")
	assert.Equal(t, StatusFailed, s.Status("database"))
}

func TestStart_UnknownAndCyclicDependencies(t *testing.T) {
	r := &recorder{}

	s := newStartup(1)
	s.Add(r.dep("worker", []string{"queue"}, 0))
	assert.ErrorContains(t, s.Start(context.Background()), "unknown dependency 'queue'")

	s = newStartup(1)
	s.Add(r.dep("a", []string{"b"}, 0))
	s.Add(r.dep("b", []string{"a"}, 0))
	assert.ErrorContains(t, s.Start(context.Background()), "dependency cycle")
	assert.Empty(t, r.events)
}

func TestStart_CancelledDuringBackoff(t *testing.T) {
	r := &recorder{}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	s := New(logger, 5).WithBackoffUnit(time.Hour)
	s.Add(r.dep("database", nil, 5))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Start(ctx), context.DeadlineExceeded)
}

func TestStop_ContinuesPastFailures(t *testing.T) {
	var stopped []string
	s := newStartup(1)
	s.Add(Func{Name: "database", StartFn: func(context.Context) error { return nil }, StopFn: func(context.Context) error {
		stopped = append(stopped, "database")
		return nil
	}})
	s.Add(Func{Name: "kafka", StartFn: func(context.Context) error { return nil }, StopFn: func(context.Context) error {
		return errors.New("flush timeout")
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorContains(t, s.Stop(context.Background()), "stop kafka")
	assert.Equal(t, []string{"database"}, stopped)
}
