package sched

import (
	"sync"
	"testing"

	"github.com/squareup/blockmgr/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestActionsRunInOrder(t *testing.T) {
	s := NewScheduler("test", zap.NewNop())
	s.Start()
	defer s.Stop()
	var results []int
	var chans []chan error
	for i := 0; i < 1000; i++ {
		i := i
		chans = append(chans, s.ScheduleAction(func() error {
			results = append(results, i)
			return nil
		}))
	}
	for _, ch := range chans {
		require.NoError(t, <-ch)
	}
	require.Equal(t, 1000, len(results))
	for i, r := range results {
		require.Equal(t, i, r)
	}
}

func TestActionErrorReturned(t *testing.T) {
	s := NewScheduler("test", zap.NewNop())
	s.Start()
	defer s.Stop()
	err := <-s.ScheduleAction(func() error {
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
}

func TestActionCanScheduleAction(t *testing.T) {
	s := NewScheduler("test", zap.NewNop())
	s.Start()
	defer s.Stop()
	var wg sync.WaitGroup
	wg.Add(1)
	err := <-s.ScheduleAction(func() error {
		s.ScheduleActionFireAndForget(func() error {
			wg.Done()
			return nil
		})
		return nil
	})
	require.NoError(t, err)
	wg.Wait()
}

func TestStopRunsQueuedActions(t *testing.T) {
	s := NewScheduler("test", zap.NewNop())
	count := 0
	for i := 0; i < 10; i++ {
		s.ScheduleActionFireAndForget(func() error {
			count++
			return nil
		})
	}
	require.Equal(t, 10, s.QueueLength())
	s.Start()
	s.Stop()
	require.Equal(t, 10, count)
}

func TestScheduleAfterStop(t *testing.T) {
	s := NewScheduler("test", zap.NewNop())
	s.Start()
	s.Stop()
	err := <-s.ScheduleAction(func() error {
		return nil
	})
	require.True(t, errors.HasCode(err, errors.NotStarted))
	s.Stop()
}
