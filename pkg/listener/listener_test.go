package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListener_HandlesInOrderAndSurvivesErrors(t *testing.T) {
	in := make(chan int, 10)
	var (
		mu   sync.Mutex
		seen []int
	)
	stopped := false
	l := New("test", in, func(_ context.Context, v int) error {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
		if v == 2 {
			return errors.New("boom")
		}
		return nil
	}, func() { stopped = true })

	l.Start(context.Background())
	for i := 1; i <= 4; i++ {
		in <- i
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 5*time.Millisecond)

	l.Stop()
	assert.Equal(t, []int{1, 2, 3, 4}, seen)
	assert.True(t, stopped)
}

func TestListener_StopsOnClosedChannel(t *testing.T) {
	in := make(chan int)
	l := New("test", in, func(context.Context, int) error { return nil })
	l.Start(context.Background())
	close(in)

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}
