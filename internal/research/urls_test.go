package research

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/deepresearch/models"
)

func TestURLRegistryFirstClaimantOwns(t *testing.T) {
	t.Parallel()
	reg := NewURLRegistry()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		owners int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, owner := reg.Claim("https://Example.com/a?utm_source=x"); owner {
				mu.Lock()
				owners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, owners)

	_, owner := reg.Claim("https://example.com/a")
	require.False(t, owner, "canonical form shares the claim")
	require.Len(t, reg.Visited(), 1)
}

func TestClaimWaitSeesOutcome(t *testing.T) {
	t.Parallel()
	reg := NewURLRegistry()
	c, owner := reg.Claim("http://a")
	require.True(t, owner)
	waiter, owner := reg.Claim("http://a")
	require.False(t, owner)

	done := make(chan Outcome, 1)
	go func() {
		o, _ := waiter.Wait(context.Background(), NewStopFlag())
		done <- o
	}()
	reg.Finish(c, OutcomeFetched, &models.Page{Markdown: "x"})
	reg.Finish(c, OutcomeFailed, nil)

	select {
	case o := <-done:
		require.Equal(t, OutcomeFetched, o)
	case <-time.After(time.Second):
		t.Fatal("waiter never saw the outcome")
	}
	require.Empty(t, reg.Failed())
}

func TestClaimWaitStops(t *testing.T) {
	t.Parallel()
	reg := NewURLRegistry()
	reg.Claim("http://a")
	waiter, _ := reg.Claim("http://a")
	stop := NewStopFlag()
	stop.Set()
	o, err := waiter.Wait(context.Background(), stop)
	require.ErrorIs(t, err, ErrStopped)
	require.Equal(t, OutcomeAborted, o)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = waiter.Wait(ctx, NewStopFlag())
	require.ErrorIs(t, err, context.Canceled)
}

func TestURLRegistrySeed(t *testing.T) {
	t.Parallel()
	reg := NewURLRegistry()
	reg.Seed([]string{"http://ok"}, []string{"http://bad"})

	c, owner := reg.Claim("http://ok")
	require.False(t, owner)
	o, err := c.Wait(context.Background(), NewStopFlag())
	require.NoError(t, err)
	require.Equal(t, OutcomeFetched, o)

	c, _ = reg.Claim("http://bad")
	o, _ = c.Wait(context.Background(), NewStopFlag())
	require.Equal(t, OutcomeFailed, o)
	require.Equal(t, []string{"http://bad"}, reg.Failed())
	require.Equal(t, []string{"http://ok", "http://bad"}, reg.Visited())
}

func TestStopFlag(t *testing.T) {
	t.Parallel()
	var s StopFlag
	require.False(t, s.IsSet())
	require.NoError(t, s.Check())
	select {
	case <-s.Done():
		t.Fatal("done before set")
	default:
	}
	s.Set()
	s.Set()
	require.True(t, s.IsSet())
	require.ErrorIs(t, s.Check(), ErrStopped)
	<-s.Done()
}
