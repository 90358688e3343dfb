package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/otpgate/internal/browser"
	"github.com/xkilldash9x/otpgate/internal/config"
)

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the scraped code and ttl", func(t *testing.T) {
		f := newFixture(t, testTTL)
		created, err := f.mgr.Create(ctx, "chat-1", "+15550104477")
		require.NoError(t, err)

		assert.Equal(t, "chat-1", created.SessionID)
		assert.Equal(t, "100001", created.OTP)
		assert.Equal(t, "+15550104477", created.Phone)
		assert.Equal(t, 300, created.ExpiresInSeconds)
		assert.Equal(t, f.clock.Now().Add(testTTL), created.ExpiresAt)
		assert.NotEmpty(t, created.Generation)
		assert.Equal(t, 1, f.mgr.Count())
		assert.Equal(t, []EventKind{EventCreated}, f.events.kinds())
	})

	t.Run("replacing a session closes the old tab before opening a new one", func(t *testing.T) {
		f := newFixture(t, testTTL)
		first, err := f.mgr.Create(ctx, "chat-1", "5550001111")
		require.NoError(t, err)
		second, err := f.mgr.Create(ctx, "chat-1", "5550002222")
		require.NoError(t, err)

		assert.Equal(t, []string{"open:tab1", "close:tab1", "open:tab2"}, f.log.list())
		assert.Equal(t, 1, f.mgr.Count())
		assert.NotEqual(t, first.OTP, second.OTP, "codes are never reused across sessions")
		assert.NotEqual(t, first.Generation, second.Generation)

		snap, err := f.mgr.Get("chat-1")
		require.NoError(t, err)
		assert.Equal(t, "tab2", snap.TabID)
		assert.Equal(t, "5550002222", snap.Phone)
		assert.Equal(t, []EventKind{EventCreated, EventClosed, EventCreated}, f.events.kinds())
	})

	t.Run("missing fields", func(t *testing.T) {
		f := newFixture(t, testTTL)
		_, err := f.mgr.Create(ctx, " ", "5550001111")
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = f.mgr.Create(ctx, "chat-1", "")
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Empty(t, f.log.list(), "no browser work for invalid input")
	})

	t.Run("tab open failure", func(t *testing.T) {
		f := newFixture(t, testTTL)
		f.browser.openErr = errors.New("launch failed")

		_, err := f.mgr.Create(ctx, "chat-1", "5550001111")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAutomation)
		assert.Contains(t, err.Error(), "launch failed")
		assert.Equal(t, 0, f.mgr.Count())
		assert.Equal(t, []EventKind{EventCreateFailed}, f.events.kinds())
	})

	t.Run("otp request failure releases the tab", func(t *testing.T) {
		f := newFixture(t, testTTL)
		f.flow.requestFn = func(browser.Tab) error { return errors.New("code never appeared") }

		_, err := f.mgr.Create(ctx, "chat-1", "5550001111")
		assert.ErrorIs(t, err, ErrAutomation)
		assert.Equal(t, []string{"open:tab1", "close:tab1"}, f.log.list())
		assert.Equal(t, 0, f.mgr.Count())
	})

	t.Run("concurrent creates for one id keep a single live tab", func(t *testing.T) {
		f := newFixture(t, testTTL)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := f.mgr.Create(ctx, "shared", fmt.Sprintf("555000%04d", i))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		require.Equal(t, 1, f.mgr.Count())
		snap, err := f.mgr.Get("shared")
		require.NoError(t, err)

		alive := 0
		for i := 0; i < 8; i++ {
			tab := f.browser.tab(i)
			if tab.Alive() {
				alive++
				assert.Equal(t, snap.TabID, tab.ID())
			}
		}
		assert.Equal(t, 1, alive)
	})
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("correct code verifies and removes the session", func(t *testing.T) {
		f := newFixture(t, testTTL)
		created, err := f.mgr.Create(ctx, "chat-1", "5550001111")
		require.NoError(t, err)

		res, err := f.mgr.Verify(ctx, "chat-1", created.OTP)
		require.NoError(t, err)
		assert.Equal(t, Verification{SessionID: "chat-1", Verified: true, OTPMatched: true, Status: StatusVerified}, res)
		assert.Equal(t, 0, f.mgr.Count())
		assert.False(t, f.browser.tab(0).Alive(), "tab released on success")
		assert.Equal(t, []EventKind{EventCreated, EventVerified}, f.events.kinds())
	})

	t.Run("wrong code keeps the session for retry", func(t *testing.T) {
		f := newFixture(t, testTTL)
		created, err := f.mgr.Create(ctx, "chat-1", "5550001111")
		require.NoError(t, err)

		res, err := f.mgr.Verify(ctx, "chat-1", "999999")
		require.NoError(t, err)
		assert.False(t, res.Verified)
		assert.False(t, res.OTPMatched)
		assert.True(t, res.Retry)
		assert.Equal(t, StatusAwaitingVerification, res.Status)
		assert.Equal(t, 1, f.mgr.Count())
		assert.True(t, f.browser.tab(0).Alive())

		res, err = f.mgr.Verify(ctx, "chat-1", created.OTP)
		require.NoError(t, err)
		assert.True(t, res.Verified)
		assert.Equal(t, 0, f.mgr.Count())
	})

	t.Run("expired otp is rejected and the session removed", func(t *testing.T) {
		f := newFixture(t, testTTL)
		created, err := f.mgr.Create(ctx, "chat-1", "5550001111")
		require.NoError(t, err)

		f.clock.Advance(testTTL)
		_, err = f.mgr.Verify(ctx, "chat-1", created.OTP)
		assert.ErrorIs(t, err, ErrOTPExpired)
		assert.Equal(t, 0, f.mgr.Count())
		assert.False(t, f.browser.tab(0).Alive())
		assert.Equal(t, []EventKind{EventCreated, EventExpired}, f.events.kinds())

		_, err = f.mgr.Verify(ctx, "chat-1", created.OTP)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t, testTTL)
		_, err := f.mgr.Verify(ctx, "nope", "123456")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("missing otp", func(t *testing.T) {
		f := newFixture(t, testTTL)
		_, err := f.mgr.Verify(ctx, "chat-1", "")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("tab already gone closes the session", func(t *testing.T) {
		f := newFixture(t, testTTL)
		created, err := f.mgr.Create(ctx, "chat-1", "5550001111")
		require.NoError(t, err)
		f.browser.tab(0).gone.Store(true)

		_, err = f.mgr.Verify(ctx, "chat-1", created.OTP)
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.Equal(t, 0, f.mgr.Count())
	})

	t.Run("automation failure closes the session", func(t *testing.T) {
		f := newFixture(t, testTTL)
		created, err := f.mgr.Create(ctx, "chat-1", "5550001111")
		require.NoError(t, err)
		f.flow.submitErr = errors.New("verify button missing")

		_, err = f.mgr.Verify(ctx, "chat-1", created.OTP)
		assert.ErrorIs(t, err, ErrAutomation)
		assert.Contains(t, err.Error(), "verify button missing")
		assert.Equal(t, 0, f.mgr.Count())
		assert.Equal(t, []EventKind{EventCreated, EventVerifyFailed}, f.events.kinds())
	})
}

func TestGetAndList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testTTL)

	_, err := f.mgr.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.mgr.Create(ctx, "b", "5550001111")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.mgr.Create(ctx, "a", "5550002222")
	require.NoError(t, err)
	f.clock.Advance(4*time.Minute + 30*time.Second)

	snap, err := f.mgr.Get("b")
	require.NoError(t, err)
	want := Snapshot{
		SessionID:        "b",
		TabID:            "tab1",
		Phone:            "5550001111",
		Status:           StatusAwaitingVerification,
		Expired:          true,
		TabAlive:         true,
		AgeSeconds:       330,
		ExpiresInSeconds: 0,
	}
	opts := cmpopts.IgnoreFields(Snapshot{}, "Generation", "CreatedAt", "OTPExpiresAt")
	if diff := cmp.Diff(want, snap, opts); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	list := f.mgr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].SessionID, "ordered by creation time, not id")
	assert.Equal(t, "a", list[1].SessionID)
	assert.False(t, list[1].Expired)
	assert.Equal(t, 30, list[1].ExpiresInSeconds)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testTTL)

	ids := []string{"s1", "s2", "s3"}
	for _, id := range ids {
		_, err := f.mgr.Create(ctx, id, "5550001111")
		require.NoError(t, err)
	}
	count := f.mgr.Count()
	require.Equal(t, len(ids), count)

	closed := 0
	for _, id := range ids {
		if err := f.mgr.Close(ctx, id); err == nil {
			closed++
		}
	}
	assert.Equal(t, count, closed, "count equals the number of entries removable by individual closes")
	assert.Equal(t, 0, f.mgr.Count())
	assert.ErrorIs(t, f.mgr.Close(ctx, "s1"), ErrSessionNotFound)

	for i := range ids {
		assert.False(t, f.browser.tab(i).Alive())
	}
}

func TestCloseAllAndBrowserReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testTTL)

	for i := 0; i < 5; i++ {
		_, err := f.mgr.Create(ctx, fmt.Sprintf("s%d", i), "5550001111")
		require.NoError(t, err)
	}
	require.True(t, f.browser.Initialized())

	assert.Equal(t, 5, f.mgr.CloseAll(ctx))
	require.NoError(t, f.browser.Shutdown(ctx))
	assert.Equal(t, 0, f.mgr.Count())
	assert.False(t, f.browser.Initialized())
	assert.Equal(t, 0, f.mgr.CloseAll(ctx))

	_, err := f.mgr.Create(ctx, "again", "5550001111")
	require.NoError(t, err)
	assert.True(t, f.browser.Initialized())
	assert.Equal(t, 2, f.browser.starts, "next create relaunches the browser")
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()

	t.Run("sweeps sessions past max age even with a live otp", func(t *testing.T) {
		// A TTL longer than the max age keeps the OTP valid for the whole test.
		f := newFixture(t, 2*time.Hour)
		_, err := f.mgr.Create(ctx, "old", "5550001111")
		require.NoError(t, err)
		f.clock.Advance(20 * time.Minute)
		_, err = f.mgr.Create(ctx, "young", "5550002222")
		require.NoError(t, err)
		f.clock.Advance(10 * time.Minute)

		snap, err := f.mgr.Get("old")
		require.NoError(t, err)
		require.False(t, snap.Expired)

		assert.Equal(t, 1, f.mgr.Cleanup(ctx))
		_, err = f.mgr.Get("old")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = f.mgr.Get("young")
		assert.NoError(t, err)
		assert.False(t, f.browser.tab(0).Alive())
		assert.Contains(t, f.events.kinds(), EventSwept)
	})

	t.Run("nothing stale", func(t *testing.T) {
		f := newFixture(t, testTTL)
		_, err := f.mgr.Create(ctx, "s", "5550001111")
		require.NoError(t, err)
		assert.Equal(t, 0, f.mgr.Cleanup(ctx))
		assert.Equal(t, 1, f.mgr.Count())
	})
}

func TestCloseSession_IdentityChecked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testTTL)

	_, err := f.mgr.Create(ctx, "k", "5550001111")
	require.NoError(t, err)
	old := f.mgr.lookup("k")
	_, err = f.mgr.Create(ctx, "k", "5550002222")
	require.NoError(t, err)
	current := f.mgr.lookup("k")
	require.NotSame(t, old, current)

	// A late close of the replaced entry must leave its successor alone.
	assert.False(t, f.mgr.closeSession(ctx, old))
	assert.Same(t, current, f.mgr.lookup("k"))
	assert.True(t, current.tab.Alive())
}

func TestRun_SweepsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	core, logs := observer.New(zap.InfoLevel)
	f := newFixture(t, testTTL)
	f.mgr.logger = zap.New(core)

	_, err := f.mgr.Create(context.Background(), "s", "5550001111")
	require.NoError(t, err)
	f.clock.Advance(testMaxAge + time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.mgr.Run(ctx)
	}()

	assert.Eventually(t, func() bool { return f.mgr.Count() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancellation")
	}

	assert.Equal(t, 1, logs.FilterMessage("Janitor sweep complete.").Len())
	assert.Equal(t, 1, logs.FilterMessage("Session janitor stopped.").Len())
}

func TestEventsMaskPhone(t *testing.T) {
	var got []Event
	f := newFixture(t, testTTL)
	f.mgr.sinks = []EventSink{EventSinkFunc(func(e Event) { got = append(got, e) })}

	_, err := f.mgr.Create(context.Background(), "s", "+15550104477")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "*******4477", got[0].Phone)
	assert.Equal(t, "tab1", got[0].TabID)
	assert.Equal(t, f.clock.Now(), got[0].At)
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(&fakeBrowser{log: &opLog{}}, newFakeFlow(), time.Minute, config.SessionConfig{}, zap.NewNop())
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, m.List())
	assert.Empty(t, m.sinks)
}
