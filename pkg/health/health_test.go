package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type body struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func passingCheck() CheckFunc {
	return func(context.Context) error { return nil }
}

func failingCheck(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func call(t *testing.T, endpoint http.HandlerFunc) (int, body) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var b body
	require.NoError(t, json.NewDecoder(w.Body).Decode(&b))
	return w.Code, b
}

func runN(p *probe, n int) {
	for range n {
		p.run(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	t.Run("AllPassing", func(t *testing.T) {
		h := New()
		h.AddLivenessCheck("a", time.Second, passingCheck())
		h.AddLivenessCheck("b", time.Second, passingCheck())

		code, b := call(t, h.LiveEndpoint)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", b.Status)
		assert.Empty(t, b.Checks)
	})
	t.Run("Failing", func(t *testing.T) {
		h := New()
		h.AddLivenessCheck("ledger", time.Second, failingCheck("permission denied"))
		runN(h.liveness[0], DefaultFailureThreshold)

		code, b := call(t, h.LiveEndpoint)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", b.Status)
		assert.Equal(t, "permission denied", b.Checks["ledger"])
	})
	t.Run("BelowThreshold", func(t *testing.T) {
		h := New()
		h.AddLivenessCheck("flaky", time.Second, failingCheck("temporary"))
		runN(h.liveness[0], DefaultFailureThreshold-1)

		code, _ := call(t, h.LiveEndpoint)
		assert.Equal(t, http.StatusOK, code)
	})
	t.Run("NoChecks", func(t *testing.T) {
		code, b := call(t, New().LiveEndpoint)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", b.Status)
	})
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("ReadyAndPassing", func(t *testing.T) {
		h := New()
		h.AddReadinessCheck("catalog", time.Second, passingCheck())
		h.SetReady(true)

		code, b := call(t, h.ReadyEndpoint)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", b.Status)
	})
	t.Run("NotReady", func(t *testing.T) {
		h := New()
		h.AddReadinessCheck("catalog", time.Second, passingCheck())

		code, b := call(t, h.ReadyEndpoint)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Contains(t, b.Checks, "_readiness")
	})
	t.Run("OneFailing", func(t *testing.T) {
		h := New()
		h.AddReadinessCheck("ledger", time.Second, passingCheck())
		h.AddReadinessCheck("catalog", time.Second, failingCheck("catalog is empty"))
		h.SetReady(true)
		runN(h.readiness[1], DefaultFailureThreshold)

		code, b := call(t, h.ReadyEndpoint)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Contains(t, b.Checks, "catalog")
		assert.NotContains(t, b.Checks, "ledger")
	})
	t.Run("SetReadyFalse", func(t *testing.T) {
		h := New()
		h.SetReady(true)
		code, _ := call(t, h.ReadyEndpoint)
		assert.Equal(t, http.StatusOK, code)

		h.SetReady(false)
		code, _ = call(t, h.ReadyEndpoint)
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})
}

func TestIsReady(t *testing.T) {
	h := New()
	h.AddReadinessCheck("ledger", time.Second, passingCheck())

	assert.False(t, h.IsReady())
	h.SetReady(true)
	assert.True(t, h.IsReady())
	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestProbe_Recovery(t *testing.T) {
	failing := true
	h := New()
	h.AddLivenessCheck("flaky", time.Second, func(context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	})
	p := h.liveness[0]

	runN(p, DefaultFailureThreshold)
	assert.False(t, p.healthy.Load())

	failing = false
	runN(p, 1)
	assert.True(t, p.healthy.Load())
	assert.NoError(t, p.err())
}

func TestProbe_Thresholds(t *testing.T) {
	failing := true
	h := New()
	h.AddReadinessCheck("ledger", time.Second, func(context.Context) error {
		if failing {
			return errors.New("busy")
		}
		return nil
	}, WithThresholds(1, 2))
	p := h.readiness[0]

	runN(p, 1)
	assert.False(t, p.healthy.Load())

	failing = false
	runN(p, 1)
	assert.False(t, p.healthy.Load())
	runN(p, 1)
	assert.True(t, p.healthy.Load())
}

func TestProbe_LastError(t *testing.T) {
	h := New()
	h.AddLivenessCheck("ledger", time.Second, failingCheck("timeout"))
	p := h.liveness[0]

	assert.NoError(t, p.err())
	runN(p, 1)
	assert.EqualError(t, p.err(), "timeout")
}

func TestStartStop(t *testing.T) {
	var (
		mu   sync.Mutex
		runs int
	)
	h := New()
	h.AddLivenessCheck("counter", time.Second, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return nil
	})

	h.Start(context.Background(), time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	}, time.Second, time.Millisecond)

	h.Stop()
	h.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("concurrent", time.Second, failingCheck("err"))
	h.AddReadinessCheck("concurrent", time.Second, passingCheck())
	h.SetReady(true)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()
}

func TestCheckers(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))
	err := GoroutineCountCheck(0)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")

	assert.NoError(t, GCMaxPauseCheck(time.Hour)(context.Background()))

	n := 0
	check := NonEmptyCheck("catalog", func() int { return n })
	assert.EqualError(t, check(context.Background()), "catalog is empty")
	n = 3
	assert.NoError(t, check(context.Background()))

	var last time.Time
	fresh := FreshnessCheck("delivery", func() time.Time { return last }, time.Minute)
	assert.NoError(t, fresh(context.Background()))
	last = time.Now()
	assert.NoError(t, fresh(context.Background()))
	last = time.Now().Add(-time.Hour)
	err = fresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delivery last ran")
}
