package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedCatalog time.Time

func (f fixedCatalog) CatalogLoadedAt() time.Time { return time.Time(f) }

func ok(context.Context) error { return nil }

func TestCounters_UnknownModelConcurrent(t *testing.T) {
	c := NewCounters()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.UnknownModel("mystery-1")
		}()
	}
	wg.Wait()
	c.UnknownModel("mystery-2")

	require.Equal(t, map[string]int64{"mystery-1": 50, "mystery-2": 1}, c.UnknownModels())
}

func TestChecker_OK(t *testing.T) {
	c := NewChecker(PingFunc(ok), PingFunc(ok), fixedCatalog(time.Now()), NewCounters())

	r := c.Check(context.Background())
	require.Equal(t, StatusOK, r.Status)
	require.Equal(t, "ok", r.Cache)
	require.NotNil(t, r.CatalogLoadedAt)
}

func TestChecker_DegradedOnUnknownModel(t *testing.T) {
	counters := NewCounters()
	counters.UnknownModel("gpt-9")
	c := NewChecker(PingFunc(ok), nil, nil, counters)

	r := c.Check(context.Background())
	require.Equal(t, StatusDegraded, r.Status)
	require.Equal(t, 1, r.UnknownModelCount)
	require.Equal(t, []UnknownModel{{Model: "gpt-9", Count: 1}}, r.UnknownModels)
}

func TestChecker_DegradedOnRecordFailure(t *testing.T) {
	counters := NewCounters()
	counters.RecordFailure()
	r := NewChecker(PingFunc(ok), nil, nil, counters).Check(context.Background())
	require.Equal(t, StatusDegraded, r.Status)
	require.EqualValues(t, 1, r.RecordFailures)
}

type openCircuits []string

func (o openCircuits) OpenCircuits() []string { return o }

func TestChecker_DegradedOnOpenCircuit(t *testing.T) {
	r := NewChecker(PingFunc(ok), nil, nil, NewCounters()).WithCircuits(openCircuits{"api.openai.com"}).Check(context.Background())
	require.Equal(t, StatusDegraded, r.Status)
	require.Equal(t, []string{"api.openai.com"}, r.OpenCircuits)

	r = NewChecker(PingFunc(ok), nil, nil, NewCounters()).WithCircuits(openCircuits(nil)).Check(context.Background())
	require.Equal(t, StatusOK, r.Status)
}

func TestChecker_DegradedWithoutCatalog(t *testing.T) {
	r := NewChecker(PingFunc(ok), nil, fixedCatalog(time.Time{}), NewCounters()).Check(context.Background())
	require.Equal(t, StatusDegraded, r.Status)
	require.Nil(t, r.CatalogLoadedAt)
}

func TestChecker_UnavailableWhenStoreDown(t *testing.T) {
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })
	counters := NewCounters()
	counters.RecordFailure()

	r := NewChecker(down, nil, nil, counters).Check(context.Background())
	require.Equal(t, StatusUnavailable, r.Status)
	require.Equal(t, "connection refused", r.Store)
}
