package transform

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/fhirbridge/internal/script"
	"github.com/pitabwire/fhirbridge/model"
)

func TestRunner_RunAll_resultsAreIndexAligned(t *testing.T) {
	rt := newFakeRuntime()
	repo := &fakeRepository{}
	r := NewRunner(newTestOrchestrator(rt, repo), 4)

	reqs := make([]Request, 20)
	for i := range reqs {
		reqs[i] = testRequest(fmt.Sprintf("qr%d", i))
	}

	items := r.RunAll(context.Background(), reqs)
	require.Len(t, items, len(reqs))
	for i, item := range items {
		require.NoError(t, item.Err, "item %d", i)
		assert.Equal(t, OutcomeApplied, item.Result.Outcome)
		assert.Equal(t, fmt.Sprintf("qr%d", i), item.Result.Output.Data["source"])
	}
	assert.Len(t, repo.Ops(), len(reqs))
}

func TestRunner_RunAll_failureIsIsolated(t *testing.T) {
	rt := newFakeRuntime()
	rt.set("transform", func(_ context.Context, b script.Bindings) (script.Result, error) {
		if b.Input["id"] == "qr3" {
			return script.Result{}, errors.New("bad answer")
		}
		b.Output["source"] = b.Input["id"]
		return script.Result{Value: true, Output: b.Output}, nil
	})
	repo := &fakeRepository{}
	r := NewRunner(newTestOrchestrator(rt, repo), 2)

	reqs := make([]Request, 6)
	for i := range reqs {
		reqs[i] = testRequest(fmt.Sprintf("qr%d", i))
	}

	items := r.RunAll(context.Background(), reqs)
	for i, item := range items {
		if i == 3 {
			var inv *model.InvocationError
			assert.ErrorAs(t, item.Err, &inv)
			continue
		}
		assert.NoError(t, item.Err, "item %d", i)
	}
	assert.Len(t, repo.Ops(), 5)
}

func TestRunner_RunAll_respectsLimit(t *testing.T) {
	var active, peak atomic.Int32
	rt := newFakeRuntime()
	rt.set("transform", func(_ context.Context, b script.Bindings) (script.Result, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		return script.Result{Value: true, Output: b.Output}, nil
	})
	r := NewRunner(newTestOrchestrator(rt, &fakeRepository{}), 3)

	reqs := make([]Request, 12)
	for i := range reqs {
		reqs[i] = testRequest(fmt.Sprintf("qr%d", i))
	}
	r.RunAll(context.Background(), reqs)

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunner_RunAll_cancelledContext(t *testing.T) {
	repo := &fakeRepository{}
	r := NewRunner(newTestOrchestrator(newFakeRuntime(), repo), 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := r.RunAll(ctx, []Request{testRequest("qr1"), testRequest("qr2")})
	for _, item := range items {
		assert.ErrorIs(t, item.Err, context.Canceled)
	}
	assert.Empty(t, repo.Ops())
}

func TestNewRunner_defaultLimit(t *testing.T) {
	r := NewRunner(newTestOrchestrator(newFakeRuntime(), &fakeRepository{}), 0)
	assert.Equal(t, DefaultParallelRuns, r.limit)
}

func TestRequestProvider_SourceRequest(t *testing.T) {
	p := NewRequestProvider()
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	got := p.SourceRequest(model.Resource{Type: "Enrollment", LastUpdated: ts}, model.TrackerEvent)
	assert.Equal(t, model.TrackerEnrollment, got.ResourceType())
	lu, ok := got.LastUpdated()
	assert.True(t, ok)
	assert.Equal(t, ts, lu)

	got = p.SourceRequest(model.Resource{Type: "QuestionnaireResponse"}, model.TrackerEvent)
	assert.Equal(t, model.TrackerEvent, got.ResourceType())
	_, ok = got.LastUpdated()
	assert.False(t, ok)
}
