package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Sternrassler/workforce-harvester/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher serves total records in pages and then end-of-data.
type fakeFetcher struct {
	mu     sync.Mutex
	total  int
	empty  map[int]bool // skips that answer with an unparseable (empty) page
	failAt map[int]error
	skips  []int
	tokens []string
}

func (f *fakeFetcher) FetchPage(_ context.Context, accessToken string, c Cursor) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.skips = append(f.skips, c.Skip)
	f.tokens = append(f.tokens, accessToken)

	if err := f.failAt[c.Skip]; err != nil {
		return Page{}, err
	}
	if c.Skip >= f.total {
		return Page{End: true}, nil
	}
	if f.empty[c.Skip] {
		return Page{}, nil
	}

	var recs []record.Record
	for i := c.Skip; i < c.Skip+c.Top && i < f.total; i++ {
		recs = append(recs, record.Record{
			ID:     fmt.Sprintf("w%04d", i),
			Fields: record.Fields{"n": record.NumberValue(float64(i))},
		})
	}
	return Page{Records: recs}, nil
}

func runToEnd(t *testing.T, e *Engine, s State) State {
	t.Helper()
	out, err := e.Run(context.Background(), "tok", s, nil)
	require.NoError(t, err)
	require.True(t, out.Done())
	return out
}

func TestEngine_VisitsSkipsInOrder(t *testing.T) {
	for _, total := range []int{0, 1, 199, 200, 201, 400, 1000} {
		t.Run(fmt.Sprintf("total=%d", total), func(t *testing.T) {
			f := &fakeFetcher{total: total}
			e := NewEngine(f, Config{PageSize: 200})

			out := runToEnd(t, e, e.NewState())

			require.NotEmpty(t, f.skips)
			for i, skip := range f.skips {
				assert.Equal(t, i*200, skip, "skip sequence must be 0, top, 2*top, ...")
			}
			assert.GreaterOrEqual(t, f.skips[len(f.skips)-1], total, "stops only after end-of-data")
			assert.Len(t, out.Records, total)
			for i, r := range out.Records {
				assert.Equal(t, fmt.Sprintf("w%04d", i), r.ID, "records keep first-fetched-first order")
			}
		})
	}
}

func TestEngine_TwoPagesThenEnd(t *testing.T) {
	f := &fakeFetcher{total: 400}
	e := NewEngine(f, Config{PageSize: 200})

	out := runToEnd(t, e, e.NewState())

	assert.Equal(t, []int{0, 200, 400}, f.skips)
	assert.Len(t, out.Records, 400)
	assert.Equal(t, 3, out.Pages)
}

func TestEngine_StepTransitions(t *testing.T) {
	f := &fakeFetcher{total: 3}
	e := NewEngine(f, Config{PageSize: 2})
	ctx := context.Background()

	s0 := e.NewState()
	assert.Equal(t, StatusFetching, s0.Status)

	s1, err := e.Step(ctx, "tok", s0)
	require.NoError(t, err)
	assert.Equal(t, StatusAccumulating, s1.Status)
	assert.Len(t, s1.LastPage, 2)
	assert.Empty(t, s1.Records)
	assert.Equal(t, 0, s1.Cursor.Skip)

	s2, err := e.Step(ctx, "tok", s1)
	require.NoError(t, err)
	assert.Equal(t, StatusFetching, s2.Status)
	assert.Len(t, s2.Records, 2)
	assert.Nil(t, s2.LastPage)
	assert.Equal(t, 2, s2.Cursor.Skip)

	// Inputs are snapshots and stay untouched.
	assert.Equal(t, StatusFetching, s0.Status)
	assert.Empty(t, s1.Records)

	s3, err := e.Step(ctx, "tok", s2)
	require.NoError(t, err)
	s4, err := e.Step(ctx, "tok", s3)
	require.NoError(t, err)
	s5, err := e.Step(ctx, "tok", s4)
	require.NoError(t, err)

	assert.True(t, s5.Done())
	assert.Len(t, s5.Records, 3)

	again, err := e.Step(ctx, "tok", s5)
	require.NoError(t, err)
	assert.Equal(t, s5, again)
	assert.Equal(t, []int{0, 2, 4}, f.skips)
}

func TestEngine_ResumeFromAccumulatingDoesNotRefetch(t *testing.T) {
	f := &fakeFetcher{total: 4}
	e := NewEngine(f, Config{PageSize: 2})

	first, err := e.Step(context.Background(), "tok", e.NewState())
	require.NoError(t, err)
	require.Equal(t, StatusAccumulating, first.Status)

	// A new engine (e.g. after a restart) continues from the snapshot.
	restarted := NewEngine(f, Config{PageSize: 2})
	out := runToEnd(t, restarted, first)

	assert.Equal(t, []int{0, 2, 4}, f.skips, "skip 0 must not be fetched twice")
	assert.Len(t, out.Records, 4)
}

func TestEngine_EmptyPageAdvancesCursor(t *testing.T) {
	f := &fakeFetcher{total: 6, empty: map[int]bool{2: true}}
	e := NewEngine(f, Config{PageSize: 2})

	out := runToEnd(t, e, e.NewState())

	assert.Equal(t, []int{0, 2, 4, 6}, f.skips)
	assert.Len(t, out.Records, 4)
}

func TestEngine_ErrorKeepsState(t *testing.T) {
	boom := errors.New("transport failure")
	f := &fakeFetcher{total: 10, failAt: map[int]error{2: boom}}
	e := NewEngine(f, Config{PageSize: 2})

	out, err := e.Run(context.Background(), "tok", e.NewState(), nil)

	require.ErrorIs(t, err, boom)
	assert.Equal(t, StatusFetching, out.Status)
	assert.Equal(t, 2, out.Cursor.Skip)
	assert.Len(t, out.Records, 2)

	// Clearing the failure and resuming finishes without revisiting skip 0.
	delete(f.failAt, 2)
	final := runToEnd(t, e, out)
	assert.Len(t, final.Records, 10)
	assert.Equal(t, []int{0, 2, 2, 4, 6, 8, 10}, f.skips)
}

func TestEngine_MaxPages(t *testing.T) {
	f := &fakeFetcher{total: 100}
	e := NewEngine(f, Config{PageSize: 10, MaxPages: 3})

	_, err := e.Run(context.Background(), "tok", e.NewState(), nil)

	require.ErrorIs(t, err, ErrMaxPages)
	assert.Len(t, f.skips, 3)
}

func TestEngine_SinkReceivesEveryState(t *testing.T) {
	f := &fakeFetcher{total: 3}
	e := NewEngine(f, Config{PageSize: 2})

	var seen []Status
	_, err := e.Run(context.Background(), "tok", e.NewState(), func(s State) error {
		seen = append(seen, s.Status)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []Status{
		StatusAccumulating, StatusFetching,
		StatusAccumulating, StatusFetching,
		StatusDone,
	}, seen)
}

func TestEngine_PassesAccessToken(t *testing.T) {
	f := &fakeFetcher{total: 1}
	e := NewEngine(f, Config{PageSize: 5})

	_, err := e.Run(context.Background(), "bearer-123", e.NewState(), nil)
	require.NoError(t, err)

	for _, tok := range f.tokens {
		assert.Equal(t, "bearer-123", tok)
	}
}

func TestCursor(t *testing.T) {
	assert.Equal(t, Cursor{Skip: 200, Top: 200}, Cursor{Skip: 0, Top: 200}.Next())
	assert.NoError(t, Cursor{Skip: 0, Top: 1}.Validate())
	assert.Error(t, Cursor{Skip: -1, Top: 1}.Validate())
	assert.Error(t, Cursor{Skip: 0, Top: 0}.Validate())
}
