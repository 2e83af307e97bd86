package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreconditionCheck(t *testing.T) {
	existing := Tags{Exists: true, ETag: `"e1"`, ScheduleTag: `"s1"`}
	missing := Tags{}

	tests := []struct {
		name   string
		pre    Precondition
		cur    Tags
		reason Reason
	}{
		{"unconditional", Precondition{}, existing, ""},
		{"matching etag", Precondition{IfMatch: `"e1"`}, existing, ""},
		{"etag in list", Precondition{IfMatch: `"e0", "e1"`}, existing, ""},
		{"weak etag never matches", Precondition{IfMatch: `W/"e1"`}, existing, ReasonETagMismatch},
		{"weak etag beside a strong one", Precondition{IfMatch: `W/"e1", "e1"`}, existing, ""},
		{"star", Precondition{IfMatch: "*"}, existing, ""},
		{"stale etag", Precondition{IfMatch: `"e0"`}, existing, ReasonETagMismatch},
		{"if-match on missing", Precondition{IfMatch: "*"}, missing, ReasonResourceMissing},
		{"create only", Precondition{IfNoneMatch: "*"}, missing, ""},
		{"create over existing", Precondition{IfNoneMatch: "*"}, existing, ReasonResourceExists},
		{"none match hit", Precondition{IfNoneMatch: `"e1"`}, existing, ReasonETagMatched},
		{"none match weak hit", Precondition{IfNoneMatch: `W/"e1"`}, existing, ReasonETagMatched},
		{"none match miss", Precondition{IfNoneMatch: `W/"e0"`}, existing, ""},
		{"none match on missing", Precondition{IfNoneMatch: `"e1"`}, missing, ""},
		{"weak schedule tag", Precondition{IfScheduleTagMatch: `W/"s1"`}, existing, ReasonScheduleTagMismatch},
		{"schedule tag", Precondition{IfScheduleTagMatch: `"s1"`}, existing, ""},
		{"stale schedule tag", Precondition{IfScheduleTagMatch: `"s0"`}, existing, ReasonScheduleTagMismatch},
		{"schedule tag on missing", Precondition{IfScheduleTagMatch: `"s1"`}, missing, ReasonResourceMissing},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.pre.Check("r", tc.cur)
			if tc.reason == "" {
				assert.NoError(t, err)
				return
			}
			var pf *PreconditionFailed
			require.ErrorAs(t, err, &pf)
			assert.Equal(t, tc.reason, pf.Reason)
		})
	}
}

// resource is a toy tagged value mutated through the guard.
type resource struct {
	mu    sync.Mutex
	etag  string
	value string
	rev   int
}

func (r *resource) load(context.Context) (Tags, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Tags{Exists: true, ETag: r.etag}, nil
}

func (r *resource) set(v string) func(context.Context) error {
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.rev++
		r.value = v
		r.etag = v
		return nil
	}
}

func TestStaleWriterLoses(t *testing.T) {
	g := New()
	r := &resource{etag: "v0"}
	ctx := context.Background()

	require.NoError(t, g.Do(ctx, "r", Precondition{IfMatch: "v0"}, r.load, r.set("first")))
	err := g.Do(ctx, "r", Precondition{IfMatch: "v0"}, r.load, r.set("second"))
	assert.ErrorIs(t, err, &PreconditionFailed{})
	assert.Equal(t, "first", r.value)
	assert.Equal(t, 1, r.rev)
}

func TestConcurrentSameTagOnlyOneCommits(t *testing.T) {
	g := New()
	r := &resource{etag: "v0"}
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := g.Do(ctx, "r", Precondition{IfMatch: "v0"}, r.load, r.set(string(rune('a'+i))))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, &PreconditionFailed{}):
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(writers-1), rejected.Load())
	assert.Equal(t, 1, r.rev)
	assert.Equal(t, 0, g.locks.Held())
}

func TestLockerSerialisesPerKey(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "a")
	require.NoError(t, err)

	// A different key is independent.
	other, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	other()

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "a")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released key")
	}
}

func TestLockerHonoursContext(t *testing.T) {
	l := NewLocker()
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.Held())
}

func TestLoadErrorSkipsMutation(t *testing.T) {
	g := New()
	boom := errors.New("storage down")
	called := false
	err := g.Do(context.Background(), "r", Precondition{},
		func(context.Context) (Tags, error) { return Tags{}, boom },
		func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
}

func TestNoneMatchIsWeak(t *testing.T) {
	assert.True(t, NoneMatch(`W/"e1"`, `"e1"`))
	assert.True(t, NoneMatch(`"e0", "e1"`, `"e1"`))
	assert.True(t, NoneMatch("*", `"e1"`))
	assert.False(t, NoneMatch(`"e0"`, `"e1"`))
	assert.False(t, NoneMatch("", `"e1"`))
}
