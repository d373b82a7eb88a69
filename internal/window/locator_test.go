package window

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	windows []*Handle
	sizes   map[uint64]frame.Size
	calls   int
	// appearAfter makes windows visible only from the nth Enumerate call
	appearAfter int
}

func (f *fakeBackend) Name() string { return "fake" }
func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) Enumerate() ([]*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls < f.appearAfter {
		return nil, nil
	}
	out := make([]*Handle, len(f.windows))
	for i, w := range f.windows {
		cp := *w
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeBackend) ClientSize(h *Handle) (frame.Size, error) {
	size, ok := f.sizes[h.ID]
	if !ok {
		return frame.Size{}, ErrWindowGone
	}
	return size, nil
}

func newFake() *fakeBackend {
	return &fakeBackend{
		windows: []*Handle{
			{ID: 1, Title: "Desktop", Class: "Progman", Backend: "fake"},
			{ID: 2, Title: "KG - CLyricRenderWnd", Class: "CLyricRenderWnd", Backend: "fake"},
			{ID: 3, Title: "second CLyricRenderWnd", Class: "Other", Backend: "fake"},
			{ID: 4, Title: "CScoreRenderWnd", Class: "CScoreRenderWnd", Backend: "fake"},
		},
		sizes: map[uint64]frame.Size{2: {Width: 400, Height: 100}},
	}
}

func TestLocateReturnsFirstMatch(t *testing.T) {
	l := NewLocator(newFake(), Backoff{})
	h, err := l.Locate("CLyricRenderWnd")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.ID)
}

func TestLocateIsCaseSensitive(t *testing.T) {
	l := NewLocator(newFake(), Backoff{})
	_, err := l.Locate("clyricrenderwnd")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocateTwiceReturnsSameWindow(t *testing.T) {
	l := NewLocator(newFake(), Backoff{})
	a, err := l.Locate("CScoreRenderWnd")
	require.NoError(t, err)
	b, err := l.Locate("CScoreRenderWnd")
	require.NoError(t, err)
	assert.True(t, a.SameWindow(b))
}

func TestLocateWithRetryWaitsForWindow(t *testing.T) {
	fb := newFake()
	fb.appearAfter = 3
	l := NewLocator(fb, Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 5})

	var slept []time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	h, err := l.LocateWithRetry(context.Background(), "CLyricRenderWnd")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.ID)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, slept)
}

func TestLocateWithRetryGivesUp(t *testing.T) {
	l := NewLocator(&fakeBackend{}, Backoff{Initial: time.Millisecond, MaxAttempts: 3})
	l.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := l.LocateWithRetry(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocateWithRetryHonorsContext(t *testing.T) {
	l := NewLocator(&fakeBackend{}, Backoff{Initial: time.Hour, MaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.LocateWithRetry(ctx, "missing")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBackoffDelayCaps(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 800*time.Millisecond, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(5))
	assert.Equal(t, time.Second, b.Delay(50))
}

func TestClientSizeGone(t *testing.T) {
	l := NewLocator(newFake(), Backoff{})
	_, err := l.ClientSize(&Handle{ID: 99})
	assert.True(t, errors.Is(err, ErrWindowGone))

	size, err := l.ClientSize(&Handle{ID: 2})
	require.NoError(t, err)
	assert.Equal(t, frame.Size{Width: 400, Height: 100}, size)
}

func TestListSkipsUntitled(t *testing.T) {
	fb := newFake()
	fb.windows = append(fb.windows, &Handle{ID: 9, Class: "NoTitle"})
	l := NewLocator(fb, Backoff{})
	list, err := l.List()
	require.NoError(t, err)
	assert.Len(t, list, 4)
}

func TestTruncateName(t *testing.T) {
	short := "CLyricRenderWnd"
	assert.Equal(t, short, TruncateName(short))

	long := strings.Repeat("a", 400)
	assert.Len(t, TruncateName(long), MaxNameUnits-1)

	// U+1F3A4 needs a surrogate pair; a pair split at the boundary is dropped
	emoji := strings.Repeat("a", MaxNameUnits-2) + "\U0001F3A4"
	got := TruncateName(emoji)
	assert.Equal(t, strings.Repeat("a", MaxNameUnits-2), got)
}
