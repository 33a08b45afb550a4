package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureSink struct {
	mu      sync.Mutex
	entries []Entry
}

func (c *captureSink) Append(ctx context.Context, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *captureSink) all() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

type failingSink struct{}

func (failingSink) Append(ctx context.Context, e Entry) error {
	return errors.New("sink unavailable")
}

func TestRecordStampsAndDelivers(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(zap.NewNop(), sink)

	l.Record(context.Background(), Entry{
		Username:  "admin",
		Action:    ActionLoginSuccess,
		IPAddress: "10.0.0.1",
		Success:   true,
	})
	l.Close()

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, ActionLoginSuccess, entries[0].Action)
	assert.Equal(t, "admin", entries[0].Username)
}

func TestCloseDrainsQueue(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(zap.NewNop(), sink)

	const n = 100
	for i := 0; i < n; i++ {
		l.Record(context.Background(), Entry{Username: "admin", Action: ActionLoginFailed})
	}
	l.Close()

	assert.Len(t, sink.all(), n)
}

func TestFailingSinkDoesNotBlockOthers(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(zap.NewNop(), failingSink{}, sink)

	l.Record(context.Background(), Entry{Username: "admin", Action: ActionAccountLocked})
	l.Close()

	require.Len(t, sink.all(), 1)
}

func TestRecordStampsUserAgentFromContext(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(zap.NewNop(), sink)

	ctx := WithUserAgent(context.Background(), "curl/8.5.0")
	l.Record(ctx, Entry{Username: "admin", Action: ActionLoginSuccess, Success: true})
	l.Record(ctx, Entry{Username: "admin", Action: ActionLogout, UserAgent: "explicit-agent"})
	l.Close()

	entries := sink.all()
	require.Len(t, entries, 2)
	assert.Equal(t, "curl/8.5.0", entries[0].UserAgent)
	assert.Equal(t, "explicit-agent", entries[1].UserAgent)
}

func TestRecordAfterCloseDropsEntry(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(zap.NewNop(), sink)
	l.Close()

	require.NotPanics(t, func() {
		l.Record(context.Background(), Entry{Username: "admin", Action: ActionLoginFailed})
	})
	assert.Empty(t, sink.all())

	// Close is idempotent too
	require.NotPanics(t, l.Close)
}

func TestConcurrentRecordAndClose(t *testing.T) {
	l := NewLogger(zap.NewNop(), &captureSink{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Record(context.Background(), Entry{Username: "admin", Action: ActionLoginFailed})
			}
		}()
	}
	l.Close()
	wg.Wait()
}

func TestRecordPreservesExplicitID(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(zap.NewNop(), sink)

	l.Record(context.Background(), Entry{ID: "fixed-id", Username: "admin", Action: ActionLogout})
	l.Close()

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "fixed-id", entries[0].ID)
}
