package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/traylinx/llm-supervisor/internal/config"
	"github.com/traylinx/llm-supervisor/internal/store"
)

type logEntry struct {
	level string
	msg   string
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level, msg})
}

func (l *recordingLogger) Info(msg string)  { l.add("info", msg) }
func (l *recordingLogger) Warn(msg string)  { l.add("warn", msg) }
func (l *recordingLogger) Error(msg string) { l.add("error", msg) }

func (l *recordingLogger) snapshot() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), l.entries...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (n *recordingNotifier) All(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return n.err
}

func (n *recordingNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type fakeAgent struct {
	profiles []Profile
	err      error
}

func (a *fakeAgent) SetLLMProfile(p Profile) error {
	a.profiles = append(a.profiles, p)
	return a.err
}

type countingStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	writes int
}

func (s *countingStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return s.MemoryStore.Set(ctx, key, value)
}

func (s *countingStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type fixture struct {
	sup      *Supervisor
	store    *countingStore
	logger   *recordingLogger
	notifier *recordingNotifier
	cfg      config.SupervisorConfig
	now      time.Time
}

var testNow = time.UnixMilli(1_700_000_000_000)

func newFixture(t *testing.T, mutate ...func(*config.SupervisorConfig)) *fixture {
	t.Helper()
	cfg := config.DefaultSupervisorConfig()
	cfg.LocalModel = "qwen2.5:7b"
	for _, fn := range mutate {
		fn(&cfg)
	}

	f := &fixture{
		store:    &countingStore{MemoryStore: store.NewMemoryStore()},
		logger:   &recordingLogger{},
		notifier: &recordingNotifier{},
		cfg:      cfg,
		now:      testNow,
	}
	host := &StaticHost{
		ConfigFunc: func() config.SupervisorConfig { return f.cfg },
		Log:        f.logger,
		Notify:     f.notifier,
		KV:         f.store,
	}
	f.sup = New(host, WithClock(func() time.Time { return f.now }))
	return f
}

// seed writes state directly and resets the write counter.
func (f *fixture) seed(t *testing.T, st State) {
	t.Helper()
	require.NoError(t, f.sup.State().ReplaceState(context.Background(), st))
	f.store.mu.Lock()
	f.store.writes = 0
	f.store.mu.Unlock()
}

func (f *fixture) state(t *testing.T) State {
	t.Helper()
	st, err := f.sup.State().GetState(context.Background())
	require.NoError(t, err)
	return st
}

func (f *fixture) raw(t *testing.T) string {
	t.Helper()
	raw, err := f.store.Get(context.Background(), config.DefaultStateKey)
	require.NoError(t, err)
	return string(raw)
}

type blockRecorder struct {
	called  bool
	reasons []string
}

func (b *blockRecorder) block(reason string) {
	b.called = true
	b.reasons = append(b.reasons, reason)
}

func taskEvent(intent, message string, b *blockRecorder) BeforeTaskExecuteEvent {
	return BeforeTaskExecuteEvent{
		Task:    Task{Intent: intent},
		Context: TaskContext{LastUserMessage: message},
		Block:   b.block,
	}
}
