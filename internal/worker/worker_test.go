package worker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cdnpub/pubgate/internal/broker"
	"github.com/cdnpub/pubgate/internal/config"
	"github.com/cdnpub/pubgate/internal/fastpurge"
	"github.com/cdnpub/pubgate/internal/store/storetest"
	"github.com/cdnpub/pubgate/internal/types"
)

type writeOp struct {
	kind string // "put" or "delete"
	uris []string
}

// fakeWriter records batches and can be told to fail any batch
// containing a specific URI.
type fakeWriter struct {
	mu      sync.Mutex
	ops     []writeOp
	failURI string
	err     error
}

func (f *fakeWriter) record(kind string, items []types.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := writeOp{kind: kind}
	for _, it := range items {
		op.uris = append(op.uris, it.WebURI)
	}
	f.ops = append(f.ops, op)
	if f.err != nil {
		return f.err
	}
	if f.failURI != "" {
		for _, uri := range op.uris {
			if uri == f.failURI {
				return errExternal
			}
		}
	}
	return nil
}

func (f *fakeWriter) Put(_ context.Context, _ string, items []types.Item) error {
	return f.record("put", items)
}

func (f *fakeWriter) Delete(_ context.Context, _ string, items []types.Item) error {
	return f.record("delete", items)
}

type fakeConfigStore struct {
	blob   json.RawMessage
	puts   []json.RawMessage
	getErr error
}

func (f *fakeConfigStore) PutConfig(_ context.Context, _ string, blob json.RawMessage) error {
	f.puts = append(f.puts, blob)
	f.blob = blob
	return nil
}

func (f *fakeConfigStore) GetConfig(context.Context) (json.RawMessage, error) {
	return f.blob, f.getErr
}

type fakePurge struct {
	calls [][]string
	err   error
}

func (f *fakePurge) Purge(_ context.Context, urls []string) error {
	f.calls = append(f.calls, urls)
	return f.err
}

// fakeVerifier answers existence checks from a deny-list.
type fakeVerifier struct {
	missing map[string]bool
	checked []string
	err     error
}

func (f *fakeVerifier) Exists(_ context.Context, key string) (bool, error) {
	f.checked = append(f.checked, key)
	if f.err != nil {
		return false, f.err
	}
	return !f.missing[key], nil
}

var errExternal = &externalError{}

type externalError struct{}

func (*externalError) Error() string { return "external table unavailable" }

type fixture struct {
	store    *storetest.MemoryStore
	broker   *broker.Broker
	settings *config.Settings
	workers  *Workers
	writer   *fakeWriter
	cfgStore *fakeConfigStore
	verifier *fakeVerifier
	purge    *fakePurge
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	settings, err := config.Load("")
	require.NoError(t, err)
	settings.AddEnv(&config.Environment{
		Name:             "test",
		Bucket:           "test-bucket",
		Table:            "test-table",
		ConfigTable:      "test-config",
		FastpurgeEnabled: true,
		CacheFlushURLs:   []string{"https://cdn.example.com"},
		CacheFlushARLTemplates: []string{
			"S/=/n/111/222/{ttl}/{path}",
			"S/=/n/333/444/{ttl}/{path} cacheKey",
		},
	})

	st := storetest.New()
	b := broker.New(st, settings)

	f := &fixture{
		store:    st,
		broker:   b,
		settings: settings,
		writer:   &fakeWriter{},
		cfgStore: &fakeConfigStore{},
		verifier: &fakeVerifier{missing: map[string]bool{}},
		purge:    &fakePurge{},
		clock:    time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	st.SetNow(func() time.Time { return f.clock })
	b.SetNow(func() time.Time { return f.clock })

	f.workers = &Workers{
		store:    st,
		broker:   b,
		settings: settings,
		newItemWriter: func(context.Context, *config.Environment) (ItemWriter, error) {
			return f.writer, nil
		},
		newConfigStore: func(context.Context, *config.Environment) (ConfigStore, error) {
			return f.cfgStore, nil
		},
		newVerifier: func(context.Context, *config.Environment) (ObjectVerifier, error) {
			return f.verifier, nil
		},
		newPurgeClient: func(*config.Environment) fastpurge.Client {
			return f.purge
		},
		now: func() time.Time { return f.clock },
	}
	f.workers.Register()
	return f
}

func msgCtx(id uuid.UUID) context.Context {
	return broker.ContextWithMessageID(context.Background(), id)
}

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func sha(hex string) string {
	return strings.Repeat(hex, 64/len(hex))
}
