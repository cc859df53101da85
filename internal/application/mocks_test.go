package application_test

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
	"github.com/ericfisherdev/plughub/internal/sandbox"
)

// --- Catalog ---

type mockCatalog struct {
	manifests map[string]model.Manifest
}

func newMockCatalog(ms ...model.Manifest) *mockCatalog {
	c := &mockCatalog{manifests: make(map[string]model.Manifest)}
	for _, m := range ms {
		c.manifests[m.Name] = m
	}
	return c
}

func (c *mockCatalog) Get(_ context.Context, name string) (*model.Manifest, error) {
	m, ok := c.manifests[name]
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", name, model.ErrNotFound)
	}
	return &m, nil
}

func (c *mockCatalog) List(_ context.Context) ([]model.Manifest, error) {
	out := make([]model.Manifest, 0, len(c.manifests))
	for _, m := range c.manifests {
		out = append(out, m)
	}
	return out, nil
}

// --- Params validator ---

type mockValidator struct {
	validate func(schema []byte, params json.RawMessage) ([]string, error)
}

func (v *mockValidator) Validate(schema []byte, params json.RawMessage) ([]string, error) {
	return v.validate(schema, params)
}

// --- Subscriptions ---

type mockSubscriptionStore struct {
	mu   sync.Mutex
	subs []model.Subscription
}

func (m *mockSubscriptionStore) Add(_ context.Context, sub model.Subscription) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.UserID == sub.UserID && s.Provider == sub.Provider && s.Plugin == sub.Plugin && s.AccountID == sub.AccountID {
			return s, nil
		}
	}
	sub.ID = int64(len(m.subs) + 1)
	m.subs = append(m.subs, sub)
	return sub, nil
}

func (m *mockSubscriptionStore) Remove(_ context.Context, userID, provider, plugin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = slices.DeleteFunc(m.subs, func(s model.Subscription) bool {
		return s.UserID == userID && s.Provider == provider && s.Plugin == plugin
	})
	return nil
}

func (m *mockSubscriptionStore) ListForProvider(_ context.Context, userID, provider string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		if s.UserID == userID && s.Provider == provider {
			out = append(out, s)
		}
	}
	return out, nil
}

// --- Credentials ---

type mockCredentialStore struct {
	mu          sync.Mutex
	creds       []model.ProviderCredential
	identities  map[int64]model.ProviderIdentity
	updates     []model.TokenGrant
	rotations   []string
	deactivated []int64
	lookups     atomic.Int32
}

func newMockCredentialStore(creds ...model.ProviderCredential) *mockCredentialStore {
	m := &mockCredentialStore{identities: make(map[int64]model.ProviderIdentity)}
	for _, c := range creds {
		_, _ = m.Save(context.Background(), c)
	}
	return m
}

func (m *mockCredentialStore) Save(_ context.Context, cred model.ProviderCredential) (model.ProviderCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred.ID = int64(len(m.creds) + 1)
	cred.Active = true
	m.creds = append(m.creds, cred)
	return cred, nil
}

func (m *mockCredentialStore) LatestActive(_ context.Context, userID, provider string) (*model.ProviderCredential, error) {
	m.lookups.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.creds) - 1; i >= 0; i-- {
		c := m.creds[i]
		if c.UserID == userID && c.Provider == provider && c.Active {
			c.Scopes = slices.Clone(c.Scopes)
			return &c, nil
		}
	}
	return nil, nil
}

func (m *mockCredentialStore) UpdateTokens(_ context.Context, id int64, grant model.TokenGrant, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, grant)
	for i := range m.creds {
		if m.creds[i].ID != id {
			continue
		}
		m.creds[i].AccessToken = grant.AccessToken
		m.creds[i].ExpiresAt = grant.ExpiresAt
		if grant.RefreshToken != "" {
			m.creds[i].RefreshToken = grant.RefreshToken
		}
		if len(grant.Scopes) > 0 {
			m.creds[i].Scopes = grant.Scopes
		}
		m.creds[i].UpdatedAt = updatedAt
		return nil
	}
	return model.ErrNotFound
}

func (m *mockCredentialStore) UpdateRefreshToken(_ context.Context, id int64, refreshToken string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotations = append(m.rotations, refreshToken)
	for i := range m.creds {
		if m.creds[i].ID == id {
			m.creds[i].RefreshToken = refreshToken
			m.creds[i].UpdatedAt = updatedAt
			return nil
		}
	}
	return model.ErrNotFound
}

func (m *mockCredentialStore) Deactivate(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivated = append(m.deactivated, id)
	for i := range m.creds {
		if m.creds[i].ID == id {
			m.creds[i].Active = false
		}
	}
	return nil
}

func (m *mockCredentialStore) UpsertIdentity(_ context.Context, identity model.ProviderIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[identity.CredentialID] = identity
	return nil
}

func (m *mockCredentialStore) IdentityFor(ctx context.Context, userID, provider string) (*model.ProviderIdentity, error) {
	cred, _ := m.LatestActive(ctx, userID, provider)
	if cred == nil {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[cred.ID]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

func (m *mockCredentialStore) stored(id int64) model.ProviderCredential {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.ID == id {
			return c
		}
	}
	return model.ProviderCredential{}
}

// --- Providers ---

type mockProvider struct {
	key          string
	refreshCalls atomic.Int32
	refresh      func(ctx context.Context, refreshToken string, scopes []string) (model.TokenGrant, error)
	introspect   func(ctx context.Context, accessToken string) ([]string, error)
	identity     func(ctx context.Context, accessToken string) (model.ProviderIdentity, error)
	sa           driven.ServiceAccount
}

func (p *mockProvider) Key() string { return p.key }

func (p *mockProvider) Refresh(ctx context.Context, refreshToken string, scopes []string) (model.TokenGrant, error) {
	p.refreshCalls.Add(1)
	if p.refresh == nil {
		return model.TokenGrant{}, fmt.Errorf("unexpected refresh")
	}
	return p.refresh(ctx, refreshToken, scopes)
}

func (p *mockProvider) Introspect(ctx context.Context, accessToken string) ([]string, error) {
	if p.introspect == nil {
		return nil, driven.ErrIntrospectionUnsupported
	}
	return p.introspect(ctx, accessToken)
}

func (p *mockProvider) FetchIdentity(ctx context.Context, accessToken string) (model.ProviderIdentity, error) {
	if p.identity == nil {
		return model.ProviderIdentity{}, driven.ErrIdentityUnsupported
	}
	return p.identity(ctx, accessToken)
}

func (p *mockProvider) ServiceAccount() driven.ServiceAccount {
	return p.sa
}

type mockServiceAccount struct {
	calls    atomic.Int32
	subjects []string
	mu       sync.Mutex
	exchange func(scopes []string, subject string) (model.TokenGrant, error)
}

func (s *mockServiceAccount) Issuer() string      { return "svc@example.iam" }
func (s *mockServiceAccount) TokenURL() string    { return "https://oauth2.example.com/token" }
func (s *mockServiceAccount) Fingerprint() string { return "fp-1" }

func (s *mockServiceAccount) Exchange(_ context.Context, scopes []string, subject string) (model.TokenGrant, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.subjects = append(s.subjects, subject)
	s.mu.Unlock()
	return s.exchange(scopes, subject)
}

type mockRegistry struct {
	adapters map[string]driven.ProviderAdapter
}

func newMockRegistry(adapters ...driven.ProviderAdapter) *mockRegistry {
	r := &mockRegistry{adapters: make(map[string]driven.ProviderAdapter)}
	for _, a := range adapters {
		r.adapters[a.Key()] = a
	}
	return r
}

func (r *mockRegistry) Lookup(provider string) (driven.ProviderAdapter, error) {
	a, ok := r.adapters[model.NormalizeProvider(provider)]
	if !ok {
		return nil, fmt.Errorf("%q: %w", provider, model.ErrProviderNotSupported)
	}
	return a, nil
}

// --- Storage ---

type mockStorageStore struct {
	mu      sync.Mutex
	entries map[string]model.StorageEntry
}

func newMockStorageStore() *mockStorageStore {
	return &mockStorageStore{entries: make(map[string]model.StorageEntry)}
}

func storageID(k model.StorageKey) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", k.Scope, k.OwnerKey(), k.Plugin, k.Namespace, k.Key)
}

func (m *mockStorageStore) Put(_ context.Context, key model.StorageKey, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[storageID(key)] = model.StorageEntry{StorageKey: key, Value: slices.Clone(value), UpdatedAt: time.Now()}
	return nil
}

func (m *mockStorageStore) Get(_ context.Context, key model.StorageKey) (*model.StorageEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[storageID(key)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *mockStorageStore) Delete(_ context.Context, key model.StorageKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, storageID(key))
	return nil
}

func (m *mockStorageStore) ListKeys(ctx context.Context, prefix model.StorageKey) ([]string, error) {
	metas, err := m.ListMeta(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(metas))
	for i, meta := range metas {
		keys[i] = meta.Key
	}
	return keys, nil
}

func (m *mockStorageStore) ListMeta(_ context.Context, prefix model.StorageKey) ([]model.StorageMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.StorageMeta
	for _, e := range m.entries {
		if e.Scope == prefix.Scope && e.OwnerKey() == prefix.OwnerKey() &&
			e.Plugin == prefix.Plugin && e.Namespace == prefix.Namespace {
			out = append(out, model.StorageMeta{Key: e.Key, Size: len(e.Value), UpdatedAt: e.UpdatedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *mockStorageStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.UpdatedAt.Before(cutoff) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// --- Executions ---

type mockExecutionStore struct {
	mu    sync.Mutex
	execs map[string]model.Execution
	order []string
}

func newMockExecutionStore() *mockExecutionStore {
	return &mockExecutionStore{execs: make(map[string]model.Execution)}
}

func (m *mockExecutionStore) Create(_ context.Context, exec model.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.execs[exec.ID]; ok {
		return fmt.Errorf("duplicate execution %s", exec.ID)
	}
	m.execs[exec.ID] = exec
	m.order = append(m.order, exec.ID)
	return nil
}

func (m *mockExecutionStore) Get(_ context.Context, id string) (*model.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *mockExecutionStore) ListPending(_ context.Context, limit int, filter model.ExecutionFilter) ([]model.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Execution
	for _, id := range m.order {
		e := m.execs[id]
		if e.Status != model.ExecutionPending {
			continue
		}
		if filter.ScheduleID != "" && e.ScheduleID != filter.ScheduleID {
			continue
		}
		if filter.ExecutionID != "" && e.ID != filter.ExecutionID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockExecutionStore) transition(id string, from, to model.ExecutionStatus, apply func(*model.Execution)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok || e.Status != from {
		return fmt.Errorf("execution %s: %w", id, driven.ErrClaimLost)
	}
	e.Status = to
	apply(&e)
	m.execs[id] = e
	return nil
}

func (m *mockExecutionStore) Claim(_ context.Context, id string, startedAt time.Time) error {
	return m.transition(id, model.ExecutionPending, model.ExecutionRunning, func(e *model.Execution) {
		e.StartedAt = &startedAt
	})
}

func (m *mockExecutionStore) Complete(_ context.Context, id string, result json.RawMessage, completedAt time.Time) error {
	return m.transition(id, model.ExecutionRunning, model.ExecutionCompleted, func(e *model.Execution) {
		e.Result = result
		e.CompletedAt = &completedAt
	})
}

func (m *mockExecutionStore) Fail(_ context.Context, id string, from model.ExecutionStatus, reason string, completedAt time.Time) error {
	return m.transition(id, from, model.ExecutionFailed, func(e *model.Execution) {
		e.Error = reason
		e.Result = nil
		e.CompletedAt = &completedAt
	})
}

func (m *mockExecutionStore) CancelPending(_ context.Context, scheduleID, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.execs {
		if e.ScheduleID == scheduleID && e.Status == model.ExecutionPending {
			e.Status = model.ExecutionFailed
			e.Error = reason
			e.CompletedAt = &at
			m.execs[id] = e
			n++
		}
	}
	return n, nil
}

func (m *mockExecutionStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.execs {
		if e.Status.Terminal() && e.CompletedAt != nil && e.CompletedAt.Before(cutoff) {
			delete(m.execs, id)
			n++
		}
	}
	return n, nil
}

func (m *mockExecutionStore) get(id string) model.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execs[id]
}

func (m *mockExecutionStore) all() []model.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Execution, 0, len(m.order))
	for _, id := range m.order {
		if e, ok := m.execs[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// --- Schedules ---

type mockScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]model.Schedule
	execs     *mockExecutionStore
}

func newMockScheduleStore(execs *mockExecutionStore) *mockScheduleStore {
	return &mockScheduleStore{schedules: make(map[string]model.Schedule), execs: execs}
}

func (m *mockScheduleStore) Create(_ context.Context, sched model.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[sched.ID] = sched
	return nil
}

func (m *mockScheduleStore) Update(_ context.Context, sched model.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[sched.ID]; !ok {
		return model.ErrNotFound
	}
	m.schedules[sched.ID] = sched
	return nil
}

func (m *mockScheduleStore) Get(_ context.Context, id string) (*model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *mockScheduleStore) List(_ context.Context) ([]model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockScheduleStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return model.ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *mockScheduleStore) SetEnabled(_ context.Context, id string, enabled bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return model.ErrNotFound
	}
	s.Enabled = enabled
	s.UpdatedAt = at
	m.schedules[id] = s
	return nil
}

func (m *mockScheduleStore) ListDue(_ context.Context, now time.Time) ([]model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Schedule
	for _, s := range m.schedules {
		if s.Due(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockScheduleStore) AdvanceAndEnqueue(ctx context.Context, sched model.Schedule, next time.Time, exec model.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.schedules[sched.ID]
	if !ok || !cur.Enabled || !sameTime(cur.NextRunAt, sched.NextRunAt) {
		return fmt.Errorf("advance %s: %w", sched.ID, driven.ErrClaimLost)
	}
	if err := m.execs.Create(ctx, exec); err != nil {
		return err
	}
	cur.NextRunAt = &next
	m.schedules[sched.ID] = cur
	return nil
}

func (m *mockScheduleStore) get(id string) model.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schedules[id]
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// --- Counters ---

type mockCounterStore struct {
	mu      sync.Mutex
	values  map[string]int64
	expires map[string]time.Time
	now     func() time.Time
}

func newMockCounterStore() *mockCounterStore {
	return &mockCounterStore{
		values:  make(map[string]int64),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// live drops key when expired. Callers hold mu.
func (m *mockCounterStore) live(key string) bool {
	exp, ok := m.expires[key]
	if ok && !m.now().Before(exp) {
		delete(m.values, key)
		delete(m.expires, key)
		return false
	}
	_, ok = m.values[key]
	return ok
}

func (m *mockCounterStore) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live(key)
	return m.values[key], nil
}

func (m *mockCounterStore) Set(_ context.Context, key string, value int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.expires[key] = m.now().Add(ttl)
	return nil
}

func (m *mockCounterStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live(key) {
		m.expires[key] = m.now().Add(ttl)
	}
	m.values[key]++
	return m.values[key], nil
}

func (m *mockCounterStore) Decr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(key) && m.values[key] > 0 {
		m.values[key]--
	}
	return m.values[key], nil
}

func (m *mockCounterStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(key) {
		m.expires[key] = m.now().Add(ttl)
	}
	return nil
}

func (m *mockCounterStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.expires, key)
	return nil
}

func (m *mockCounterStore) CountLive(_ context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key := range m.values {
		if strings.HasPrefix(key, prefix) && m.live(key) && m.values[key] > 0 {
			n++
		}
	}
	return n, nil
}

func (m *mockCounterStore) PurgeExpired(_ context.Context) (int64, error) { return 0, nil }

func (m *mockCounterStore) get(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live(key)
	return m.values[key]
}

// --- Runtime ---

type funcRuntime func(ctx context.Context, host *sandbox.Host, operation string, params json.RawMessage) (any, error)

func (f funcRuntime) Invoke(ctx context.Context, host *sandbox.Host, operation string, params json.RawMessage) (any, error) {
	return f(ctx, host, operation, params)
}
