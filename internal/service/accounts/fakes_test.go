package accounts

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymsg/accountd/internal/account"
	"github.com/relaymsg/accountd/internal/store"
)

// eventLog records cross-fake ordering so tests can assert that one side
// effect happened before another.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func mustClone(a *account.Account) *account.Account {
	data, err := json.Marshal(a)
	if err != nil {
		panic(err)
	}
	var c account.Account
	if err := json.Unmarshal(data, &c); err != nil {
		panic(err)
	}
	c.ACI = a.ACI
	return &c
}

// fakeAccountStore mimics the durable store's version-conditional contract.
type fakeAccountStore struct {
	mu          sync.Mutex
	accounts    map[uuid.UUID]*account.Account
	contested   int // forced ErrContested responses before writes succeed
	updateCalls int
	log         *eventLog
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{accounts: map[uuid.UUID]*account.Account{}}
}

func (s *fakeAccountStore) put(a *account.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ACI] = mustClone(a)
}

func (s *fakeAccountStore) byNumberLocked(number string) *account.Account {
	for _, a := range s.accounts {
		if a.Number == number {
			return a
		}
	}
	return nil
}

func (s *fakeAccountStore) Create(ctx context.Context, a *account.Account) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.byNumberLocked(a.Number); existing != nil {
		a.ACI = existing.ACI
		a.Username = ""
		a.Version = existing.Version + 1
		s.accounts[a.ACI] = mustClone(a)
		return false, nil
	}
	a.Version = 1
	s.accounts[a.ACI] = mustClone(a)
	return true, nil
}

func (s *fakeAccountStore) conditionalWrite(a *account.Account) error {
	if s.contested > 0 {
		s.contested--
		return account.ErrContested
	}
	stored, ok := s.accounts[a.ACI]
	if !ok || stored.Version != a.Version {
		return account.ErrContested
	}
	a.Version++
	s.accounts[a.ACI] = mustClone(a)
	return nil
}

func (s *fakeAccountStore) Update(ctx context.Context, a *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	return s.conditionalWrite(a)
}

func (s *fakeAccountStore) ChangeNumber(ctx context.Context, a *account.Account, newNumber string, newPNI uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Number = newNumber
	a.PNI = newPNI
	return s.conditionalWrite(a)
}

func (s *fakeAccountStore) SetUsername(ctx context.Context, a *account.Account, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	for aci, other := range s.accounts {
		if aci != a.ACI && other.Username == username {
			return account.ErrUsernameNotAvailable
		}
	}
	a.Username = username
	return s.conditionalWrite(a)
}

func (s *fakeAccountStore) ClearUsername(ctx context.Context, a *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Username = ""
	return s.conditionalWrite(a)
}

func (s *fakeAccountStore) get(match func(*account.Account) bool) *account.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if match(a) {
			return mustClone(a)
		}
	}
	return nil
}

func (s *fakeAccountStore) GetByE164(ctx context.Context, number string) (*account.Account, error) {
	return s.get(func(a *account.Account) bool { return a.Number == number }), nil
}

func (s *fakeAccountStore) GetByPhoneNumberIdentifier(ctx context.Context, pni uuid.UUID) (*account.Account, error) {
	return s.get(func(a *account.Account) bool { return a.PNI == pni }), nil
}

func (s *fakeAccountStore) GetByUsername(ctx context.Context, username string) (*account.Account, error) {
	return s.get(func(a *account.Account) bool { return a.Username == username }), nil
}

func (s *fakeAccountStore) GetByAccountIdentifier(ctx context.Context, aci uuid.UUID) (*account.Account, error) {
	return s.get(func(a *account.Account) bool { return a.ACI == aci }), nil
}

func (s *fakeAccountStore) sorted() []*account.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*account.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		all = append(all, mustClone(a))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ACI.String() < all[j].ACI.String() })
	return all
}

func (s *fakeAccountStore) GetAllFromStart(ctx context.Context, length int) (*store.CrawlChunk, error) {
	return chunk(s.sorted(), length), nil
}

func (s *fakeAccountStore) GetAllFrom(ctx context.Context, after uuid.UUID, length int) (*store.CrawlChunk, error) {
	all := s.sorted()
	for i, a := range all {
		if a.ACI == after {
			return chunk(all[i+1:], length), nil
		}
	}
	return chunk(nil, length), nil
}

func chunk(all []*account.Account, length int) *store.CrawlChunk {
	if len(all) > length {
		all = all[:length]
	}
	c := &store.CrawlChunk{Accounts: all}
	if len(all) == length && length > 0 {
		id := all[len(all)-1].ACI
		c.Last = &id
	}
	return c
}

func (s *fakeAccountStore) Delete(ctx context.Context, aci uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, aci)
	if s.log != nil {
		s.log.add("store-delete")
	}
	return nil
}

// fakeCache mirrors the real adapter's key scheme: a document entry per
// identifier plus secondary-key entries that dereference to it. Deletes work
// on the pre-image keys only, so a stale secondary entry left behind by a
// mis-ordered eviction is observable in tests.
type fakeCache struct {
	mu       sync.Mutex
	entities map[uuid.UUID]*account.Account
	mapping  map[string]uuid.UUID
	sets     int
	deletes  int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entities: map[uuid.UUID]*account.Account{},
		mapping:  map[string]uuid.UUID{},
	}
}

func (c *fakeCache) Set(ctx context.Context, a *account.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[a.ACI] = mustClone(a)
	c.mapping[a.Number] = a.ACI
	c.mapping[a.PNI.String()] = a.ACI
	if a.Username != "" {
		c.mapping[a.Username] = a.ACI
	}
	c.sets++
}

func (c *fakeCache) Delete(ctx context.Context, a *account.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entities, a.ACI)
	delete(c.mapping, a.Number)
	delete(c.mapping, a.PNI.String())
	if a.Username != "" {
		delete(c.mapping, a.Username)
	}
	c.deletes++
}

func (c *fakeCache) GetByACI(ctx context.Context, aci uuid.UUID) *account.Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.entities[aci]; ok {
		return mustClone(a)
	}
	return nil
}

func (c *fakeCache) getBySecondary(ctx context.Context, key string) *account.Account {
	c.mu.Lock()
	aci, ok := c.mapping[key]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.GetByACI(ctx, aci)
}

func (c *fakeCache) GetByE164(ctx context.Context, number string) *account.Account {
	return c.getBySecondary(ctx, number)
}

func (c *fakeCache) GetByPNI(ctx context.Context, pni uuid.UUID) *account.Account {
	return c.getBySecondary(ctx, pni.String())
}

func (c *fakeCache) GetByUsername(ctx context.Context, username string) *account.Account {
	return c.getBySecondary(ctx, username)
}

// fakeGate reproduces the tombstone bookkeeping without any locking; the
// tests are single-flow.
type fakeGate struct {
	mu         sync.Mutex
	tombstones map[string]uuid.UUID
}

func newFakeGate() *fakeGate {
	return &fakeGate{tombstones: map[string]uuid.UUID{}}
}

func (g *fakeGate) LockAndTake(ctx context.Context, number string, fn func(ctx context.Context, recentlyDeleted *uuid.UUID) error) error {
	g.mu.Lock()
	var taken *uuid.UUID
	if aci, ok := g.tombstones[number]; ok {
		delete(g.tombstones, number)
		taken = &aci
	}
	g.mu.Unlock()
	return fn(ctx, taken)
}

func (g *fakeGate) LockAndPut(ctx context.Context, number string, fn func(ctx context.Context) (uuid.UUID, error)) error {
	// The real gate runs the section to completion once the lease is held.
	aci, err := fn(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.tombstones[number] = aci
	g.mu.Unlock()
	return nil
}

func (g *fakeGate) LockAndTransfer(ctx context.Context, oldNumber, newNumber string, fn func(ctx context.Context, deletedForNewNumber *uuid.UUID) (*uuid.UUID, error)) error {
	g.mu.Lock()
	var forNew *uuid.UUID
	if aci, ok := g.tombstones[newNumber]; ok {
		delete(g.tombstones, newNumber)
		forNew = &aci
	}
	g.mu.Unlock()

	displaced, err := fn(context.WithoutCancel(ctx), forNew)
	if err != nil {
		return err
	}
	if displaced != nil {
		g.mu.Lock()
		g.tombstones[newNumber] = *displaced
		g.mu.Unlock()
	}
	return nil
}

type fakePNIs struct {
	mu   sync.Mutex
	pnis map[string]uuid.UUID
}

func newFakePNIs() *fakePNIs {
	return &fakePNIs{pnis: map[string]uuid.UUID{}}
}

func (p *fakePNIs) PNI(ctx context.Context, number string) (uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pni, ok := p.pnis[number]; ok {
		return pni, nil
	}
	pni := uuid.New()
	p.pnis[number] = pni
	return pni, nil
}

type fakeQueue struct {
	mu     sync.Mutex
	events []string
}

func (q *fakeQueue) record(e string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, e)
}

func (q *fakeQueue) all() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.events...)
}

func (q *fakeQueue) DeleteAccount(ctx context.Context, a *account.Account) error {
	q.record("delete:" + a.ACI.String())
	return nil
}

func (q *fakeQueue) RefreshAccount(ctx context.Context, a *account.Account) error {
	q.record("refresh:" + a.ACI.String())
	return nil
}

func (q *fakeQueue) ChangePhoneNumber(ctx context.Context, a *account.Account, oldNumber, newNumber string) error {
	q.record("changeNumber:" + oldNumber + "->" + newNumber)
	return nil
}

type identifierRecorder struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *identifierRecorder) record(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *identifierRecorder) has(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.ids {
		if got == id {
			return true
		}
	}
	return false
}

type fakeKeys struct{ identifierRecorder }

func (f *fakeKeys) Delete(ctx context.Context, identifier uuid.UUID) error {
	f.record(identifier)
	return nil
}

type fakeMessages struct{ identifierRecorder }

func (f *fakeMessages) Clear(ctx context.Context, identifier uuid.UUID) error {
	f.record(identifier)
	return nil
}

type fakeProfiles struct{ identifierRecorder }

func (f *fakeProfiles) DeleteAll(ctx context.Context, aci uuid.UUID) error {
	f.record(aci)
	return nil
}

type fakePending struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakePending) Remove(ctx context.Context, number string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, number)
	return nil
}

type fakeReserved struct {
	reserved map[string]bool
}

func (f *fakeReserved) IsReserved(ctx context.Context, username string, aci uuid.UUID) (bool, error) {
	return f.reserved[username], nil
}

// fakeSecureDeleter stands in for both remote deletion services; an optional
// delay widens the window in which a premature row deletion would be
// observable in the event log.
type fakeSecureDeleter struct {
	name  string
	delay time.Duration
	err   error
	log   *eventLog
	calls int
	mu    sync.Mutex
}

func (f *fakeSecureDeleter) delete(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.log != nil {
		f.log.add(f.name + "-done")
	}
	return nil
}

type fakeSecureStorage struct{ fakeSecureDeleter }

func (f *fakeSecureStorage) DeleteStoredData(ctx context.Context, aci uuid.UUID) error {
	return f.delete(ctx)
}

type fakeSecureBackup struct{ fakeSecureDeleter }

func (f *fakeSecureBackup) DeleteBackups(ctx context.Context, aci uuid.UUID) error {
	return f.delete(ctx)
}

type fakePresence struct {
	mu           sync.Mutex
	disconnected []int64
}

func (f *fakePresence) DisconnectPresence(ctx context.Context, aci uuid.UUID, deviceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, deviceID)
	return nil
}

// fixture bundles the fakes behind one coordinator.
type fixture struct {
	store    *fakeAccountStore
	cache    *fakeCache
	gate     *fakeGate
	pnis     *fakePNIs
	queue    *fakeQueue
	keys     *fakeKeys
	messages *fakeMessages
	profiles *fakeProfiles
	pending  *fakePending
	reserved *fakeReserved
	storage  *fakeSecureStorage
	backup   *fakeSecureBackup
	presence *fakePresence
	now      time.Time
	log      *eventLog
}

func newFixture() *fixture {
	log := &eventLog{}
	f := &fixture{
		store:    newFakeAccountStore(),
		cache:    newFakeCache(),
		gate:     newFakeGate(),
		pnis:     newFakePNIs(),
		queue:    &fakeQueue{},
		keys:     &fakeKeys{},
		messages: &fakeMessages{},
		profiles: &fakeProfiles{},
		pending:  &fakePending{},
		reserved: &fakeReserved{reserved: map[string]bool{}},
		storage:  &fakeSecureStorage{fakeSecureDeleter{name: "storage", log: log}},
		backup:   &fakeSecureBackup{fakeSecureDeleter{name: "backup", log: log}},
		presence: &fakePresence{},
		now:      time.Now(),
		log:      log,
	}
	f.store.log = log
	return f
}

func (f *fixture) manager() *Manager {
	return NewManager(Deps{
		Accounts:          f.store,
		PNIs:              f.pnis,
		Cache:             f.cache,
		DeletedAccounts:   f.gate,
		DirectoryQueue:    f.queue,
		Keys:              f.keys,
		Messages:          f.messages,
		Profiles:          f.profiles,
		ReservedUsernames: f.reserved,
		PendingAccounts:   f.pending,
		SecureStorage:     f.storage,
		SecureBackup:      f.backup,
		Presence:          f.presence,
		Now:               func() time.Time { return f.now },
	})
}

// seedAccount registers a live account directly in the store with an
// enabled primary device.
func (f *fixture) seedAccount(number string) *account.Account {
	pni, _ := f.pnis.PNI(context.Background(), number)
	a := &account.Account{
		ACI:                       uuid.New(),
		PNI:                       pni,
		Number:                    number,
		DiscoverableByPhoneNumber: true,
		Version:                   1,
	}
	a.AddDevice(&account.Device{
		ID:              account.PrimaryDeviceID,
		FetchesMessages: true,
		LastSeen:        time.Now().UnixMilli(),
	})
	f.store.put(a)
	return mustClone(a)
}
