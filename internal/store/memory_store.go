package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/tresor/internal/models"
)

type pairKey struct{ a, b int64 }

type indexKey struct {
	password int64
	actor    models.OwnerType
	id       int64
}

// MemoryStore keeps every table in maps for tests. Values are copied on
// the way in and out.
type MemoryStore struct {
	mu sync.RWMutex

	nextID int64

	plugins       map[int64]*models.AuthPlugin
	classes       map[int64]*models.SecurityClass
	keyPairs      map[int64]*models.AuthKeyPair
	groups        map[int64]*models.CryptoGroup
	groupKeyPairs map[pairKey]*models.GroupKeyPair
	shares        map[int64]*models.GroupShare
	passwords     map[int64]*models.Password
	userAccess    map[pairKey]*models.PasswordUserAccess
	groupAccess   map[pairKey]*models.PasswordGroupAccess
	index         map[indexKey]*models.IndexEntry
	recovery      map[pairKey]*models.RecoveryEntry
	links         map[string]*models.PasswordLink
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plugins:       make(map[int64]*models.AuthPlugin),
		classes:       make(map[int64]*models.SecurityClass),
		keyPairs:      make(map[int64]*models.AuthKeyPair),
		groups:        make(map[int64]*models.CryptoGroup),
		groupKeyPairs: make(map[pairKey]*models.GroupKeyPair),
		shares:        make(map[int64]*models.GroupShare),
		passwords:     make(map[int64]*models.Password),
		userAccess:    make(map[pairKey]*models.PasswordUserAccess),
		groupAccess:   make(map[pairKey]*models.PasswordGroupAccess),
		index:         make(map[indexKey]*models.IndexEntry),
		recovery:      make(map[pairKey]*models.RecoveryEntry),
		links:         make(map[string]*models.PasswordLink),
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func sortedValues[K comparable, V any](src map[K]*V, keep func(*V) bool, less func(a, b *V) bool) []*V {
	var out []*V
	for _, v := range src {
		if keep == nil || keep(v) {
			c := *v
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateAuthPlugin(_ context.Context, p *models.AuthPlugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	p.ID = m.id()
	c := *p
	m.plugins[p.ID] = &c
	return nil
}

func (m *MemoryStore) GetAuthPlugin(_ context.Context, id int64) (*models.AuthPlugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plugins[id]
	if !ok {
		return nil, models.NotFound("auth plugin", id)
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) ListAuthPlugins(_ context.Context) ([]*models.AuthPlugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedValues(m.plugins, nil, func(a, b *models.AuthPlugin) bool { return a.ID < b.ID }), nil
}

func (m *MemoryStore) DeleteAuthPlugin(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.classes {
		if slices.Contains(c.PluginIDs, id) {
			return &models.PolicyError{Reason: "plugin is used by a security class"}
		}
	}
	for _, k := range m.keyPairs {
		if k.PluginID == id {
			return &models.PolicyError{Reason: "users are registered with the plugin"}
		}
	}
	if _, ok := m.plugins[id]; !ok {
		return models.NotFound("auth plugin", id)
	}
	delete(m.plugins, id)
	return nil
}

func cloneClass(c *models.SecurityClass) *models.SecurityClass {
	out := *c
	out.PluginIDs = slices.Clone(c.PluginIDs)
	return &out
}

func (m *MemoryStore) CreateSecurityClass(_ context.Context, c *models.SecurityClass) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pluginID := range c.PluginIDs {
		if _, ok := m.plugins[pluginID]; !ok {
			return models.NotFound("auth plugin", pluginID)
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	c.ID = m.id()
	m.classes[c.ID] = cloneClass(c)
	return nil
}

func (m *MemoryStore) GetSecurityClass(_ context.Context, id int64) (*models.SecurityClass, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.classes[id]
	if !ok {
		return nil, models.NotFound("security class", id)
	}
	return cloneClass(c), nil
}

func (m *MemoryStore) ListSecurityClasses(_ context.Context) ([]*models.SecurityClass, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.SecurityClass, 0, len(m.classes))
	for _, c := range m.classes {
		out = append(out, cloneClass(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteSecurityClass(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.passwords {
		if p.SecurityClassID == id {
			return &models.PolicyError{Reason: "security class protects passwords"}
		}
	}
	for _, g := range m.groups {
		if g.MembershipClassID == id {
			return &models.PolicyError{Reason: "security class is a group membership class"}
		}
	}
	for k := range m.groupKeyPairs {
		if k.b == id {
			return &models.PolicyError{Reason: "security class has group key pairs"}
		}
	}
	if _, ok := m.classes[id]; !ok {
		return models.NotFound("security class", id)
	}
	delete(m.classes, id)
	return nil
}

func (m *MemoryStore) CreateAuthKeyPair(_ context.Context, k *models.AuthKeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.keyPairs {
		if existing.UserID == k.UserID && existing.PluginID == k.PluginID {
			return fmt.Errorf("user %d plugin %d: %w", k.UserID, k.PluginID, models.ErrAlreadyRegistered)
		}
	}
	if k.UpdatedAt.IsZero() {
		k.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	}
	k.ID = m.id()
	c := *k
	m.keyPairs[k.ID] = &c
	return nil
}

func (m *MemoryStore) GetAuthKeyPair(_ context.Context, userID, pluginID int64) (*models.AuthKeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, k := range m.keyPairs {
		if k.UserID == userID && k.PluginID == pluginID {
			c := *k
			return &c, nil
		}
	}
	return nil, &models.NotFoundError{Kind: "auth key pair", ID: fmt.Sprintf("user=%d plugin=%d", userID, pluginID)}
}

func (m *MemoryStore) GetAuthKeyPairByID(_ context.Context, id int64) (*models.AuthKeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keyPairs[id]
	if !ok {
		return nil, models.NotFound("auth key pair", id)
	}
	c := *k
	return &c, nil
}

func (m *MemoryStore) ListAuthKeyPairs(_ context.Context, userID int64) ([]*models.AuthKeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedValues(m.keyPairs,
		func(k *models.AuthKeyPair) bool { return k.UserID == userID },
		func(a, b *models.AuthKeyPair) bool { return a.PluginID < b.PluginID }), nil
}

func (m *MemoryStore) UpdateAuthKeyPair(_ context.Context, k *models.AuthKeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.keyPairs[k.ID]
	if !ok {
		return models.NotFound("auth key pair", k.ID)
	}
	k.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	c := *k
	c.UserID, c.PluginID = existing.UserID, existing.PluginID
	m.keyPairs[k.ID] = &c
	return nil
}

func (m *MemoryStore) DeleteAuthKeyPair(_ context.Context, userID, pluginID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, k := range m.keyPairs {
		if k.UserID == userID && k.PluginID == pluginID {
			delete(m.keyPairs, id)
			delete(m.recovery, pairKey{userID, pluginID})
			return nil
		}
	}
	return &models.NotFoundError{Kind: "auth key pair", ID: fmt.Sprintf("user=%d plugin=%d", userID, pluginID)}
}

func (m *MemoryStore) DeleteUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sh := range m.shares {
		if sh.UserID == userID {
			delete(m.shares, id)
		}
	}
	for k := range m.userAccess {
		if k.b == userID {
			delete(m.userAccess, k)
		}
	}
	for k := range m.index {
		if k.actor == models.OwnerUser && k.id == userID {
			delete(m.index, k)
		}
	}
	for k := range m.recovery {
		if k.a == userID {
			delete(m.recovery, k)
		}
	}
	for id, k := range m.keyPairs {
		if k.UserID == userID {
			delete(m.keyPairs, id)
		}
	}
	return nil
}

func (m *MemoryStore) CreateGroup(_ context.Context, g *models.CryptoGroup, keyPairs []*models.GroupKeyPair, shares []*models.GroupShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[g.GroupID]; ok {
		return &models.PolicyError{Reason: fmt.Sprintf("group %d already has keys", g.GroupID)}
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	c := *g
	m.groups[g.GroupID] = &c
	m.putGroupKeyPairs(keyPairs)
	m.insertShares(shares)
	return nil
}

func (m *MemoryStore) putGroupKeyPairs(keyPairs []*models.GroupKeyPair) {
	for _, k := range keyPairs {
		c := *k
		m.groupKeyPairs[pairKey{k.GroupID, k.SecurityClassID}] = &c
	}
}

func (m *MemoryStore) insertShares(shares []*models.GroupShare) {
	for _, sh := range shares {
		sh.ID = m.id()
		c := *sh
		m.shares[sh.ID] = &c
	}
}

func (m *MemoryStore) GetGroup(_ context.Context, groupID int64) (*models.CryptoGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[groupID]
	if !ok {
		return nil, models.NotFound("group", groupID)
	}
	c := *g
	return &c, nil
}

func (m *MemoryStore) DeleteGroup(_ context.Context, groupID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[groupID]; !ok {
		return models.NotFound("group", groupID)
	}
	for id, sh := range m.shares {
		if sh.GroupID == groupID {
			delete(m.shares, id)
		}
	}
	for k := range m.groupAccess {
		if k.b == groupID {
			delete(m.groupAccess, k)
		}
	}
	for k := range m.index {
		if k.actor == models.OwnerGroup && k.id == groupID {
			delete(m.index, k)
		}
	}
	for k := range m.groupKeyPairs {
		if k.a == groupID {
			delete(m.groupKeyPairs, k)
		}
	}
	delete(m.groups, groupID)
	return nil
}

func (m *MemoryStore) GetGroupKeyPair(_ context.Context, groupID, classID int64) (*models.GroupKeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.groupKeyPairs[pairKey{groupID, classID}]
	if !ok {
		return nil, &models.NotFoundError{Kind: "group key pair", ID: fmt.Sprintf("group=%d class=%d", groupID, classID)}
	}
	c := *k
	return &c, nil
}

func (m *MemoryStore) ListGroupKeyPairs(_ context.Context, groupID int64) ([]*models.GroupKeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedValues(m.groupKeyPairs,
		func(k *models.GroupKeyPair) bool { return k.GroupID == groupID },
		func(a, b *models.GroupKeyPair) bool { return a.SecurityClassID < b.SecurityClassID }), nil
}

func (m *MemoryStore) PutGroupKeyPair(_ context.Context, k *models.GroupKeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putGroupKeyPairs([]*models.GroupKeyPair{k})
	return nil
}

func (m *MemoryStore) listShares(keep func(*models.GroupShare) bool) []*models.GroupShare {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedValues(m.shares, keep, func(a, b *models.GroupShare) bool { return a.ID < b.ID })
}

func (m *MemoryStore) ListGroupShares(_ context.Context, groupID int64) ([]*models.GroupShare, error) {
	return m.listShares(func(s *models.GroupShare) bool { return s.GroupID == groupID }), nil
}

func (m *MemoryStore) ListMemberShares(_ context.Context, groupID, userID int64) ([]*models.GroupShare, error) {
	return m.listShares(func(s *models.GroupShare) bool { return s.GroupID == groupID && s.UserID == userID }), nil
}

func (m *MemoryStore) ListUserShares(_ context.Context, userID int64) ([]*models.GroupShare, error) {
	return m.listShares(func(s *models.GroupShare) bool { return s.UserID == userID }), nil
}

func (m *MemoryStore) updateGroup(g *models.CryptoGroup) error {
	existing, ok := m.groups[g.GroupID]
	if !ok {
		return models.NotFound("group", g.GroupID)
	}
	c := *existing
	c.Threshold, c.NextShareIndex, c.MAC = g.Threshold, g.NextShareIndex, g.MAC
	m.groups[g.GroupID] = &c
	return nil
}

func (m *MemoryStore) AddGroupShares(_ context.Context, g *models.CryptoGroup, shares []*models.GroupShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.updateGroup(g); err != nil {
		return err
	}
	m.insertShares(shares)
	return nil
}

func (m *MemoryStore) UpdateGroupShare(_ context.Context, sh *models.GroupShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.shares[sh.ID]
	if !ok {
		return models.NotFound("group share", sh.ID)
	}
	c := *existing
	c.AuthKeyPairID, c.KeyRef, c.EncryptedShare, c.MAC = sh.AuthKeyPairID, sh.KeyRef, sh.EncryptedShare, sh.MAC
	m.shares[sh.ID] = &c
	return nil
}

func (m *MemoryStore) DeleteMemberShares(_ context.Context, groupID, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, sh := range m.shares {
		if sh.GroupID == groupID && sh.UserID == userID {
			delete(m.shares, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ReplaceGroupShares(_ context.Context, g *models.CryptoGroup, keyPairs []*models.GroupKeyPair, shares []*models.GroupShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.updateGroup(g); err != nil {
		return err
	}
	m.putGroupKeyPairs(keyPairs)
	for id, sh := range m.shares {
		if sh.GroupID == g.GroupID {
			delete(m.shares, id)
		}
	}
	m.insertShares(shares)
	return nil
}

func clonePassword(p *models.Password) *models.Password {
	c := *p
	c.MACFieldNames = slices.Clone(p.MACFieldNames)
	return &c
}

func (m *MemoryStore) CreatePassword(_ context.Context, p *models.Password, build AccessBuilder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC().Truncate(time.Second)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	id := m.id()

	var access *PasswordAccess
	if build != nil {
		var err error
		if access, err = build(id); err != nil {
			return err
		}
	}

	p.ID = id
	m.passwords[id] = clonePassword(p)
	if access != nil {
		for _, a := range access.Users {
			m.putUserAccess(a)
		}
		for _, a := range access.Groups {
			m.putGroupAccess(a)
		}
	}
	return nil
}

func (m *MemoryStore) GetPassword(_ context.Context, id int64) (*models.Password, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.passwords[id]
	if !ok {
		return nil, models.NotFound("password", id)
	}
	return clonePassword(p), nil
}

func (m *MemoryStore) UpdatePassword(_ context.Context, p *models.Password) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.passwords[p.ID]
	if !ok {
		return models.NotFound("password", p.ID)
	}
	p.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	c := clonePassword(p)
	c.OwnerID, c.OwnerType, c.CreatedAt = existing.OwnerID, existing.OwnerType, existing.CreatedAt
	m.passwords[p.ID] = c

	for _, e := range m.index {
		if e.PasswordID == p.ID {
			e.Title, e.DataType = p.Title, p.DataType
		}
	}
	return nil
}

func (m *MemoryStore) DeletePassword(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.passwords[id]; !ok {
		return models.NotFound("password", id)
	}
	for lid, l := range m.links {
		if l.PasswordID == id {
			delete(m.links, lid)
		}
	}
	for k := range m.index {
		if k.password == id {
			delete(m.index, k)
		}
	}
	for k := range m.userAccess {
		if k.a == id {
			delete(m.userAccess, k)
		}
	}
	for k := range m.groupAccess {
		if k.a == id {
			delete(m.groupAccess, k)
		}
	}
	delete(m.passwords, id)
	return nil
}

func (m *MemoryStore) indexActor(passwordID int64, actor models.OwnerType, actorID int64) {
	p, ok := m.passwords[passwordID]
	if !ok {
		return
	}
	m.index[indexKey{passwordID, actor, actorID}] = &models.IndexEntry{
		PasswordID: passwordID,
		ActorType:  actor,
		ActorID:    actorID,
		Title:      p.Title,
		DataType:   p.DataType,
	}
}

func (m *MemoryStore) GetUserAccess(_ context.Context, passwordID, userID int64) (*models.PasswordUserAccess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.userAccess[pairKey{passwordID, userID}]
	if !ok {
		return nil, &models.NotFoundError{Kind: "user access", ID: fmt.Sprintf("password=%d user=%d", passwordID, userID)}
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) PutUserAccess(_ context.Context, a *models.PasswordUserAccess) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.passwords[a.PasswordID]; !ok {
		return models.NotFound("password", a.PasswordID)
	}
	m.putUserAccess(a)
	return nil
}

func (m *MemoryStore) putUserAccess(a *models.PasswordUserAccess) {
	c := *a
	m.userAccess[pairKey{a.PasswordID, a.UserID}] = &c
	m.indexActor(a.PasswordID, models.OwnerUser, a.UserID)
}

func (m *MemoryStore) DeleteUserAccess(_ context.Context, passwordID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := pairKey{passwordID, userID}
	if _, ok := m.userAccess[k]; !ok {
		return &models.NotFoundError{Kind: "user access", ID: fmt.Sprintf("password=%d user=%d", passwordID, userID)}
	}
	delete(m.userAccess, k)
	delete(m.index, indexKey{passwordID, models.OwnerUser, userID})
	return nil
}

func lessUserAccess(a, b *models.PasswordUserAccess) bool {
	if a.PasswordID != b.PasswordID {
		return a.PasswordID < b.PasswordID
	}
	return a.UserID < b.UserID
}

func (m *MemoryStore) ListUserAccess(_ context.Context, userID int64) ([]*models.PasswordUserAccess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedValues(m.userAccess,
		func(a *models.PasswordUserAccess) bool { return a.UserID == userID }, lessUserAccess), nil
}

func (m *MemoryStore) ListPasswordUserAccess(_ context.Context, passwordID int64) ([]*models.PasswordUserAccess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedValues(m.userAccess,
		func(a *models.PasswordUserAccess) bool { return a.PasswordID == passwordID }, lessUserAccess), nil
}

func (m *MemoryStore) GetGroupAccess(_ context.Context, passwordID, groupID int64) (*models.PasswordGroupAccess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.groupAccess[pairKey{passwordID, groupID}]
	if !ok {
		return nil, &models.NotFoundError{Kind: "group access", ID: fmt.Sprintf("password=%d group=%d", passwordID, groupID)}
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) PutGroupAccess(_ context.Context, a *models.PasswordGroupAccess) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.passwords[a.PasswordID]; !ok {
		return models.NotFound("password", a.PasswordID)
	}
	m.putGroupAccess(a)
	return nil
}

func (m *MemoryStore) putGroupAccess(a *models.PasswordGroupAccess) {
	c := *a
	m.groupAccess[pairKey{a.PasswordID, a.GroupID}] = &c
	m.indexActor(a.PasswordID, models.OwnerGroup, a.GroupID)
}

func (m *MemoryStore) DeleteGroupAccess(_ context.Context, passwordID, groupID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := pairKey{passwordID, groupID}
	if _, ok := m.groupAccess[k]; !ok {
		return &models.NotFoundError{Kind: "group access", ID: fmt.Sprintf("password=%d group=%d", passwordID, groupID)}
	}
	delete(m.groupAccess, k)
	delete(m.index, indexKey{passwordID, models.OwnerGroup, groupID})
	return nil
}

func lessGroupAccess(a, b *models.PasswordGroupAccess) bool {
	if a.PasswordID != b.PasswordID {
		return a.PasswordID < b.PasswordID
	}
	return a.GroupID < b.GroupID
}

func (m *MemoryStore) ListGroupAccess(_ context.Context, groupID int64) ([]*models.PasswordGroupAccess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedValues(m.groupAccess,
		func(a *models.PasswordGroupAccess) bool { return a.GroupID == groupID }, lessGroupAccess), nil
}

func (m *MemoryStore) ListPasswordGroupAccess(_ context.Context, passwordID int64) ([]*models.PasswordGroupAccess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedValues(m.groupAccess,
		func(a *models.PasswordGroupAccess) bool { return a.PasswordID == passwordID }, lessGroupAccess), nil
}

func (m *MemoryStore) ListIndex(_ context.Context, actorType models.OwnerType, actorID int64) ([]*models.IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedValues(m.index,
		func(e *models.IndexEntry) bool { return e.ActorType == actorType && e.ActorID == actorID },
		func(a, b *models.IndexEntry) bool { return a.PasswordID < b.PasswordID }), nil
}

func (m *MemoryStore) RebuildIndex(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.index = make(map[indexKey]*models.IndexEntry)
	for k := range m.userAccess {
		m.indexActor(k.a, models.OwnerUser, k.b)
	}
	for k := range m.groupAccess {
		m.indexActor(k.a, models.OwnerGroup, k.b)
	}
	return len(m.index), nil
}

func (m *MemoryStore) ReplaceRecoveryEntry(_ context.Context, e *models.RecoveryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	c := *e
	m.recovery[pairKey{e.UserID, e.PluginID}] = &c
	return nil
}

func (m *MemoryStore) GetRecoveryEntry(_ context.Context, userID, pluginID int64) (*models.RecoveryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.recovery[pairKey{userID, pluginID}]
	if !ok {
		return nil, &models.NotFoundError{Kind: "recovery entry", ID: fmt.Sprintf("user=%d plugin=%d", userID, pluginID)}
	}
	c := *e
	return &c, nil
}

func (m *MemoryStore) DeleteRecoveryEntry(_ context.Context, userID, pluginID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := pairKey{userID, pluginID}
	if _, ok := m.recovery[k]; !ok {
		return &models.NotFoundError{Kind: "recovery entry", ID: fmt.Sprintf("user=%d plugin=%d", userID, pluginID)}
	}
	delete(m.recovery, k)
	return nil
}

func (m *MemoryStore) CreateLink(_ context.Context, l *models.PasswordLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.links[l.ID]; ok {
		return fmt.Errorf("link %s already exists", l.ID)
	}
	if _, ok := m.passwords[l.PasswordID]; !ok {
		return models.NotFound("password", l.PasswordID)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	c := *l
	m.links[l.ID] = &c
	return nil
}

func (m *MemoryStore) GetLink(_ context.Context, id string) (*models.PasswordLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.links[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "link", ID: id}
	}
	c := *l
	return &c, nil
}

func (m *MemoryStore) ListLinks(_ context.Context, passwordID int64) ([]*models.PasswordLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedValues(m.links,
		func(l *models.PasswordLink) bool { return l.PasswordID == passwordID },
		func(a, b *models.PasswordLink) bool {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID < b.ID
		}), nil
}

func (m *MemoryStore) ConsumeLinkCall(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.links[id]
	if !ok {
		return &models.NotFoundError{Kind: "link", ID: id}
	}
	if !l.Usable(now) {
		return ErrLinkExhausted
	}
	l.Calls++
	return nil
}

func (m *MemoryStore) DeleteLink(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.links[id]; !ok {
		return &models.NotFoundError{Kind: "link", ID: id}
	}
	delete(m.links, id)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
