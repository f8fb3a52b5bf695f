package profile

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabterm/internal/keys"
	"tabterm/internal/store"
)

// memStore is an in-memory Store; Atomic restores a snapshot on error
type memStore struct {
	tables map[store.Table]map[int]store.Record
	next   map[store.Table]int
	clock  time.Time
}

func newMemStore() *memStore {
	m := &memStore{
		tables: map[store.Table]map[int]store.Record{},
		next:   map[store.Table]int{},
		clock:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, t := range store.AllTables {
		m.tables[t] = map[int]store.Record{}
	}
	return m
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) Get(t store.Table, id int) (store.Record, error) {
	r, ok := m.tables[t][id]
	if !ok {
		return store.Record{}, fmt.Errorf("%s/%d: %w", t, id, store.ErrNotFound)
	}
	return r, nil
}

func (m *memStore) Insert(t store.Table, blob []byte) (int, error) {
	for id := range m.tables[t] {
		if id > m.next[t] {
			m.next[t] = id
		}
	}
	m.next[t]++
	id := m.next[t]
	m.tables[t][id] = store.Record{ID: id, Blob: append([]byte(nil), blob...), UpdatedAt: m.tick()}
	return id, nil
}

func (m *memStore) Put(t store.Table, id int, blob []byte) error {
	m.tables[t][id] = store.Record{ID: id, Blob: append([]byte(nil), blob...), UpdatedAt: m.tick()}
	return nil
}

func (m *memStore) Delete(t store.Table, id int) error {
	delete(m.tables[t], id)
	return nil
}

func (m *memStore) List(t store.Table) ([]store.Record, error) {
	var out []store.Record
	for id := 1; id <= m.maxID(t); id++ {
		if r, ok := m.tables[t][id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) maxID(t store.Table) int {
	max := 0
	for id := range m.tables[t] {
		if id > max {
			max = id
		}
	}
	return max
}

func (m *memStore) Atomic(fn func(store.Tables) error) error {
	snap := map[store.Table]map[int]store.Record{}
	for t, rows := range m.tables {
		snap[t] = map[int]store.Record{}
		for id, r := range rows {
			snap[t][id] = r
		}
	}
	if err := fn(m); err != nil {
		m.tables = snap
		return err
	}
	return nil
}

func (m *memStore) count(t store.Table) int { return len(m.tables[t]) }

func newTestProfiles(t *testing.T) (*Profiles, *memStore) {
	t.Helper()
	db := newMemStore()
	p := New(db)
	require.NoError(t, p.Bootstrap())
	return p, db
}

func TestBootstrap(t *testing.T) {
	p, db := newTestProfiles(t)

	app, err := p.AppSettings()
	require.NoError(t, err)
	assert.Equal(t, AppSettingsVersion, app.Version)
	assert.False(t, app.KeepDisplayOn)
	assert.Equal(t, "xterm-color", app.DefaultHostSettings.TerminalType)

	local, err := p.Load(LocalShellID)
	require.NoError(t, err)
	assert.Equal(t, LocalShell, local.Protocol)
	assert.Equal(t, "Local Shell", local.DisplayName)
	assert.NotEqual(t, AppSettingsID, local.Settings.ID)

	// second bootstrap changes nothing
	require.NoError(t, p.Bootstrap())
	assert.Equal(t, 1, db.count(store.Hosts))
	assert.Equal(t, 2, db.count(store.Settings))

	listing, err := p.List()
	require.NoError(t, err)
	assert.Empty(t, listing.Hosts)
}

func TestHostportAndDefaultPort(t *testing.T) {
	h := NewHost()
	h.Hostname = "example.com"
	assert.Equal(t, 22, h.DefaultPort())
	assert.Equal(t, "example.com", h.Hostport())

	h.SetPort(2222)
	assert.Equal(t, "example.com:2222", h.Hostport())

	require.NoError(t, h.SetProtocol("Telnet"))
	h.SetPort(0)
	assert.Equal(t, 23, h.Port)
	assert.Equal(t, "example.com:23", h.Hostport())

	require.NoError(t, h.SetProtocol("VNC"))
	h.SetPort(0)
	assert.Equal(t, "example.com:5900", h.Hostport())
	assert.Equal(t, "example.com:5900", h.Target())

	v6 := NewHost()
	v6.Hostname = "::1"
	v6.SetPort(2200)
	assert.Equal(t, "[::1]:2200", v6.Hostport())
	var back Host
	back.Protocol = SSH
	back.setHostport(v6.Hostport())
	assert.Equal(t, "::1", back.Hostname)
	assert.Equal(t, 2200, back.Port)
}

func TestPort22IsNotStoredForOtherProtocols(t *testing.T) {
	p, _ := newTestProfiles(t)

	for _, proto := range []string{"Telnet", "VNC"} {
		h := NewHost()
		h.Hostname = "router"
		require.NoError(t, h.SetProtocol(proto))
		h.SetPort(22)
		assert.Equal(t, "router", h.Hostport(), proto)

		id, err := p.SaveNew(h)
		require.NoError(t, err)
		got, err := p.Load(id)
		require.NoError(t, err)
		assert.Equal(t, h.DefaultPort(), got.EffectivePort(), proto)
		assert.NotEqual(t, 22, got.EffectivePort(), proto)
	}
}

func TestSetProtocolClearsFields(t *testing.T) {
	h := NewHost()
	h.Username = "root"
	h.Credential = Credential{Type: Password, Secret: []byte("pw")}

	require.NoError(t, h.SetProtocol("Telnet"))
	assert.Empty(t, h.Username)
	assert.Equal(t, Ask, h.Credential.Type)

	h.Username = "root"
	h.Credential = Credential{Type: Password, Secret: []byte("pw")}
	require.NoError(t, h.SetProtocol("VNC"))
	assert.Empty(t, h.Username)
	assert.Equal(t, Password, h.Credential.Type)

	assert.Error(t, h.SetProtocol("gopher"))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	p, _ := newTestProfiles(t)

	h := NewHost()
	h.Hostname = "example.com"
	h.SetPort(2222)
	h.Username = "alice"
	h.Folder = "lab"
	h.Credential = Credential{Type: Password, Secret: []byte("hunter2")}
	h.Settings.StartupCommand = "uptime"
	h.Settings.CloseOnDisconnect = true
	h.Settings.ColorScheme = SchemeSolarizedDark
	h.Settings.LocalForward = []PortForward{{Port: 8080, TargetHost: "localhost", TargetPort: 80}}

	id, err := p.SaveNew(h)
	require.NoError(t, err)
	assert.Equal(t, id, h.ID)
	assert.NotZero(t, h.Credential.ID)
	assert.Equal(t, "alice@example.com:2222", h.DisplayName)

	got, err := p.Load(id)
	require.NoError(t, err)
	assert.Equal(t, SSH, got.Protocol)
	assert.Equal(t, "example.com", got.Hostname)
	assert.Equal(t, 2222, got.Port)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "lab", got.Folder)
	assert.Equal(t, h.DisplayName, got.DisplayName)
	assert.Equal(t, Password, got.Credential.Type)
	assert.Equal(t, "hunter2", string(got.Credential.Secret))
	assert.Equal(t, h.Credential.ID, got.Credential.ID)
	assert.Equal(t, h.Settings.ID, got.Settings.ID)
	assert.Equal(t, "uptime", got.Settings.StartupCommand)
	assert.True(t, got.Settings.CloseOnDisconnect)
	assert.Equal(t, SchemeSolarizedDark, got.Settings.ColorScheme)
	assert.Equal(t, h.Settings.LocalForward, got.Settings.LocalForward)
	assert.Empty(t, got.Fingerprint)
	assert.Equal(t, CredentialRef{Kind: RefTable, ID: h.Credential.ID}, got.CredentialRef())
}

func TestSaveNewAskHasNoCredentialRow(t *testing.T) {
	p, db := newTestProfiles(t)

	h := NewHost()
	h.Hostname = "ask.example.com"
	_, err := p.SaveNew(h)
	require.NoError(t, err)

	assert.Equal(t, 0, db.count(store.Credentials))
	assert.Equal(t, CredentialRef{Kind: RefNone}, h.CredentialRef())
	assert.Equal(t, "ask.example.com", h.DisplayName)
}

func TestSaveNewUnknownKeyDegradesToAsk(t *testing.T) {
	p, _ := newTestProfiles(t)

	h := NewHost()
	h.Hostname = "k.example.com"
	h.Credential = Credential{Type: PrivateKey}
	_, err := p.SaveNew(h)
	require.NoError(t, err)
	assert.Equal(t, Ask, h.Credential.Type)

	got, err := p.Load(h.ID)
	require.NoError(t, err)
	assert.Equal(t, Ask, got.Credential.Type)
}

func TestUpdatePasswordToKeyErasesPassword(t *testing.T) {
	p, db := newTestProfiles(t)

	key, err := p.GenerateKey("deploy", keys.Ed25519, 0)
	require.NoError(t, err)

	h := NewHost()
	h.Hostname = "example.com"
	h.Credential = Credential{Type: Password, Secret: []byte("pw")}
	_, err = p.SaveNew(h)
	require.NoError(t, err)
	passwordID := h.Credential.ID
	settingsID := h.Settings.ID

	h.Credential = Credential{ID: key.ID, Type: PrivateKey}
	require.NoError(t, p.Update(h))

	_, err = p.Credential(passwordID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, db.count(store.Credentials))

	got, err := p.Load(h.ID)
	require.NoError(t, err)
	assert.Equal(t, PrivateKey, got.Credential.Type)
	assert.Equal(t, key.ID, got.Credential.ID)
	assert.Equal(t, settingsID, got.Settings.ID)
}

func TestUpdateKeyToAskKeepsKeyRow(t *testing.T) {
	p, _ := newTestProfiles(t)

	key, err := p.GenerateKey("deploy", keys.Ed25519, 0)
	require.NoError(t, err)

	h := NewHost()
	h.Hostname = "example.com"
	h.Credential = Credential{ID: key.ID, Type: PrivateKey}
	_, err = p.SaveNew(h)
	require.NoError(t, err)

	h.Credential = Credential{}
	require.NoError(t, p.Update(h))

	stored, err := p.Credential(key.ID)
	require.NoError(t, err)
	assert.Equal(t, PrivateKey, stored.Type)

	got, err := p.Load(h.ID)
	require.NoError(t, err)
	assert.Equal(t, Ask, got.Credential.Type)
	assert.Equal(t, CredentialRef{Kind: RefNone}, got.CredentialRef())
}

func TestUpdatePasswordCases(t *testing.T) {
	p, db := newTestProfiles(t)

	h := NewHost()
	h.Hostname = "example.com"
	_, err := p.SaveNew(h)
	require.NoError(t, err)

	// Ask -> Password inserts
	h.Credential = Credential{Type: Password, Secret: []byte("one")}
	require.NoError(t, p.Update(h))
	first := h.Credential.ID
	require.NotZero(t, first)
	assert.Equal(t, 1, db.count(store.Credentials))

	// Password -> Password overwrites the same row
	h.Credential = Credential{Type: Password, Secret: []byte("two")}
	require.NoError(t, p.Update(h))
	assert.Equal(t, first, h.Credential.ID)
	assert.Equal(t, 1, db.count(store.Credentials))
	c, err := p.Credential(first)
	require.NoError(t, err)
	assert.Equal(t, "two", string(c.Secret))

	// Password -> Ask erases
	h.Credential = Credential{}
	require.NoError(t, p.Update(h))
	assert.Equal(t, 0, db.count(store.Credentials))
}

func TestUpdateKeepsSettingsID(t *testing.T) {
	p, db := newTestProfiles(t)

	h := NewHost()
	h.Hostname = "example.com"
	_, err := p.SaveNew(h)
	require.NoError(t, err)
	settingsID := h.Settings.ID
	before := db.count(store.Settings)

	h.Settings.StartupCommand = "ls"
	h.Settings.ID = 0
	require.NoError(t, p.Update(h))

	assert.Equal(t, settingsID, h.Settings.ID)
	assert.Equal(t, before, db.count(store.Settings))
	got, err := p.Load(h.ID)
	require.NoError(t, err)
	assert.Equal(t, "ls", got.Settings.StartupCommand)
}

func TestDeleteHostCascades(t *testing.T) {
	p, db := newTestProfiles(t)

	pw := NewHost()
	pw.Hostname = "pw.example.com"
	pw.Credential = Credential{Type: Password, Secret: []byte("pw")}
	_, err := p.SaveNew(pw)
	require.NoError(t, err)

	require.NoError(t, p.DeleteHost(pw.ID))
	_, err = p.Credential(pw.Credential.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = db.Get(store.Settings, pw.Settings.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = p.Load(pw.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteHostLeavesSharedKey(t *testing.T) {
	p, _ := newTestProfiles(t)

	key, err := p.GenerateKey("shared", keys.Ed25519, 0)
	require.NoError(t, err)

	a := NewHost()
	a.Hostname = "a.example.com"
	a.Credential = Credential{ID: key.ID, Type: PrivateKey}
	_, err = p.SaveNew(a)
	require.NoError(t, err)

	b := NewHost()
	b.Hostname = "b.example.com"
	b.Credential = Credential{ID: key.ID, Type: PrivateKey}
	_, err = p.SaveNew(b)
	require.NoError(t, err)

	require.NoError(t, p.DeleteHost(a.ID))

	got, err := p.Load(b.ID)
	require.NoError(t, err)
	assert.Equal(t, PrivateKey, got.Credential.Type)
	assert.Equal(t, key.Secret, got.Credential.Secret)
}

func TestDeleteBuiltinHostRefused(t *testing.T) {
	p, _ := newTestProfiles(t)
	assert.ErrorIs(t, p.DeleteHost(LocalShellID), ErrBuiltinHost)
}

func TestDeleteKeyDetachesHosts(t *testing.T) {
	p, _ := newTestProfiles(t)

	key, err := p.GenerateKey("old", keys.Ed25519, 0)
	require.NoError(t, err)
	h := NewHost()
	h.Hostname = "example.com"
	h.Credential = Credential{ID: key.ID, Type: PrivateKey}
	_, err = p.SaveNew(h)
	require.NoError(t, err)

	require.NoError(t, p.DeleteKey(key.ID))

	got, err := p.Load(h.ID)
	require.NoError(t, err)
	assert.Equal(t, Ask, got.Credential.Type)

	keyList, err := p.Keys()
	require.NoError(t, err)
	assert.Empty(t, keyList)
}

func TestDeleteKeyRejectsPassword(t *testing.T) {
	p, _ := newTestProfiles(t)

	h := NewHost()
	h.Hostname = "example.com"
	h.Credential = Credential{Type: Password, Secret: []byte("pw")}
	_, err := p.SaveNew(h)
	require.NoError(t, err)

	assert.ErrorIs(t, p.DeleteKey(h.Credential.ID), ErrNotKey)
}

func TestGenerateKeyDistinctIDs(t *testing.T) {
	p, _ := newTestProfiles(t)

	a, err := p.GenerateKey("a", keys.ECDSA, 256)
	require.NoError(t, err)
	b, err := p.GenerateKey("b", keys.ECDSA, 256)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	pubA, err := keys.PublicKey(a.Secret)
	require.NoError(t, err)
	pubB, err := keys.PublicKey(b.Secret)
	require.NoError(t, err)
	assert.NotEqual(t, pubA, pubB)
	assert.Equal(t, "ECDSA 256", a.KeyType)

	keyList, err := p.Keys()
	require.NoError(t, err)
	assert.Len(t, keyList, 2)
}

func TestImportPEM(t *testing.T) {
	p, _ := newTestProfiles(t)

	pair, err := keys.Generate(keys.Ed25519, 0, "", "")
	require.NoError(t, err)

	c, err := p.ImportPEM(pair.PrivateKeyPEM)
	require.NoError(t, err)
	assert.Equal(t, "OPENSSH PRIVATE KEY", c.Name)
	assert.Equal(t, PrivateKey, c.Type)

	_, err = p.ImportPEM([]byte("ssh-ed25519 AAAA not a private key"))
	assert.ErrorIs(t, err, keys.ErrNotPEM)
}

func TestListSkipsCorruptHost(t *testing.T) {
	p, db := newTestProfiles(t)

	good := NewHost()
	good.Hostname = "good.example.com"
	_, err := p.SaveNew(good)
	require.NoError(t, err)

	dangling := NewHost()
	dangling.Hostname = "dangling.example.com"
	_, err = p.SaveNew(dangling)
	require.NoError(t, err)
	require.NoError(t, db.Delete(store.Settings, dangling.Settings.ID))

	garbageID, err := db.Insert(store.Hosts, []byte("{not json"))
	require.NoError(t, err)

	listing, err := p.List()
	require.NoError(t, err)
	require.Len(t, listing.Hosts, 1)
	assert.Equal(t, "good.example.com", listing.Hosts[0].Hostname)
	require.Len(t, listing.Skipped, 2)

	ids := []int{listing.Skipped[0].HostID, listing.Skipped[1].HostID}
	assert.ElementsMatch(t, []int{dangling.ID, garbageID}, ids)
	assert.True(t, errors.Is(listing.Skipped[0], ErrParse))

	_, err = p.Load(dangling.ID)
	assert.ErrorIs(t, err, ErrParse)
}

func TestListNewestFirstAndFolders(t *testing.T) {
	p, _ := newTestProfiles(t)

	mk := func(name, folder string) *Host {
		h := NewHost()
		h.Hostname = name
		h.Folder = folder
		_, err := p.SaveNew(h)
		require.NoError(t, err)
		return h
	}
	a := mk("a", "prod")
	mk("b", "")
	mk("c", "prod")

	// touching a makes it newest
	require.NoError(t, p.RecordFingerprint(a.ID, "ssh-ed25519", "SHA256:abc"))

	listing, err := p.List()
	require.NoError(t, err)
	require.Len(t, listing.Hosts, 3)
	assert.Equal(t, "a", listing.Hosts[0].Hostname)
	assert.Equal(t, "c", listing.Hosts[1].Hostname)
	assert.Equal(t, "SHA256:abc", listing.Hosts[0].Fingerprint)

	folders := listing.Folders()
	require.Len(t, folders, 2)
	assert.Equal(t, "", folders[0].Name)
	assert.Equal(t, "prod", folders[1].Name)
	assert.Len(t, folders[1].Hosts, 2)
}

func TestAtomicFailureLeavesNoPartialHost(t *testing.T) {
	db := newMemStore()
	p := New(&failingHostInsert{memStore: db})

	h := NewHost()
	h.Hostname = "example.com"
	h.Credential = Credential{Type: Password, Secret: []byte("pw")}
	_, err := p.SaveNew(h)
	require.Error(t, err)

	assert.Equal(t, 0, db.count(store.Settings))
	assert.Equal(t, 0, db.count(store.Credentials))
}

type failingHostInsert struct{ *memStore }

func (f *failingHostInsert) Insert(t store.Table, blob []byte) (int, error) {
	if t == store.Hosts {
		return 0, errors.New("disk full")
	}
	return f.memStore.Insert(t, blob)
}

func (f *failingHostInsert) Atomic(fn func(store.Tables) error) error {
	return f.memStore.Atomic(func(store.Tables) error { return fn(f) })
}

func TestWithSqliteStore(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "profiles.db"), "")
	require.NoError(t, err)
	defer s.Close()

	p := New(s)
	require.NoError(t, p.Bootstrap())

	h := NewHost()
	h.Hostname = "db.example.com"
	h.Credential = Credential{Type: Password, Secret: []byte("pw")}
	_, err = p.SaveNew(h)
	require.NoError(t, err)
	assert.Equal(t, 2, h.ID)

	got, err := p.Load(h.ID)
	require.NoError(t, err)
	assert.Equal(t, "pw", string(got.Credential.Secret))
}
