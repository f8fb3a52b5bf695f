// profiles.go - Save, update, load and delete of host profiles
// All cross-table reference rules are enforced here; the store only
// knows id -> blob tables
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"tabterm/internal/keys"
	"tabterm/internal/store"
)

const (
	// AppSettingsID is the reserved settings row for AppSettings
	AppSettingsID = 1
	// LocalShellID is the reserved built-in host, never listed
	LocalShellID = 1
)

var (
	// ErrBuiltinHost is returned when deleting the built-in local shell host
	ErrBuiltinHost = errors.New("built-in host cannot be deleted")
	// ErrNotKey is returned when a key operation targets a non-key credential
	ErrNotKey = errors.New("credential is not a private key")
)

// Store is the table capability profiles are persisted through
type Store interface {
	store.Tables
	Atomic(fn func(store.Tables) error) error
}

// Profiles is the profile model layer over a Store
type Profiles struct {
	db  Store
	now func() time.Time
}

// New returns a Profiles bound to db
func New(db Store) *Profiles {
	return &Profiles{db: db, now: time.Now}
}

// Bootstrap writes AppSettings and the built-in local shell host into an
// empty store. It is a no-op once both exist.
func (p *Profiles) Bootstrap() error {
	return p.db.Atomic(func(tx store.Tables) error {
		if _, err := tx.Get(store.Settings, AppSettingsID); errors.Is(err, store.ErrNotFound) {
			app := DefaultAppSettings()
			blob, err := json.Marshal(&app)
			if err != nil {
				return err
			}
			if err := tx.Put(store.Settings, AppSettingsID, blob); err != nil {
				return err
			}
			log.Printf("Profiles: wrote default app settings")
		} else if err != nil {
			return err
		}

		if _, err := tx.Get(store.Hosts, LocalShellID); errors.Is(err, store.ErrNotFound) {
			if _, err := saveNew(tx, LocalShellHost(), LocalShellID); err != nil {
				return fmt.Errorf("create local shell host: %w", err)
			}
			log.Printf("Profiles: created built-in local shell host")
		} else if err != nil {
			return err
		}
		return nil
	})
}

// Load reads a host and resolves its settings and credential.
// A dangling reference yields a *ParseError.
func (p *Profiles) Load(id int) (*Host, error) {
	rec, err := p.db.Get(store.Hosts, id)
	if err != nil {
		return nil, err
	}
	return loadHost(p.db, rec)
}

func loadHost(t store.Tables, rec store.Record) (*Host, error) {
	r, err := decodeHost(rec.Blob)
	if err != nil {
		return nil, &ParseError{HostID: rec.ID, Err: err}
	}

	h := &Host{
		ID:              rec.ID,
		Protocol:        r.Protocol,
		Username:        r.Username,
		DisplayName:     r.DisplayName,
		Folder:          r.Folder,
		Fingerprint:     r.Fingerprint,
		FingerprintType: r.FingerprintType,
		UpdatedAt:       rec.UpdatedAt,
	}
	h.setHostport(r.Hostport)

	srec, err := t.Get(store.Settings, r.SettingsID)
	if err != nil {
		return nil, &ParseError{HostID: rec.ID, Err: fmt.Errorf("settings: %w", err)}
	}
	if h.Settings, err = decodeSettings(srec.ID, srec.Blob); err != nil {
		return nil, &ParseError{HostID: rec.ID, Err: err}
	}

	if ref := r.ref(); ref.Kind == RefTable {
		crec, err := t.Get(store.Credentials, ref.ID)
		if err != nil {
			return nil, &ParseError{HostID: rec.ID, Err: fmt.Errorf("credential: %w", err)}
		}
		c, err := decodeCredential(crec.ID, crec.Blob)
		if err != nil {
			return nil, &ParseError{HostID: rec.ID, Err: err}
		}
		h.Credential = *c
	}
	return h, nil
}

// Listing is the result of List: loadable hosts newest first, plus the
// hosts that were skipped
type Listing struct {
	Hosts   []*Host
	Skipped []*ParseError
}

// Folder is one group of a folder view
type Folder struct {
	Name  string
	Hosts []*Host
}

// Folders groups the listing by folder label, root ("") first, then by name
func (l *Listing) Folders() []Folder {
	index := map[string]int{}
	var folders []Folder
	for _, h := range l.Hosts {
		i, ok := index[h.Folder]
		if !ok {
			i = len(folders)
			index[h.Folder] = i
			folders = append(folders, Folder{Name: h.Folder})
		}
		folders[i].Hosts = append(folders[i].Hosts, h)
	}
	sort.SliceStable(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders
}

// List loads every saved host except the built-in one
func (p *Profiles) List() (*Listing, error) {
	recs, err := p.db.List(store.Hosts)
	if err != nil {
		return nil, err
	}

	out := &Listing{}
	for _, rec := range recs {
		if rec.ID == LocalShellID {
			continue
		}
		h, err := loadHost(p.db, rec)
		if err != nil {
			var perr *ParseError
			if !errors.As(err, &perr) {
				return nil, err
			}
			log.Printf("Profiles: skipping host %d: %v", rec.ID, perr.Err)
			out.Skipped = append(out.Skipped, perr)
			continue
		}
		out.Hosts = append(out.Hosts, h)
	}

	sort.SliceStable(out.Hosts, func(i, j int) bool {
		a, b := out.Hosts[i], out.Hosts[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	})
	return out, nil
}

// Folders is List grouped by folder
func (p *Profiles) Folders() ([]Folder, []*ParseError, error) {
	l, err := p.List()
	if err != nil {
		return nil, nil, err
	}
	return l.Folders(), l.Skipped, nil
}

// SaveNew persists a transient host: settings first, then the credential
// as its type requires, then the host. h is updated with the new ids.
func (p *Profiles) SaveNew(h *Host) (int, error) {
	if h.ID != 0 {
		return 0, fmt.Errorf("host %d is already saved", h.ID)
	}
	var id int
	err := p.db.Atomic(func(tx store.Tables) error {
		var err error
		id, err = saveNew(tx, h, 0)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("save host: %w", err)
	}
	log.Printf("Profiles: saved host %d (%s, credential %s)", id, h.Protocol, h.Credential.Type)
	return id, nil
}

// saveNew inserts h; a non-zero hostID writes the host at that id
func saveNew(tx store.Tables, h *Host, hostID int) (int, error) {
	if h.DisplayName == "" {
		h.DisplayName = h.defaultDisplayName()
	}

	sblob, err := encodeSettings(&h.Settings)
	if err != nil {
		return 0, err
	}
	settingsID, err := tx.Insert(store.Settings, sblob)
	if err != nil {
		return 0, err
	}

	cred := h.Credential
	switch cred.Type {
	case Password:
		cred.ID = 0
		cred.Name, cred.KeyType = "", ""
		blob, err := encodeCredential(&cred)
		if err != nil {
			return 0, err
		}
		if cred.ID, err = tx.Insert(store.Credentials, blob); err != nil {
			return 0, err
		}
	case PrivateKey:
		cred = resolveKey(tx, cred)
	default:
		cred = Credential{}
	}

	h.Credential = cred
	blob, err := encodeHost(h, h.CredentialRef(), settingsID)
	if err != nil {
		return 0, err
	}
	if hostID == 0 {
		if hostID, err = tx.Insert(store.Hosts, blob); err != nil {
			return 0, err
		}
	} else if err := tx.Put(store.Hosts, hostID, blob); err != nil {
		return 0, err
	}

	h.ID = hostID
	h.Settings.ID = settingsID
	return hostID, nil
}

// resolveKey returns the stored key the credential points at. A PrivateKey
// selection with no resolvable key row degrades to Ask.
func resolveKey(t store.Tables, cred Credential) Credential {
	if cred.ID != 0 {
		if rec, err := t.Get(store.Credentials, cred.ID); err == nil {
			if c, err := decodeCredential(rec.ID, rec.Blob); err == nil && c.Type == PrivateKey {
				return *c
			}
		}
	}
	log.Printf("Profiles: key %d not found, credential falls back to Ask", cred.ID)
	return Credential{}
}

// Update rewrites a saved host in place. Settings keep their id. A
// previous Password row is overwritten or erased; key rows are never erased.
func (p *Profiles) Update(h *Host) error {
	if h.ID == 0 {
		return errors.New("update of unsaved host")
	}
	err := p.db.Atomic(func(tx store.Tables) error {
		rec, err := tx.Get(store.Hosts, h.ID)
		if err != nil {
			return err
		}
		prev, err := decodeHost(rec.Blob)
		if err != nil {
			return &ParseError{HostID: h.ID, Err: err}
		}

		prevRef := prev.ref()
		prevType := Ask
		if prevRef.Kind == RefTable {
			if crec, err := tx.Get(store.Credentials, prevRef.ID); err == nil {
				if c, err := decodeCredential(crec.ID, crec.Blob); err == nil {
					prevType = c.Type
				}
			}
		}

		cred := h.Credential
		switch {
		case prevType == Password && cred.Type == Password:
			cred = Credential{ID: prevRef.ID, Type: Password, Secret: cred.Secret}
			blob, err := encodeCredential(&cred)
			if err != nil {
				return err
			}
			if err := tx.Put(store.Credentials, cred.ID, blob); err != nil {
				return err
			}
		case cred.Type == Password:
			cred = Credential{Type: Password, Secret: cred.Secret}
			blob, err := encodeCredential(&cred)
			if err != nil {
				return err
			}
			if cred.ID, err = tx.Insert(store.Credentials, blob); err != nil {
				return err
			}
		default:
			if prevType == Password {
				if err := tx.Delete(store.Credentials, prevRef.ID); err != nil {
					return err
				}
			}
			if cred.Type == PrivateKey {
				cred = resolveKey(tx, cred)
			} else {
				cred = Credential{}
			}
		}
		h.Credential = cred

		if h.DisplayName == "" {
			h.DisplayName = h.defaultDisplayName()
		}
		h.Settings.ID = prev.SettingsID
		sblob, err := encodeSettings(&h.Settings)
		if err != nil {
			return err
		}
		if err := tx.Put(store.Settings, prev.SettingsID, sblob); err != nil {
			return err
		}

		blob, err := encodeHost(h, h.CredentialRef(), prev.SettingsID)
		if err != nil {
			return err
		}
		return tx.Put(store.Hosts, h.ID, blob)
	})
	if err != nil {
		return fmt.Errorf("update host %d: %w", h.ID, err)
	}
	log.Printf("Profiles: updated host %d (credential %s)", h.ID, h.Credential.Type)
	return nil
}

// DeleteHost erases a host with its settings and, for a Password
// credential, its credential row. Key rows are left alone.
func (p *Profiles) DeleteHost(id int) error {
	if id == LocalShellID {
		return ErrBuiltinHost
	}
	err := p.db.Atomic(func(tx store.Tables) error {
		rec, err := tx.Get(store.Hosts, id)
		if err != nil {
			return err
		}
		if r, err := decodeHost(rec.Blob); err == nil {
			if ref := r.ref(); ref.Kind == RefTable {
				if crec, err := tx.Get(store.Credentials, ref.ID); err == nil {
					if c, err := decodeCredential(crec.ID, crec.Blob); err == nil && c.Type == Password {
						if err := tx.Delete(store.Credentials, ref.ID); err != nil {
							return err
						}
					}
				}
			}
			if err := tx.Delete(store.Settings, r.SettingsID); err != nil {
				return err
			}
		}
		return tx.Delete(store.Hosts, id)
	})
	if err != nil {
		return fmt.Errorf("delete host %d: %w", id, err)
	}
	log.Printf("Profiles: deleted host %d", id)
	return nil
}

// DeleteKey erases a key credential. Hosts still pointing at it are
// detached to Ask in the same transaction.
func (p *Profiles) DeleteKey(credID int) error {
	err := p.db.Atomic(func(tx store.Tables) error {
		crec, err := tx.Get(store.Credentials, credID)
		if err != nil {
			return err
		}
		c, err := decodeCredential(crec.ID, crec.Blob)
		if err != nil {
			return err
		}
		if c.Type != PrivateKey {
			return ErrNotKey
		}

		hosts, err := tx.List(store.Hosts)
		if err != nil {
			return err
		}
		for _, rec := range hosts {
			r, err := decodeHost(rec.Blob)
			if err != nil || r.ref() != (CredentialRef{Kind: RefTable, ID: credID}) {
				continue
			}
			r.Credential = credRefRecord{DB: refDBNull}
			blob, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := tx.Put(store.Hosts, rec.ID, blob); err != nil {
				return err
			}
			log.Printf("Profiles: host %d detached from deleted key %d", rec.ID, credID)
		}
		return tx.Delete(store.Credentials, credID)
	})
	if err != nil {
		return fmt.Errorf("delete key %d: %w", credID, err)
	}
	log.Printf("Profiles: deleted key %d", credID)
	return nil
}

// Credential reads one credential row
func (p *Profiles) Credential(id int) (*Credential, error) {
	rec, err := p.db.Get(store.Credentials, id)
	if err != nil {
		return nil, err
	}
	return decodeCredential(rec.ID, rec.Blob)
}

// Keys lists stored private keys by id
func (p *Profiles) Keys() ([]*Credential, error) {
	recs, err := p.db.List(store.Credentials)
	if err != nil {
		return nil, err
	}
	var out []*Credential
	for _, rec := range recs {
		c, err := decodeCredential(rec.ID, rec.Blob)
		if err != nil {
			log.Printf("Profiles: skipping credential %d: %v", rec.ID, err)
			continue
		}
		if c.Type == PrivateKey {
			out = append(out, c)
		}
	}
	return out, nil
}

// GenerateKey creates a key pair and stores it as a new PrivateKey credential
func (p *Profiles) GenerateKey(name string, algo keys.Algorithm, bits int) (*Credential, error) {
	pair, err := keys.Generate(algo, bits, "", name)
	if err != nil {
		return nil, err
	}
	c := &Credential{
		Type:    PrivateKey,
		Secret:  pair.PrivateKeyPEM,
		Name:    name,
		KeyType: fmt.Sprintf("%s %d", pair.Algorithm, pair.Bits),
		Created: p.now(),
	}
	if err := p.insertCredential(c); err != nil {
		return nil, err
	}
	log.Printf("Profiles: generated %s key %d", c.KeyType, c.ID)
	return c, nil
}

// ImportPEM stores a pasted PEM private key, named by its PEM block type
func (p *Profiles) ImportPEM(data []byte) (*Credential, error) {
	typ, err := keys.ParsePEMType(data)
	if err != nil {
		return nil, err
	}
	c := &Credential{
		Type:    PrivateKey,
		Secret:  data,
		Name:    typ,
		KeyType: typ,
		Created: p.now(),
	}
	if err := p.insertCredential(c); err != nil {
		return nil, err
	}
	log.Printf("Profiles: imported %s as key %d", typ, c.ID)
	return c, nil
}

func (p *Profiles) insertCredential(c *Credential) error {
	blob, err := encodeCredential(c)
	if err != nil {
		return err
	}
	id, err := p.db.Insert(store.Credentials, blob)
	if err != nil {
		return fmt.Errorf("store key: %w", err)
	}
	c.ID = id
	return nil
}

// AppSettings reads the reserved settings row
func (p *Profiles) AppSettings() (*AppSettings, error) {
	rec, err := p.db.Get(store.Settings, AppSettingsID)
	if err != nil {
		return nil, err
	}
	app := DefaultAppSettings()
	if err := json.Unmarshal(rec.Blob, &app); err != nil {
		return nil, fmt.Errorf("decode app settings: %w", err)
	}
	return &app, nil
}

// SaveAppSettings replaces the reserved settings row
func (p *Profiles) SaveAppSettings(app *AppSettings) error {
	app.Version = AppSettingsVersion
	blob, err := json.Marshal(app)
	if err != nil {
		return err
	}
	return p.db.Put(store.Settings, AppSettingsID, blob)
}

// RecordFingerprint stores the host key seen on a successful login
func (p *Profiles) RecordFingerprint(hostID int, typ, fingerprint string) error {
	return p.db.Atomic(func(tx store.Tables) error {
		rec, err := tx.Get(store.Hosts, hostID)
		if err != nil {
			return err
		}
		r, err := decodeHost(rec.Blob)
		if err != nil {
			return &ParseError{HostID: hostID, Err: err}
		}
		r.Fingerprint, r.FingerprintType = fingerprint, typ
		blob, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return tx.Put(store.Hosts, hostID, blob)
	})
}
