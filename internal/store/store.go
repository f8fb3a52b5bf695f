// store.go - Encrypted id/blob tables backing the profile database
// Each table maps an integer id to a sealed blob plus its last-write time
package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Table names one of the logical tables in the store
type Table string

const (
	Hosts       Table = "host"
	Credentials Table = "credential"
	Settings    Table = "settings"
)

// AllTables lists every table that holds sealed records
var AllTables = []Table{Hosts, Credentials, Settings}

// DefaultPassphrase keys an unprotected store
const DefaultPassphrase = "tabterm_default"

var (
	// ErrNotFound is returned when no record exists at the requested id
	ErrNotFound = errors.New("record not found")
	// ErrDecrypt is returned when the passphrase does not open the store
	ErrDecrypt = errors.New("store decrypt failure")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("store closed")
)

// Record is one decrypted table entry
type Record struct {
	ID        int
	Blob      []byte
	UpdatedAt time.Time
}

// Tables is the keyed blob capability shared by the store and its transactions
type Tables interface {
	Get(t Table, id int) (Record, error)
	Insert(t Table, blob []byte) (int, error)
	Put(t Table, id int, blob []byte) error
	Delete(t Table, id int) error
	List(t Table) ([]Record, error)
}

type row struct {
	ID        int    `gorm:"primaryKey;autoIncrement"`
	Blob      []byte `gorm:"not null"`
	UpdatedAt time.Time
}

type meta struct {
	ID        int `gorm:"primaryKey"`
	Salt      []byte
	Verifier  []byte
	Protected bool
}

func (meta) TableName() string { return "store_meta" }

// Store is the sqlite-backed ProfileStore
type Store struct {
	path string

	mu        sync.RWMutex
	db        *gorm.DB
	key       *fernet.Key
	protected bool
}

// Open opens (creating if needed) the store at path and unlocks it with passphrase.
// An empty passphrase means the internal default.
func Open(path, passphrase string) (*Store, error) {
	if passphrase == "" {
		passphrase = DefaultPassphrase
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{path: path, db: db}
	if err := s.init(passphrase); err != nil {
		s.closeDB()
		return nil, err
	}

	log.Printf("Store: opened %s (protected=%v)", path, s.protected)
	return s, nil
}

func (s *Store) init(passphrase string) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	// sqlite allows one writer; a single connection keeps transactions simple
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	for _, t := range AllTables {
		if err := s.db.Table(string(t)).AutoMigrate(&row{}); err != nil {
			return fmt.Errorf("auto-migrate %s: %w", t, err)
		}
	}
	if err := s.db.AutoMigrate(&meta{}); err != nil {
		return fmt.Errorf("auto-migrate meta: %w", err)
	}

	var m meta
	err = s.db.Take(&m, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		salt, err := newSalt()
		if err != nil {
			return err
		}
		key, err := deriveKey(passphrase, salt)
		if err != nil {
			return err
		}
		verifier, err := seal(key, []byte(verifierText))
		if err != nil {
			return err
		}
		m = meta{ID: 1, Salt: salt, Verifier: verifier, Protected: passphrase != DefaultPassphrase}
		if err := s.db.Create(&m).Error; err != nil {
			return fmt.Errorf("write store meta: %w", err)
		}
		s.key, s.protected = key, m.Protected
		return nil
	} else if err != nil {
		return fmt.Errorf("read store meta: %w", err)
	}

	key, err := deriveKey(passphrase, m.Salt)
	if err != nil {
		return err
	}
	if _, err := unseal(key, m.Verifier); err != nil {
		return ErrDecrypt
	}
	s.key, s.protected = key, m.Protected
	return nil
}

// Protected reports whether the store is keyed by a user passphrase
func (s *Store) Protected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protected
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

func (s *Store) ops() (*ops, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return &ops{db: s.db, key: s.key}, nil
}

// Get returns the record stored at id
func (s *Store) Get(t Table, id int) (Record, error) {
	o, err := s.ops()
	if err != nil {
		return Record{}, err
	}
	return o.Get(t, id)
}

// Insert stores blob under a fresh id and returns it
func (s *Store) Insert(t Table, blob []byte) (int, error) {
	o, err := s.ops()
	if err != nil {
		return 0, err
	}
	return o.Insert(t, blob)
}

// Put replaces (or creates) the record at id
func (s *Store) Put(t Table, id int, blob []byte) error {
	o, err := s.ops()
	if err != nil {
		return err
	}
	return o.Put(t, id, blob)
}

// Delete erases the record at id; erasing a missing id is not an error
func (s *Store) Delete(t Table, id int) error {
	o, err := s.ops()
	if err != nil {
		return err
	}
	return o.Delete(t, id)
}

// List returns every record of t ordered by id
func (s *Store) List(t Table) ([]Record, error) {
	o, err := s.ops()
	if err != nil {
		return nil, err
	}
	return o.List(t)
}

// Atomic runs fn inside one transaction; any error rolls back every table
func (s *Store) Atomic(fn func(Tables) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&ops{db: tx, key: s.key})
	})
}

// ChangePassphrase re-seals every table under a key derived from passphrase.
// Either all tables are re-keyed or the store keeps its previous key.
// An empty passphrase returns the store to the unprotected default.
func (s *Store) ChangePassphrase(passphrase string) error {
	if passphrase == "" {
		passphrase = DefaultPassphrase
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	salt, err := newSalt()
	if err != nil {
		return err
	}
	newKey, err := deriveKey(passphrase, salt)
	if err != nil {
		return err
	}
	protected := passphrase != DefaultPassphrase

	err = s.db.Transaction(func(tx *gorm.DB) error {
		for _, t := range AllTables {
			var rows []row
			if err := tx.Table(string(t)).Order("id").Find(&rows).Error; err != nil {
				return fmt.Errorf("read %s: %w", t, err)
			}
			for _, r := range rows {
				plain, err := unseal(s.key, r.Blob)
				if err != nil {
					return fmt.Errorf("%s/%d: %w", t, r.ID, err)
				}
				sealed, err := seal(newKey, plain)
				if err != nil {
					return err
				}
				if err := tx.Table(string(t)).Where("id = ?", r.ID).Update("blob", sealed).Error; err != nil {
					return fmt.Errorf("rewrite %s/%d: %w", t, r.ID, err)
				}
			}
		}

		verifier, err := seal(newKey, []byte(verifierText))
		if err != nil {
			return err
		}
		return tx.Save(&meta{ID: 1, Salt: salt, Verifier: verifier, Protected: protected}).Error
	})
	if err != nil {
		return fmt.Errorf("re-key store: %w", err)
	}

	s.key, s.protected = newKey, protected
	log.Printf("Store: re-keyed %s (protected=%v)", s.path, protected)
	return nil
}

// Close releases the database handle
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeDB()
}

func (s *Store) closeDB() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ops implements Tables over a gorm handle (the store or a transaction)
type ops struct {
	db  *gorm.DB
	key *fernet.Key
}

func (o *ops) Get(t Table, id int) (Record, error) {
	var r row
	err := o.db.Table(string(t)).Where("id = ?", id).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("%s/%d: %w", t, id, ErrNotFound)
	} else if err != nil {
		return Record{}, fmt.Errorf("read %s/%d: %w", t, id, err)
	}
	plain, err := unseal(o.key, r.Blob)
	if err != nil {
		return Record{}, fmt.Errorf("%s/%d: %w", t, id, err)
	}
	return Record{ID: r.ID, Blob: plain, UpdatedAt: r.UpdatedAt}, nil
}

func (o *ops) Insert(t Table, blob []byte) (int, error) {
	sealed, err := seal(o.key, blob)
	if err != nil {
		return 0, err
	}
	r := row{Blob: sealed, UpdatedAt: time.Now()}
	if err := o.db.Table(string(t)).Create(&r).Error; err != nil {
		return 0, fmt.Errorf("insert %s: %w", t, err)
	}
	return r.ID, nil
}

func (o *ops) Put(t Table, id int, blob []byte) error {
	sealed, err := seal(o.key, blob)
	if err != nil {
		return err
	}
	now := time.Now()
	res := o.db.Table(string(t)).Where("id = ?", id).
		Updates(map[string]interface{}{"blob": sealed, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("update %s/%d: %w", t, id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if err := o.db.Table(string(t)).Create(&row{ID: id, Blob: sealed, UpdatedAt: now}).Error; err != nil {
		return fmt.Errorf("insert %s/%d: %w", t, id, err)
	}
	return nil
}

func (o *ops) Delete(t Table, id int) error {
	if err := o.db.Table(string(t)).Where("id = ?", id).Delete(&row{}).Error; err != nil {
		return fmt.Errorf("delete %s/%d: %w", t, id, err)
	}
	return nil
}

func (o *ops) List(t Table) ([]Record, error) {
	var rows []row
	if err := o.db.Table(string(t)).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list %s: %w", t, err)
	}
	records := make([]Record, 0, len(rows))
	for _, r := range rows {
		plain, err := unseal(o.key, r.Blob)
		if err != nil {
			return nil, fmt.Errorf("%s/%d: %w", t, r.ID, err)
		}
		records = append(records, Record{ID: r.ID, Blob: plain, UpdatedAt: r.UpdatedAt})
	}
	return records, nil
}
