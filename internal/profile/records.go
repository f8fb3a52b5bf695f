// records.go - Versioned blob shapes for the host, credential and settings tables
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const recordVersion = 1

// ErrParse marks a profile that cannot be loaded
var ErrParse = errors.New("profile parse failure")

// ParseError is a corrupt host record or a dangling Settings/Credential reference.
// It is fatal for that one host only.
type ParseError struct {
	HostID int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("host %d: %v", e.HostID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

type credRefRecord struct {
	DB string `json:"db"`
	ID int    `json:"id,omitempty"`
}

const (
	refDBNull  = "null"
	refDBTable = "table"
)

type hostRecord struct {
	Version         int           `json:"version"`
	Protocol        Protocol      `json:"protocol"`
	Hostport        string        `json:"hostport"`
	Username        string        `json:"username"`
	Credential      credRefRecord `json:"credential"`
	DisplayName     string        `json:"display_name"`
	Folder          string        `json:"folder"`
	SettingsID      int           `json:"settings_id"`
	Fingerprint     string        `json:"fingerprint,omitempty"`
	FingerprintType string        `json:"fingerprint_type,omitempty"`
}

func (r *hostRecord) ref() CredentialRef {
	if r.Credential.DB == refDBTable {
		return CredentialRef{Kind: RefTable, ID: r.Credential.ID}
	}
	return CredentialRef{Kind: RefNone}
}

type credentialRecord struct {
	Version     int            `json:"version"`
	Type        CredentialType `json:"type"`
	Data        []byte         `json:"data"`
	DisplayName string         `json:"display_name,omitempty"`
	KeyType     string         `json:"key_type,omitempty"`
	Created     time.Time      `json:"created,omitempty"`
}

type settingsRecord struct {
	Version int `json:"version"`
	Settings
}

func encodeHost(h *Host, ref CredentialRef, settingsID int) ([]byte, error) {
	r := hostRecord{
		Version:         recordVersion,
		Protocol:        h.Protocol,
		Hostport:        h.Hostport(),
		Username:        h.Username,
		Credential:      credRefRecord{DB: refDBNull},
		DisplayName:     h.DisplayName,
		Folder:          h.Folder,
		SettingsID:      settingsID,
		Fingerprint:     h.Fingerprint,
		FingerprintType: h.FingerprintType,
	}
	if ref.Kind == RefTable {
		r.Credential = credRefRecord{DB: refDBTable, ID: ref.ID}
	}
	return json.Marshal(&r)
}

func decodeHost(blob []byte) (*hostRecord, error) {
	var r hostRecord
	if err := json.Unmarshal(blob, &r); err != nil {
		return nil, fmt.Errorf("decode host: %w", err)
	}
	if r.SettingsID == 0 {
		return nil, errors.New("host has no settings id")
	}
	return &r, nil
}

func encodeCredential(c *Credential) ([]byte, error) {
	return json.Marshal(&credentialRecord{
		Version:     recordVersion,
		Type:        c.Type,
		Data:        c.Secret,
		DisplayName: c.Name,
		KeyType:     c.KeyType,
		Created:     c.Created,
	})
}

func decodeCredential(id int, blob []byte) (*Credential, error) {
	var r credentialRecord
	if err := json.Unmarshal(blob, &r); err != nil {
		return nil, fmt.Errorf("decode credential %d: %w", id, err)
	}
	return &Credential{
		ID:      id,
		Type:    r.Type,
		Secret:  r.Data,
		Name:    r.DisplayName,
		KeyType: r.KeyType,
		Created: r.Created,
	}, nil
}

func encodeSettings(s *Settings) ([]byte, error) {
	return json.Marshal(&settingsRecord{Version: recordVersion, Settings: *s})
}

func decodeSettings(id int, blob []byte) (Settings, error) {
	r := settingsRecord{Settings: DefaultSettings()}
	if err := json.Unmarshal(blob, &r); err != nil {
		return Settings{}, fmt.Errorf("decode settings %d: %w", id, err)
	}
	r.Settings.ID = id
	return r.Settings, nil
}
