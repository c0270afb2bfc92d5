package store

import (
	"time"
)

// FileRecord is the persisted form of an encrypted file
type FileRecord struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Name          string    `json:"name"`
	MIMEType      string    `json:"mime_type"`
	Size          int64     `json:"size"`
	CiphertextRef string    `json:"ciphertext_ref"`
	WrappedKey    []byte    `json:"wrapped_key"`
	ContentIV     []byte    `json:"content_iv"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ShareGrant gives a user access to another user's file. There is at most
// one grant per (file, grantee).
type ShareGrant struct {
	FileID    string    `json:"file_id"`
	GranteeID string    `json:"grantee_id"`
	CanWrite  bool      `json:"can_write"`
	CreatedAt time.Time `json:"created_at"`
}

// ShareLink is a public link to a file. AccessCount never decreases and
// never passes MaxAccessCount when that is set.
type ShareLink struct {
	ID             string     `json:"id"`
	FileID         string     `json:"file_id"`
	CreatedBy      string     `json:"created_by"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	PasswordHash   string     `json:"password_hash,omitempty"`
	AccessCount    int        `json:"access_count"`
	MaxAccessCount *int       `json:"max_access_count,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// MFAState is the position of a user in the MFA state machine
type MFAState uint8

const (
	MFADisabled MFAState = iota
	MFAPending
	MFAEnabled
)

func (s MFAState) String() string {
	switch s {
	case MFADisabled:
		return "disabled"
	case MFAPending:
		return "pending"
	case MFAEnabled:
		return "enabled"
	default:
		return "unknown"
	}
}

// MFAAccount holds a user's second-factor state. SealedSecret is the TOTP
// seed sealed under the key manager; it is empty while disabled.
type MFAAccount struct {
	UserID       string     `json:"user_id"`
	State        MFAState   `json:"state"`
	SealedSecret []byte     `json:"sealed_secret,omitempty"`
	LastStep     int64      `json:"last_step"`
	EnabledAt    *time.Time `json:"enabled_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// BackupCode is a single-use recovery code, stored only as a keyed hash
type BackupCode struct {
	UserID    string     `json:"user_id"`
	CodeHash  string     `json:"code_hash"`
	Used      bool       `json:"used"`
	CreatedAt time.Time  `json:"created_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// WindowCounter is a fixed-window request counter
type WindowCounter struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}
