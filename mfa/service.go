package mfa

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/absfs/sharecrypt"
	"github.com/absfs/sharecrypt/logging"
	"github.com/absfs/sharecrypt/store"
)

// Store is the persistence the MFA service needs
type Store interface {
	GetMFA(ctx context.Context, user string) (store.MFAAccount, error)
	UpdateMFA(ctx context.Context, user string, fn func(*store.MFAAccount) error) (store.MFAAccount, error)
	DisableMFA(ctx context.Context, user string, now time.Time, check store.AccountCheck) error
	ReplaceBackupCodes(ctx context.Context, user string, codes []store.BackupCode, check store.AccountCheck) error
	ConsumeBackupCode(ctx context.Context, user, codeHash string, now time.Time) (store.BackupCode, error)
}

// Config tunes the MFA service. Zero values take defaults.
type Config struct {
	Issuer          string
	TicketTTL       time.Duration
	BackupCodeCount int
	QRCodeSize      int
	Now             func() time.Time
}

const (
	DefaultIssuer          = "Secure File Share"
	DefaultTicketTTL       = 15 * time.Minute
	DefaultBackupCodeCount = 10
	DefaultQRCodeSize      = 200
)

func (c Config) withDefaults() Config {
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.TicketTTL <= 0 {
		c.TicketTTL = DefaultTicketTTL
	}
	if c.BackupCodeCount <= 0 {
		c.BackupCodeCount = DefaultBackupCodeCount
	}
	if c.QRCodeSize <= 0 {
		c.QRCodeSize = DefaultQRCodeSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Account identifies the user being enrolled. Name is shown in the
// authenticator app.
type Account struct {
	ID   string
	Name string
}

// Enrollment is returned once, when MFA is enabled. The secret is never
// retrievable again.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
	QRCode          string
}

// Service implements the per-user MFA state machine:
// disabled -> pending -> enabled -> disabled.
type Service struct {
	store     Store
	km        *sharecrypt.KeyManager
	cfg       Config
	log       *logrus.Logger
	ticketKey []byte
	pepper    []byte
}

// NewService builds an MFA service. The ticket signing key and the backup
// code pepper are derived from km.
func NewService(st Store, km *sharecrypt.KeyManager, cfg Config, log *logrus.Logger) (*Service, error) {
	if st == nil || km == nil {
		return nil, errors.New("mfa: store and key manager are required")
	}
	ticketKey, err := km.DeriveSubkey("mfa-tickets", 32)
	if err != nil {
		return nil, err
	}
	pepper, err := km.DeriveSubkey("mfa-backup-codes", 32)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:     st,
		km:        km,
		cfg:       cfg.withDefaults(),
		log:       logging.OrDefault(log),
		ticketKey: ticketKey,
		pepper:    pepper,
	}, nil
}

func seedAAD(user string) []byte {
	return []byte("mfa-seed|" + user)
}

// Enable generates a new TOTP secret and stores it in the pending state,
// where it already verifies logins. A pending account may enable again to
// get a fresh secret.
func (s *Service) Enable(ctx context.Context, acct Account) (Enrollment, error) {
	if acct.ID == "" {
		return Enrollment{}, sharecrypt.NewValidationError("user_id", "", "user id is required")
	}
	name := acct.Name
	if name == "" {
		name = acct.ID
	}

	secret, err := GenerateSecret()
	if err != nil {
		return Enrollment{}, err
	}
	sealed, err := s.km.Seal([]byte(secret), seedAAD(acct.ID))
	if err != nil {
		return Enrollment{}, err
	}

	now := s.cfg.Now()
	_, err = s.store.UpdateMFA(ctx, acct.ID, func(a *store.MFAAccount) error {
		if a.State == store.MFAEnabled {
			return ErrAlreadyEnabled
		}
		a.State = store.MFAPending
		a.SealedSecret = sealed
		a.LastStep = 0
		a.EnabledAt = nil
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Enrollment{}, err
	}

	uri := ProvisioningURI(s.cfg.Issuer, name, secret)
	qr, err := QRCode(uri, s.cfg.QRCodeSize)
	if err != nil {
		// the secret is stored and usable; the QR code is a convenience
		s.log.WithField("user", acct.ID).WithError(err).Warn("mfa qr code unavailable")
	}

	s.log.WithField("user", acct.ID).Info("mfa enrolment started")
	return Enrollment{Secret: secret, ProvisioningURI: uri, QRCode: qr}, nil
}

// Confirm moves a pending account to enabled once the user proves they hold
// the secret.
func (s *Service) Confirm(ctx context.Context, userID, code string) error {
	acct, err := s.store.GetMFA(ctx, userID)
	if err != nil {
		return err
	}
	switch acct.State {
	case store.MFAEnabled:
		return ErrAlreadyEnabled
	case store.MFADisabled:
		return ErrNotEnabled
	}

	step, err := s.match(acct, code)
	if err != nil {
		return err
	}

	now := s.cfg.Now()
	_, err = s.store.UpdateMFA(ctx, userID, func(a *store.MFAAccount) error {
		// a concurrent re-enrolment replaced the secret this code was for
		if a.State != store.MFAPending || !bytes.Equal(a.SealedSecret, acct.SealedSecret) {
			return ErrInvalidCode
		}
		if step <= a.LastStep {
			return ErrInvalidCode
		}
		a.State = store.MFAEnabled
		a.LastStep = step
		a.EnabledAt = &now
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	s.log.WithField("user", userID).Info("mfa enabled")
	return nil
}

// Disable turns MFA off, wiping the secret and every backup code
func (s *Service) Disable(ctx context.Context, userID string) error {
	err := s.store.DisableMFA(ctx, userID, s.cfg.Now(), func(a store.MFAAccount) error {
		if a.State == store.MFADisabled {
			return ErrNotEnabled
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.WithField("user", userID).Info("mfa disabled")
	return nil
}

// Status returns the user's MFA state
func (s *Service) Status(ctx context.Context, userID string) (store.MFAState, error) {
	acct, err := s.store.GetMFA(ctx, userID)
	if err != nil {
		return store.MFADisabled, err
	}
	return acct.State, nil
}

// VerifyLogin checks a TOTP code for the user and issues a ticket. A code
// is accepted at most once: its time step must be newer than the last one
// accepted, and the new step is recorded atomically.
func (s *Service) VerifyLogin(ctx context.Context, userID, code string) (Ticket, error) {
	acct, err := s.store.GetMFA(ctx, userID)
	if err != nil {
		return Ticket{}, err
	}
	if acct.State == store.MFADisabled {
		return Ticket{}, ErrNotEnabled
	}

	step, err := s.match(acct, code)
	if err != nil {
		s.log.WithField("user", userID).Warn("mfa code rejected")
		return Ticket{}, err
	}

	_, err = s.store.UpdateMFA(ctx, userID, func(a *store.MFAAccount) error {
		if a.State == store.MFADisabled || !bytes.Equal(a.SealedSecret, acct.SealedSecret) {
			return ErrInvalidCode
		}
		if step <= a.LastStep {
			return ErrInvalidCode
		}
		a.LastStep = step
		a.UpdatedAt = s.cfg.Now()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidCode) {
			s.log.WithField("user", userID).Warn("mfa code replayed")
		}
		return Ticket{}, err
	}
	return s.IssueTicket(userID), nil
}

func (s *Service) match(acct store.MFAAccount, code string) (int64, error) {
	secret, err := s.km.Open(acct.SealedSecret, seedAAD(acct.UserID))
	if err != nil {
		return 0, fmt.Errorf("mfa secret unavailable: %w", err)
	}
	step, ok := matchStep(string(secret), code, s.cfg.Now())
	if !ok {
		return 0, ErrInvalidCode
	}
	return step, nil
}

// IssueTicket signs a ticket for userID valid for the configured TTL
func (s *Service) IssueTicket(userID string) Ticket {
	return signTicket(s.ticketKey, userID, s.cfg.Now().Add(s.cfg.TicketTTL))
}

// VerifyTicket checks a ticket token and returns the ticket it encodes
func (s *Service) VerifyTicket(token string) (Ticket, error) {
	return parseTicket(s.ticketKey, token, s.cfg.Now())
}
