package twofactor

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"admin-auth/internal/audit"
	"admin-auth/internal/secrets"
	"admin-auth/internal/store"
)

var (
	// ErrNotEnrolled is returned when 2FA verification is attempted before
	// a secret has been generated.
	ErrNotEnrolled = errors.New("no TOTP secret enrolled")
)

const totpPeriod = 30 // seconds per time step

// SecretState distinguishes an absent secret from one that failed to
// decrypt. The two must never share a code path: absent means "not
// enrolled", corrupt means "internal error, deny".
type SecretState int

const (
	SecretNotConfigured SecretState = iota
	SecretConfigured
	SecretCorrupt
)

type storedSecret struct {
	state  SecretState
	secret string
	err    error
}

// Enrollment is returned from GenerateSecret. The secret and URI are shown
// to the admin exactly once for authenticator-app setup.
type Enrollment struct {
	Secret        string
	EnrollmentURI string
}

// Manager generates and verifies time-based one-time codes and single-use
// backup codes. Secrets and backup code sets only touch the store as
// cipher envelopes.
type Manager struct {
	store       store.AdminStore
	cipher      *secrets.Cipher
	audit       *audit.Logger
	log         *zap.Logger
	issuer      string
	windowSteps int
	backupCount int
	now         func() time.Time
}

func NewManager(
	s store.AdminStore,
	cipher *secrets.Cipher,
	auditLog *audit.Logger,
	log *zap.Logger,
	issuer string,
	windowSteps, backupCount int,
) *Manager {
	return &Manager{
		store:       s,
		cipher:      cipher,
		audit:       auditLog,
		log:         log,
		issuer:      issuer,
		windowSteps: windowSteps,
		backupCount: backupCount,
		now:         time.Now,
	}
}

func (m *Manager) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      uint(m.windowSteps),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// GenerateSecret creates a fresh shared secret, persists it encrypted, and
// returns it with the otpauth:// provisioning URI. Re-enrolling replaces
// the previous secret and invalidates existing backup codes.
func (m *Manager) GenerateSecret(ctx context.Context, username string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: username,
		Period:      totpPeriod,
		SecretSize:  20,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	envelope, err := m.cipher.Encrypt(key.Secret())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt TOTP secret: %w", err)
	}

	_, err = m.store.UpdateAdmin(ctx, username, func(r *store.AdminRecord) error {
		r.TOTPSecret = envelope
		r.BackupCodes = ""
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist TOTP secret: %w", err)
	}

	m.audit.Record(ctx, audit.Entry{
		Username: username,
		Action:   audit.ActionTOTPEnrolled,
		Details:  "TOTP secret generated",
		Success:  true,
	})

	return &Enrollment{Secret: key.Secret(), EnrollmentURI: key.URL()}, nil
}

func (m *Manager) loadSecret(rec *store.AdminRecord) storedSecret {
	if rec.TOTPSecret == "" {
		return storedSecret{state: SecretNotConfigured}
	}
	secret, err := m.cipher.Decrypt(rec.TOTPSecret)
	if err != nil {
		return storedSecret{state: SecretCorrupt, err: err}
	}
	return storedSecret{state: SecretConfigured, secret: secret}
}

// Enrolled reports whether a usable secret exists. A corrupt secret is an
// error, never "not enrolled".
func (m *Manager) Enrolled(ctx context.Context, username string) (bool, error) {
	rec, err := m.store.GetAdmin(ctx, username)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}

	switch s := m.loadSecret(rec); s.state {
	case SecretNotConfigured:
		return false, nil
	case SecretCorrupt:
		m.recordCorrupt(ctx, username, s.err)
		return false, s.err
	default:
		return true, nil
	}
}

// VerifyCode checks a TOTP code against the current time step with the
// configured skew tolerance. Every attempt is audited; the code itself is
// never written to the audit trail.
func (m *Manager) VerifyCode(ctx context.Context, username, code string) (bool, error) {
	rec, err := m.store.GetAdmin(ctx, username)
	if err != nil {
		return false, fmt.Errorf("failed to load TOTP state: %w", err)
	}

	loaded := m.loadSecret(rec)
	switch loaded.state {
	case SecretNotConfigured:
		return false, ErrNotEnrolled
	case SecretCorrupt:
		m.recordCorrupt(ctx, username, loaded.err)
		return false, loaded.err
	}

	valid, err := totp.ValidateCustom(code, loaded.secret, m.now(), m.validateOpts())
	if err != nil {
		valid = false
	}

	if valid {
		m.audit.Record(ctx, audit.Entry{
			Username: username,
			Action:   audit.ActionTOTPVerified,
			Details:  "TOTP code accepted",
			Success:  true,
		})
	} else {
		m.audit.Record(ctx, audit.Entry{
			Username: username,
			Action:   audit.ActionTOTPFailed,
			Details:  "TOTP code rejected",
			Success:  false,
		})
	}
	return valid, nil
}

// backupCodeAlphabet omits characters that read ambiguously when typed
// from a printed sheet.
const backupCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func generateBackupCode() (string, error) {
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate backup code: %w", err)
	}
	buf := make([]byte, 0, 11)
	for i, b := range raw {
		if i == 5 {
			buf = append(buf, '-')
		}
		buf = append(buf, backupCodeAlphabet[int(b)%len(backupCodeAlphabet)])
	}
	return string(buf), nil
}

// GenerateBackupCodes mints a fresh set of single-use recovery codes,
// stores them encrypted, and returns the plaintext set. This is the only
// time the plaintext is available; it cannot be retrieved again.
func (m *Manager) GenerateBackupCodes(ctx context.Context, username string) ([]string, error) {
	codes := make([]string, 0, m.backupCount)
	for i := 0; i < m.backupCount; i++ {
		code, err := generateBackupCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}

	serialized, err := json.Marshal(codes)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize backup codes: %w", err)
	}
	envelope, err := m.cipher.Encrypt(string(serialized))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt backup codes: %w", err)
	}

	_, err = m.store.UpdateAdmin(ctx, username, func(r *store.AdminRecord) error {
		r.BackupCodes = envelope
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist backup codes: %w", err)
	}

	m.audit.Record(ctx, audit.Entry{
		Username: username,
		Action:   audit.ActionBackupCodesIssued,
		Details:  fmt.Sprintf("%d backup codes issued", len(codes)),
		Success:  true,
	})
	return codes, nil
}

var errNoBackupMatch = errors.New("backup code not in set")

// VerifyBackupCode consumes a matching code atomically: the match and the
// removal happen inside one store update, so a code can never be spent
// twice. A miss leaves the stored set untouched.
func (m *Manager) VerifyBackupCode(ctx context.Context, username, code string) (bool, error) {
	_, err := m.store.UpdateAdmin(ctx, username, func(r *store.AdminRecord) error {
		if r.BackupCodes == "" {
			return errNoBackupMatch
		}
		plaintext, err := m.cipher.Decrypt(r.BackupCodes)
		if err != nil {
			return err
		}
		var codes []string
		if err := json.Unmarshal([]byte(plaintext), &codes); err != nil {
			return fmt.Errorf("%w: backup code list unreadable", secrets.ErrCorruptSecret)
		}

		match := -1
		for i, c := range codes {
			if subtle.ConstantTimeCompare([]byte(c), []byte(code)) == 1 {
				match = i
				break
			}
		}
		if match < 0 {
			return errNoBackupMatch
		}

		remaining := append(codes[:match:match], codes[match+1:]...)
		serialized, err := json.Marshal(remaining)
		if err != nil {
			return fmt.Errorf("failed to serialize backup codes: %w", err)
		}
		envelope, err := m.cipher.Encrypt(string(serialized))
		if err != nil {
			return err
		}
		r.BackupCodes = envelope
		return nil
	})

	if err != nil {
		if errors.Is(err, errNoBackupMatch) || errors.Is(err, store.ErrNotFound) {
			m.audit.Record(ctx, audit.Entry{
				Username: username,
				Action:   audit.ActionBackupCodeFailed,
				Details:  "backup code rejected",
				Success:  false,
			})
			return false, nil
		}
		if errors.Is(err, secrets.ErrCorruptSecret) {
			m.recordCorrupt(ctx, username, err)
		}
		return false, err
	}

	m.audit.Record(ctx, audit.Entry{
		Username: username,
		Action:   audit.ActionBackupCodeUsed,
		Details:  "backup code consumed",
		Success:  true,
	})
	return true, nil
}

func (m *Manager) recordCorrupt(ctx context.Context, username string, err error) {
	m.log.Error("stored 2FA secret failed to decrypt",
		zap.String("username", username),
		zap.Error(err))
	m.audit.Record(ctx, audit.Entry{
		Username: username,
		Action:   audit.ActionSecretCorrupt,
		Details:  "stored secret failed decryption",
		Success:  false,
	})
}
