package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Action enumerates the security-relevant event kinds the engine records.
type Action string

const (
	ActionLoginSuccess      Action = "LOGIN_SUCCESS"
	ActionLoginFailed       Action = "LOGIN_FAILED"
	ActionLoginRateLimited  Action = "LOGIN_RATE_LIMITED"
	ActionAccountLocked     Action = "ACCOUNT_LOCKED"
	ActionLockoutExpired    Action = "LOCKOUT_EXPIRED"
	ActionTOTPVerified      Action = "TOTP_VERIFIED"
	ActionTOTPFailed        Action = "TOTP_FAILED"
	ActionTOTPEnrolled      Action = "TOTP_ENROLLED"
	ActionBackupCodeUsed    Action = "BACKUP_CODE_USED"
	ActionBackupCodeFailed  Action = "BACKUP_CODE_FAILED"
	ActionBackupCodesIssued Action = "BACKUP_CODES_ISSUED"
	ActionSessionIssued     Action = "SESSION_ISSUED"
	ActionSessionExpired    Action = "SESSION_EXPIRED"
	ActionSessionRejected   Action = "SESSION_REJECTED"
	ActionSessionIPMismatch Action = "SESSION_IP_MISMATCH"
	ActionLogout            Action = "LOGOUT"
	ActionSensitiveDenied   Action = "SENSITIVE_OP_DENIED"
	ActionSecretCorrupt     Action = "SECRET_CORRUPT"
)

// Entry is one append-only audit row. Entries are created at every
// security-relevant decision point and never updated or deleted here.
type Entry struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Action    Action    `json:"action"`
	Details   string    `json:"details"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink persists or forwards audit entries. Sinks may fail; the logger
// degrades to a log line rather than surfacing the error to callers.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

type userAgentKey struct{}

// WithUserAgent attaches the requesting client's user agent so entries
// recorded anywhere below the HTTP edge carry it.
func WithUserAgent(ctx context.Context, ua string) context.Context {
	if ua == "" {
		return ctx
	}
	return context.WithValue(ctx, userAgentKey{}, ua)
}

func userAgentFromContext(ctx context.Context) string {
	ua, _ := ctx.Value(userAgentKey{}).(string)
	return ua
}

// Logger is the append-only recorder of security events. Record never
// blocks and never fails the caller's primary operation: entries are
// queued to a background worker that writes them to every sink
// best-effort.
type Logger struct {
	sinks []Sink
	log   *zap.Logger
	queue chan Entry
	done  chan struct{}
	now   func() time.Time

	// mu orders queue sends against Close so a late Record drops its
	// entry instead of sending on a closed channel.
	mu     sync.RWMutex
	closed bool
}

const defaultQueueDepth = 1024

// NewLogger starts the drain worker. Close must be called on shutdown to
// flush queued entries.
func NewLogger(log *zap.Logger, sinks ...Sink) *Logger {
	l := &Logger{
		sinks: sinks,
		log:   log,
		queue: make(chan Entry, defaultQueueDepth),
		done:  make(chan struct{}),
		now:   time.Now,
	}
	go l.drain()
	return l
}

// Record queues an audit entry. The ID, timestamp, and user agent are
// stamped here so all sinks agree on them. If the queue is full the entry
// is dropped with a warning; audit logging is degraded-mode, never fatal.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.UserAgent == "" {
		e.UserAgent = userAgentFromContext(ctx)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.log.Warn("audit logger closed, entry dropped",
			zap.String("action", string(e.Action)),
			zap.String("username", e.Username),
		)
		return
	}

	select {
	case l.queue <- e:
	default:
		l.log.Warn("audit queue full, entry dropped",
			zap.String("action", string(e.Action)),
			zap.String("username", e.Username),
		)
	}
}

func (l *Logger) drain() {
	defer close(l.done)
	for e := range l.queue {
		l.write(e)
	}
}

func (l *Logger) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, sink := range l.sinks {
		if err := sink.Append(ctx, e); err != nil {
			l.log.Error("audit sink write failed",
				zap.String("action", string(e.Action)),
				zap.String("username", e.Username),
				zap.Error(err),
			)
		}
	}
}

// Close stops accepting entries and waits for the queue to drain. Close
// is idempotent; entries recorded afterwards are dropped with a warning.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.queue)
	<-l.done
}
