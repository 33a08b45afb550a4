// Package clickhouse writes audit entries to the analytics store so the
// security team can run retention and reporting queries without touching
// the hot path.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"admin-auth/internal/audit"
	"admin-auth/internal/config"
)

type AuditSink struct {
	conn   driver.Conn
	config *config.ClickhouseConfig
	log    *zap.Logger
}

// NewAuditSink opens the ClickHouse connection and verifies it.
func NewAuditSink(cfg *config.Config, logger *zap.Logger) (*AuditSink, error) {
	chConfig := cfg.Clickhouse

	opts := &ch.Options{
		Addr: []string{extractHostPort(chConfig.URL)},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      30 * time.Second,
		MaxOpenConns:     20,
		MaxIdleConns:     10,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("ClickHouse audit sink initialized",
		zap.String("url", chConfig.URL),
		zap.String("database", chConfig.Database))

	return &AuditSink{conn: conn, config: &chConfig, log: logger}, nil
}

// Append implements audit.Sink.
func (s *AuditSink) Append(ctx context.Context, e audit.Entry) error {
	err := s.conn.Exec(ctx, `
		INSERT INTO security_audit
			(id, username, action, details, ip_address, user_agent, success, event_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Username, string(e.Action), e.Details,
		e.IPAddress, e.UserAgent, e.Success, e.Timestamp)
	if err != nil {
		return fmt.Errorf("clickhouse audit insert failed: %w", err)
	}
	return nil
}

func (s *AuditSink) HealthCheck(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *AuditSink) Close() error {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Error("Failed to close ClickHouse connection", zap.Error(err))
			return err
		}
		s.log.Info("ClickHouse connection closed")
	}
	return nil
}

func extractHostPort(url string) string {
	cleanURL := strings.TrimPrefix(url, "http://")
	cleanURL = strings.TrimPrefix(cleanURL, "https://")
	if !strings.Contains(cleanURL, ":") {
		if strings.HasPrefix(url, "https://") {
			return cleanURL + ":8443"
		}
		return cleanURL + ":8123"
	}
	return cleanURL
}
