package client

import (
	"context"
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"vending-service/internal/config"
	"vending-service/internal/models"
	"vending-service/internal/util"
)

// ClickHouseClient archives reconciliation outcomes for analytics and
// incident forensics. Inserts are best-effort and never block the
// payment flow on failure.
type ClickHouseClient struct {
	conn   driver.Conn
	config *config.ClickhouseConfig
}

func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse

	opts := &ch.Options{
		Addr: []string{chConfig.URL},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     20,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	util.Info("ClickHouse client initialized",
		zap.String("url", chConfig.URL),
		zap.String("database", chConfig.Database))

	return &ClickHouseClient{
		conn:   conn,
		config: &chConfig,
	}, nil
}

const insertAuditQuery = `
	INSERT INTO reconciliation_audit
		(session_id, machine_id, third_id, chinese_payment_id,
		 attempts, outcome, error_detail, duration_ms, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertReconciliationAudit writes one reconciliation outcome row.
func (c *ClickHouseClient) InsertReconciliationAudit(ctx context.Context, audit *models.ReconciliationAudit) error {
	err := c.conn.Exec(ctx, insertAuditQuery,
		audit.SessionID,
		audit.MachineID,
		audit.ThirdID,
		audit.ChinesePaymentID,
		audit.Attempts,
		audit.Outcome,
		audit.ErrorDetail,
		audit.DurationMs,
		audit.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation audit: %w", err)
	}
	return nil
}

func (c *ClickHouseClient) Close() error {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			util.Error("failed to close ClickHouse connection", zap.Error(err))
			return err
		}
		util.Info("ClickHouse client closed")
	}
	return nil
}
