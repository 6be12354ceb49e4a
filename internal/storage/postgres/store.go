package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/storage"
)

// Store PostgreSQL 存储实现。
//
// 消息表以 external_id 为主键，幂等写入依赖
// INSERT ... ON CONFLICT DO NOTHING，由数据库保证同一 ID 只插入一次。
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewStore 创建 PostgreSQL 存储实例并执行表迁移。
func NewStore(ctx context.Context, cfg PoolConfig, log *zap.Logger) (*Store, error) {
	pool, err := newPool(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	s := &Store{pool: pool, log: log}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close 关闭连接池。
func (s *Store) Close() {
	s.pool.Close()
	s.log.Info("PostgreSQL connection closed")
}

// Ping 检查数据库连通性。
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// migrate 创建数据表。
func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ceremonies (
			id                  VARCHAR(64) PRIMARY KEY,
			officiant_email     VARCHAR(255) NOT NULL,
			officiant_name      VARCHAR(255) NOT NULL DEFAULT '',
			principal_a_email   VARCHAR(255) NOT NULL,
			principal_a_name    VARCHAR(255) NOT NULL DEFAULT '',
			principal_b_email   VARCHAR(255) NOT NULL,
			principal_b_name    VARCHAR(255) NOT NULL DEFAULT '',
			auto_reply_enabled  BOOLEAN NOT NULL DEFAULT FALSE,
			auto_reply_template TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ceremonies_officiant ON ceremonies (LOWER(officiant_email))`,
		`CREATE INDEX IF NOT EXISTS idx_ceremonies_principal_a ON ceremonies (LOWER(principal_a_email))`,
		`CREATE INDEX IF NOT EXISTS idx_ceremonies_principal_b ON ceremonies (LOWER(principal_b_email))`,
		`CREATE TABLE IF NOT EXISTS messages (
			external_id        VARCHAR(255) PRIMARY KEY,
			ceremony_id        VARCHAR(64) NOT NULL,
			thread_id          VARCHAR(64) NOT NULL,
			subject            VARCHAR(500) NOT NULL DEFAULT '',
			body_text          TEXT NOT NULL DEFAULT '',
			body_html          TEXT NOT NULL DEFAULT '',
			sender_email       VARCHAR(255) NOT NULL,
			sender_name        VARCHAR(255) NOT NULL DEFAULT '',
			sender_role        VARCHAR(16) NOT NULL,
			recipients         JSONB NOT NULL DEFAULT '[]',
			attachments        JSONB NOT NULL DEFAULT '[]',
			read_receipts      JSONB NOT NULL DEFAULT '[]',
			sent_at            TIMESTAMPTZ NOT NULL,
			received_at        TIMESTAMPTZ NOT NULL,
			status             VARCHAR(16) NOT NULL,
			is_reply           BOOLEAN NOT NULL DEFAULT FALSE,
			parent_external_id VARCHAR(255) NOT NULL DEFAULT '',
			processing_error   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ceremony_received ON messages (ceremony_id, received_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_system_reply ON messages (ceremony_id, sender_role, sent_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ========== Ceremony Repository ==========

// SaveCeremony 保存仪式信息。
func (s *Store) SaveCeremony(ctx context.Context, c *domain.Ceremony) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ceremonies (
			id, officiant_email, officiant_name,
			principal_a_email, principal_a_name,
			principal_b_email, principal_b_name,
			auto_reply_enabled, auto_reply_template
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			officiant_email = EXCLUDED.officiant_email,
			officiant_name = EXCLUDED.officiant_name,
			principal_a_email = EXCLUDED.principal_a_email,
			principal_a_name = EXCLUDED.principal_a_name,
			principal_b_email = EXCLUDED.principal_b_email,
			principal_b_name = EXCLUDED.principal_b_name,
			auto_reply_enabled = EXCLUDED.auto_reply_enabled,
			auto_reply_template = EXCLUDED.auto_reply_template`,
		c.ID, c.OfficiantEmail, c.OfficiantName,
		c.PrincipalAEmail, c.PrincipalAName,
		c.PrincipalBEmail, c.PrincipalBName,
		c.AutoReplyEnabled, c.AutoReplyTemplate,
	)
	return err
}

// GetCeremony 根据 ID 获取仪式。
func (s *Store) GetCeremony(ctx context.Context, id string) (*domain.Ceremony, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, officiant_email, officiant_name,
		       principal_a_email, principal_a_name,
		       principal_b_email, principal_b_name,
		       auto_reply_enabled, auto_reply_template
		FROM ceremonies WHERE id = $1`, id)
	return scanCeremony(row)
}

// FindCeremonyByParticipantEmail 根据参与者邮箱查找仪式。
func (s *Store) FindCeremonyByParticipantEmail(ctx context.Context, email string) (*domain.Ceremony, error) {
	addr := strings.ToLower(strings.TrimSpace(email))
	row := s.pool.QueryRow(ctx, `
		SELECT id, officiant_email, officiant_name,
		       principal_a_email, principal_a_name,
		       principal_b_email, principal_b_name,
		       auto_reply_enabled, auto_reply_template
		FROM ceremonies
		WHERE LOWER(officiant_email) = $1
		   OR LOWER(principal_a_email) = $1
		   OR LOWER(principal_b_email) = $1
		LIMIT 1`, addr)
	return scanCeremony(row)
}

// GetAutoReplyConfig 获取仪式的自动回复配置。
func (s *Store) GetAutoReplyConfig(ctx context.Context, ceremonyID string) (*domain.AutoReplyConfig, error) {
	var cfg domain.AutoReplyConfig
	err := s.pool.QueryRow(ctx,
		`SELECT auto_reply_enabled, auto_reply_template FROM ceremonies WHERE id = $1`,
		ceremonyID,
	).Scan(&cfg.Enabled, &cfg.Template)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrCeremonyNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

// scanCeremony 从查询行构建仪式对象。
func scanCeremony(row pgx.Row) (*domain.Ceremony, error) {
	var c domain.Ceremony
	err := row.Scan(
		&c.ID, &c.OfficiantEmail, &c.OfficiantName,
		&c.PrincipalAEmail, &c.PrincipalAName,
		&c.PrincipalBEmail, &c.PrincipalBName,
		&c.AutoReplyEnabled, &c.AutoReplyTemplate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrCeremonyNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ========== Message Repository ==========

// UpsertMessage 幂等写入消息。
//
// ON CONFLICT DO NOTHING 未返回行时说明记录已存在，改为读取已有记录，
// 并发写入同一 external_id 时恰好一个插入生效。
func (s *Store) UpsertMessage(ctx context.Context, m *domain.Message) (*storage.UpsertResult, error) {
	recipients, err := json.Marshal(m.Recipients)
	if err != nil {
		return nil, err
	}
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return nil, err
	}
	receipts, err := json.Marshal(m.ReadReceipts)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO messages (
			external_id, ceremony_id, thread_id, subject, body_text, body_html,
			sender_email, sender_name, sender_role,
			recipients, attachments, read_receipts,
			sent_at, received_at, status, is_reply, parent_external_id, processing_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (external_id) DO NOTHING`,
		m.ExternalID, m.CeremonyID, m.ThreadID, m.Subject, m.BodyText, m.BodyHTML,
		m.Sender.Email, m.Sender.DisplayName, string(m.Sender.Role),
		recipients, attachments, receipts,
		m.SentAt, m.ReceivedAt, string(m.Status), m.IsReply, m.ParentExternalID, m.ProcessingError,
	)
	if err != nil {
		return nil, err
	}

	stored, err := s.GetMessageByExternalID(ctx, m.ExternalID)
	if err != nil {
		return nil, err
	}
	return &storage.UpsertResult{Message: stored, Created: tag.RowsAffected() == 1}, nil
}

// messageColumns 消息查询列。
const messageColumns = `
	external_id, ceremony_id, thread_id, subject, body_text, body_html,
	sender_email, sender_name, sender_role,
	recipients, attachments, read_receipts,
	sent_at, received_at, status, is_reply, parent_external_id, processing_error`

// GetMessageByExternalID 根据外部 ID 获取消息。
func (s *Store) GetMessageByExternalID(ctx context.Context, externalID string) (*domain.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_id = $1`, externalID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return m, nil
}

// ListMessagesByCeremony 按接收时间倒序分页返回仪式消息。
func (s *Store) ListMessagesByCeremony(ctx context.Context, ceremonyID string, page, pageSize int) ([]domain.Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE ceremony_id = $1
		ORDER BY received_at DESC
		LIMIT $2 OFFSET $3`,
		ceremonyID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]domain.Message, 0, pageSize)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// MarkMessageRead 为指定用户追加已读回执。
//
// 读取、去重与回写在单个事务中以 FOR UPDATE 保护。
func (s *Store) MarkMessageRead(ctx context.Context, externalID, userID string) (*domain.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var receiptsRaw []byte
	var status string
	err = tx.QueryRow(ctx,
		`SELECT read_receipts, status FROM messages WHERE external_id = $1 FOR UPDATE`,
		externalID,
	).Scan(&receiptsRaw, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}

	var receipts []domain.ReadReceipt
	if err := json.Unmarshal(receiptsRaw, &receipts); err != nil {
		return nil, err
	}

	already := false
	for _, r := range receipts {
		if r.UserID == userID {
			already = true
			break
		}
	}

	if !already {
		receipts = append(receipts, domain.ReadReceipt{UserID: userID, ReadAt: time.Now().UTC()})
		newStatus := domain.MessageStatus(status)
		if newStatus.CanTransition(domain.StatusRead) {
			newStatus = domain.StatusRead
		}
		updated, err := json.Marshal(receipts)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE messages SET read_receipts = $1, status = $2 WHERE external_id = $3`,
			updated, string(newStatus), externalID,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.GetMessageByExternalID(ctx, externalID)
}

// SetThreadFromParent 将子消息的线程 ID 设为父消息的线程 ID。
func (s *Store) SetThreadFromParent(ctx context.Context, parentExternalID, childExternalID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET thread_id = parent.thread_id
		FROM messages AS parent
		WHERE parent.external_id = $1 AND messages.external_id = $2`,
		parentExternalID, childExternalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrMessageNotFound
	}
	return nil
}

// HasRecentSystemReply 判断仪式内是否已向收件人发送过晚于 since 的系统消息。
func (s *Store) HasRecentSystemReply(ctx context.Context, ceremonyID, recipientEmail string, since time.Time) (bool, error) {
	addr := strings.ToLower(strings.TrimSpace(recipientEmail))

	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages, jsonb_array_elements(recipients) AS r
			WHERE ceremony_id = $1
			  AND sender_role = $2
			  AND sent_at >= $3
			  AND LOWER(r->>'email') = $4
		)`,
		ceremonyID, string(domain.RoleSystem), since, addr,
	).Scan(&exists)
	return exists, err
}

// scanMessage 从查询行构建消息对象。
func scanMessage(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	var role, status string
	var recipients, attachments, receipts []byte

	err := row.Scan(
		&m.ExternalID, &m.CeremonyID, &m.ThreadID, &m.Subject, &m.BodyText, &m.BodyHTML,
		&m.Sender.Email, &m.Sender.DisplayName, &role,
		&recipients, &attachments, &receipts,
		&m.SentAt, &m.ReceivedAt, &status, &m.IsReply, &m.ParentExternalID, &m.ProcessingError,
	)
	if err != nil {
		return nil, err
	}

	m.Sender.Role = domain.ParticipantRole(role)
	m.Status = domain.MessageStatus(status)
	if err := json.Unmarshal(recipients, &m.Recipients); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(receipts, &m.ReadReceipts); err != nil {
		return nil, err
	}
	return &m, nil
}
