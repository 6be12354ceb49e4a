package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/storage"
)

// Store 使用内存保存仪式与消息数据，用于开发验证与测试。
//
// 所有操作在互斥锁内完成，UpsertMessage 对同一 ExternalID 天然线性化。
type Store struct {
	mu         sync.RWMutex
	ceremonies map[string]*domain.Ceremony // ceremonyID -> ceremony
	byEmail    map[string]string           // 参与者邮箱(小写) -> ceremonyID
	messages   map[string]*domain.Message  // externalID -> message
	byCeremony map[string][]string         // ceremonyID -> externalID 按写入顺序
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		ceremonies: make(map[string]*domain.Ceremony),
		byEmail:    make(map[string]string),
		messages:   make(map[string]*domain.Message),
		byCeremony: make(map[string][]string),
	}
}

// Ping 内存存储恒为可用。
func (s *Store) Ping(ctx context.Context) error { return nil }

// SaveCeremony 保存仪式并建立参与者邮箱索引。
func (s *Store) SaveCeremony(ctx context.Context, ceremony *domain.Ceremony) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ceremony
	s.ceremonies[cp.ID] = &cp
	for _, email := range cp.ParticipantEmails() {
		s.byEmail[email] = cp.ID
	}
	return nil
}

// GetCeremony 根据 ID 获取仪式。
func (s *Store) GetCeremony(ctx context.Context, id string) (*domain.Ceremony, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.ceremonies[id]
	if !ok {
		return nil, storage.ErrCeremonyNotFound
	}
	cp := *c
	return &cp, nil
}

// FindCeremonyByParticipantEmail 根据参与者邮箱查找仪式，匹配不区分大小写。
func (s *Store) FindCeremonyByParticipantEmail(ctx context.Context, email string) (*domain.Ceremony, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, storage.ErrCeremonyNotFound
	}
	cp := *s.ceremonies[id]
	return &cp, nil
}

// GetAutoReplyConfig 获取仪式的自动回复配置。
func (s *Store) GetAutoReplyConfig(ctx context.Context, ceremonyID string) (*domain.AutoReplyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.ceremonies[ceremonyID]
	if !ok {
		return nil, storage.ErrCeremonyNotFound
	}
	return &domain.AutoReplyConfig{
		Enabled:  c.AutoReplyEnabled,
		Template: c.AutoReplyTemplate,
	}, nil
}

// UpsertMessage 幂等写入消息。
//
// ExternalID 已存在时返回先前写入的记录且 Created 为 false，
// 本次入参被丢弃。
func (s *Store) UpsertMessage(ctx context.Context, message *domain.Message) (*storage.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.messages[message.ExternalID]; ok {
		cp := cloneMessage(existing)
		return &storage.UpsertResult{Message: cp, Created: false}, nil
	}

	cp := cloneMessage(message)
	s.messages[cp.ExternalID] = cp
	s.byCeremony[cp.CeremonyID] = append(s.byCeremony[cp.CeremonyID], cp.ExternalID)
	return &storage.UpsertResult{Message: cloneMessage(cp), Created: true}, nil
}

// GetMessageByExternalID 根据外部 ID 获取消息。
func (s *Store) GetMessageByExternalID(ctx context.Context, externalID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[externalID]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	return cloneMessage(m), nil
}

// ListMessagesByCeremony 按接收时间倒序分页返回仪式消息。
func (s *Store) ListMessagesByCeremony(ctx context.Context, ceremonyID string, page, pageSize int) ([]domain.Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	s.mu.RLock()
	ids := s.byCeremony[ceremonyID]
	all := make([]*domain.Message, 0, len(ids))
	for _, id := range ids {
		all = append(all, s.messages[id])
	}
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].ReceivedAt.After(all[j].ReceivedAt)
	})

	start := (page - 1) * pageSize
	if start >= len(all) {
		return []domain.Message{}, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}

	out := make([]domain.Message, 0, end-start)
	for _, m := range all[start:end] {
		out = append(out, *cloneMessage(m))
	}
	return out, nil
}

// MarkMessageRead 为指定用户追加已读回执。
//
// 回执按用户去重；状态机允许时将状态推进到 read。
func (s *Store) MarkMessageRead(ctx context.Context, externalID, userID string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[externalID]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}

	if !m.ReadBy(userID) {
		m.ReadReceipts = append(m.ReadReceipts, domain.ReadReceipt{
			UserID: userID,
			ReadAt: time.Now().UTC(),
		})
		if m.Status.CanTransition(domain.StatusRead) {
			m.Status = domain.StatusRead
		}
	}
	return cloneMessage(m), nil
}

// SetThreadFromParent 将子消息的线程 ID 设为父消息的线程 ID。
func (s *Store) SetThreadFromParent(ctx context.Context, parentExternalID, childExternalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.messages[parentExternalID]
	if !ok {
		return storage.ErrMessageNotFound
	}
	child, ok := s.messages[childExternalID]
	if !ok {
		return storage.ErrMessageNotFound
	}
	child.ThreadID = parent.ThreadID
	return nil
}

// HasRecentSystemReply 判断仪式内是否已向收件人发送过晚于 since 的系统消息。
func (s *Store) HasRecentSystemReply(ctx context.Context, ceremonyID, recipientEmail string, since time.Time) (bool, error) {
	addr := strings.ToLower(strings.TrimSpace(recipientEmail))

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.byCeremony[ceremonyID] {
		m := s.messages[id]
		if m.Sender.Role != domain.RoleSystem || m.SentAt.Before(since) {
			continue
		}
		for _, r := range m.Recipients {
			if strings.ToLower(r.Email) == addr {
				return true, nil
			}
		}
	}
	return false, nil
}

// cloneMessage 深拷贝消息，避免调用方持有内部指针。
func cloneMessage(m *domain.Message) *domain.Message {
	cp := *m
	cp.Recipients = append([]domain.Recipient(nil), m.Recipients...)
	cp.Attachments = append([]domain.Attachment(nil), m.Attachments...)
	cp.ReadReceipts = append([]domain.ReadReceipt(nil), m.ReadReceipts...)
	return &cp
}
