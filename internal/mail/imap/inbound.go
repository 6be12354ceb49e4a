// Package imap 实现入站邮件订阅，基于 IMAP 协议。
//
// 两个触发源驱动同一次拉取：服务器 IDLE 推送的新邮件通知，
// 以及固定间隔的轮询计时器。拉取到的未读邮件逐条交给处理函数，
// 随后在服务器侧标记 \Seen。标记在崩溃场景下允许丢失，
// 消息存储的幂等写入负责权威去重。
package imap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"vowmail/backend/internal/mail"
)

// 重连退避参数。断开后按指数退避重连，封顶 maxBackoff。
const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 2 * time.Minute
)

// defaultPollInterval 轮询间隔默认值。
const defaultPollInterval = 30 * time.Second

// Config IMAP 订阅配置。
type Config struct {
	Host         string
	Port         string
	Username     string
	Password     string
	TLS          bool
	Mailbox      string // 默认 INBOX
	PollInterval time.Duration
}

// Subscription IMAP 入站订阅。
//
// 生命周期对象：Start 启动后台协程，Stop 取消计时器、
// 等待在途拉取完成并登出。连接断开后自动指数退避重连。
type Subscription struct {
	cfg  Config
	log  *zap.Logger
	kick chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewSubscription 创建 IMAP 订阅。
func NewSubscription(cfg Config, log *zap.Logger) *Subscription {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Subscription{
		cfg:  cfg,
		log:  log,
		kick: make(chan struct{}, 1),
	}
}

// Start 启动订阅。handler 对每封邮件独立调用，单条失败不影响批次。
func (s *Subscription) Start(ctx context.Context, handler mail.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("imap subscription already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.run(runCtx, handler)
	}()
	return nil
}

// Stop 停止订阅并等待后台协程退出。
func (s *Subscription) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// run 重连主循环。
func (s *Subscription) run(ctx context.Context, handler mail.Handler) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		client, err := s.connect()
		if err != nil {
			s.log.Warn("IMAP connect failed, will retry",
				zap.Error(err),
				zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		s.log.Info("IMAP connected",
			zap.String("host", s.cfg.Host),
			zap.String("mailbox", s.cfg.Mailbox))
		backoff = initialBackoff

		err = s.serve(ctx, client, handler)
		_ = client.Logout().Wait()
		if ctx.Err() != nil {
			s.log.Info("IMAP subscription stopped")
			return
		}
		s.log.Warn("IMAP connection lost, reconnecting", zap.Error(err))
	}
}

// connect 建立连接、认证并选择邮箱。
func (s *Subscription) connect() (*imapclient.Client, error) {
	addr := s.cfg.Host + ":" + s.cfg.Port

	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			// 服务器在 IDLE 期间推送邮箱变更时触发一次拉取
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					s.notify()
				}
			},
		},
	}

	var client *imapclient.Client
	var err error
	if s.cfg.TLS {
		client, err = imapclient.DialTLS(addr, options)
	} else {
		client, err = imapclient.DialStartTLS(addr, options)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("IMAP login for %s: %w", s.cfg.Username, err)
	}

	if _, err := client.Select(s.cfg.Mailbox, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", s.cfg.Mailbox, err)
	}
	return client, nil
}

// serve 在一条连接上交替执行 IDLE 等待与拉取，连接出错时返回。
func (s *Subscription) serve(ctx context.Context, client *imapclient.Client, handler mail.Handler) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	// 连接建立后先补一次拉取，追平离线期间积压的邮件
	if err := s.fetchUnprocessed(ctx, client, handler); err != nil {
		return err
	}

	for {
		idleCmd, err := client.Idle()
		if err != nil {
			return fmt.Errorf("starting IDLE: %w", err)
		}

		select {
		case <-ctx.Done():
			_ = idleCmd.Close()
			_ = idleCmd.Wait()
			return ctx.Err()
		case <-ticker.C:
		case <-s.kick:
		}

		if err := idleCmd.Close(); err != nil {
			return fmt.Errorf("stopping IDLE: %w", err)
		}
		if err := idleCmd.Wait(); err != nil {
			return fmt.Errorf("IDLE terminated: %w", err)
		}

		if err := s.fetchUnprocessed(ctx, client, handler); err != nil {
			return err
		}
	}
}

// notify 合并多次推送为一次拉取信号。
func (s *Subscription) notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// fetchUnprocessed 拉取全部未读邮件，逐条处理后标记 \Seen。
//
// 批次内按服务器序号顺序处理；单条邮件的解析失败记录日志后跳过。
func (s *Subscription) fetchUnprocessed(ctx context.Context, client *imapclient.Client, handler mail.Handler) error {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("searching unseen messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil
	}
	s.log.Debug("fetching unprocessed mail", zap.Int("count", len(uids)))

	uidSet := imap.UIDSetNum(uids...)
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:     true,
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(uidSet, fetchOpts)
	var processed []imap.UID
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			s.log.Warn("failed to collect message, skipping", zap.Error(err))
			continue
		}

		raw, err := rawMailFromBuffer(buf, bodySection, s.cfg.Host)
		if err != nil {
			s.log.Warn("failed to parse message, skipping",
				zap.Uint32("uid", uint32(buf.UID)),
				zap.Error(err))
			processed = append(processed, buf.UID)
			continue
		}

		handler(ctx, raw)
		processed = append(processed, buf.UID)

		if ctx.Err() != nil {
			break
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return fmt.Errorf("fetching messages: %w", err)
	}

	if len(processed) == 0 {
		return nil
	}

	// 传输层去重：标记已消费，失败只记日志（存储层幂等兜底）
	storeCmd := client.Store(imap.UIDSetNum(processed...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		s.log.Warn("failed to mark messages seen", zap.Error(err))
	}
	return nil
}

// sleepCtx 等待 d，上下文取消时返回 false。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// nextBackoff 计算下一档退避时长。
func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// externalIDFromEnvelope 从信封提取外部 ID。
//
// 缺失 Message-ID 时以 UID 和主机名合成确定性 ID，
// 保证同一封邮件重复投递时幂等键不变。
func externalIDFromEnvelope(messageID string, uid imap.UID, host string) string {
	id := strings.Trim(strings.TrimSpace(messageID), "<>")
	if id != "" {
		return id
	}
	return fmt.Sprintf("imap-uid-%d@%s", uid, host)
}
