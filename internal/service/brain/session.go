package brain

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/model/chat"
	"github.com/zhouzirui/yuexia/internal/model/message"
	chatservice "github.com/zhouzirui/yuexia/internal/service/chat"
)

// SessionsView 是会话列表及当前会话。
type SessionsView struct {
	Sessions  []chat.IndexEntry `json:"sessions"`
	CurrentID string            `json:"current_id"`
}

// Sessions 返回会话列表，按更新时间倒序。
func (b *Brain) Sessions() SessionsView {
	return SessionsView{Sessions: b.opts.Sessions.List(), CurrentID: b.opts.Sessions.CurrentID()}
}

// CreateSession 保存当前会话后新建一个空会话并切换过去。
func (b *Brain) CreateSession(ctx context.Context) (string, error) {
	b.turnMu.Lock()
	defer b.turnMu.Unlock()

	b.mu.Lock()
	b.saveLocked()
	id, err := b.opts.Sessions.Create()
	if err != nil {
		b.mu.Unlock()
		return "", fmt.Errorf("create session: %w", err)
	}
	b.history = nil
	b.screenshot = ""
	b.mu.Unlock()

	b.sendSessionLoaded(ctx)
	b.sendSessionList(ctx)
	return id, nil
}

// SwitchSession 保存当前会话并载入 id。切换到当前会话是空操作。
func (b *Brain) SwitchSession(ctx context.Context, id string) error {
	if !chatservice.ValidID(id) {
		return chatservice.ErrInvalidID
	}

	b.turnMu.Lock()
	defer b.turnMu.Unlock()
	if id == b.opts.Sessions.CurrentID() {
		return nil
	}

	b.mu.Lock()
	b.saveLocked()
	history := b.opts.Sessions.Load(id)
	if b.opts.Sessions.CurrentID() != id {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	b.history = history
	b.screenshot = ""
	b.mu.Unlock()

	b.sendSessionLoaded(ctx)
	return nil
}

// RenameSession 修改会话标题。
func (b *Brain) RenameSession(ctx context.Context, id, title string) error {
	if !chatservice.ValidID(id) {
		return chatservice.ErrInvalidID
	}
	if !b.opts.Sessions.Rename(id, title) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	b.sendSessionList(ctx)
	return nil
}

// DeleteSession 删除会话。删除当前会话时切换到最近的会话，没有则新建。
func (b *Brain) DeleteSession(ctx context.Context, id string) error {
	if !chatservice.ValidID(id) {
		return chatservice.ErrInvalidID
	}

	b.turnMu.Lock()
	defer b.turnMu.Unlock()

	wasCurrent := id == b.opts.Sessions.CurrentID()
	b.opts.Sessions.Delete(id)

	if wasCurrent {
		b.mu.Lock()
		var history []chat.Turn
		if cur := b.opts.Sessions.CurrentID(); cur != "" {
			history = b.opts.Sessions.Load(cur)
		} else if _, err := b.opts.Sessions.Create(); err != nil {
			b.log.Warn("failed to create replacement session", zap.Error(err))
		}
		b.history = history
		b.screenshot = ""
		b.mu.Unlock()
		b.sendSessionLoaded(ctx)
	}
	b.sendSessionList(ctx)
	return nil
}

// saveLocked 保存当前历史，调用方持有 mu。
func (b *Brain) saveLocked() {
	if b.opts.Sessions.CurrentID() == "" {
		return
	}
	if err := b.opts.Sessions.Save(chat.CloneTurns(b.history)); err != nil {
		b.log.Warn("failed to save session", zap.Error(err))
	}
}

func (b *Brain) onSessionCreate(ctx context.Context, _ message.Envelope) error {
	_, err := b.CreateSession(ctx)
	return err
}

func (b *Brain) onSessionSwitch(ctx context.Context, env message.Envelope) error {
	return b.SwitchSession(ctx, env.String("session_id", ""))
}

func (b *Brain) onSessionListRequest(ctx context.Context, _ message.Envelope) error {
	b.sendSessionList(ctx)
	return nil
}

func (b *Brain) onSessionRename(ctx context.Context, env message.Envelope) error {
	err := b.RenameSession(ctx, env.String("session_id", ""), env.String("title", ""))
	if err != nil {
		b.sendSessionList(ctx)
	}
	return err
}

func (b *Brain) onSessionDelete(ctx context.Context, env message.Envelope) error {
	return b.DeleteSession(ctx, env.String("session_id", ""))
}
