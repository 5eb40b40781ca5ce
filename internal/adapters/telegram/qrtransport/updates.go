// Файл updates.go — маршрутизация push-апдейтов Telegram о быстрых ответах
// в точки входа движка. Регистрируется на диспетчере gotd; каждый обработчик
// переводит проводной апдейт в типы портов и не держит ссылок на данные gotd.
package qrtransport

import (
	"context"

	"quickreply-sync/internal/domain/quickreply"
	"quickreply-sync/internal/infra/logger"

	"github.com/gotd/td/tg"
)

// UpdateHandler связывает диспетчер апдейтов gotd с движком.
type UpdateHandler struct {
	engine *quickreply.Engine
}

// NewUpdateHandler собирает обработчик push-апдейтов для движка.
func NewUpdateHandler(engine *quickreply.Engine) *UpdateHandler {
	return &UpdateHandler{engine: engine}
}

// Register подписывает обработчики на диспетчер.
func (h *UpdateHandler) Register(d tg.UpdateDispatcher) {
	d.OnNewQuickReply(h.onNewQuickReply)
	d.OnDeleteQuickReply(h.onDeleteQuickReply)
	d.OnQuickReplyMessage(h.onQuickReplyMessage)
	d.OnDeleteQuickReplyMessages(h.onDeleteQuickReplyMessages)
}

// onNewQuickReply — создан или изменён шорткат: частичное обновление с именем
// и серверным счётчиком.
func (h *UpdateHandler) onNewQuickReply(ctx context.Context, _ tg.Entities, u *tg.UpdateNewQuickReply) error {
	rs := &quickreply.RemoteShortcut{
		ID:         quickreply.ShortcutID(u.QuickReply.ShortcutID),
		Name:       u.QuickReply.Shortcut,
		TotalCount: u.QuickReply.Count,
	}
	return h.engine.ApplyPartialUpdate(ctx, rs)
}

// onDeleteQuickReply — шорткат удалён на сервере.
func (h *UpdateHandler) onDeleteQuickReply(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteQuickReply) error {
	return h.engine.ApplyRemoteShortcutDelete(ctx, quickreply.ShortcutID(u.ShortcutID))
}

// onQuickReplyMessage — новая или отредактированная запись шортката.
func (h *UpdateHandler) onQuickReplyMessage(ctx context.Context, _ tg.Entities, u *tg.UpdateQuickReplyMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	shortcutID, has := msg.GetQuickReplyShortcutID()
	if !has {
		logger.Debugf("qrtransport: quick reply message %d without shortcut id", msg.ID)
		return nil
	}
	rm := remoteFromMessage(msg)
	if rm == nil {
		return nil
	}
	return h.engine.ApplyRemoteMessage(ctx, quickreply.ShortcutID(shortcutID), rm)
}

// onDeleteQuickReplyMessages — записи шортката удалены на сервере.
func (h *UpdateHandler) onDeleteQuickReplyMessages(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteQuickReplyMessages) error {
	serverIDs := make([]int64, 0, len(u.Messages))
	for _, id := range u.Messages {
		serverIDs = append(serverIDs, int64(id))
	}
	return h.engine.ApplyRemoteMessagesDelete(ctx, quickreply.ShortcutID(u.ShortcutID), serverIDs)
}
