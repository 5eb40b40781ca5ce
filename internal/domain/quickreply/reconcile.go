// Файл reconcile.go — слияние серверного состояния с локальным: применение
// полного снапшота списка шорткатов, полного списка записей одного шортката
// и частичного обновления (головная запись плюс серверный счётчик).
//
// Правила слияния: сервер авторитетен для серверных записей, локальная
// незавершённая работа (yet-unsent, failed, оверлеи правок) переживает любую
// реконсиляцию; надгробия локальных удалений не дают снапшоту воскресить то,
// что пользователь уже удалил; устаревшие данные распознаются по edit_date.
package quickreply

import (
	"context"

	"quickreply-sync/internal/infra/logger"
)

// applyFullSnapshot сливает авторитетный список шорткатов. Порядок списка —
// серверный; локальные шорткаты с незавершённой работой сохраняются в хвосте
// с прежним относительным порядком. События удаления публикуются до события
// списка. Вызывается на цикле движка.
func (e *Engine) applyFullSnapshot(snap *RemoteSnapshot) {
	oldIDs := e.store.ids()
	seenIDs := make(map[ShortcutID]struct{}, len(snap.Shortcuts))
	seenNames := make(map[string]struct{}, len(snap.Shortcuts))
	newList := make([]*Shortcut, 0, len(snap.Shortcuts))
	var changed []*Shortcut
	var deleted []ShortcutID
	emptied := make(map[ShortcutID]struct{})

	for _, rs := range snap.Shortcuts {
		if !rs.ID.IsServer() {
			logger.Warnf("quickreply: snapshot carries non-server shortcut id %d, skipping", rs.ID)
			continue
		}
		if _, dup := seenIDs[rs.ID]; dup {
			logger.Warnf("quickreply: snapshot duplicates shortcut id %d, skipping", rs.ID)
			continue
		}
		if _, dup := seenNames[rs.Name]; dup {
			logger.Warnf("quickreply: snapshot duplicates shortcut name %q, skipping", rs.Name)
			continue
		}
		if _, dead := e.deletedShortcuts[rs.ID]; dead {
			continue // удалён локально, RPC ещё в полёте
		}
		seenIDs[rs.ID] = struct{}{}
		seenNames[rs.Name] = struct{}{}

		var s *Shortcut
		switch {
		case e.store.getDirect(rs.ID) != nil:
			s = e.store.getDirect(rs.ID)
			merged := false
			if local := e.localByName(rs.Name); local != nil && local != s {
				// Имя локального шортката занято сервером под уже известным
				// идентификатором: локальные записи переезжают в серверный.
				e.absorbLocalShortcut(s, local)
				deleted = append(deleted, local.ID)
				merged = true
			}
			if e.updateShortcutFrom(s, rs) || merged {
				changed = append(changed, s)
			}
		case e.localByName(rs.Name) != nil:
			// Локально созданный шорткат подтверждён сервером под этим именем:
			// переносим под серверный идентификатор и сливаем записи.
			s = e.localByName(rs.Name)
			oldID := s.ID
			s.ID = rs.ID
			for _, m := range s.Messages {
				m.ShortcutID = rs.ID
			}
			e.store.addAlias(oldID, rs.ID)
			e.retargetGroupShortcut(oldID, rs.ID)
			e.updateShortcutFrom(s, rs)
			changed = append(changed, s)
		default:
			s = e.newShortcutFromRemote(rs)
			if s == nil {
				continue
			}
			changed = append(changed, s)
		}
		if len(s.Messages) == 0 && s.ServerCount == 0 {
			// Шорткат опустел (например, все записи затомбстоунены) — пустые
			// шорткаты не существуют.
			e.cleanupShortcutPending(s.ID)
			emptied[s.ID] = struct{}{}
			deleted = append(deleted, s.ID)
			continue
		}
		newList = append(newList, s)
	}

	for _, s := range e.store.list {
		if _, ok := seenIDs[s.ID]; ok {
			continue
		}
		if s.ID.IsLocal() && len(s.Messages) > 0 {
			newList = append(newList, s)
			continue
		}
		e.cleanupShortcutPending(s.ID)
		deleted = append(deleted, s.ID)
	}

	e.store.list = newList
	for _, s := range newList {
		e.store.verify(s)
	}

	for _, id := range deleted {
		e.emitShortcutDeleted(id)
	}
	for _, s := range changed {
		if _, gone := emptied[s.ID]; gone {
			continue
		}
		e.emitShortcutChanged(s)
		e.emitShortcutMessages(s)
	}
	newIDs := e.store.ids()
	if len(deleted) > 0 || !equalShortcutIDs(oldIDs, newIDs) {
		e.emitShortcutList()
	}
	if len(deleted) > 0 || len(changed) > 0 || !equalShortcutIDs(oldIDs, newIDs) {
		e.schedulePersist()
	}
}

// localByName ищет локально созданный (не серверный) шорткат по имени.
func (e *Engine) localByName(name string) *Shortcut {
	s := e.store.getByName(name)
	if s != nil && s.ID.IsLocal() {
		return s
	}
	return nil
}

// absorbLocalShortcut переносит записи локального шортката в серверный с тем
// же именем и удаляет локальный из таблицы. Старый идентификатор получает
// алиас, чтобы незавершённая работа продолжала разрешаться. События публикует
// вызывающий.
func (e *Engine) absorbLocalShortcut(dst, src *Shortcut) {
	for _, m := range src.Messages {
		m.ShortcutID = dst.ID
		dst.Messages = append(dst.Messages, m)
		if m.ID.IsServer() {
			dst.ServerCount++
		} else {
			dst.LocalCount++
		}
	}
	dst.sortMessages()
	e.store.remove(src.ID)
	e.store.addAlias(src.ID, dst.ID)
	e.retargetGroupShortcut(src.ID, dst.ID)
	logger.Debugf("quickreply: merged local shortcut %d into server shortcut %d", src.ID, dst.ID)
}

// cleanupShortcutPending отменяет активные загрузки и альбомные отправки
// шортката, удаляемого в обход dropShortcutLocally.
func (e *Engine) cleanupShortcutPending(id ShortcutID) {
	for token, slot := range e.uploads {
		if e.store.resolveID(slot.key.shortcut) == id {
			delete(e.uploads, token)
			if e.uploader != nil {
				e.uploader.Cancel(token)
			}
		}
	}
	for groupID, g := range e.groups {
		if e.store.resolveID(g.shortcutID) == id {
			delete(e.groups, groupID)
		}
	}
}

// applyRemoteShortcutFull применяет полный авторитетный список записей одного
// шортката (ответ перезагрузки). Вызывается на цикле движка.
func (e *Engine) applyRemoteShortcutFull(rs *RemoteShortcut) {
	if _, dead := e.deletedShortcuts[rs.ID]; dead {
		return
	}
	s := e.store.getDirect(rs.ID)
	if s == nil {
		if s = e.localByName(rs.Name); s != nil {
			oldID := s.ID
			s.ID = rs.ID
			for _, m := range s.Messages {
				m.ShortcutID = rs.ID
			}
			e.store.addAlias(oldID, rs.ID)
			e.retargetGroupShortcut(oldID, rs.ID)
		} else {
			if rs.Name == "" {
				return // неизвестный шорткат без имени создавать не из чего
			}
			created := e.newShortcutFromRemote(rs)
			if created == nil {
				return
			}
			e.store.insert(created)
			e.store.verify(created)
			e.emitShortcutChanged(created)
			e.emitShortcutMessages(created)
			e.emitShortcutList()
			e.schedulePersist()
			return
		}
	}
	e.updateShortcutFrom(s, rs)
	if len(s.Messages) == 0 {
		e.dropShortcutLocally(s)
		return
	}
	e.store.verify(s)
	e.notifyShortcutMutated(s)
}

// applyPartialShortcutUpdate применяет частичное обновление одного шортката:
// головную запись и серверный счётчик. Вызывается на цикле движка.
func (e *Engine) applyPartialShortcutUpdate(rs *RemoteShortcut) {
	if _, dead := e.deletedShortcuts[rs.ID]; dead {
		return
	}
	if !rs.ID.IsServer() {
		logger.Warnf("quickreply: partial update carries non-server shortcut id %d", rs.ID)
		return
	}
	s := e.store.getDirect(rs.ID)
	if s == nil {
		if s = e.localByName(rs.Name); s != nil {
			oldID := s.ID
			s.ID = rs.ID
			for _, m := range s.Messages {
				m.ShortcutID = rs.ID
			}
			e.store.addAlias(oldID, rs.ID)
			e.retargetGroupShortcut(oldID, rs.ID)
			e.updateShortcutFrom(s, rs)
			e.store.verify(s)
			e.emitShortcutChanged(s)
			e.emitShortcutMessages(s)
			e.emitShortcutList()
			e.schedulePersist()
			return
		}
		created := e.newShortcutFromRemote(rs)
		if created == nil {
			return
		}
		e.store.insert(created)
		e.store.verify(created)
		e.emitShortcutChanged(created)
		e.emitShortcutList()
		e.schedulePersist()
		return
	}
	if e.updateShortcutFrom(s, rs) {
		e.store.verify(s)
		e.notifyShortcutMutated(s)
	}
}

// updateShortcutFrom сливает серверные данные в существующий шорткат;
// сообщает, изменилось ли наблюдаемое состояние.
func (e *Engine) updateShortcutFrom(s *Shortcut, rs *RemoteShortcut) bool {
	changed := false
	// Ответ со списком записей не несёт имени; пустое имя не затирает известное.
	if rs.Name != "" && s.Name != rs.Name {
		s.Name = rs.Name
		changed = true
	}
	if rs.IsFull {
		if e.mergeFullMessages(s, rs) {
			changed = true
		}
	} else if e.mergePartialMessages(s, rs) {
		changed = true
	}
	return changed
}

// mergeFullMessages заменяет серверную часть списка записей авторитетным
// списком, сохраняя локальную работу и существующие записи (их правки и
// метаданные переживают слияние).
func (e *Engine) mergeFullMessages(s *Shortcut, rs *RemoteShortcut) bool {
	changed := false
	seen := make(map[int64]struct{}, len(rs.Messages))
	next := make([]*MessageEntry, 0, len(rs.Messages)+s.residentLocalCount())
	for _, rm := range rs.Messages {
		if rm.ServerID <= 0 {
			logger.Warnf("quickreply: shortcut %d: dropping message with server id %d", rs.ID, rm.ServerID)
			continue
		}
		if _, dup := seen[rm.ServerID]; dup {
			logger.Warnf("quickreply: shortcut %d: duplicate server message %d", rs.ID, rm.ServerID)
			continue
		}
		if _, dead := e.deletedMessages[msgKey{shortcut: s.ID, message: NewServerMessageID(rm.ServerID)}]; dead {
			continue
		}
		seen[rm.ServerID] = struct{}{}
		if old := s.findServerMessage(rm.ServerID); old != nil {
			if refreshServerEntry(old, rm) {
				changed = true
			}
			next = append(next, old)
		} else {
			next = append(next, remoteToEntry(s.ID, rm))
			changed = true
		}
	}
	for _, m := range s.Messages {
		if m.ID.IsServer() {
			if _, kept := seen[m.ID.ServerID()]; !kept {
				changed = true // сервер больше не знает эту запись
			}
			continue
		}
		next = append(next, m)
	}
	s.Messages = next
	s.sortMessages()
	s.ServerCount = s.residentServerCount()
	s.LocalCount = s.residentLocalCount()
	if !s.MessagesLoaded {
		s.MessagesLoaded = true
		changed = true
	}
	return changed
}

// mergePartialMessages применяет частичное обновление: головная серверная
// запись обновляется или добавляется, серверные записи с меньшими
// идентификаторами вытесняются (головная — наименьшая, значит их больше нет),
// бóльшие сохраняются до полной перезагрузки. Серверный счётчик не опускается
// ниже числа резидентных серверных записей.
func (e *Engine) mergePartialMessages(s *Shortcut, rs *RemoteShortcut) bool {
	changed := false
	if len(rs.Messages) > 0 {
		head := rs.Messages[0]
		headID := NewServerMessageID(head.ServerID)
		if head.ServerID <= 0 {
			logger.Warnf("quickreply: shortcut %d: partial update with server id %d", rs.ID, head.ServerID)
		} else if _, dead := e.deletedMessages[msgKey{shortcut: s.ID, message: headID}]; !dead {
			if old := s.findServerMessage(head.ServerID); old != nil {
				if refreshServerEntry(old, head) {
					changed = true
				}
			} else {
				s.Messages = append(s.Messages, remoteToEntry(s.ID, head))
				changed = true
			}
			kept := s.Messages[:0]
			for _, m := range s.Messages {
				if m.ID.IsServer() && m.ID < headID {
					changed = true
					continue
				}
				kept = append(kept, m)
			}
			s.Messages = kept
		}
	}
	s.sortMessages()
	resident := s.residentServerCount()
	count := rs.TotalCount
	if count < 0 {
		// Отрицательный счётчик — «не сообщён»: прежний остаётся в силе.
		count = s.ServerCount
	}
	if count < resident {
		count = resident
	}
	if s.ServerCount != count {
		s.ServerCount = count
		changed = true
	}
	loaded := resident == count
	if s.MessagesLoaded != loaded {
		s.MessagesLoaded = loaded
		changed = true
	}
	s.LocalCount = s.residentLocalCount()
	return changed
}

// refreshServerEntry обновляет резидентную серверную запись данными сервера.
// Запись с меньшим edit_date считается устаревшей и игнорируется; оверлей
// незавершённой правки не трогается.
func refreshServerEntry(old *MessageEntry, rm *RemoteMessage) bool {
	if rm.EditDate < old.EditDate {
		return false
	}
	changed := false
	if rm.EditDate > old.EditDate {
		old.EditDate = rm.EditDate
		old.Content = rm.Content.Clone()
		changed = true
	}
	replyTo := MessageID(0)
	if rm.ReplyToServerID > 0 {
		replyTo = NewServerMessageID(rm.ReplyToServerID)
	}
	if old.ReplyTo != replyTo {
		old.ReplyTo = replyTo
		changed = true
	}
	if rm.MediaGroupID != 0 && old.MediaGroupID != rm.MediaGroupID {
		old.MediaGroupID = rm.MediaGroupID
		changed = true
	}
	return changed
}

// remoteToEntry переводит серверную запись во внутреннее представление.
func remoteToEntry(shortcutID ShortcutID, rm *RemoteMessage) *MessageEntry {
	m := &MessageEntry{
		ID:           NewServerMessageID(rm.ServerID),
		ShortcutID:   shortcutID,
		Content:      rm.Content.Clone(),
		EditDate:     rm.EditDate,
		MediaGroupID: rm.MediaGroupID,
	}
	if rm.ReplyToServerID > 0 {
		m.ReplyTo = NewServerMessageID(rm.ReplyToServerID)
	}
	return m
}

// newShortcutFromRemote создаёт шорткат из серверных данных; nil, если после
// фильтрации надгробий он оказался пустым и серверный счётчик нулевой.
func (e *Engine) newShortcutFromRemote(rs *RemoteShortcut) *Shortcut {
	s := &Shortcut{ID: rs.ID, Name: rs.Name}
	seen := make(map[int64]struct{}, len(rs.Messages))
	for _, rm := range rs.Messages {
		if rm.ServerID <= 0 {
			logger.Warnf("quickreply: shortcut %d: dropping message with server id %d", rs.ID, rm.ServerID)
			continue
		}
		if _, dup := seen[rm.ServerID]; dup {
			logger.Warnf("quickreply: shortcut %d: duplicate server message %d", rs.ID, rm.ServerID)
			continue
		}
		if _, dead := e.deletedMessages[msgKey{shortcut: rs.ID, message: NewServerMessageID(rm.ServerID)}]; dead {
			continue
		}
		seen[rm.ServerID] = struct{}{}
		s.Messages = append(s.Messages, remoteToEntry(rs.ID, rm))
	}
	s.sortMessages()
	s.ServerCount = len(s.Messages)
	s.MessagesLoaded = rs.IsFull
	if !rs.IsFull && rs.TotalCount > s.ServerCount {
		s.ServerCount = rs.TotalCount
		s.MessagesLoaded = false
	}
	if len(s.Messages) == 0 && s.ServerCount == 0 {
		return nil
	}
	return s
}

// ApplyRemoteMessage применяет одиночную серверную запись (новую или
// отредактированную), пришедшую push-потоком. Шорткат обязан быть известен;
// иначе запись игнорируется — членство придёт со следующим снапшотом.
func (e *Engine) ApplyRemoteMessage(ctx context.Context, id ShortcutID, rm *RemoteMessage) error {
	return e.do(ctx, func() {
		if rm == nil || rm.ServerID <= 0 {
			return
		}
		if _, dead := e.deletedShortcuts[id]; dead {
			return
		}
		if _, dead := e.deletedMessages[msgKey{shortcut: id, message: NewServerMessageID(rm.ServerID)}]; dead {
			return
		}
		s := e.store.getDirect(id)
		if s == nil {
			return
		}
		changed := false
		if old := s.findServerMessage(rm.ServerID); old != nil {
			changed = refreshServerEntry(old, rm)
		} else {
			s.Messages = append(s.Messages, remoteToEntry(s.ID, rm))
			s.sortMessages()
			changed = true
		}
		if resident := s.residentServerCount(); s.MessagesLoaded {
			s.ServerCount = resident
		} else if s.ServerCount < resident {
			s.ServerCount = resident
		}
		if changed {
			e.store.verify(s)
			e.notifyShortcutMutated(s)
		}
	})
}

// ApplyRemoteShortcutDelete применяет удаление шортката, пришедшее с сервера.
// Неизвестный идентификатор — no-op. Точка входа push-потока транспорта.
func (e *Engine) ApplyRemoteShortcutDelete(ctx context.Context, id ShortcutID) error {
	return e.do(ctx, func() {
		s := e.store.getDirect(id)
		if s == nil {
			return
		}
		e.dropShortcutLocally(s)
	})
}

// ApplyRemoteMessagesDelete применяет удаление серверных записей, пришедшее
// с сервера. Локальная работа не затрагивается; опустевший шорткат удаляется.
// Точка входа push-потока транспорта.
func (e *Engine) ApplyRemoteMessagesDelete(ctx context.Context, id ShortcutID, serverIDs []int64) error {
	return e.do(ctx, func() {
		s := e.store.getDirect(id)
		if s == nil {
			return
		}
		changed := false
		for _, sid := range serverIDs {
			if m, idx := s.findMessage(NewServerMessageID(sid)); m != nil {
				s.removeMessageAt(idx)
				changed = true
			}
		}
		if !changed {
			return
		}
		if len(s.Messages) == 0 {
			e.dropShortcutLocally(s)
			return
		}
		e.store.verify(s)
		e.notifyShortcutMutated(s)
	})
}
