// Файл send.go — машина состояний отправки и правки записей:
// создание исходящих записей, выдача запросов транспорту, fail-closed
// валидация ответов, обработка провалов (включая подавление на остановке),
// правки с поколениями и повтор провалившихся отправок.
package quickreply

import (
	"context"
	"time"

	"quickreply-sync/internal/infra/logger"

	"github.com/go-faster/errors"
)

// zeroTime — нулевое значение для сброса отметки RetryNotBefore.
var zeroTime time.Time

// SendMessage ставит запись в указанный по имени шорткат и немедленно
// запускает конвейер отправки. Шорткат создаётся, если имени ещё нет
// (намеренная политика find-or-create). ReplyTo — ответ на запись того же
// шортката; для нового шортката обязан быть нулевым.
func (e *Engine) SendMessage(ctx context.Context, name string, content MessageContent, replyTo MessageID) (*MessageEntry, error) {
	var (
		out   *MessageEntry
		opErr error
		key   msgKey
	)
	err := e.do(ctx, func() {
		if opErr = checkShortcutName(name); opErr != nil {
			return
		}
		if opErr = validateContent(content); opErr != nil {
			return
		}
		entries, submitErr := e.submitEntries(name, []MessageContent{content}, replyTo, 0)
		if submitErr != nil {
			opErr = submitErr
			return
		}
		out = entries[0].Clone()
		key = msgKey{shortcut: entries[0].ShortcutID, message: entries[0].ID}
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	e.post(func() { e.prepareAndSend(key) })
	return out, nil
}

// SendMessageGroup ставит альбом: все записи получают общий отрицательный
// идентификатор медиагруппы, а серверный запрос уходит один на весь альбом —
// после завершения загрузки каждого участника.
func (e *Engine) SendMessageGroup(ctx context.Context, name string, contents []MessageContent) ([]*MessageEntry, error) {
	var (
		out   []*MessageEntry
		opErr error
		keys  []msgKey
	)
	err := e.do(ctx, func() {
		if opErr = checkShortcutName(name); opErr != nil {
			return
		}
		if opErr = checkAlbumContent(contents); opErr != nil {
			return
		}
		for _, c := range contents {
			if opErr = validateContent(c); opErr != nil {
				return
			}
		}
		groupID := newGroupID()
		entries, submitErr := e.submitEntries(name, contents, 0, groupID)
		if submitErr != nil {
			opErr = submitErr
			return
		}
		group := &pendingGroupSend{shortcutID: entries[0].ShortcutID, groupID: groupID}
		out = make([]*MessageEntry, len(entries))
		keys = make([]msgKey, len(entries))
		for i, m := range entries {
			out[i] = m.Clone()
			keys[i] = msgKey{shortcut: m.ShortcutID, message: m.ID}
			group.slots = append(group.slots, &groupSlot{message: m.ID})
		}
		e.groups[groupID] = group
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	e.post(func() {
		for _, key := range keys {
			e.prepareAndSend(key)
		}
	})
	return out, nil
}

// submitEntries регистрирует исходящие записи в существующем или новом
// шорткате, публикует события и планирует персист. Вызывается на цикле движка;
// вся валидация выполняется до первой мутации.
func (e *Engine) submitEntries(name string, contents []MessageContent, replyTo MessageID, groupID int64) ([]*MessageEntry, error) {
	s := e.store.getByName(name)
	created := false
	if s == nil {
		if replyTo != 0 {
			return nil, validationf("reply target %d cannot exist in a new shortcut", replyTo)
		}
		if len(e.store.list) >= e.maxShortcuts {
			return nil, validationf("shortcut limit of %d reached", e.maxShortcuts)
		}
		if len(contents) > e.maxMessages {
			return nil, validationf("message limit of %d per shortcut exceeded", e.maxMessages)
		}
		s = &Shortcut{
			ID:             e.allocateLocalShortcutID(),
			Name:           name,
			MessagesLoaded: true,
		}
		e.store.insert(s)
		created = true
	} else {
		if len(s.Messages)+len(contents) > e.maxMessages {
			return nil, validationf("message limit of %d per shortcut exceeded", e.maxMessages)
		}
		if replyTo != 0 {
			if m, _ := s.findMessage(replyTo); m == nil {
				return nil, validationf("reply target %d is not in shortcut %q", replyTo, name)
			}
		}
	}

	entries := make([]*MessageEntry, 0, len(contents))
	for _, c := range contents {
		entries = append(entries, e.appendOutgoingEntry(s, c, replyTo, groupID))
	}
	e.store.verify(s)

	e.emitShortcutChanged(s)
	e.emitShortcutMessages(s)
	if created {
		e.emitShortcutList()
	}
	e.schedulePersist()
	return entries, nil
}

// issueSend выдаёт один серверный запрос на отправку указанных записей.
// Запрос адресуется серверным идентификатором шортката, если он есть, иначе
// именем (сервер создаст коллекцию). Завершение возвращается в цикл движка.
func (e *Engine) issueSend(s *Shortcut, entries []*MessageEntry) {
	req := SendRequest{
		ShortcutName: s.Name,
		Entries:      make([]SendEntry, 0, len(entries)),
	}
	if s.ID.IsServer() {
		req.ShortcutID = s.ID
	}
	keys := make([]msgKey, 0, len(entries))
	for _, m := range entries {
		se := SendEntry{RandomID: m.RandomID, Content: m.Content.Clone()}
		if m.ReplyTo.IsServer() {
			se.ReplyToServerID = m.ReplyTo.ServerID()
		}
		if req.GroupID == 0 {
			req.GroupID = m.MediaGroupID
		}
		req.Entries = append(req.Entries, se)
		keys = append(keys, msgKey{shortcut: s.ID, message: m.ID})
	}
	origin := s.ID
	e.dispatch(func(ctx context.Context) {
		res, err := e.tr.SendMessages(ctx, req)
		e.post(func() { e.onSendResult(origin, keys, res, err) })
	})
}

// onSendResult обрабатывает ответ на отправку. Указатели переразрешаются по
// ключам: записи могли быть удалены, пока запрос был в полёте.
func (e *Engine) onSendResult(origin ShortcutID, keys []msgKey, res *SendResult, err error) {
	s := e.store.get(origin)
	if s == nil {
		return // шорткат удалён; завершение осиротело
	}
	live := make([]*MessageEntry, 0, len(keys))
	for _, key := range keys {
		if _, m := e.resolveEntry(key); m != nil {
			live = append(live, m)
		}
	}
	if len(live) == 0 {
		return
	}
	if err != nil {
		e.handleSendFailure(s, live, err)
		return
	}
	if vErr := validateSendResult(s, live, res); vErr != nil {
		logger.Errorf("quickreply: shortcut %d (%s): %v", s.ID, s.Name, vErr)
		for _, m := range live {
			e.markEntryFailed(s, m, vErr)
		}
		e.store.verify(s)
		e.notifyShortcutMutated(s)
		e.reloadShortcut(s.ID)
		return
	}

	if res.ShortcutID.IsServer() && s.ID != res.ShortcutID {
		s = e.rehomeShortcut(s, res.ShortcutID)
	}
	for _, ack := range res.Acks {
		m := s.findByRandomID(ack.RandomID)
		if m == nil {
			continue
		}
		if g, ok := e.groups[m.MediaGroupID]; ok {
			delete(e.groups, g.groupID)
		}
		m.ID = NewServerMessageID(ack.ServerID)
		if ack.Content != nil {
			m.Content = ack.Content.Clone()
		}
		m.EditDate = ack.EditDate
		m.Failed = false
		m.SendError = ""
		m.RetryAllowed = false
		m.RetryNotBefore = zeroTime
		s.LocalCount--
		s.ServerCount++
	}
	s.sortMessages()
	e.store.verify(s)
	e.notifyShortcutMutated(s)
}

// validateSendResult выполняет fail-closed проверку ответа: набор random_id
// обязан в точности совпасть с запрошенным, без нулей и дубликатов; событие
// создания новой коллекции допускается не более одного раза и только когда
// целевой шорткат ещё не был серверным.
func validateSendResult(s *Shortcut, sent []*MessageEntry, res *SendResult) error {
	if res == nil {
		return protocolf("empty send response")
	}
	if len(res.Acks) != len(sent) {
		return protocolf("send response has %d acks for %d messages", len(res.Acks), len(sent))
	}
	want := make(map[int64]struct{}, len(sent))
	for _, m := range sent {
		want[m.RandomID] = struct{}{}
	}
	seenRandom := make(map[int64]struct{}, len(res.Acks))
	seenServer := make(map[int64]struct{}, len(res.Acks))
	for _, ack := range res.Acks {
		if ack.RandomID == 0 || ack.ServerID <= 0 {
			return protocolf("send response carries zero identifiers")
		}
		if _, ok := want[ack.RandomID]; !ok {
			return protocolf("send response echoes unknown random_id %d", ack.RandomID)
		}
		if _, dup := seenRandom[ack.RandomID]; dup {
			return protocolf("send response duplicates random_id %d", ack.RandomID)
		}
		if _, dup := seenServer[ack.ServerID]; dup {
			return protocolf("send response duplicates server id %d", ack.ServerID)
		}
		seenRandom[ack.RandomID] = struct{}{}
		seenServer[ack.ServerID] = struct{}{}
	}
	if res.NewShortcuts > 1 {
		return protocolf("send response reports %d new shortcuts", res.NewShortcuts)
	}
	if res.NewShortcuts == 1 && s.ID.IsServer() {
		return protocolf("send response created a shortcut but target %d is server-known", s.ID)
	}
	if !res.ShortcutID.IsServer() {
		return protocolf("send response carries non-server shortcut id %d", res.ShortcutID)
	}
	return nil
}

// rehomeShortcut переносит локальный шорткат под серверный идентификатор.
// Если сервер подтвердил его под идентификатором уже известного шортката,
// записи сливаются в существующий, старый удаляется с событием удаления.
// В обоих случаях устанавливается алиас, чтобы старые ссылки продолжали
// разрешаться.
func (e *Engine) rehomeShortcut(s *Shortcut, newID ShortcutID) *Shortcut {
	oldID := s.ID
	if existing := e.store.getDirect(newID); existing != nil && existing != s {
		for _, m := range s.Messages {
			m.ShortcutID = existing.ID
			existing.Messages = append(existing.Messages, m)
			if m.ID.IsServer() {
				existing.ServerCount++
			} else {
				existing.LocalCount++
			}
		}
		existing.sortMessages()
		e.store.remove(oldID)
		e.store.addAlias(oldID, newID)
		e.retargetGroupShortcut(oldID, newID)
		e.emitShortcutDeleted(oldID)
		e.emitShortcutList()
		logger.Debugf("quickreply: merged local shortcut %d into server shortcut %d", oldID, newID)
		return existing
	}
	s.ID = newID
	for _, m := range s.Messages {
		m.ShortcutID = newID
	}
	e.store.addAlias(oldID, newID)
	e.retargetGroupShortcut(oldID, newID)
	e.emitShortcutList()
	logger.Debugf("quickreply: shortcut %d confirmed as server shortcut %d", oldID, newID)
	return s
}

// retargetGroupShortcut обновляет принадлежность незавершённых альбомов
// после смены идентификатора шортката.
func (e *Engine) retargetGroupShortcut(oldID, newID ShortcutID) {
	for _, g := range e.groups {
		if g.shortcutID == oldID {
			g.shortcutID = newID
		}
	}
}

// handleSendFailure разбирает ошибку отправки. Устаревшая файловая ссылка и
// отсутствующие части восстанавливаются повторным прогоном шага загрузки и
// для вызывающего невидимы; остальное помечает записи провалившимися.
// На остановке процесса провалы подавляются: записи остаются yet-unsent и
// будут повторены после рестарта из персистентного состояния.
func (e *Engine) handleSendFailure(s *Shortcut, entries []*MessageEntry, err error) {
	if e.shuttingDown {
		logger.Debugf("quickreply: suppressing send failure during shutdown: %v", err)
		return
	}
	var refErr *FileReferenceError
	if errors.As(err, &refErr) {
		// Запись группы была уничтожена при выдаче запроса; без неё участники
		// альбома после перезагрузки файлов ушли бы поодиночке.
		if groupID := entries[0].MediaGroupID; groupID != 0 && len(entries) >= 2 {
			g := &pendingGroupSend{shortcutID: s.ID, groupID: groupID}
			for _, m := range entries {
				g.slots = append(g.slots, &groupSlot{
					message:  m.ID,
					finished: m.Content.File == nil,
				})
			}
			e.groups[groupID] = g
		}
		for _, m := range entries {
			if m.Content.File != nil {
				m.Content.File.RemoteRef = ""
				e.prepareAndSend(msgKey{shortcut: s.ID, message: m.ID})
			}
		}
		return
	}
	var partsErr *FilePartsMissingError
	if errors.As(err, &partsErr) {
		// Альбом собирается заново: запись группы была уничтожена при выдаче
		// запроса, без неё дозагруженные участники ушли бы поодиночке.
		if groupID := entries[0].MediaGroupID; groupID != 0 && len(entries) >= 2 {
			g := &pendingGroupSend{shortcutID: s.ID, groupID: groupID}
			for _, m := range entries {
				g.slots = append(g.slots, &groupSlot{
					message:  m.ID,
					finished: m.Content.File == nil,
				})
			}
			e.groups[groupID] = g
		}
		for _, m := range entries {
			if m.Content.File != nil {
				e.resumeEntryUpload(s, m, partsErr.Parts)
			}
		}
		return
	}
	logger.Warnf("quickreply: send to shortcut %d (%s) failed: %v", s.ID, s.Name, err)
	for _, m := range entries {
		e.markEntryFailed(s, m, err)
	}
	e.store.verify(s)
	e.notifyShortcutMutated(s)
}

// markEntryFailed переводит запись в состояние Failed: свежий идентификатор
// класса yet-unsent (чтобы никогда не столкнуться с будущим серверным),
// флаг повторяемости только для транзиентных ошибок и отметка "не раньше"
// из серверной подсказки.
func (e *Engine) markEntryFailed(s *Shortcut, m *MessageEntry, err error) {
	oldID := m.ID
	m.ID = s.nextMessageID(ClassYetUnsent)
	m.Failed = true
	m.SendError = err.Error()
	if te, ok := AsTransient(err); ok {
		m.RetryAllowed = true
		m.RetryNotBefore = e.clock().Add(te.RetryAfter)
	} else {
		m.RetryAllowed = false
		m.RetryNotBefore = zeroTime
	}
	e.updateGroupSlotID(m.MediaGroupID, oldID, m.ID)
	s.sortMessages()
}

// ResendFailedMessages повторяет провалившиеся отправки. Запрос валидируется
// целиком до какой-либо мутации: идентификаторы строго возрастают, каждая
// запись провалена, её ошибка транзиентна и срок ожидания истёк. Альбомные
// идентификаторы перегенерируются только для групп, в которых осталось не
// меньше двух участников.
func (e *Engine) ResendFailedMessages(ctx context.Context, shortcutID ShortcutID, ids []MessageID) error {
	var (
		opErr error
		keys  []msgKey
	)
	err := e.do(ctx, func() {
		s := e.store.get(shortcutID)
		if s == nil {
			opErr = validationf("unknown shortcut id %d", shortcutID)
			return
		}
		if len(ids) == 0 {
			opErr = validationf("no messages to resend")
			return
		}
		now := e.clock()
		entries := make([]*MessageEntry, 0, len(ids))
		for i, id := range ids {
			if i > 0 && ids[i-1] >= id {
				opErr = validationf("resend ids must be strictly increasing")
				return
			}
			m, _ := s.findMessage(id)
			if m == nil {
				opErr = validationf("unknown message id %d in shortcut %d", id, s.ID)
				return
			}
			if !m.Failed {
				opErr = validationf("message %d is not in failed state", id)
				return
			}
			if !m.RetryAllowed {
				opErr = validationf("message %d failed with a non-retryable error", id)
				return
			}
			if m.RetryNotBefore.After(now) {
				opErr = validationf("message %d is rate-limited until %s", id, m.RetryNotBefore)
				return
			}
			entries = append(entries, m)
		}

		// Сколько участников каждой группы попало в запрос.
		groupSizes := make(map[int64]int)
		for _, m := range entries {
			if m.MediaGroupID != 0 {
				groupSizes[m.MediaGroupID]++
			}
		}
		groupRemap := make(map[int64]int64)
		for old, n := range groupSizes {
			if n >= 2 {
				groupRemap[old] = newGroupID()
			} else {
				groupRemap[old] = 0
			}
		}

		keys = make([]msgKey, 0, len(entries))
		for _, m := range entries {
			m.Failed = false
			m.SendError = ""
			m.RetryAllowed = false
			m.RetryNotBefore = zeroTime
			m.RandomID = newRandomID()
			if m.MediaGroupID != 0 {
				m.MediaGroupID = groupRemap[m.MediaGroupID]
			}
			keys = append(keys, msgKey{shortcut: s.ID, message: m.ID})
		}
		for _, newGroup := range groupRemap {
			if newGroup == 0 {
				continue
			}
			g := &pendingGroupSend{shortcutID: s.ID, groupID: newGroup}
			for _, m := range entries {
				if m.MediaGroupID == newGroup {
					g.slots = append(g.slots, &groupSlot{message: m.ID})
				}
			}
			e.groups[newGroup] = g
		}
		e.store.verify(s)
		e.notifyShortcutMutated(s)
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	e.post(func() {
		for _, key := range keys {
			e.prepareAndSend(key)
		}
	})
	return nil
}

// EditMessage запускает правку серверной записи: новое содержимое обязано
// быть совместимо по виду со старым, запись получает новое поколение правки,
// наблюдатели немедленно видят оверлей. Ответы с устаревшим поколением
// отбрасываются; провал откатывает оверлей.
func (e *Engine) EditMessage(ctx context.Context, shortcutID ShortcutID, messageID MessageID, content MessageContent) error {
	var (
		opErr      error
		key        msgKey
		gen        int64
		needUpload bool
	)
	err := e.do(ctx, func() {
		s := e.store.get(shortcutID)
		if s == nil {
			opErr = validationf("unknown shortcut id %d", shortcutID)
			return
		}
		m, _ := s.findMessage(messageID)
		if m == nil {
			opErr = validationf("unknown message id %d in shortcut %d", messageID, s.ID)
			return
		}
		if !m.ID.IsServer() {
			opErr = validationf("only server-confirmed messages can be edited")
			return
		}
		if opErr = validateContent(content); opErr != nil {
			return
		}
		if opErr = checkEditCompatibility(m.Content.Kind, content.Kind, m.MediaGroupID != 0); opErr != nil {
			return
		}
		e.nextEditGen++
		gen = e.nextEditGen
		m.EditGeneration = gen
		overlay := content.Clone()
		m.EditedContent = &overlay
		key = msgKey{shortcut: s.ID, message: m.ID}
		needUpload = overlay.needsUpload()
		e.notifyShortcutMutated(s)
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	if needUpload {
		e.post(func() { e.startEditUpload(key, gen) })
	} else {
		e.post(func() { e.dispatchEdit(key, gen) })
	}
	return nil
}

// dispatchEdit выдаёт серверный запрос правки для текущего оверлея записи.
func (e *Engine) dispatchEdit(key msgKey, gen int64) {
	s, m := e.resolveEntry(key)
	if s == nil || m == nil || m.EditGeneration != gen || m.EditedContent == nil {
		return // запись исчезла или правка уже вытеснена следующей
	}
	req := EditRequest{
		ShortcutID: s.ID,
		ServerID:   m.ID.ServerID(),
		Content:    m.EditedContent.Clone(),
	}
	e.dispatch(func(ctx context.Context) {
		res, err := e.tr.EditMessage(ctx, req)
		e.post(func() { e.onEditResult(key, gen, res, err) })
	})
}

// onEditResult применяет итог правки. Устаревшее поколение — no-op; провал
// откатывает оверлей (откат и есть терминальное восстановление); ответ
// "не изменилось" трактуется как успех со старым содержимым.
func (e *Engine) onEditResult(key msgKey, gen int64, res *EditResult, err error) {
	s, m := e.resolveEntry(key)
	if s == nil || m == nil {
		return
	}
	if m.EditGeneration != gen {
		return // запись уже правится заново; результат устарел
	}
	if err != nil {
		if e.shuttingDown {
			// Оверлей остаётся: правка будет повторена после рестарта.
			return
		}
		logger.Warnf("quickreply: edit of message %d in shortcut %d failed: %v", m.ID, s.ID, err)
		m.EditedContent = nil
		e.notifyShortcutMutated(s)
		return
	}
	if res != nil && res.NotModified {
		m.EditedContent = nil
		e.notifyShortcutMutated(s)
		return
	}
	if res != nil && res.Content != nil {
		m.Content = res.Content.Clone()
	} else if m.EditedContent != nil {
		m.Content = *m.EditedContent
	}
	if res != nil {
		m.EditDate = res.EditDate
	}
	m.EditedContent = nil
	e.notifyShortcutMutated(s)
}
