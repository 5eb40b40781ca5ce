// Файл upload.go — конвейер подготовки записи к отправке: загрузка файла и
// миниатюры с корреляцией по токену, возобновление по отсутствующим частям,
// гейтинг альбомов (один серверный запрос на всю группу) и отмена загрузок
// при удалении записей.
package quickreply

import (
	"context"

	"quickreply-sync/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// uploadSlot — активная загрузка: чья она (ключ записи), грузится ли миниатюра
// и относится ли загрузка к правке (тогда результат применяется к оверлею и
// сверяется с поколением).
type uploadSlot struct {
	key     msgKey
	thumb   bool
	isEdit  bool
	editGen int64
}

// pendingGroupSend — незавершённая альбомная отправка. Слоты перечислены в
// порядке постановки; серверный запрос уходит один раз, когда каждый слот
// завершён, провален или удалён. Провал любого слота проваливает всю группу.
type pendingGroupSend struct {
	shortcutID ShortcutID
	groupID    int64
	slots      []*groupSlot
	failErr    error
}

type groupSlot struct {
	message  MessageID
	finished bool
	failed   bool
	deleted  bool
}

func (g *pendingGroupSend) slotFor(id MessageID) *groupSlot {
	for _, sl := range g.slots {
		if sl.message == id {
			return sl
		}
	}
	return nil
}

// settled — все слоты достигли терминального состояния.
func (g *pendingGroupSend) settled() bool {
	for _, sl := range g.slots {
		if !sl.finished && !sl.failed && !sl.deleted {
			return false
		}
	}
	return true
}

// prepareAndSend готовит запись к отправке: загружает файл и миниатюру, если
// нужно, затем передаёт запись в issueSend (напрямую или через гейт альбома).
// Вызывается на цикле движка; запись могла исчезнуть — тогда no-op.
func (e *Engine) prepareAndSend(key msgKey) {
	_, m := e.resolveEntry(key)
	if m == nil {
		return
	}
	switch {
	case m.Content.File.needsUpload():
		e.startUpload(key, false, false, 0)
	case m.Content.Thumb.needsUpload():
		e.startUpload(key, true, false, 0)
	default:
		e.onEntryReadyToSend(key)
	}
}

// startEditUpload — аналог prepareAndSend для оверлея правки.
func (e *Engine) startEditUpload(key msgKey, gen int64) {
	_, m := e.resolveEntry(key)
	if m == nil || m.EditedContent == nil || m.EditGeneration != gen {
		return
	}
	switch {
	case m.EditedContent.File.needsUpload():
		e.startUpload(key, false, true, gen)
	case m.EditedContent.Thumb.needsUpload():
		e.startUpload(key, true, true, gen)
	default:
		e.dispatchEdit(key, gen)
	}
}

// startUpload выдаёт загрузку файла или миниатюры загрузчику. Корреляция —
// через uuid-токен: завершение возвращается в цикл движка и переразрешает
// запись по ключу, поэтому гонка с удалением безопасна.
func (e *Engine) startUpload(key msgKey, thumb, isEdit bool, gen int64) {
	s, m := e.resolveEntry(key)
	if s == nil || m == nil {
		return
	}
	content := e.slotContent(m, uploadSlot{isEdit: isEdit, editGen: gen})
	if content == nil {
		return
	}
	if e.uploader == nil {
		err := validationf("content requires a file upload but no uploader is configured")
		if isEdit {
			e.failEdit(key, gen, err)
		} else {
			e.failEntrySend(key, err)
		}
		return
	}
	src := content.File
	if thumb {
		src = content.Thumb
	}
	token := uuid.NewString()
	e.uploads[token] = uploadSlot{key: key, thumb: thumb, isEdit: isEdit, editGen: gen}
	done := func(res UploadResult) {
		e.post(func() { e.onUploadResult(token, res) })
	}
	e.uploader.Upload(e.uploadCtx(), token, *src, done)
}

// uploadCtx — контекст для вызовов загрузчика.
func (e *Engine) uploadCtx() context.Context {
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// slotContent возвращает содержимое, к которому относится загрузка: оверлей
// правки (с проверкой поколения) или подтверждённое содержимое. nil — загрузка
// устарела.
func (e *Engine) slotContent(m *MessageEntry, slot uploadSlot) *MessageContent {
	if slot.isEdit {
		if m.EditedContent == nil || m.EditGeneration != slot.editGen {
			return nil
		}
		return m.EditedContent
	}
	return &m.Content
}

// onUploadResult обрабатывает завершение загрузки. Неизвестный токен означает
// отменённую загрузку. Отсутствующие части дозагружаются тем же токеном;
// провал миниатюры деградирует отправку до файла без миниатюры.
func (e *Engine) onUploadResult(token string, res UploadResult) {
	slot, ok := e.uploads[token]
	if !ok {
		return // загрузка отменена, пока результат был в полёте
	}
	delete(e.uploads, token)
	_, m := e.resolveEntry(slot.key)
	if m == nil {
		return
	}
	content := e.slotContent(m, slot)
	if content == nil {
		return
	}

	if res.Err != nil {
		var partsErr *FilePartsMissingError
		if errors.As(res.Err, &partsErr) {
			src := content.File
			if slot.thumb {
				src = content.Thumb
			}
			e.uploads[token] = slot
			done := func(r UploadResult) {
				e.post(func() { e.onUploadResult(token, r) })
			}
			e.uploader.Resume(e.uploadCtx(), token, *src, partsErr.Parts, done)
			return
		}
		if slot.thumb {
			logger.Warnf("quickreply: thumbnail upload for message %d failed, sending without it: %v",
				m.ID, res.Err)
			content.Thumb = nil
			e.afterFileReady(slot)
			return
		}
		if slot.isEdit {
			e.failEdit(slot.key, slot.editGen, res.Err)
			return
		}
		e.failEntrySend(slot.key, res.Err)
		return
	}

	if slot.thumb {
		content.Thumb.RemoteRef = res.Ref
		e.afterFileReady(slot)
		return
	}
	content.File.RemoteRef = res.Ref
	if content.Thumb.needsUpload() {
		e.startUpload(slot.key, true, slot.isEdit, slot.editGen)
		return
	}
	e.afterFileReady(slot)
}

// afterFileReady — все файлы записи загружены: персистим полученные ссылки
// и передаём запись дальше по конвейеру.
func (e *Engine) afterFileReady(slot uploadSlot) {
	e.schedulePersist()
	if slot.isEdit {
		e.dispatchEdit(slot.key, slot.editGen)
		return
	}
	e.onEntryReadyToSend(slot.key)
}

// onEntryReadyToSend выдаёт отправку записи или отмечает её слот в альбоме.
// Запись без живой группы (например, после рестарта) отправляется одиночно.
func (e *Engine) onEntryReadyToSend(key msgKey) {
	s, m := e.resolveEntry(key)
	if s == nil || m == nil {
		return
	}
	if m.MediaGroupID != 0 {
		if g, ok := e.groups[m.MediaGroupID]; ok {
			if sl := g.slotFor(m.ID); sl != nil {
				sl.finished = true
			}
			if g.settled() {
				e.finishGroup(g)
			}
			return
		}
	}
	e.issueSend(s, []*MessageEntry{m})
}

// failEntrySend проваливает подготовку записи: одиночная запись помечается
// Failed немедленно, участник альбома — через слот группы (вся группа
// провалится единообразно, частичный альбом не отправляется). На остановке
// провалы подавляются.
func (e *Engine) failEntrySend(key msgKey, err error) {
	if e.shuttingDown {
		logger.Debugf("quickreply: suppressing upload failure during shutdown: %v", err)
		return
	}
	s, m := e.resolveEntry(key)
	if s == nil || m == nil {
		return
	}
	if m.MediaGroupID != 0 {
		if g, ok := e.groups[m.MediaGroupID]; ok {
			if sl := g.slotFor(m.ID); sl != nil {
				sl.failed = true
			}
			if g.failErr == nil {
				g.failErr = err
			}
			if g.settled() {
				e.finishGroup(g)
			}
			return
		}
	}
	e.markEntryFailed(s, m, err)
	e.store.verify(s)
	e.notifyShortcutMutated(s)
}

// failEdit откатывает оверлей правки (если поколение актуально). На остановке
// оверлей сохраняется и будет повторён после рестарта.
func (e *Engine) failEdit(key msgKey, gen int64, err error) {
	s, m := e.resolveEntry(key)
	if s == nil || m == nil || m.EditGeneration != gen || m.EditedContent == nil {
		return
	}
	if e.shuttingDown {
		return
	}
	logger.Warnf("quickreply: edit of message %d failed before dispatch: %v", m.ID, err)
	m.EditedContent = nil
	e.notifyShortcutMutated(s)
}

// finishGroup завершает альбом: при провале любого слота все живые участники
// проваливаются с общей ошибкой, иначе уходит один пакетный запрос. Запись
// группы уничтожается в любом случае.
func (e *Engine) finishGroup(g *pendingGroupSend) {
	delete(e.groups, g.groupID)
	s := e.store.get(g.shortcutID)
	if s == nil {
		return
	}
	entries := make([]*MessageEntry, 0, len(g.slots))
	for _, sl := range g.slots {
		if sl.deleted {
			continue
		}
		if m, _ := s.findMessage(sl.message); m != nil {
			entries = append(entries, m)
		}
	}
	if len(entries) == 0 {
		return
	}
	if g.failErr != nil {
		logger.Warnf("quickreply: group %d to shortcut %d failed: %v", g.groupID, s.ID, g.failErr)
		for _, m := range entries {
			e.markEntryFailed(s, m, g.failErr)
		}
		e.store.verify(s)
		e.notifyShortcutMutated(s)
		return
	}
	e.issueSend(s, entries)
}

// resumeEntryUpload перезапускает загрузку файла записи по списку
// отсутствующих частей (ответ сервера на отправку с неполной загрузкой).
func (e *Engine) resumeEntryUpload(s *Shortcut, m *MessageEntry, missingParts []int) {
	if e.uploader == nil || m.Content.File == nil {
		e.markEntryFailed(s, m, protocolf("server reports missing file parts but entry has no upload"))
		e.store.verify(s)
		e.notifyShortcutMutated(s)
		return
	}
	key := msgKey{shortcut: s.ID, message: m.ID}
	token := uuid.NewString()
	e.uploads[token] = uploadSlot{key: key}
	done := func(res UploadResult) {
		e.post(func() { e.onUploadResult(token, res) })
	}
	e.uploader.Resume(e.uploadCtx(), token, *m.Content.File, missingParts, done)
}

// cancelEntryUploads отменяет все активные загрузки записи.
func (e *Engine) cancelEntryUploads(key msgKey) {
	for token, slot := range e.uploads {
		if slot.key == key {
			delete(e.uploads, token)
			if e.uploader != nil {
				e.uploader.Cancel(token)
			}
		}
	}
}

// detachFromGroup помечает слот записи удалённым. Если после этого группа
// оказалась завершена, остаток альбома отправляется (или проваливается).
func (e *Engine) detachFromGroup(m *MessageEntry) {
	if m.MediaGroupID == 0 {
		return
	}
	g, ok := e.groups[m.MediaGroupID]
	if !ok {
		return
	}
	if sl := g.slotFor(m.ID); sl != nil {
		sl.deleted = true
	}
	if g.settled() {
		e.finishGroup(g)
	}
}

// updateGroupSlotID обновляет идентификатор записи в слоте её группы после
// смены идентификатора (перевод в состояние Failed).
func (e *Engine) updateGroupSlotID(groupID int64, oldID, newID MessageID) {
	if groupID == 0 {
		return
	}
	g, ok := e.groups[groupID]
	if !ok {
		return
	}
	if sl := g.slotFor(oldID); sl != nil {
		sl.message = newID
	}
}
