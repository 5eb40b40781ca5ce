// Файл events.go — события изменений и правила их минимальной эмиссии.
// Наблюдатели получают снимки (копии), а не живые ссылки в таблицу движка.
// Порядок публикации значим: удаление шортката всегда предшествует событию
// списка, чтобы наблюдатель не увидел висячую ссылку.
package quickreply

// Event — маркерный интерфейс событий движка.
type Event interface {
	event()
}

// ShortcutListEvent — изменился упорядоченный список идентификаторов шорткатов.
type ShortcutListEvent struct {
	IDs []ShortcutID
}

func (ShortcutListEvent) event() {}

// ShortcutChangedEvent — изменились имя, счётчики или головная запись шортката.
type ShortcutChangedEvent struct {
	Shortcut ShortcutSummary
}

func (ShortcutChangedEvent) event() {}

// ShortcutDeletedEvent — шорткат удалён; идентификатор больше не разрешается.
type ShortcutDeletedEvent struct {
	ID ShortcutID
}

func (ShortcutDeletedEvent) event() {}

// ShortcutMessagesEvent — изменился полный список записей шортката.
// Публикуется только когда все записи шортката резидентны: частичное
// членство наблюдателям не показывается.
type ShortcutMessagesEvent struct {
	ID       ShortcutID
	Messages []*MessageEntry
}

func (ShortcutMessagesEvent) event() {}

// emitShortcutChanged публикует сводку шортката.
func (e *Engine) emitShortcutChanged(s *Shortcut) {
	e.sink.Publish(ShortcutChangedEvent{Shortcut: s.summary()})
}

// emitShortcutDeleted публикует удаление шортката.
func (e *Engine) emitShortcutDeleted(id ShortcutID) {
	e.sink.Publish(ShortcutDeletedEvent{ID: id})
}

// emitShortcutList публикует текущий порядок идентификаторов.
func (e *Engine) emitShortcutList() {
	e.sink.Publish(ShortcutListEvent{IDs: e.store.ids()})
}

// emitShortcutMessages публикует полный список записей, если он резидентен.
func (e *Engine) emitShortcutMessages(s *Shortcut) {
	if !s.MessagesLoaded {
		return
	}
	msgs := make([]*MessageEntry, len(s.Messages))
	for i, m := range s.Messages {
		msgs[i] = m.Clone()
	}
	e.sink.Publish(ShortcutMessagesEvent{ID: s.ID, Messages: msgs})
}

// notifyShortcutMutated — стандартная пара событий после мутации записи
// шортката: сводка и (при резидентном списке) полный список, затем персист.
// Персист планируется после событий: упавший посреди мутации процесс не
// оставит на диске состояние, о котором наблюдатели не услышали.
func (e *Engine) notifyShortcutMutated(s *Shortcut) {
	e.emitShortcutChanged(s)
	e.emitShortcutMessages(s)
	e.schedulePersist()
}
