// Файл store.go — таблица шорткатов: упорядоченный список, поиск по
// идентификатору (с учётом таблицы алиасов) и по имени, перестановка,
// проверка инвариантов счётчиков. Таблицей владеет исключительно движок.
package quickreply

import (
	"quickreply-sync/internal/infra/logger"
)

// shortcutTable — in-memory таблица шорткатов с алиасами идентификаторов.
// Алиас устанавливается, когда локальная коллекция подтверждается сервером
// под другим идентификатором: старые ссылки продолжают разрешаться.
type shortcutTable struct {
	list    []*Shortcut
	aliases map[ShortcutID]ShortcutID
}

// newShortcutTable создаёт пустую таблицу.
func newShortcutTable() *shortcutTable {
	return &shortcutTable{aliases: make(map[ShortcutID]ShortcutID)}
}

// resolveID пропускает идентификатор через таблицу алиасов. Цепочки алиасов
// не возникают: алиас всегда ведёт на серверный идентификатор.
func (t *shortcutTable) resolveID(id ShortcutID) ShortcutID {
	if mapped, ok := t.aliases[id]; ok {
		return mapped
	}
	return id
}

// get возвращает шорткат по идентификатору, разрешая алиасы; nil, если нет.
func (t *shortcutTable) get(id ShortcutID) *Shortcut {
	id = t.resolveID(id)
	for _, s := range t.list {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// getDirect ищет без разрешения алиасов (нужно реконсиляции).
func (t *shortcutTable) getDirect(id ShortcutID) *Shortcut {
	for _, s := range t.list {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// getByName возвращает шорткат по имени; nil, если нет.
func (t *shortcutTable) getByName(name string) *Shortcut {
	for _, s := range t.list {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// insert добавляет шорткат в конец списка.
func (t *shortcutTable) insert(s *Shortcut) {
	t.list = append(t.list, s)
}

// remove удаляет шорткат по идентификатору; сообщает, был ли он в таблице.
func (t *shortcutTable) remove(id ShortcutID) bool {
	id = t.resolveID(id)
	for i, s := range t.list {
		if s.ID == id {
			t.list = append(t.list[:i], t.list[i+1:]...)
			return true
		}
	}
	return false
}

// addAlias устанавливает постоянное перенаправление old → replacement.
func (t *shortcutTable) addAlias(old, replacement ShortcutID) {
	if old == replacement {
		return
	}
	t.aliases[old] = replacement
}

// ids возвращает текущий порядок идентификаторов (копию).
func (t *shortcutTable) ids() []ShortcutID {
	out := make([]ShortcutID, len(t.list))
	for i, s := range t.list {
		out[i] = s.ID
	}
	return out
}

// reorder переставляет шорткаты: упомянутые идут первыми в заданном порядке,
// не упомянутые добавляются в хвост с сохранением прежнего относительного
// порядка. Неизвестный или повторённый идентификатор — ошибка валидации,
// состояние при этом не меняется.
func (t *shortcutTable) reorder(ids []ShortcutID) error {
	seen := make(map[ShortcutID]struct{}, len(ids))
	ordered := make([]*Shortcut, 0, len(t.list))
	for _, id := range ids {
		resolved := t.resolveID(id)
		if _, dup := seen[resolved]; dup {
			return validationf("duplicate shortcut id %d in reorder request", id)
		}
		s := t.getDirect(resolved)
		if s == nil {
			return validationf("unknown shortcut id %d in reorder request", id)
		}
		seen[resolved] = struct{}{}
		ordered = append(ordered, s)
	}
	for _, s := range t.list {
		if _, ok := seen[s.ID]; !ok {
			ordered = append(ordered, s)
		}
	}
	t.list = ordered
	return nil
}

// verify проверяет инварианты счётчиков шортката. Нарушение — ошибка
// программирования, а не восстановимая ситуация: продолжение работы молча
// портило бы пользовательские данные, поэтому процесс завершается.
func (t *shortcutTable) verify(s *Shortcut) {
	if local := s.residentLocalCount(); local != s.LocalCount {
		logger.Fatalf("quickreply: shortcut %d (%s): local count %d != resident %d",
			s.ID, s.Name, s.LocalCount, local)
	}
	if s.MessagesLoaded {
		if server := s.residentServerCount(); server != s.ServerCount {
			logger.Fatalf("quickreply: shortcut %d (%s): server count %d != resident %d",
				s.ID, s.Name, s.ServerCount, server)
		}
	} else if server := s.residentServerCount(); server > s.ServerCount {
		logger.Fatalf("quickreply: shortcut %d (%s): server count %d < resident %d",
			s.ID, s.Name, s.ServerCount, server)
	}
	for i := 1; i < len(s.Messages); i++ {
		if s.Messages[i-1].ID >= s.Messages[i].ID {
			logger.Fatalf("quickreply: shortcut %d (%s): message order violated at %d",
				s.ID, s.Name, i)
		}
	}
}
