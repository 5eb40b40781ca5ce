// Файл shortcut.go — записи и шорткаты: структура данных, выдача следующего
// идентификатора записи, сортировка, пересчёт классовых счётчиков и снимки
// для событий. Все мутации выполняются на горутине движка.
package quickreply

import (
	"sort"
	"time"
)

// MessageEntry — одна запись шортката. Владелец — таблица шорткатов движка;
// наружу всегда отдаются копии (Clone), внешние подсистемы держат только пару
// (ShortcutID, MessageID) и переразрешают указатель перед использованием.
type MessageEntry struct {
	ID         MessageID  `json:"id"`
	ShortcutID ShortcutID `json:"shortcut_id"`
	// Content — подтверждённое содержимое записи.
	Content MessageContent `json:"content"`
	// EditedContent — незавершённая локальная правка поверх серверного содержимого;
	// nil, когда правка не идёт. Наблюдателям показывается именно она.
	EditedContent *MessageContent `json:"edited_content,omitempty"`
	// ReplyTo — идентификатор записи этого же шортката, на которую дан ответ; 0 — нет.
	ReplyTo MessageID `json:"reply_to,omitempty"`
	// RandomID — клиентский nonce для корреляции с асинхронным подтверждением сервера.
	RandomID int64 `json:"random_id,omitempty"`
	// EditGeneration растёт монотонно с каждой локальной правкой; устаревшие
	// асинхронные результаты отбрасываются по сравнению поколений.
	EditGeneration int64 `json:"edit_generation,omitempty"`
	// EditDate — серверная отметка последней правки; участвует в хеше списка.
	EditDate int64 `json:"edit_date,omitempty"`
	// Failed — отправка записи завершилась ошибкой; запись сохранена для повтора.
	Failed bool `json:"failed,omitempty"`
	// SendError — текст последней ошибки отправки (диагностика, не семантика).
	SendError string `json:"send_error,omitempty"`
	// RetryAllowed — ошибка относится к транзиентному классу и допускает повтор.
	RetryAllowed bool `json:"retry_allowed,omitempty"`
	// RetryNotBefore — не раньше этого момента разрешён повтор отправки.
	RetryNotBefore time.Time `json:"retry_not_before,omitzero"`
	// MediaGroupID — отрицательный идентификатор медиагруппы; 0 — одиночная запись.
	MediaGroupID int64 `json:"media_group_id,omitempty"`
}

// Clone возвращает независимую копию записи.
func (m *MessageEntry) Clone() *MessageEntry {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Content = m.Content.Clone()
	if m.EditedContent != nil {
		ec := m.EditedContent.Clone()
		cp.EditedContent = &ec
	}
	return &cp
}

// visibleContent — содержимое, которое видит наблюдатель: незавершённая правка
// поверх подтверждённого содержимого, если она есть.
func (m *MessageEntry) visibleContent() MessageContent {
	if m.EditedContent != nil {
		return *m.EditedContent
	}
	return m.Content
}

// Shortcut — именованная упорядоченная коллекция записей. Инварианты:
//   - Messages отсортированы по возрастанию MessageID;
//   - LocalCount равен числу резидентных записей несерверного класса;
//   - при MessagesLoaded ServerCount равен числу резидентных серверных записей,
//     иначе может превышать его (частичное обновление сообщает только головную);
//   - LastAssigned не убывает; пустой шорткат удаляется, а не хранится.
type Shortcut struct {
	ID       ShortcutID      `json:"id"`
	Name     string          `json:"name"`
	Messages []*MessageEntry `json:"messages"`
	// ServerCount — серверное число записей; источник истины — сервер.
	ServerCount int `json:"server_count"`
	// LocalCount — число резидентных записей несерверного класса.
	LocalCount int `json:"local_count"`
	// LastAssigned — последний идентификатор, выданный аллокатором этого шортката.
	LastAssigned MessageID `json:"last_assigned"`
	// MessagesLoaded — известен ли полный список записей (из полного снапшота
	// или потому, что шорткат создан локально).
	MessagesLoaded bool `json:"messages_loaded"`
}

// Clone возвращает глубокую копию шортката.
func (s *Shortcut) Clone() *Shortcut {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Messages = make([]*MessageEntry, len(s.Messages))
	for i, m := range s.Messages {
		cp.Messages[i] = m.Clone()
	}
	return &cp
}

// nextMessageID выдаёт наименьший идентификатор строго больше LastAssigned и
// любого существующего, с тегом указанного класса. Выданные идентификаторы не
// переиспользуются в течение жизни шортката, в том числе после рестарта:
// LastAssigned персистится вместе с состоянием.
func (s *Shortcut) nextMessageID(class MessageClass) MessageID {
	seq := s.LastAssigned.Sequence()
	if n := len(s.Messages); n > 0 {
		if tail := s.Messages[n-1].ID.Sequence(); tail > seq {
			seq = tail
		}
	}
	id := newMessageID(seq+1, class)
	s.LastAssigned = id
	return id
}

// sortMessages восстанавливает порядок по возрастанию идентификаторов.
func (s *Shortcut) sortMessages() {
	sort.Slice(s.Messages, func(i, j int) bool {
		return s.Messages[i].ID < s.Messages[j].ID
	})
}

// findMessage возвращает запись и её индекс; (nil, -1), если записи нет.
func (s *Shortcut) findMessage(id MessageID) (*MessageEntry, int) {
	for i, m := range s.Messages {
		if m.ID == id {
			return m, i
		}
	}
	return nil, -1
}

// findByRandomID ищет запись по nonce отправки.
func (s *Shortcut) findByRandomID(randomID int64) *MessageEntry {
	if randomID == 0 {
		return nil
	}
	for _, m := range s.Messages {
		if m.RandomID == randomID {
			return m
		}
	}
	return nil
}

// findServerMessage ищет резидентную серверную запись по серверному идентификатору.
func (s *Shortcut) findServerMessage(serverID int64) *MessageEntry {
	m, _ := s.findMessage(NewServerMessageID(serverID))
	return m
}

// removeMessageAt удаляет запись по индексу, поддерживая счётчики классов.
func (s *Shortcut) removeMessageAt(i int) {
	m := s.Messages[i]
	s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
	if m.ID.IsServer() {
		if s.ServerCount > 0 {
			s.ServerCount--
		}
	} else if s.LocalCount > 0 {
		s.LocalCount--
	}
}

// residentServerCount возвращает число резидентных серверных записей.
func (s *Shortcut) residentServerCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.ID.IsServer() {
			n++
		}
	}
	return n
}

// residentLocalCount возвращает число резидентных записей несерверного класса.
func (s *Shortcut) residentLocalCount() int {
	n := 0
	for _, m := range s.Messages {
		if !m.ID.IsServer() {
			n++
		}
	}
	return n
}

// yetUnsentCount возвращает число записей в очереди отправки.
func (s *Shortcut) yetUnsentCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.ID.IsYetUnsent() {
			n++
		}
	}
	return n
}

// headEntry — первая (наименьший идентификатор) запись шортката или nil.
func (s *Shortcut) headEntry() *MessageEntry {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[0]
}

// serverSequence возвращает последовательность пар (server_id, edit_date)
// серверных записей; используется для сравнения списков и хеширования.
func (s *Shortcut) serverSequence() []serverStamp {
	seq := make([]serverStamp, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.ID.IsServer() {
			seq = append(seq, serverStamp{ServerID: m.ID.ServerID(), EditDate: m.EditDate})
		}
	}
	return seq
}

// serverStamp — пара для сравнения серверных подпоследовательностей.
type serverStamp struct {
	ServerID int64
	EditDate int64
}

// ShortcutSummary — снимок шортката для событий и ответов API: идентификатор,
// имя, счётчики и копия головной записи. Живых ссылок внутрь таблицы не содержит.
type ShortcutSummary struct {
	ID          ShortcutID
	Name        string
	ServerCount int
	LocalCount  int
	Head        *MessageEntry
}

// summary собирает снимок шортката.
func (s *Shortcut) summary() ShortcutSummary {
	return ShortcutSummary{
		ID:          s.ID,
		Name:        s.Name,
		ServerCount: s.ServerCount,
		LocalCount:  s.LocalCount,
		Head:        s.headEntry().Clone(),
	}
}
