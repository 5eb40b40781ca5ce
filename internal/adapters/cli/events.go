// Файл events.go — приёмник событий движка для CLI. Реализует
// quickreply.UpdateSink: каждое событие логируется и складывается в кольцевой
// буфер, который печатается командой "events". Публикация идёт с цикла движка,
// поэтому обработчик обязан быть быстрым и неблокирующим.
package cli

import (
	"fmt"
	"strings"
	"sync"

	"quickreply-sync/internal/domain/quickreply"
	"quickreply-sync/internal/infra/logger"
)

// eventLogCap — ёмкость кольцевого буфера последних событий.
const eventLogCap = 128

// EventLog хранит человекочитаемые строки последних событий движка.
type EventLog struct {
	mu      sync.Mutex
	entries []string
}

// Компиляторная проверка соответствия интерфейсу.
var _ quickreply.UpdateSink = (*EventLog)(nil)

// NewEventLog создаёт пустой журнал событий.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Publish реализует quickreply.UpdateSink.
func (l *EventLog) Publish(event quickreply.Event) {
	line := formatEvent(event)
	logger.Debugf("event: %s", line)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, line)
	if len(l.entries) > eventLogCap {
		l.entries = l.entries[len(l.entries)-eventLogCap:]
	}
}

// Recent возвращает копию накопленных строк (от старых к новым).
func (l *EventLog) Recent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// formatEvent переводит событие движка в короткую строку для журнала.
func formatEvent(event quickreply.Event) string {
	switch ev := event.(type) {
	case quickreply.ShortcutListEvent:
		ids := make([]string, 0, len(ev.IDs))
		for _, id := range ev.IDs {
			ids = append(ids, fmt.Sprintf("%d", id))
		}
		return "shortcut list: [" + strings.Join(ids, " ") + "]"
	case quickreply.ShortcutChangedEvent:
		s := ev.Shortcut
		return fmt.Sprintf("shortcut %d (%q) changed: server=%d local=%d",
			s.ID, s.Name, s.ServerCount, s.LocalCount)
	case quickreply.ShortcutDeletedEvent:
		return fmt.Sprintf("shortcut %d deleted", ev.ID)
	case quickreply.ShortcutMessagesEvent:
		return fmt.Sprintf("shortcut %d messages: %d entries", ev.ID, len(ev.Messages))
	default:
		return fmt.Sprintf("unknown event %T", event)
	}
}
