// Package quickreply реализует движок оптимистичной синхронизации быстрых ответов:
// именованные коллекции заготовленных сообщений (шорткаты), часть записей которых
// подтверждена сервером, а часть существует только локально. Движок поддерживает
// строгий порядок и идентичность записей в двух непересекающихся пространствах
// идентификаторов, сливает авторитетные серверные снапшоты с локальными правками,
// ведёт конвейер отправки с загрузкой медиа и публикует минимальные события изменений.
//
// Файл ids.go — классификация и выдача идентификаторов сообщений и шорткатов.
package quickreply

import (
	"math/rand/v2"
)

// MessageClass — класс идентификатора сообщения. Порядок значений совпадает
// с порядком сортировки при равной числовой последовательности: серверная
// запись предшествует неотправленной, неотправленная — локальной.
type MessageClass int

const (
	// ClassServer — идентификатор присвоен сервером.
	ClassServer MessageClass = iota
	// ClassYetUnsent — запись создана локально и поставлена в очередь отправки.
	ClassYetUnsent
	// ClassLocal — запись видима только этому клиенту (например, после
	// окончательного провала отправки сохранена для истории).
	ClassLocal
)

// String возвращает человекочитаемое имя класса для логов.
func (c MessageClass) String() string {
	switch c {
	case ClassServer:
		return "server"
	case ClassYetUnsent:
		return "yet-unsent"
	case ClassLocal:
		return "local"
	default:
		return "invalid"
	}
}

// MessageID — 64-битный идентификатор сообщения. Кодирует числовую
// последовательность и тег класса: server-идентификаторы имеют нулевые
// младшие биты, локальные классы — ненулевой тег. Благодаря этому порядок
// идентификаторов тотален и учитывает класс: при равной последовательности
// серверная запись меньше неотправленной, неотправленная меньше локальной.
type MessageID int64

const (
	// messageIDShift — сдвиг последовательности; младшие биты заняты тегом класса.
	messageIDShift = 20
	// messageIDTagMask выделяет тег класса из идентификатора.
	messageIDTagMask = (int64(1) << messageIDShift) - 1

	tagYetUnsent = 1
	tagLocal     = 2
)

// newMessageID собирает идентификатор из последовательности и класса.
func newMessageID(seq int64, class MessageClass) MessageID {
	id := seq << messageIDShift
	switch class {
	case ClassYetUnsent:
		id |= tagYetUnsent
	case ClassLocal:
		id |= tagLocal
	case ClassServer:
	}
	return MessageID(id)
}

// NewServerMessageID возвращает идентификатор серверного класса для
// последовательности, присвоенной сервером.
func NewServerMessageID(serverID int64) MessageID {
	return MessageID(serverID << messageIDShift)
}

// Class возвращает класс идентификатора. Нулевой или неизвестный тег
// считается недействительным только через Valid(); здесь неизвестные теги
// сводятся к ClassLocal, чтобы сравнение оставалось тотальным.
func (id MessageID) Class() MessageClass {
	switch int64(id) & messageIDTagMask {
	case 0:
		return ClassServer
	case tagYetUnsent:
		return ClassYetUnsent
	default:
		return ClassLocal
	}
}

// Sequence возвращает числовую последовательность без тега класса.
func (id MessageID) Sequence() int64 {
	return int64(id) >> messageIDShift
}

// ServerID возвращает серверный идентификатор; осмыслен только для ClassServer.
func (id MessageID) ServerID() int64 {
	return id.Sequence()
}

// Valid сообщает, что идентификатор ненулевой и тег класса известен.
func (id MessageID) Valid() bool {
	if id <= 0 {
		return false
	}
	tag := int64(id) & messageIDTagMask
	return tag == 0 || tag == tagYetUnsent || tag == tagLocal
}

// IsServer — принадлежит ли идентификатор серверному классу.
func (id MessageID) IsServer() bool { return id.Valid() && id.Class() == ClassServer }

// IsYetUnsent — поставлена ли запись в очередь отправки.
func (id MessageID) IsYetUnsent() bool { return id.Valid() && id.Class() == ClassYetUnsent }

// IsLocal — видима ли запись только этому клиенту.
func (id MessageID) IsLocal() bool { return id.Valid() && id.Class() == ClassLocal }

// ShortcutID — идентификатор шортката. Серверные значения положительны и не
// превышают MaxServerShortcutID; локальные выдаются из диапазона выше него и
// никогда не передаются серверу.
type ShortcutID int64

// MaxServerShortcutID — верхняя граница серверного диапазона идентификаторов.
const MaxServerShortcutID ShortcutID = 1999999999

// IsServer — присвоен ли идентификатор сервером.
func (id ShortcutID) IsServer() bool { return id > 0 && id <= MaxServerShortcutID }

// IsLocal — локальный ли идентификатор (выдан этим клиентом).
func (id ShortcutID) IsLocal() bool { return id > MaxServerShortcutID }

// Valid — попадает ли идентификатор в один из известных диапазонов.
func (id ShortcutID) Valid() bool { return id > 0 }

// newRandomID возвращает ненулевой 64-битный nonce для корреляции отправки
// с асинхронным подтверждением сервера. Криптостойкость не требуется,
// коллизии исключаются проверкой при выдаче. #nosec G404
func newRandomID() int64 {
	for {
		if v := rand.Int64(); v != 0 {
			return v
		}
	}
}

// newGroupID возвращает отрицательный идентификатор медиагруппы: отрицательный
// диапазон гарантирует непересечение с серверными идентификаторами альбомов.
func newGroupID() int64 {
	for {
		if v := rand.Int64(); v > 0 {
			return -v
		}
	}
}
