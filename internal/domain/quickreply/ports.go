// Файл ports.go — границы движка: интерфейсы внешних участников (транспорт,
// загрузчик файлов, персистентное хранилище, резолвер зависимостей, приёмник
// событий) и типы обмена с ними. Движок конструируется с этими интерфейсами
// и ни к каким глобальным синглтонам не обращается, что позволяет полностью
// тестировать его на фейках.
package quickreply

import (
	"context"
)

// RemoteMessage — запись в терминах сервера: серверный идентификатор плюс
// нормализованное содержимое.
type RemoteMessage struct {
	ServerID int64
	Content  MessageContent
	// ReplyToServerID — серверный идентификатор записи, на которую дан ответ; 0 — нет.
	ReplyToServerID int64
	EditDate        int64
	MediaGroupID    int64
}

// RemoteShortcut — шорткат в ответе сервера. IsFull означает, что Messages —
// полный авторитетный список; иначе Messages содержит только головную запись,
// а TotalCount — серверное число записей.
type RemoteShortcut struct {
	ID         ShortcutID
	Name       string
	Messages   []*RemoteMessage
	TotalCount int
	IsFull     bool
}

// RemoteSnapshot — авторитетный список шорткатов сервера.
type RemoteSnapshot struct {
	Shortcuts []*RemoteShortcut
}

// SendEntry — одна запись исходящего запроса отправки.
type SendEntry struct {
	RandomID int64
	Content  MessageContent
	// ReplyToServerID — ответ на серверную запись того же шортката; 0 — нет.
	ReplyToServerID int64
}

// SendRequest — запрос отправки одной записи или альбома. Если целевой шорткат
// подтверждён сервером, заполняется ShortcutID; иначе сервер создаёт шорткат
// по имени ShortcutName.
type SendRequest struct {
	ShortcutID   ShortcutID
	ShortcutName string
	GroupID      int64
	Entries      []SendEntry
}

// SendAck — подтверждение одной записи: эхо random_id, присвоенный серверный
// идентификатор и нормализованное сервером содержимое (может быть nil).
type SendAck struct {
	RandomID int64
	ServerID int64
	Content  *MessageContent
	EditDate int64
}

// SendResult — ответ сервера на запрос отправки. NewShortcuts — число событий
// "создан шорткат" в ответе; корректный сервер сообщает не больше одного.
type SendResult struct {
	ShortcutID   ShortcutID
	NewShortcuts int
	Acks         []SendAck
}

// EditRequest — запрос правки серверной записи.
type EditRequest struct {
	ShortcutID ShortcutID
	ServerID   int64
	Content    MessageContent
}

// EditResult — ответ на правку. NotModified означает, что сервер счёл
// содержимое неизменным; это успех без обновления данных.
type EditResult struct {
	NotModified bool
	Content     *MessageContent
	EditDate    int64
}

// Transport — сетевая граница движка. Каждый запрос fail-stop: таймаут или
// обрыв соединения приходит обычной ошибкой и движком не ретраится, кроме
// явно описанных путей восстановления. Ошибки классифицируются типами из
// errors.go (TransientError, FilePartsMissingError, FileReferenceError).
type Transport interface {
	// GetShortcuts возвращает авторитетный список шорткатов или nil, если
	// серверное состояние не изменилось относительно переданного хеша.
	GetShortcuts(ctx context.Context, hash uint64) (*RemoteSnapshot, error)
	// GetShortcutMessages возвращает полный список записей шортката или nil
	// при совпадении хеша.
	GetShortcutMessages(ctx context.Context, id ShortcutID, hash uint64) (*RemoteShortcut, error)
	// SendMessages отправляет одну запись или альбом одним запросом.
	SendMessages(ctx context.Context, req SendRequest) (*SendResult, error)
	// EditMessage правит серверную запись.
	EditMessage(ctx context.Context, req EditRequest) (*EditResult, error)
	// DeleteMessages удаляет серверные записи шортката.
	DeleteMessages(ctx context.Context, id ShortcutID, serverIDs []int64) error
	// DeleteShortcut удаляет шорткат на сервере.
	DeleteShortcut(ctx context.Context, id ShortcutID) error
	// RenameShortcut меняет имя серверного шортката.
	RenameShortcut(ctx context.Context, id ShortcutID, name string) error
	// ReorderShortcuts переставляет серверные шорткаты в заданный порядок.
	ReorderShortcuts(ctx context.Context, ids []ShortcutID) error
}

// UploadResult — итог загрузки: ссылка удалённого хранилища либо ошибка
// (типизированная FilePartsMissingError или общая).
type UploadResult struct {
	UploadID string
	Ref      string
	Err      error
}

// Uploader — подсистема загрузки файлов. Завершение доставляется колбэком;
// движок оборачивает его в задачу своего цикла, поэтому колбэк может прийти
// из любой горутины. UploadID — корреляционный токен движка.
type Uploader interface {
	Upload(ctx context.Context, uploadID string, src FileSource, done func(UploadResult))
	// Resume дозагружает только отсутствующие части ранее начатой загрузки.
	Resume(ctx context.Context, uploadID string, src FileSource, missingParts []int, done func(UploadResult))
	// Cancel прекращает загрузку; выданный колбэк может уже не прийти.
	Cancel(uploadID string)
}

// DependencyResolver проверяет, что все сущности, на которые ссылается
// загруженное содержимое, независимо разрешимы. Ошибка приводит к отбрасыванию
// всего персистентного снапшота и принудительной пересинхронизации.
type DependencyResolver interface {
	Resolve(content MessageContent) error
}

// UpdateSink — приёмник событий изменений. Доставка fire-and-forget, порядок
// доставки обязан совпадать с порядком публикации.
type UpdateSink interface {
	Publish(event Event)
}

// KV — персистентное key/value хранилище снапшота движка.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Erase(key string) error
}
