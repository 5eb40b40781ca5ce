// Файл errors.go — таксономия ошибок движка (validation / transient-remote /
// protocol-violation / shutdown). Типы экспортированы, чтобы транспортный
// адаптер и вызывающие могли классифицировать ошибку через errors.As/Is.
package quickreply

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// ErrShuttingDown возвращается публичными операциями после остановки движка.
var ErrShuttingDown = errors.New("quickreply: engine is shutting down")

// ValidationError — отказ входных данных; возвращается синхронно, состояние
// не мутируется.
type ValidationError struct {
	Reason string
}

// Error реализует error.
func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// validationf собирает ValidationError с форматированием.
func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation сообщает, относится ли ошибка к классу validation.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError — временная ошибка удалённой стороны (rate limit,
// кратковременная недоступность). RetryAfter — подсказка сервера, через
// сколько допустим повтор; движок сам повторов не делает.
type TransientError struct {
	RetryAfter time.Duration
	Err        error
}

// Error реализует error.
func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transient: retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("transient: %v (retry after %s)", e.Err, e.RetryAfter)
}

// Unwrap отдаёт вложенную ошибку для errors.Is/As.
func (e *TransientError) Unwrap() error { return e.Err }

// AsTransient извлекает TransientError из цепочки ошибок.
func AsTransient(err error) (*TransientError, bool) {
	var te *TransientError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// ProtocolError — ответ сервера несовместим с запросом (неверный набор
// random_id, дубликаты, лишнее событие создания коллекции). Вся партия
// трактуется как провал, затронутый шорткат пересинхронизируется.
type ProtocolError struct {
	Reason string
}

// Error реализует error.
func (e *ProtocolError) Error() string { return "protocol violation: " + e.Reason }

// protocolf собирает ProtocolError с форматированием.
func protocolf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// IsProtocol сообщает, относится ли ошибка к нарушениям протокола.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// FilePartsMissingError — загрузка или отправка отклонена из-за отсутствующих
// частей файла; восстановимо дозагрузкой только перечисленных частей.
type FilePartsMissingError struct {
	Parts []int
}

// Error реализует error.
func (e *FilePartsMissingError) Error() string {
	return fmt.Sprintf("file parts missing: %v", e.Parts)
}

// FileReferenceError — ссылка на файл устарела; восстановимо сбросом
// кэшированной ссылки и повторным прогоном шага загрузки.
type FileReferenceError struct{}

// Error реализует error.
func (e *FileReferenceError) Error() string { return "file reference expired" }
