// Файл content.go — модель содержимого записи и правила его валидации:
// допустимые виды контента, проверка имени шортката, совместимость видов при
// правке и принадлежность к «семейству» альбома.
package quickreply

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ContentKind — вид содержимого записи.
type ContentKind int

const (
	// KindText — обычное текстовое сообщение.
	KindText ContentKind = iota
	// KindPhoto — фотография с необязательной подписью.
	KindPhoto
	// KindVideo — видео с необязательной подписью.
	KindVideo
	// KindDocument — произвольный файл.
	KindDocument
	// KindAudio — музыкальный файл.
	KindAudio
	// KindVoice — голосовое сообщение; при правке допускается менять только подпись.
	KindVoice
)

// String возвращает имя вида контента для логов и ошибок.
func (k ContentKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPhoto:
		return "photo"
	case KindVideo:
		return "video"
	case KindDocument:
		return "document"
	case KindAudio:
		return "audio"
	case KindVoice:
		return "voice"
	default:
		return "unknown"
	}
}

// known сообщает, входит ли вид в поддерживаемый набор.
func (k ContentKind) known() bool {
	return k >= KindText && k <= KindVoice
}

// hasFile — требует ли вид файлового вложения.
func (k ContentKind) hasFile() bool {
	return k != KindText
}

// albumFamily группирует виды по совместимости внутри одного альбома:
// фото и видео образуют визуальный альбом, документы и аудио — свои собственные.
// Пустая строка означает, что вид не может состоять в альбоме.
func (k ContentKind) albumFamily() string {
	switch k {
	case KindPhoto, KindVideo:
		return "media"
	case KindDocument:
		return "document"
	case KindAudio:
		return "audio"
	default:
		return ""
	}
}

// FileSource описывает файловое вложение записи. Path указывает локальный файл,
// подлежащий загрузке; RemoteRef — ссылка удалённого хранилища, если файл уже
// известен серверу. Заполненный RemoteRef позволяет отправлять без загрузки.
type FileSource struct {
	Path      string `json:"path,omitempty"`
	Name      string `json:"name,omitempty"`
	MIME      string `json:"mime,omitempty"`
	Size      int64  `json:"size,omitempty"`
	RemoteRef string `json:"remote_ref,omitempty"`
}

// needsUpload — требуется ли загрузка файла перед отправкой.
func (f *FileSource) needsUpload() bool {
	return f != nil && f.RemoteRef == ""
}

// clone возвращает независимую копию вложения.
func (f *FileSource) clone() *FileSource {
	if f == nil {
		return nil
	}
	cp := *f
	return &cp
}

// MessageContent — содержимое записи: вид, текст (или подпись к медиа) и
// файловые вложения. Значение самодостаточно и копируется целиком.
type MessageContent struct {
	Kind  ContentKind `json:"kind"`
	Text  string      `json:"text,omitempty"`
	File  *FileSource `json:"file,omitempty"`
	Thumb *FileSource `json:"thumb,omitempty"`
}

// Clone возвращает глубокую копию содержимого.
func (c MessageContent) Clone() MessageContent {
	cp := c
	cp.File = c.File.clone()
	cp.Thumb = c.Thumb.clone()
	return cp
}

// needsUpload — есть ли у содержимого файл, который ещё не загружен.
func (c MessageContent) needsUpload() bool {
	return c.File.needsUpload()
}

// validateContent проверяет содержимое перед созданием или правкой записи.
// Нарушения относятся к классу validation и возвращаются синхронно.
func validateContent(c MessageContent) error {
	if !c.Kind.known() {
		return validationf("unsupported content kind %d", int(c.Kind))
	}
	if c.Kind == KindText {
		if strings.TrimSpace(c.Text) == "" {
			return validationf("text content must not be empty")
		}
		if c.File != nil || c.Thumb != nil {
			return validationf("text content must not carry a file")
		}
		return nil
	}
	if c.File == nil || (c.File.Path == "" && c.File.RemoteRef == "") {
		return validationf("%s content requires a file", c.Kind)
	}
	if c.Thumb != nil && c.Thumb.Path == "" && c.Thumb.RemoteRef == "" {
		return validationf("thumbnail must reference a file")
	}
	return nil
}

// maxShortcutNameLength — предел длины имени шортката в рунах.
const maxShortcutNameLength = 32

// checkShortcutName валидирует имя шортката: 1..32 руны; допустимы буквы и
// цифры Unicode, '_', U+200C, U+00B7 и диапазон U+0D80–U+0DFF.
func checkShortcutName(name string) error {
	if name == "" {
		return validationf("shortcut name must not be empty")
	}
	if utf8.RuneCountInString(name) > maxShortcutNameLength {
		return validationf("shortcut name must be at most %d characters", maxShortcutNameLength)
	}
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' ||
			r == 0x200c || r == 0xb7 || (r >= 0xd80 && r <= 0xdff) {
			continue
		}
		return validationf("shortcut name contains forbidden character %q", r)
	}
	return nil
}

// checkEditCompatibility проверяет совместимость нового содержимого со старым.
// Правила: текст правится только в текст; голосовое сообщение допускает лишь
// смену подписи; медиавиды правятся друг в друга, но запись внутри альбома
// обязана остаться в семействе своего альбома.
func checkEditCompatibility(oldKind, newKind ContentKind, inAlbum bool) error {
	if oldKind == KindText || newKind == KindText {
		if oldKind != newKind {
			return validationf("cannot edit %s content into %s", oldKind, newKind)
		}
		return nil
	}
	if oldKind == KindVoice || newKind == KindVoice {
		if oldKind != newKind {
			return validationf("voice content allows caption-only edits")
		}
		return nil
	}
	if inAlbum && oldKind.albumFamily() != newKind.albumFamily() {
		return validationf("cannot change album entry from %s to %s", oldKind, newKind)
	}
	return nil
}

// checkAlbumContent проверяет, что содержимое может состоять в медиагруппе и
// что все элементы группы принадлежат одному семейству.
func checkAlbumContent(contents []MessageContent) error {
	if len(contents) < 2 {
		return validationf("message group requires at least two entries")
	}
	family := contents[0].Kind.albumFamily()
	if family == "" {
		return validationf("%s content cannot be part of a group", contents[0].Kind)
	}
	for _, c := range contents[1:] {
		if c.Kind.albumFamily() != family {
			return validationf("mixed content kinds in one group: %s vs %s",
				contents[0].Kind, c.Kind)
		}
	}
	return nil
}
