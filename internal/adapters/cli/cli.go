// Package cli — интерактивная командная консоль для управления быстрыми
// ответами. Сервис стартует фоном, читает команды из readline и транслирует их
// в операции движка синхронизации. Поддерживается корректная интеграция в
// lifecycle: Start/Stop идемпотентны.
package cli

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"quickreply-sync/internal/domain/quickreply"
	"quickreply-sync/internal/infra/logger"
	"quickreply-sync/internal/infra/pr"
	versioninfo "quickreply-sync/internal/support/version"
)

// commandTimeout — предел ожидания одной команды. Сетевые операции (sync,
// messages с дозагрузкой) укладываются в него с запасом.
const commandTimeout = 30 * time.Second

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "list", description: "Print shortcuts with counters and head message"},
	{name: "messages", description: "messages <shortcut-id> - print all messages of a shortcut"},
	{name: "create", description: "create <name> <text> - create a shortcut with a first text message"},
	{name: "send", description: "send <name> <text> - append a text message to a shortcut (created on demand)"},
	{name: "sendfile", description: "sendfile <name> <path> [caption] - append a media message"},
	{name: "album", description: "album <name> <path> <path>... - append an album of media files"},
	{name: "edit", description: "edit <shortcut-id> <message-id> <text> - edit a server-confirmed message"},
	{name: "resend", description: "resend <shortcut-id> <message-id>... - retry failed messages"},
	{name: "delmsg", description: "delmsg <shortcut-id> <message-id>... - delete messages"},
	{name: "delete", description: "delete <shortcut-id> - delete a whole shortcut"},
	{name: "rename", description: "rename <shortcut-id> <name> - rename a shortcut"},
	{name: "reorder", description: "reorder <shortcut-id>... - move listed shortcuts to the front"},
	{name: "sync", description: "Force a full resync with the server"},
	{name: "dump", description: "dump <shortcut-id> - pretty-print raw message entries of a shortcut"},
	{name: "events", description: "Print recent engine events"},
	{name: "version", description: "Print version"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

// Service инкапсулирует CLI и интегрируется в lifecycle приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной горутине
// и синхронно закрывается через Stop().
type Service struct {
	engine    *quickreply.Engine // движок синхронизации быстрых ответов
	events    *EventLog          // журнал событий движка; нужен для команды events
	stopApp   context.CancelFunc // внешняя отмена приложения (exit, Ctrl-C на пустой строке)
	cancel    context.CancelFunc // локальная отмена run-цикла CLI
	wg        sync.WaitGroup     // ожидание завершения фоновой горутины run
	onceStart sync.Once          // идемпотентный запуск
	onceStop  sync.Once          // идемпотентная остановка
}

// NewService создаёт CLI-сервис. Параметр stopApp используется как «глобальная»
// остановка приложения (команда exit, Ctrl-C на пустой строке).
func NewService(engine *quickreply.Engine, events *EventLog, stopApp context.CancelFunc) *Service {
	return &Service{engine: engine, events: events, stopApp: stopApp}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются. Контекст используется как родительский для run-цикла.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop завершает CLI: посылает внешнюю остановку приложения (если предусмотрено),
// прерывает readline, отменяет локальный контекст и дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл обработчика CLI. Печатает подсказки, устанавливает обработчики
// клавиш и в цикле читает команды построчно, передавая их в handleCommand().
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	// Главный цикл чтения команд. Выход — по отмене контекста или по EOF от readline.
	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш для readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения (stopApp) и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки (как в типичных CLI).
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	// Сохраняем предыдущий listener, чтобы не ломать поведение по умолчанию.
	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		// Быстрая справка по командам по нажатию '?'.
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		// Ctrl-C (ETX): особое поведение — либо остановка приложения, либо очистка строки.
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую команду и выполняет соответствующее действие.
// Возвращает true, если команда инициирует завершение CLI ("exit").
func (s *Service) handleCommand(cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	name, args := fields[0], fields[1:]

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch name {
	case "help":
		printCommandHelp()
	case "list":
		s.handleList(ctx)
	case "messages":
		s.handleMessages(ctx, args)
	case "create":
		s.handleCreate(ctx, args)
	case "send":
		s.handleSend(ctx, args)
	case "sendfile":
		s.handleSendFile(ctx, args)
	case "album":
		s.handleAlbum(ctx, args)
	case "edit":
		s.handleEdit(ctx, args)
	case "resend":
		s.handleResend(ctx, args)
	case "delmsg":
		s.handleDeleteMessages(ctx, args)
	case "delete":
		s.handleDeleteShortcut(ctx, args)
	case "rename":
		s.handleRename(ctx, args)
	case "reorder":
		s.handleReorder(ctx, args)
	case "sync":
		if err := s.engine.SyncFromServer(ctx); err != nil {
			pr.ErrPrintln("sync error:", err)
		} else {
			pr.Println("Sync complete.")
		}
	case "dump":
		s.handleDump(ctx, args)
	case "events":
		s.handleEvents()
	case "version":
		pr.ErrPrintln(fmt.Sprintf("%s v%s", versioninfo.Name, versioninfo.Version))
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", name)
	}
	return false
}

// handleList печатает сводки всех шорткатов в текущем порядке.
func (s *Service) handleList(ctx context.Context) {
	summaries, err := s.engine.Shortcuts(ctx)
	if err != nil {
		pr.ErrPrintln("list error:", err)
		return
	}
	if len(summaries) == 0 {
		pr.Println("No shortcuts.")
		return
	}
	for _, sum := range summaries {
		head := "<none>"
		if sum.Head != nil {
			head = describeEntry(sum.Head)
		}
		pr.Printf("%d %q server=%d local=%d head: %s\n",
			sum.ID, sum.Name, sum.ServerCount, sum.LocalCount, head)
	}
	pr.Printf("Total shortcuts: %d\n", len(summaries))
}

// handleMessages печатает все записи шортката; при нерезидентном списке движок
// сам дозагрузит его с сервера.
func (s *Service) handleMessages(ctx context.Context, args []string) {
	if len(args) != 1 {
		pr.ErrPrintln("usage: messages <shortcut-id>")
		return
	}
	id, err := parseShortcutID(args[0])
	if err != nil {
		pr.ErrPrintln(err)
		return
	}
	msgs, err := s.engine.GetMessages(ctx, id)
	if err != nil {
		pr.ErrPrintln("messages error:", err)
		return
	}
	for _, m := range msgs {
		pr.Println(describeEntry(m))
	}
	pr.Printf("Total messages: %d\n", len(msgs))
}

// handleDump печатает сырые записи шортката как есть, для отладки.
func (s *Service) handleDump(ctx context.Context, args []string) {
	if len(args) != 1 {
		pr.ErrPrintln("usage: dump <shortcut-id>")
		return
	}
	id, err := parseShortcutID(args[0])
	if err != nil {
		pr.ErrPrintln(err)
		return
	}
	msgs, err := s.engine.GetMessages(ctx, id)
	if err != nil {
		pr.ErrPrintln("dump error:", err)
		return
	}
	pr.PP(msgs)
}

// handleCreate создаёт шорткат с первой текстовой записью.
func (s *Service) handleCreate(ctx context.Context, args []string) {
	if len(args) < 2 {
		pr.ErrPrintln("usage: create <name> <text>")
		return
	}
	content := quickreply.MessageContent{Kind: quickreply.KindText, Text: strings.Join(args[1:], " ")}
	sum, err := s.engine.CreateShortcut(ctx, args[0], content)
	if err != nil {
		pr.ErrPrintln("create error:", err)
		return
	}
	pr.Printf("Created shortcut %d %q\n", sum.ID, sum.Name)
}

// handleSend добавляет текстовую запись в шорткат по имени; несуществующий
// шорткат создаётся на лету.
func (s *Service) handleSend(ctx context.Context, args []string) {
	if len(args) < 2 {
		pr.ErrPrintln("usage: send <name> <text>")
		return
	}
	content := quickreply.MessageContent{Kind: quickreply.KindText, Text: strings.Join(args[1:], " ")}
	entry, err := s.engine.SendMessage(ctx, args[0], content, 0)
	if err != nil {
		pr.ErrPrintln("send error:", err)
		return
	}
	pr.Printf("Queued: %s\n", describeEntry(entry))
}

// handleSendFile добавляет медиазапись из локального файла.
func (s *Service) handleSendFile(ctx context.Context, args []string) {
	if len(args) < 2 {
		pr.ErrPrintln("usage: sendfile <name> <path> [caption]")
		return
	}
	content := contentForFile(args[1], strings.Join(args[2:], " "))
	entry, err := s.engine.SendMessage(ctx, args[0], content, 0)
	if err != nil {
		pr.ErrPrintln("sendfile error:", err)
		return
	}
	pr.Printf("Queued: %s\n", describeEntry(entry))
}

// handleAlbum добавляет альбом из нескольких файлов. Запросов к серверу будет
// ровно один — после завершения всех загрузок.
func (s *Service) handleAlbum(ctx context.Context, args []string) {
	if len(args) < 3 {
		pr.ErrPrintln("usage: album <name> <path> <path>...")
		return
	}
	contents := make([]quickreply.MessageContent, 0, len(args)-1)
	for _, path := range args[1:] {
		contents = append(contents, contentForFile(path, ""))
	}
	entries, err := s.engine.SendMessageGroup(ctx, args[0], contents)
	if err != nil {
		pr.ErrPrintln("album error:", err)
		return
	}
	for _, m := range entries {
		pr.Printf("Queued: %s\n", describeEntry(m))
	}
}

// handleEdit меняет текст серверной записи.
func (s *Service) handleEdit(ctx context.Context, args []string) {
	if len(args) < 3 {
		pr.ErrPrintln("usage: edit <shortcut-id> <message-id> <text>")
		return
	}
	shortcutID, err := parseShortcutID(args[0])
	if err != nil {
		pr.ErrPrintln(err)
		return
	}
	messageID, err := parseMessageID(args[1])
	if err != nil {
		pr.ErrPrintln(err)
		return
	}
	content := quickreply.MessageContent{Kind: quickreply.KindText, Text: strings.Join(args[2:], " ")}
	if err := s.engine.EditMessage(ctx, shortcutID, messageID, content); err != nil {
		pr.ErrPrintln("edit error:", err)
		return
	}
	pr.Println("Edit queued.")
}

// handleResend повторяет отправку провалившихся записей.
func (s *Service) handleResend(ctx context.Context, args []string) {
	if len(args) < 2 {
		pr.ErrPrintln("usage: resend <shortcut-id> <message-id>...")
		return
	}
	shortcutID, ids, err := parseShortcutAndMessages(args)
	if err != nil {
		pr.ErrPrintln(err)
		return
	}
	if err := s.engine.ResendFailedMessages(ctx, shortcutID, ids); err != nil {
		pr.ErrPrintln("resend error:", err)
		return
	}
	pr.Println("Resend queued.")
}

// handleDeleteMessages удаляет записи шортката.
func (s *Service) handleDeleteMessages(ctx context.Context, args []string) {
	if len(args) < 2 {
		pr.ErrPrintln("usage: delmsg <shortcut-id> <message-id>...")
		return
	}
	shortcutID, ids, err := parseShortcutAndMessages(args)
	if err != nil {
		pr.ErrPrintln(err)
		return
	}
	if err := s.engine.DeleteMessages(ctx, shortcutID, ids); err != nil {
		pr.ErrPrintln("delmsg error:", err)
		return
	}
	pr.Println("Deleted.")
}

// handleDeleteShortcut удаляет шорткат целиком.
func (s *Service) handleDeleteShortcut(ctx context.Context, args []string) {
	if len(args) != 1 {
		pr.ErrPrintln("usage: delete <shortcut-id>")
		return
	}
	id, err := parseShortcutID(args[0])
	if err != nil {
		pr.ErrPrintln(err)
		return
	}
	if err := s.engine.DeleteShortcut(ctx, id); err != nil {
		pr.ErrPrintln("delete error:", err)
		return
	}
	pr.Println("Deleted.")
}

// handleRename переименовывает шорткат.
func (s *Service) handleRename(ctx context.Context, args []string) {
	if len(args) != 2 {
		pr.ErrPrintln("usage: rename <shortcut-id> <name>")
		return
	}
	id, err := parseShortcutID(args[0])
	if err != nil {
		pr.ErrPrintln(err)
		return
	}
	if err := s.engine.RenameShortcut(ctx, id, args[1]); err != nil {
		pr.ErrPrintln("rename error:", err)
		return
	}
	pr.Println("Renamed.")
}

// handleReorder переставляет перечисленные шорткаты в начало списка.
func (s *Service) handleReorder(ctx context.Context, args []string) {
	if len(args) == 0 {
		pr.ErrPrintln("usage: reorder <shortcut-id>...")
		return
	}
	ids := make([]quickreply.ShortcutID, 0, len(args))
	for _, arg := range args {
		id, err := parseShortcutID(arg)
		if err != nil {
			pr.ErrPrintln(err)
			return
		}
		ids = append(ids, id)
	}
	if err := s.engine.ReorderShortcuts(ctx, ids); err != nil {
		pr.ErrPrintln("reorder error:", err)
		return
	}
	pr.Println("Reordered.")
}

// handleEvents печатает накопленный журнал событий движка.
func (s *Service) handleEvents() {
	if s.events == nil {
		pr.ErrPrintln("event log is not available")
		return
	}
	lines := s.events.Recent()
	if len(lines) == 0 {
		pr.Println("No events yet.")
		return
	}
	for _, line := range lines {
		pr.Println(line)
	}
}

// contentForFile собирает содержимое медиазаписи по локальному пути: вид
// определяется по MIME-типу расширения, неизвестные расширения уходят документом.
func contentForFile(path, caption string) quickreply.MessageContent {
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	kind := quickreply.KindDocument
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		kind = quickreply.KindPhoto
	case strings.HasPrefix(mimeType, "video/"):
		kind = quickreply.KindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		kind = quickreply.KindAudio
	}
	return quickreply.MessageContent{
		Kind: kind,
		Text: caption,
		File: &quickreply.FileSource{
			Path: path,
			Name: filepath.Base(path),
			MIME: mimeType,
		},
	}
}

// describeEntry печатает запись в одну строку: идентификатор, класс, вид
// содержимого и статус отправки.
func describeEntry(m *quickreply.MessageEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d]", m.ID)
	switch {
	case m.ID.IsServer():
		fmt.Fprintf(&b, " server#%d", m.ID.ServerID())
	case m.ID.IsYetUnsent():
		b.WriteString(" sending")
	default:
		b.WriteString(" local")
	}
	content := m.Content
	if m.EditedContent != nil {
		content = *m.EditedContent
		b.WriteString(" (editing)")
	}
	fmt.Fprintf(&b, " %s", content.Kind)
	if content.Text != "" {
		fmt.Fprintf(&b, " %q", preview(content.Text))
	}
	if content.File != nil && content.File.Name != "" {
		fmt.Fprintf(&b, " file=%s", content.File.Name)
	}
	if m.MediaGroupID != 0 {
		fmt.Fprintf(&b, " group=%d", m.MediaGroupID)
	}
	if m.ReplyTo != 0 {
		fmt.Fprintf(&b, " reply-to=%d", m.ReplyTo)
	}
	if m.Failed {
		fmt.Fprintf(&b, " FAILED (%s)", m.SendError)
		if m.RetryAllowed {
			b.WriteString(" retryable")
		}
	}
	return b.String()
}

// preview обрезает длинный текст для однострочного вывода.
func preview(text string) string {
	const maxPreview = 48
	runes := []rune(text)
	if len(runes) <= maxPreview {
		return text
	}
	return string(runes[:maxPreview]) + "…"
}

// parseShortcutID разбирает идентификатор шортката из аргумента команды.
func parseShortcutID(arg string) (quickreply.ShortcutID, error) {
	v, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("bad shortcut id %q", arg)
	}
	return quickreply.ShortcutID(v), nil
}

// parseMessageID разбирает идентификатор записи из аргумента команды.
func parseMessageID(arg string) (quickreply.MessageID, error) {
	v, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("bad message id %q", arg)
	}
	return quickreply.MessageID(v), nil
}

// parseShortcutAndMessages разбирает "<shortcut-id> <message-id>..." из args.
func parseShortcutAndMessages(args []string) (quickreply.ShortcutID, []quickreply.MessageID, error) {
	shortcutID, err := parseShortcutID(args[0])
	if err != nil {
		return 0, nil, err
	}
	ids := make([]quickreply.MessageID, 0, len(args)-1)
	for _, arg := range args[1:] {
		id, err := parseMessageID(arg)
		if err != nil {
			return 0, nil, err
		}
		ids = append(ids, id)
	}
	return shortcutID, ids, nil
}

// joinCommandNames собирает строку имён команд, разделённых запятыми, для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-8s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
