// Файл engine.go — ядро движка: однопоточный цикл исполнения, публичные
// операции над шорткатами и вспомогательные примитивы (пост задач, диспетч
// сетевых вызовов, хеши состояния).
//
// Модель исполнения: всеми данными владеет одна горутина (Run), потребляющая
// канал замыканий. Публичные операции ставят замыкание и ждут ответа;
// асинхронные завершения (сеть, загрузки) возвращаются в цикл тем же каналом.
// Благодаря этому внутри движка нет блокировок и никакая мутация не видна
// наполовину применённой.
package quickreply

import (
	"context"
	"time"

	"quickreply-sync/internal/infra/logger"

	"github.com/go-faster/errors"
)

// stateKey — ключ снапшота движка в персистентном хранилище.
const stateKey = "quick_reply_shortcuts"

// Options — зависимости и настройки движка. Transport, Sink и KV обязательны;
// Uploader и Resolver могут быть nil, если медиа и проверка зависимостей
// не используются (тогда загрузка файлов завершится ошибкой валидации).
type Options struct {
	Transport Transport
	Uploader  Uploader
	Resolver  DependencyResolver
	Sink      UpdateSink
	KV        KV
	// Clock — источник времени; по умолчанию time.Now. Подменяется в тестах.
	Clock func() time.Time
	// MaxShortcuts и MaxMessagesPerShortcut — лимиты валидации.
	MaxShortcuts           int
	MaxMessagesPerShortcut int
	// PersistDebounce — дебаунс записи снапшота на диск.
	PersistDebounce time.Duration
}

// Значения лимитов по умолчанию; совпадают с дефолтами конфигурации.
const (
	defaultMaxShortcuts           = 100
	defaultMaxMessagesPerShortcut = 20
	defaultPersistDebounce        = time.Second
)

// msgKey — стабильный ключ записи: пара (шорткат, сообщение). Внешние
// подсистемы держат только его и переразрешают указатель перед использованием,
// поскольку удаление может гоняться с сетевым вызовом.
type msgKey struct {
	shortcut ShortcutID
	message  MessageID
}

// Engine — движок синхронизации быстрых ответов.
type Engine struct {
	tr       Transport
	uploader Uploader
	resolver DependencyResolver
	sink     UpdateSink
	clock    func() time.Time

	maxShortcuts    int
	maxMessages     int
	persistDebounce time.Duration

	store *shortcutTable
	saver *stateSaver

	tasks  chan func()
	done   chan struct{}
	runCtx context.Context

	shuttingDown bool

	// nextLocalShortcut — следующий локальный идентификатор шортката; растёт
	// монотонно и персистится, чтобы идентификаторы не переиспользовались.
	nextLocalShortcut ShortcutID
	// nextEditGen — глобальный счётчик поколений правок.
	nextEditGen int64

	// groups — незавершённые альбомные отправки по идентификатору медиагруппы.
	groups map[int64]*pendingGroupSend
	// uploads — активные загрузки по корреляционному токену.
	uploads map[string]uploadSlot
	// deletedShortcuts — серверные шорткаты, удалённые локально, пока RPC в
	// полёте: снапшот сервера не должен их воскресить.
	deletedShortcuts map[ShortcutID]struct{}
	// deletedMessages — аналогичные надгробия для отдельных серверных записей.
	deletedMessages map[msgKey]struct{}
}

// New собирает движок. Цикл не запускается; вызовите Run в отдельной горутине,
// затем Load и SyncFromServer.
func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("quickreply: transport is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("quickreply: update sink is required")
	}
	if opts.KV == nil {
		return nil, errors.New("quickreply: kv store is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxShortcuts <= 0 {
		opts.MaxShortcuts = defaultMaxShortcuts
	}
	if opts.MaxMessagesPerShortcut <= 0 {
		opts.MaxMessagesPerShortcut = defaultMaxMessagesPerShortcut
	}
	if opts.PersistDebounce < 0 {
		opts.PersistDebounce = defaultPersistDebounce
	}
	e := &Engine{
		tr:                opts.Transport,
		uploader:          opts.Uploader,
		resolver:          opts.Resolver,
		sink:              opts.Sink,
		clock:             opts.Clock,
		maxShortcuts:      opts.MaxShortcuts,
		maxMessages:       opts.MaxMessagesPerShortcut,
		persistDebounce:   opts.PersistDebounce,
		store:             newShortcutTable(),
		tasks:             make(chan func(), 64),
		done:              make(chan struct{}),
		nextLocalShortcut: MaxServerShortcutID + 1,
		groups:            make(map[int64]*pendingGroupSend),
		uploads:           make(map[string]uploadSlot),
		deletedShortcuts:  make(map[ShortcutID]struct{}),
		deletedMessages:   make(map[msgKey]struct{}),
	}
	e.saver = newStateSaver(opts.KV, stateKey, opts.PersistDebounce)
	return e, nil
}

// Run — главный цикл движка: исполняет задачи до отмены контекста, затем
// дообрабатывает уже поставленные, помечает движок остановленным и сливает
// отложенный персист. Блокируется; запускайте в отдельной горутине.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	e.saver.Start()
	defer func() {
		if err := e.saver.Stop(); err != nil {
			logger.Errorf("quickreply: final persist failed: %v", err)
		}
	}()
	defer close(e.done)

	for {
		select {
		case task := <-e.tasks:
			task()
		case <-ctx.Done():
			// Остановка: провалы отправок с этого момента подавляются,
			// работа возобновится из персистентного состояния после рестарта.
			e.shuttingDown = true
			for {
				select {
				case task := <-e.tasks:
					task()
				default:
					return ctx.Err()
				}
			}
		}
	}
}

// do сериализует операцию на цикл движка и ждёт её завершения.
func (e *Engine) do(ctx context.Context, fn func()) error {
	ready := make(chan struct{})
	task := func() {
		defer close(ready)
		fn()
	}
	select {
	case e.tasks <- task:
	case <-e.done:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ready:
		return nil
	case <-e.done:
		// Цикл мог успеть исполнить задачу при финальном дообходе.
		select {
		case <-ready:
			return nil
		default:
			return ErrShuttingDown
		}
	}
}

// post ставит задачу без ожидания; после остановки цикла задача отбрасывается.
func (e *Engine) post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// dispatch выполняет сетевой вызов вне цикла движка. Замыкание обязано
// вернуться в цикл через post и переразрешить все указатели по ключам.
func (e *Engine) dispatch(fn func(ctx context.Context)) {
	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go fn(ctx)
}

// resolveEntry переразрешает ключ записи; (nil, nil) — запись исчезла,
// завершение осиротевшей операции обязано стать no-op.
func (e *Engine) resolveEntry(key msgKey) (*Shortcut, *MessageEntry) {
	s := e.store.get(key.shortcut)
	if s == nil {
		return nil, nil
	}
	m, _ := s.findMessage(key.message)
	if m == nil {
		return nil, nil
	}
	return s, m
}

// allocateLocalShortcutID выдаёт следующий локальный идентификатор шортката.
func (e *Engine) allocateLocalShortcutID() ShortcutID {
	id := e.nextLocalShortcut
	e.nextLocalShortcut++
	return id
}

// schedulePersist ставит снапшот состояния в очередь дебаунс-записи.
func (e *Engine) schedulePersist() {
	e.saver.Schedule(e.snapshotState())
}

// --- Хеши состояния для гейтинга перезагрузок -------------------------------

// combineHash — мультипликативная свёртка; порядок аргументов значим.
func combineHash(h, v uint64) uint64 {
	return h*20261 + v
}

// messagesHash — хеш серверной подпоследовательности записей шортката.
func messagesHash(s *Shortcut) uint64 {
	var h uint64
	for _, st := range s.serverSequence() {
		h = combineHash(h, uint64(st.ServerID))
		h = combineHash(h, uint64(st.EditDate))
	}
	return h
}

// shortcutsHash — хеш списка серверных шорткатов: идентификатор, головная
// запись и серверный счётчик каждого.
func (e *Engine) shortcutsHash() uint64 {
	var h uint64
	for _, s := range e.store.list {
		if !s.ID.IsServer() {
			continue
		}
		h = combineHash(h, uint64(s.ID))
		if head := s.headEntry(); head != nil && head.ID.IsServer() {
			h = combineHash(h, uint64(head.ID.ServerID()))
			h = combineHash(h, uint64(head.EditDate))
		}
		h = combineHash(h, uint64(s.ServerCount))
	}
	return h
}

// --- Публичные операции над коллекциями -------------------------------------

// Shortcuts возвращает сводки шорткатов в текущем порядке.
func (e *Engine) Shortcuts(ctx context.Context) ([]ShortcutSummary, error) {
	var out []ShortcutSummary
	err := e.do(ctx, func() {
		out = make([]ShortcutSummary, 0, len(e.store.list))
		for _, s := range e.store.list {
			out = append(out, s.summary())
		}
	})
	return out, err
}

// CreateShortcut создаёт шорткат с первой записью. Имя обязано быть свободным;
// пустые шорткаты не существуют, поэтому содержимое первой записи обязательно.
// Запись немедленно уходит в конвейер отправки.
func (e *Engine) CreateShortcut(ctx context.Context, name string, content MessageContent) (ShortcutSummary, error) {
	var (
		out    ShortcutSummary
		opErr  error
		sendTo msgKey
	)
	err := e.do(ctx, func() {
		if opErr = checkShortcutName(name); opErr != nil {
			return
		}
		if opErr = validateContent(content); opErr != nil {
			return
		}
		if e.store.getByName(name) != nil {
			opErr = validationf("shortcut %q already exists", name)
			return
		}
		s, entry, createErr := e.createLocalShortcut(name, content)
		if createErr != nil {
			opErr = createErr
			return
		}
		out = s.summary()
		sendTo = msgKey{shortcut: s.ID, message: entry.ID}
	})
	if err != nil {
		return ShortcutSummary{}, err
	}
	if opErr != nil {
		return ShortcutSummary{}, opErr
	}
	e.post(func() { e.prepareAndSend(sendTo) })
	return out, nil
}

// createLocalShortcut создаёт локальный шорткат с первой исходящей записью,
// публикует события и планирует персист. Вызывается на цикле движка.
func (e *Engine) createLocalShortcut(name string, content MessageContent) (*Shortcut, *MessageEntry, error) {
	if len(e.store.list) >= e.maxShortcuts {
		return nil, nil, validationf("shortcut limit of %d reached", e.maxShortcuts)
	}
	s := &Shortcut{
		ID:             e.allocateLocalShortcutID(),
		Name:           name,
		MessagesLoaded: true,
	}
	entry := e.appendOutgoingEntry(s, content, 0, 0)
	e.store.insert(s)
	e.store.verify(s)
	e.emitShortcutChanged(s)
	e.emitShortcutMessages(s)
	e.emitShortcutList()
	e.schedulePersist()
	logger.Debugf("quickreply: created local shortcut %d (%s)", s.ID, s.Name)
	return s, entry, nil
}

// appendOutgoingEntry регистрирует новую запись класса yet-unsent со свежим
// random_id и поддерживает счётчики. Вызывается на цикле движка.
func (e *Engine) appendOutgoingEntry(s *Shortcut, content MessageContent, replyTo MessageID, groupID int64) *MessageEntry {
	entry := &MessageEntry{
		ID:           s.nextMessageID(ClassYetUnsent),
		ShortcutID:   s.ID,
		Content:      content.Clone(),
		ReplyTo:      replyTo,
		RandomID:     newRandomID(),
		MediaGroupID: groupID,
	}
	s.Messages = append(s.Messages, entry)
	s.LocalCount++
	s.sortMessages()
	return entry
}

// DeleteShortcut удаляет шорткат локально и (для серверных) на сервере.
// Событие удаления публикуется до события списка.
func (e *Engine) DeleteShortcut(ctx context.Context, id ShortcutID) error {
	var (
		opErr    error
		serverID ShortcutID
	)
	err := e.do(ctx, func() {
		s := e.store.get(id)
		if s == nil {
			opErr = validationf("unknown shortcut id %d", id)
			return
		}
		if s.ID.IsServer() {
			serverID = s.ID
			e.deletedShortcuts[s.ID] = struct{}{}
		}
		e.dropShortcutLocally(s)
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	if serverID != 0 {
		e.dispatch(func(ctx context.Context) {
			rpcErr := e.tr.DeleteShortcut(ctx, serverID)
			e.post(func() {
				delete(e.deletedShortcuts, serverID)
				if rpcErr != nil && !e.shuttingDown {
					logger.Warnf("quickreply: delete shortcut %d failed: %v", serverID, rpcErr)
					e.startFullSync()
				}
			})
		})
	}
	return nil
}

// dropShortcutLocally удаляет шорткат из таблицы вместе с незавершёнными
// загрузками и альбомными отправками, публикует события и планирует персист.
func (e *Engine) dropShortcutLocally(s *Shortcut) {
	for token, slot := range e.uploads {
		if e.store.resolveID(slot.key.shortcut) == s.ID {
			delete(e.uploads, token)
			if e.uploader != nil {
				e.uploader.Cancel(token)
			}
		}
	}
	for groupID, g := range e.groups {
		if e.store.resolveID(g.shortcutID) == s.ID {
			delete(e.groups, groupID)
		}
	}
	e.store.remove(s.ID)
	e.emitShortcutDeleted(s.ID)
	e.emitShortcutList()
	e.schedulePersist()
}

// RenameShortcut меняет имя шортката. Имя проходит ту же валидацию, что и при
// создании; занятое имя — ошибка. Для серверных шорткатов изменение уходит на
// сервер; провал переименования приводит к пересинхронизации.
func (e *Engine) RenameShortcut(ctx context.Context, id ShortcutID, name string) error {
	var (
		opErr    error
		serverID ShortcutID
	)
	err := e.do(ctx, func() {
		if opErr = checkShortcutName(name); opErr != nil {
			return
		}
		s := e.store.get(id)
		if s == nil {
			opErr = validationf("unknown shortcut id %d", id)
			return
		}
		if other := e.store.getByName(name); other != nil && other != s {
			opErr = validationf("shortcut %q already exists", name)
			return
		}
		if s.Name == name {
			return
		}
		s.Name = name
		if s.ID.IsServer() {
			serverID = s.ID
		}
		e.emitShortcutChanged(s)
		e.schedulePersist()
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	if serverID != 0 {
		e.dispatch(func(ctx context.Context) {
			rpcErr := e.tr.RenameShortcut(ctx, serverID, name)
			if rpcErr != nil {
				e.post(func() {
					if e.shuttingDown {
						return
					}
					logger.Warnf("quickreply: rename shortcut %d failed: %v", serverID, rpcErr)
					e.startFullSync()
				})
			}
		})
	}
	return nil
}

// ReorderShortcuts переставляет шорткаты. Неизвестный или повторённый
// идентификатор — ошибка без мутации; не упомянутые шорткаты сохраняют
// относительный порядок в хвосте. Серверный вызов выполняется, только если
// серверная подпоследовательность действительно изменилась.
func (e *Engine) ReorderShortcuts(ctx context.Context, ids []ShortcutID) error {
	var (
		opErr     error
		serverIDs []ShortcutID
	)
	err := e.do(ctx, func() {
		before := e.serverOrder()
		if opErr = e.store.reorder(ids); opErr != nil {
			return
		}
		after := e.serverOrder()
		e.emitShortcutList()
		e.schedulePersist()
		if !equalShortcutIDs(before, after) {
			serverIDs = after
		}
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	if len(serverIDs) > 0 {
		e.dispatch(func(ctx context.Context) {
			rpcErr := e.tr.ReorderShortcuts(ctx, serverIDs)
			if rpcErr != nil {
				e.post(func() {
					if e.shuttingDown {
						return
					}
					logger.Warnf("quickreply: reorder failed: %v", rpcErr)
					e.startFullSync()
				})
			}
		})
	}
	return nil
}

// serverOrder — серверная подпоследовательность текущего порядка шорткатов.
func (e *Engine) serverOrder() []ShortcutID {
	out := make([]ShortcutID, 0, len(e.store.list))
	for _, s := range e.store.list {
		if s.ID.IsServer() {
			out = append(out, s.ID)
		}
	}
	return out
}

// equalShortcutIDs сравнивает последовательности идентификаторов.
func equalShortcutIDs(a, b []ShortcutID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DeleteMessages удаляет записи шортката. Неизвестный идентификатор — ошибка
// без мутации. Серверные записи дополнительно удаляются на сервере; опустевший
// шорткат удаляется целиком (событие удаления — до события списка).
func (e *Engine) DeleteMessages(ctx context.Context, shortcutID ShortcutID, ids []MessageID) error {
	var (
		opErr     error
		serverIDs []int64
		target    ShortcutID
	)
	err := e.do(ctx, func() {
		s := e.store.get(shortcutID)
		if s == nil {
			opErr = validationf("unknown shortcut id %d", shortcutID)
			return
		}
		for _, id := range ids {
			if m, _ := s.findMessage(id); m == nil {
				opErr = validationf("unknown message id %d in shortcut %d", id, s.ID)
				return
			}
		}
		target = s.ID
		for _, id := range ids {
			m, idx := s.findMessage(id)
			if m == nil {
				continue // дубликат в запросе
			}
			e.cancelEntryUploads(msgKey{shortcut: s.ID, message: m.ID})
			e.detachFromGroup(m)
			if m.ID.IsServer() {
				serverIDs = append(serverIDs, m.ID.ServerID())
				e.deletedMessages[msgKey{shortcut: s.ID, message: m.ID}] = struct{}{}
			}
			s.removeMessageAt(idx)
		}
		if len(s.Messages) == 0 {
			if s.ID.IsServer() {
				e.deletedShortcuts[s.ID] = struct{}{}
			}
			e.dropShortcutLocally(s)
			return
		}
		e.store.verify(s)
		e.notifyShortcutMutated(s)
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	if len(serverIDs) > 0 && target.IsServer() {
		shortcutID := target
		ids := serverIDs
		e.dispatch(func(ctx context.Context) {
			rpcErr := e.tr.DeleteMessages(ctx, shortcutID, ids)
			e.post(func() {
				for _, sid := range ids {
					delete(e.deletedMessages, msgKey{shortcut: shortcutID, message: NewServerMessageID(sid)})
				}
				delete(e.deletedShortcuts, shortcutID)
				if rpcErr != nil && !e.shuttingDown {
					logger.Warnf("quickreply: delete messages in %d failed: %v", shortcutID, rpcErr)
					e.startFullSync()
				}
			})
		})
	}
	return nil
}

// GetMessages возвращает копии записей шортката. Если полный список не
// резидентен, предварительно выполняется перезагрузка с сервера, гейтованная
// хешем серверной подпоследовательности.
func (e *Engine) GetMessages(ctx context.Context, shortcutID ShortcutID) ([]*MessageEntry, error) {
	var (
		opErr      error
		out        []*MessageEntry
		needsFetch bool
		fetchID    ShortcutID
		fetchHash  uint64
	)
	collect := func() {
		s := e.store.get(shortcutID)
		if s == nil {
			opErr = validationf("unknown shortcut id %d", shortcutID)
			return
		}
		if !s.MessagesLoaded {
			needsFetch = true
			fetchID = s.ID
			fetchHash = messagesHash(s)
			return
		}
		out = make([]*MessageEntry, len(s.Messages))
		for i, m := range s.Messages {
			out[i] = m.Clone()
		}
	}
	if err := e.do(ctx, collect); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	if !needsFetch {
		return out, nil
	}

	rs, fetchErr := e.tr.GetShortcutMessages(ctx, fetchID, fetchHash)
	if fetchErr != nil {
		return nil, errors.Wrap(fetchErr, "reload shortcut messages")
	}
	if err := e.do(ctx, func() {
		if rs != nil {
			e.applyRemoteShortcutFull(rs)
		} else if s := e.store.get(fetchID); s != nil {
			// Сервер подтвердил совпадение хеша: резидентный список полный.
			s.MessagesLoaded = true
		}
		needsFetch = false
		collect()
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return out, nil
}

// SyncFromServer запрашивает авторитетный список шорткатов (гейтовано хешем)
// и применяет его как полный снапшот. Ответ "не изменилось" не порождает
// ни событий, ни персиста.
func (e *Engine) SyncFromServer(ctx context.Context) error {
	var hash uint64
	if err := e.do(ctx, func() { hash = e.shortcutsHash() }); err != nil {
		return err
	}
	snap, err := e.tr.GetShortcuts(ctx, hash)
	if err != nil {
		return errors.Wrap(err, "fetch shortcuts")
	}
	if snap == nil {
		return nil
	}
	return e.ApplyFullSnapshot(ctx, snap)
}

// ApplyFullSnapshot сливает авторитетный список шорткатов в локальное
// состояние (см. reconcile.go). Точка входа push-потока транспорта.
func (e *Engine) ApplyFullSnapshot(ctx context.Context, snap *RemoteSnapshot) error {
	if snap == nil {
		return nil
	}
	return e.do(ctx, func() { e.applyFullSnapshot(snap) })
}

// ApplyPartialUpdate применяет частичное обновление одного шортката
// (головная запись плюс серверный счётчик). Точка входа push-потока.
func (e *Engine) ApplyPartialUpdate(ctx context.Context, rs *RemoteShortcut) error {
	if rs == nil {
		return nil
	}
	return e.do(ctx, func() { e.applyPartialShortcutUpdate(rs) })
}

// startFullSync запускает фоновую пересинхронизацию всего списка. Вызывается
// на цикле движка после подозрительных ответов сервера.
func (e *Engine) startFullSync() {
	e.dispatch(func(ctx context.Context) {
		if err := e.SyncFromServer(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warnf("quickreply: resync failed: %v", err)
		}
	})
}

// reloadShortcut перечитывает один шорткат с сервера и применяет полный список.
func (e *Engine) reloadShortcut(id ShortcutID) {
	e.dispatch(func(ctx context.Context) {
		rs, err := e.tr.GetShortcutMessages(ctx, id, 0)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warnf("quickreply: reload shortcut %d failed: %v", id, err)
			}
			return
		}
		if rs == nil {
			return
		}
		e.post(func() { e.applyRemoteShortcutFull(rs) })
	})
}
