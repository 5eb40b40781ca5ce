// Файл persist.go — персистентность движка: снапшот состояния в JSON,
// фоновый воркер записи с дебаунсом (в KV держится только последний снапшот)
// и восстановление после рестарта с возобновлением незавершённой работы.
package quickreply

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"quickreply-sync/internal/infra/logger"
)

// persistedState — снапшот движка на диске. Счётчики идентификаторов
// персистятся, чтобы ни один идентификатор не был выдан дважды.
type persistedState struct {
	Shortcuts         []*Shortcut               `json:"shortcuts"`
	Aliases           map[ShortcutID]ShortcutID `json:"aliases,omitempty"`
	NextLocalShortcut ShortcutID                `json:"next_local_shortcut"`
	NextEditGen       int64                     `json:"next_edit_generation"`
}

// snapshotState собирает глубокую копию состояния. Вызывается на цикле движка;
// копия передаётся воркеру записи без дальнейшей синхронизации.
func (e *Engine) snapshotState() persistedState {
	st := persistedState{
		Shortcuts:         make([]*Shortcut, len(e.store.list)),
		NextLocalShortcut: e.nextLocalShortcut,
		NextEditGen:       e.nextEditGen,
	}
	for i, s := range e.store.list {
		st.Shortcuts[i] = s.Clone()
	}
	if len(e.store.aliases) > 0 {
		st.Aliases = make(map[ShortcutID]ShortcutID, len(e.store.aliases))
		for k, v := range e.store.aliases {
			st.Aliases[k] = v
		}
	}
	return st
}

// Load восстанавливает состояние из персистентного хранилища и возобновляет
// незавершённую работу: неотправленные записи снова уходят в конвейер,
// незавершённые правки перевыдаются. Вызывайте один раз после старта Run,
// до первого SyncFromServer.
func (e *Engine) Load(ctx context.Context) error {
	return e.do(ctx, func() { e.loadState() })
}

func (e *Engine) loadState() {
	raw, err := e.saver.kv.Get(e.saver.key)
	if err != nil {
		logger.Warnf("quickreply: reading persisted state failed: %v", err)
		return
	}
	if len(raw) == 0 {
		return
	}
	var st persistedState
	if err := json.Unmarshal(raw, &st); err != nil {
		logger.Warnf("quickreply: persisted state is corrupt, discarding: %v", err)
		e.discardPersistedState()
		return
	}

	// Содержимое обязано быть независимо разрешимо; иначе снапшот целиком
	// отбрасывается и состояние восстанавливается с сервера.
	if e.resolver != nil {
		for _, s := range st.Shortcuts {
			for _, m := range s.Messages {
				if resolveErr := e.resolver.Resolve(m.visibleContent()); resolveErr != nil {
					logger.Warnf("quickreply: persisted state references unresolvable content, discarding: %v", resolveErr)
					e.discardPersistedState()
					return
				}
			}
		}
	}

	maxEditGen := st.NextEditGen
	for _, s := range st.Shortcuts {
		if len(s.Messages) == 0 {
			continue // пустые шорткаты не существуют
		}
		s.sortMessages()
		for _, m := range s.Messages {
			m.ShortcutID = s.ID
			if m.RandomID == 0 && m.ID.IsYetUnsent() {
				m.RandomID = newRandomID()
			}
			if m.EditGeneration > maxEditGen {
				maxEditGen = m.EditGeneration
			}
		}
		s.LocalCount = s.residentLocalCount()
		if s.MessagesLoaded {
			s.ServerCount = s.residentServerCount()
		} else if resident := s.residentServerCount(); s.ServerCount < resident {
			s.ServerCount = resident
		}
		e.store.insert(s)
		e.store.verify(s)
	}
	for old, replacement := range st.Aliases {
		e.store.addAlias(old, replacement)
	}
	if st.NextLocalShortcut > e.nextLocalShortcut {
		e.nextLocalShortcut = st.NextLocalShortcut
	}
	for _, s := range e.store.list {
		if s.ID.IsLocal() && s.ID >= e.nextLocalShortcut {
			e.nextLocalShortcut = s.ID + 1
		}
	}
	e.nextEditGen = maxEditGen

	for _, s := range e.store.list {
		e.emitShortcutChanged(s)
		e.emitShortcutMessages(s)
	}
	e.emitShortcutList()
	logger.Debugf("quickreply: restored %d shortcut(s) from persisted state", len(e.store.list))
	e.resumePendingWork()
}

// discardPersistedState стирает снапшот на диске.
func (e *Engine) discardPersistedState() {
	if err := e.saver.kv.Erase(e.saver.key); err != nil {
		logger.Warnf("quickreply: erasing persisted state failed: %v", err)
	}
}

// resumePendingWork перезапускает работу, прерванную рестартом: альбомы
// пересобираются по сохранённым идентификаторам медиагрупп, неотправленные
// записи уходят в конвейер, незавершённые правки перевыдаются.
// Вызывается на цикле движка.
func (e *Engine) resumePendingWork() {
	for _, s := range e.store.list {
		groups := make(map[int64][]*MessageEntry)
		var singles []*MessageEntry
		for _, m := range s.Messages {
			if m.ID.IsYetUnsent() && !m.Failed {
				if m.MediaGroupID != 0 {
					groups[m.MediaGroupID] = append(groups[m.MediaGroupID], m)
				} else {
					singles = append(singles, m)
				}
				continue
			}
			if m.ID.IsServer() && m.EditedContent != nil {
				key := msgKey{shortcut: s.ID, message: m.ID}
				if m.EditedContent.needsUpload() {
					e.startEditUpload(key, m.EditGeneration)
				} else {
					e.dispatchEdit(key, m.EditGeneration)
				}
			}
		}
		for groupID, members := range groups {
			if len(members) >= 2 {
				g := &pendingGroupSend{shortcutID: s.ID, groupID: groupID}
				for _, m := range members {
					g.slots = append(g.slots, &groupSlot{message: m.ID})
				}
				e.groups[groupID] = g
			}
			singles = append(singles, members...)
		}
		for _, m := range singles {
			e.prepareAndSend(msgKey{shortcut: s.ID, message: m.ID})
		}
	}
}

// stateSaver — фоновый воркер записи снапшота в KV с дебаунсом.
// Особенности:
//   - в updates держится только последний снапшот: устаревшие заменяются,
//   - неблокирующий backpressure со стороны цикла движка,
//   - безопасное завершение: Stop выполняет отложенную запись и возвращает
//     первую ошибку записи, если была.
type stateSaver struct {
	kv       KV
	key      string
	debounce time.Duration

	updates chan persistedState
	stopCh  chan struct{}

	wg       sync.WaitGroup
	finalErr error
	errMu    sync.Mutex

	stopOnce  sync.Once
	startOnce sync.Once
}

func newStateSaver(kv KV, key string, debounce time.Duration) *stateSaver {
	return &stateSaver{
		kv:       kv,
		key:      key,
		debounce: debounce,
		updates:  make(chan persistedState, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start запускает воркер; повторные вызовы безопасно игнорируются.
func (s *stateSaver) Start() {
	s.startOnce.Do(func() {
		s.wg.Go(func() {
			s.loop()
		})
	})
}

// Stop завершает воркер, выполнив отложенную запись.
func (s *stateSaver) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	return s.finalError()
}

// Schedule ставит снапшот в очередь на запись, вытесняя устаревший.
func (s *stateSaver) Schedule(state persistedState) {
	for {
		select {
		case <-s.stopCh:
			return
		case s.updates <- state:
			return
		default:
			select {
			case <-s.stopCh:
				return
			case <-s.updates:
			default:
			}
		}
	}
}

// loop — главный цикл воркера: накапливает pending, перезапускает таймер
// дебаунса, пишет по таймеру и на остановке.
func (s *stateSaver) loop() {
	var pending *persistedState

	timer := time.NewTimer(s.debounce)
	timer.Stop()

	defer logger.Debug("stateSaver: loop exited")

	for {
		select {
		case state := <-s.updates:
			pending = &state
			stopAndDrainTimer(timer)
			timer.Reset(s.debounce)

		case <-timer.C:
			s.consumePending(&pending)

		case <-s.stopCh:
			stopAndDrainTimer(timer)
			s.consumePending(&pending)
			return
		}
	}
}

// stopAndDrainTimer останавливает таймер и осушает его канал, если нужно.
func stopAndDrainTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// consumePending записывает pending снапшот, если он есть, и обнуляет его.
func (s *stateSaver) consumePending(pending **persistedState) {
	if *pending != nil {
		if err := s.write(**pending); err != nil {
			s.setFinalErr(err)
		}
		*pending = nil
	}
}

// write кодирует снапшот и кладёт его в KV.
func (s *stateSaver) write(state persistedState) error {
	data, errJSON := json.Marshal(state)
	if errJSON != nil {
		logger.Errorf("stateSaver: marshal error: %v", errJSON)
		return errJSON
	}
	if err := s.kv.Set(s.key, data); err != nil {
		logger.Errorf("stateSaver: write error: %v", err)
		return err
	}
	logger.Debugf("stateSaver: state persisted (%d shortcut(s))", len(state.Shortcuts))
	return nil
}

func (s *stateSaver) setFinalErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.finalErr == nil {
		s.finalErr = err
	}
	s.errMu.Unlock()
}

// finalError возвращает первую ошибку записи. Потокобезопасно.
func (s *stateSaver) finalError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
