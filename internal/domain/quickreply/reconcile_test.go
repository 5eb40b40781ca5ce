package quickreply_test

import (
	"context"
	"testing"

	"quickreply-sync/internal/domain/quickreply"
)

func TestFullSnapshotMergeAndIdempotence(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)

	snap := &quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 1, Name: "faq", IsFull: true, Messages: []*quickreply.RemoteMessage{
			remoteText(10, "one"), remoteText(20, "two"),
		}, TotalCount: 2},
		{ID: 2, Name: "bye", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(30, "later")}, TotalCount: 1},
	}}
	env.applySnapshot(snap)

	sums := env.summaries()
	if len(sums) != 2 {
		t.Fatalf("got %d shortcuts, want 2", len(sums))
	}
	if sums[0].ID != 1 || sums[0].Name != "faq" || sums[0].ServerCount != 2 {
		t.Fatalf("unexpected first summary: %+v", sums[0])
	}
	if sums[0].Head == nil || sums[0].Head.ID != quickreply.NewServerMessageID(10) {
		t.Fatalf("head must be the smallest server entry: %+v", sums[0].Head)
	}

	// Повторное применение того же снапшота не наблюдаемо: ни событий, ни
	// изменений состояния.
	before := env.sink.count()
	env.applySnapshot(snap)
	if got := env.sink.count(); got != before {
		t.Fatalf("idempotent snapshot emitted %d extra events", got-before)
	}
}

func TestFullSnapshotPreservesLocalWork(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 1, Name: "faq", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "one")}, TotalCount: 1},
	}})

	// Транспорт без обработчика отвечает пустым результатом; запись
	// проваливается и остаётся резидентной как незавершённая работа.
	if _, err := env.engine.SendMessage(ctx, "faq", textContent("draft"), 0); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if _, err := env.engine.SendMessage(ctx, "notes", textContent("scratch"), 0); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitFor(t, "both entries failed", func() bool {
		sums := env.summaries()
		if len(sums) != 2 {
			return false
		}
		for _, sum := range sums {
			msgs := env.messages(sum.ID)
			failed := false
			for _, m := range msgs {
				if m.Failed {
					failed = true
				}
			}
			if !failed {
				return false
			}
		}
		return true
	})

	// Снапшот знает только серверный шорткат: локальная работа переживает
	// слияние — провалившаяся запись в "faq" и целиком локальный "notes".
	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 1, Name: "faq", IsFull: true, Messages: []*quickreply.RemoteMessage{
			remoteText(10, "one"), remoteText(20, "two"),
		}, TotalCount: 2},
	}})

	sums := env.summaries()
	if len(sums) != 2 {
		t.Fatalf("got %d shortcuts, want 2", len(sums))
	}
	if sums[0].ID != 1 {
		t.Fatalf("server shortcut must come first, got %d", sums[0].ID)
	}
	if sums[1].Name != "notes" || !sums[1].ID.IsLocal() {
		t.Fatalf("local shortcut must survive in the tail: %+v", sums[1])
	}
	msgs := env.messages(1)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 2 server + 1 local", len(msgs))
	}
	var kept *quickreply.MessageEntry
	for _, m := range msgs {
		if !m.ID.IsServer() {
			kept = m
		}
	}
	if kept == nil || !kept.Failed {
		t.Fatalf("local failed entry must survive the merge: %+v", msgs)
	}
	// Порядок тотален по идентификатору: провалившаяся запись занимает место
	// по своей последовательности, не обязательно хвост.
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].ID >= msgs[i].ID {
			t.Fatalf("messages must stay sorted by id: %+v", msgs)
		}
	}
}

func TestSnapshotMergesLocalShortcutByName(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.SendMessage(ctx, "faq", textContent("draft"), 0); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitFor(t, "entry failed", func() bool {
		sums := env.summaries()
		if len(sums) != 1 {
			return false
		}
		msgs := env.messages(sums[0].ID)
		return len(msgs) == 1 && msgs[0].Failed
	})

	// Сервер подтвердил шорткат с этим именем: локальный переезжает под
	// серверный идентификатор, записи сливаются.
	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 5, Name: "faq", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "one")}, TotalCount: 1},
	}})

	sums := env.summaries()
	if len(sums) != 1 || sums[0].ID != 5 {
		t.Fatalf("local shortcut must be rehomed to server id 5: %+v", sums)
	}
	msgs := env.messages(5)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want server + local", len(msgs))
	}
	for _, m := range msgs {
		if m.ShortcutID != 5 {
			t.Fatalf("entry %d still points at old shortcut %d", m.ID, m.ShortcutID)
		}
	}
}

func TestFullSnapshotDropsEmptiedShortcut(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 7, Name: "gone", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "one")}, TotalCount: 1},
		{ID: 8, Name: "kept", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(20, "two")}, TotalCount: 1},
	}})

	// Сервер прислал шорткат 7 без единой записи: пустые шорткаты не
	// существуют, он исчезает с событием удаления до события списка.
	before := len(env.sink.snapshot())
	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 7, Name: "gone", IsFull: true},
		{ID: 8, Name: "kept", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(20, "two")}, TotalCount: 1},
	}})

	sums := env.summaries()
	if len(sums) != 1 || sums[0].ID != 8 {
		t.Fatalf("emptied shortcut must vanish: %+v", sums)
	}
	events := env.sink.snapshot()[before:]
	deletedAt, listAt := -1, -1
	for i, ev := range events {
		switch e := ev.(type) {
		case quickreply.ShortcutDeletedEvent:
			if e.ID == 7 && deletedAt < 0 {
				deletedAt = i
			}
		case quickreply.ShortcutListEvent:
			if listAt < 0 {
				listAt = i
			}
		case quickreply.ShortcutChangedEvent:
			if e.Shortcut.ID == 7 {
				t.Fatalf("emptied shortcut emitted a change event: %+v", e)
			}
		}
	}
	if deletedAt < 0 || listAt < 0 {
		t.Fatalf("missing events: deleted=%d list=%d", deletedAt, listAt)
	}
	if listAt < deletedAt {
		t.Fatalf("deleted event must precede list event: deleted=%d list=%d", deletedAt, listAt)
	}
}

func TestSnapshotMergesLocalWorkIntoRenamedShortcut(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 5, Name: "old", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "one")}, TotalCount: 1},
	}})

	if _, err := env.engine.SendMessage(ctx, "faq", textContent("draft"), 0); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitFor(t, "entry failed", func() bool {
		for _, sum := range env.summaries() {
			if sum.Name == "faq" {
				msgs := env.messages(sum.ID)
				return len(msgs) == 1 && msgs[0].Failed
			}
		}
		return false
	})

	// Сервер переименовал шорткат 5 в "faq": одноимённый локальный вливается
	// в него, дубликата имени в хвосте не остаётся.
	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 5, Name: "faq", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "one")}, TotalCount: 1},
	}})

	sums := env.summaries()
	if len(sums) != 1 || sums[0].ID != 5 || sums[0].Name != "faq" {
		t.Fatalf("local shortcut must merge into server shortcut 5: %+v", sums)
	}
	msgs := env.messages(5)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want server entry + local draft", len(msgs))
	}
	for _, m := range msgs {
		if m.ShortcutID != 5 {
			t.Fatalf("entry %d still points at shortcut %d", m.ID, m.ShortcutID)
		}
	}
}

func TestPartialUpdateEvictsEntriesBelowHead(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 1, Name: "faq", IsFull: true, Messages: []*quickreply.RemoteMessage{
			remoteText(10, "one"), remoteText(30, "three"),
		}, TotalCount: 2},
	}})

	// Головная запись — наименьшая серверная; всё серверное ниже неё на
	// сервере уже не существует и вытесняется. Запись 30 остаётся до полной
	// перезагрузки.
	if err := env.engine.ApplyPartialUpdate(ctx, &quickreply.RemoteShortcut{
		ID: 1, Name: "faq", Messages: []*quickreply.RemoteMessage{remoteText(20, "new head")}, TotalCount: 3,
	}); err != nil {
		t.Fatalf("partial update failed: %v", err)
	}

	sums := env.summaries()
	if sums[0].ServerCount != 3 {
		t.Fatalf("server count = %d, want 3", sums[0].ServerCount)
	}
	if sums[0].Head == nil || sums[0].Head.ID != quickreply.NewServerMessageID(20) {
		t.Fatalf("head = %+v, want server entry 20", sums[0].Head)
	}

	// Второе частичное обновление сводит счётчик к числу резидентных записей:
	// список снова полный, чтение не ходит в сеть.
	if err := env.engine.ApplyPartialUpdate(ctx, &quickreply.RemoteShortcut{
		ID: 1, Messages: []*quickreply.RemoteMessage{remoteText(20, "new head")}, TotalCount: 2,
	}); err != nil {
		t.Fatalf("partial update failed: %v", err)
	}
	msgs := env.messages(1)
	if len(msgs) != 2 ||
		msgs[0].ID != quickreply.NewServerMessageID(20) ||
		msgs[1].ID != quickreply.NewServerMessageID(30) {
		t.Fatalf("unexpected resident set: %+v", msgs)
	}
	env.tr.mu.Lock()
	defer env.tr.mu.Unlock()
	if env.tr.fetchCalls != 0 {
		t.Fatalf("read must be satisfied locally, got %d fetches", env.tr.fetchCalls)
	}
}

func TestPartialUpdateCreatesUnknownShortcut(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	if err := env.engine.ApplyPartialUpdate(ctx, &quickreply.RemoteShortcut{
		ID: 9, Name: "fresh", Messages: []*quickreply.RemoteMessage{remoteText(50, "head")}, TotalCount: 4,
	}); err != nil {
		t.Fatalf("partial update failed: %v", err)
	}
	sums := env.summaries()
	if len(sums) != 1 || sums[0].ID != 9 || sums[0].Name != "fresh" || sums[0].ServerCount != 4 {
		t.Fatalf("unexpected summaries: %+v", sums)
	}
	if sums[0].Head == nil || sums[0].Head.ID != quickreply.NewServerMessageID(50) {
		t.Fatalf("head = %+v, want server entry 50", sums[0].Head)
	}
}

func TestApplyRemoteMessagePush(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 1, Name: "faq", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "one")}, TotalCount: 1},
	}})

	// Новая запись push-потоком.
	if err := env.engine.ApplyRemoteMessage(ctx, 1, remoteText(20, "two")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	msgs := env.messages(1)
	if len(msgs) != 2 || msgs[1].ID != quickreply.NewServerMessageID(20) {
		t.Fatalf("pushed entry not appended: %+v", msgs)
	}

	// Правка с большим edit_date применяется, с меньшим — устаревшая.
	edited := remoteText(10, "edited")
	edited.EditDate = 7
	if err := env.engine.ApplyRemoteMessage(ctx, 1, edited); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	stale := remoteText(10, "stale")
	stale.EditDate = 3
	if err := env.engine.ApplyRemoteMessage(ctx, 1, stale); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	msgs = env.messages(1)
	if msgs[0].Content.Text != "edited" || msgs[0].EditDate != 7 {
		t.Fatalf("stale push overwrote fresh content: %+v", msgs[0])
	}

	// Запись в неизвестный шорткат игнорируется без ошибки.
	if err := env.engine.ApplyRemoteMessage(ctx, 99, remoteText(40, "orphan")); err != nil {
		t.Fatalf("apply to unknown shortcut failed: %v", err)
	}
	if len(env.summaries()) != 1 {
		t.Fatal("unknown shortcut must not be created by a single message push")
	}
}

func TestApplyRemoteShortcutDelete(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 1, Name: "a", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "a")}, TotalCount: 1},
		{ID: 2, Name: "b", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(20, "b")}, TotalCount: 1},
	}})

	if err := env.engine.ApplyRemoteShortcutDelete(ctx, 1); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	sums := env.summaries()
	if len(sums) != 1 || sums[0].ID != 2 {
		t.Fatalf("unexpected summaries: %+v", sums)
	}

	// Повтор и неизвестный идентификатор — no-op.
	if err := env.engine.ApplyRemoteShortcutDelete(ctx, 1); err != nil {
		t.Fatalf("repeat delete failed: %v", err)
	}
}

func TestApplyRemoteMessagesDelete(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 1, Name: "faq", IsFull: true, Messages: []*quickreply.RemoteMessage{
			remoteText(10, "one"), remoteText(20, "two"),
		}, TotalCount: 2},
	}})

	if err := env.engine.ApplyRemoteMessagesDelete(ctx, 1, []int64{10}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	msgs := env.messages(1)
	if len(msgs) != 1 || msgs[0].ID != quickreply.NewServerMessageID(20) {
		t.Fatalf("unexpected resident set: %+v", msgs)
	}

	// Последняя запись уносит с собой шорткат.
	if err := env.engine.ApplyRemoteMessagesDelete(ctx, 1, []int64{20}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if got := env.summaries(); len(got) != 0 {
		t.Fatalf("emptied shortcut must be dropped, got %d", len(got))
	}
}

func TestSyncFromServerIsHashGated(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	var hashes []uint64
	env.tr.mu.Lock()
	env.tr.onGetShortcuts = func(hash uint64) (*quickreply.RemoteSnapshot, error) {
		hashes = append(hashes, hash)
		if hash != 0 {
			return nil, nil // состояние не изменилось
		}
		return &quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
			{ID: 1, Name: "faq", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "one")}, TotalCount: 1},
		}}, nil
	}
	env.tr.mu.Unlock()

	if err := env.engine.SyncFromServer(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(env.summaries()) != 1 {
		t.Fatal("snapshot not applied")
	}

	// Повторная синхронизация шлёт ненулевой хеш и принимает «не изменилось».
	before := env.sink.count()
	if err := env.engine.SyncFromServer(ctx); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if len(hashes) != 2 || hashes[0] != 0 || hashes[1] == 0 {
		t.Fatalf("unexpected hash sequence: %v", hashes)
	}
	if got := env.sink.count(); got != before {
		t.Fatalf("unchanged sync emitted %d extra events", got-before)
	}
}
