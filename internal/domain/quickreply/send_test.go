package quickreply_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"quickreply-sync/internal/domain/quickreply"
)

func photoContent(path string) quickreply.MessageContent {
	return quickreply.MessageContent{Kind: quickreply.KindPhoto, File: &quickreply.FileSource{Path: path}}
}

func TestSendCreatesShortcutAndConfirms(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.tr.mu.Lock()
	env.tr.onSend = func(req quickreply.SendRequest) (*quickreply.SendResult, error) {
		return ackAll(req, 42, 1, 1001), nil
	}
	env.tr.mu.Unlock()

	entry, err := env.engine.SendMessage(ctx, "faq", textContent("hello"), 0)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if entry.ID.Class() != quickreply.ClassYetUnsent {
		t.Fatalf("fresh entry class = %v, want yet-unsent", entry.ID.Class())
	}
	if entry.RandomID == 0 {
		t.Fatal("fresh entry must carry a random id")
	}

	// Запрос на несуществующий на сервере шорткат адресуется именем.
	waitFor(t, "send RPC", func() bool { return env.tr.sendCount() == 1 })
	req := env.tr.sendCall(0)
	if req.ShortcutID != 0 || req.ShortcutName != "faq" {
		t.Fatalf("request target = (%d, %q), want (0, %q)", req.ShortcutID, req.ShortcutName, "faq")
	}

	// Подтверждение переселяет шорткат на серверный идентификатор,
	// а запись — на серверный класс.
	waitFor(t, "shortcut rehome", func() bool {
		sums := env.summaries()
		return len(sums) == 1 && sums[0].ID == 42
	})
	msgs := env.messages(42)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != quickreply.NewServerMessageID(1001) {
		t.Fatalf("confirmed id = %d, want %d", msgs[0].ID, quickreply.NewServerMessageID(1001))
	}
	if msgs[0].Failed {
		t.Fatal("confirmed entry must not stay failed")
	}
}

func TestSendToServerShortcutAddressesByID(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.tr.mu.Lock()
	env.tr.onSend = func(req quickreply.SendRequest) (*quickreply.SendResult, error) {
		return ackAll(req, 6, 0, 77), nil
	}
	env.tr.mu.Unlock()

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 6, Name: "faq", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "root")}, TotalCount: 1},
	}})

	if _, err := env.engine.SendMessage(ctx, "faq", textContent("reply"), quickreply.NewServerMessageID(10)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitFor(t, "send RPC", func() bool { return env.tr.sendCount() == 1 })
	req := env.tr.sendCall(0)
	if req.ShortcutID != 6 {
		t.Fatalf("request ShortcutID = %d, want 6", req.ShortcutID)
	}
	if len(req.Entries) != 1 || req.Entries[0].ReplyToServerID != 10 {
		t.Fatalf("reply target not propagated: %+v", req.Entries)
	}
	waitFor(t, "confirmation", func() bool {
		msgs := env.messages(6)
		return len(msgs) == 2 && msgs[1].ID == quickreply.NewServerMessageID(77)
	})
}

func TestTransientFailureAndResendGating(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	calls := 0
	env.tr.mu.Lock()
	env.tr.onSend = func(req quickreply.SendRequest) (*quickreply.SendResult, error) {
		calls++
		if calls == 1 {
			return nil, &quickreply.TransientError{RetryAfter: time.Minute, Err: errors.New("FLOOD_WAIT")}
		}
		return ackAll(req, 12, 1, 500), nil
	}
	env.tr.mu.Unlock()

	if _, err := env.engine.SendMessage(ctx, "faq", textContent("hi"), 0); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	var shortcutID quickreply.ShortcutID
	var failedID quickreply.MessageID
	waitFor(t, "entry failure", func() bool {
		sums := env.summaries()
		if len(sums) != 1 {
			return false
		}
		shortcutID = sums[0].ID
		for _, m := range env.messages(shortcutID) {
			if m.Failed {
				failedID = m.ID
				return m.RetryAllowed
			}
		}
		return false
	})

	// Повтор до истечения окна отклоняется без мутаций.
	err := env.engine.ResendFailedMessages(ctx, shortcutID, []quickreply.MessageID{failedID})
	if !quickreply.IsValidation(err) {
		t.Fatalf("early resend: want validation error, got %v", err)
	}

	env.clock.Advance(2 * time.Minute)
	if err := env.engine.ResendFailedMessages(ctx, shortcutID, []quickreply.MessageID{failedID}); err != nil {
		t.Fatalf("resend failed: %v", err)
	}
	waitFor(t, "successful resend", func() bool {
		sums := env.summaries()
		return len(sums) == 1 && sums[0].ID == 12 && sums[0].ServerCount == 1
	})
}

func TestNonRetryableFailureBlocksResend(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.tr.mu.Lock()
	env.tr.onSend = func(quickreply.SendRequest) (*quickreply.SendResult, error) {
		return nil, errors.New("PEER_ID_INVALID")
	}
	env.tr.mu.Unlock()

	if _, err := env.engine.SendMessage(ctx, "faq", textContent("hi"), 0); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	var shortcutID quickreply.ShortcutID
	var failedID quickreply.MessageID
	waitFor(t, "entry failure", func() bool {
		sums := env.summaries()
		if len(sums) != 1 {
			return false
		}
		shortcutID = sums[0].ID
		for _, m := range env.messages(shortcutID) {
			if m.Failed && !m.RetryAllowed {
				failedID = m.ID
				return true
			}
		}
		return false
	})

	if err := env.engine.ResendFailedMessages(ctx, shortcutID, []quickreply.MessageID{failedID}); !quickreply.IsValidation(err) {
		t.Fatalf("want validation error on non-retryable entry, got %v", err)
	}
}

func TestResendRequiresStrictlyIncreasingIDs(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.tr.mu.Lock()
	env.tr.onSend = func(quickreply.SendRequest) (*quickreply.SendResult, error) {
		return nil, &quickreply.TransientError{Err: errors.New("FLOOD_WAIT")}
	}
	env.tr.mu.Unlock()

	for _, text := range []string{"one", "two"} {
		if _, err := env.engine.SendMessage(ctx, "faq", textContent(text), 0); err != nil {
			t.Fatalf("send %q failed: %v", text, err)
		}
	}

	var shortcutID quickreply.ShortcutID
	var failed []quickreply.MessageID
	waitFor(t, "both entries failed", func() bool {
		sums := env.summaries()
		if len(sums) != 1 {
			return false
		}
		shortcutID = sums[0].ID
		failed = failed[:0]
		for _, m := range env.messages(shortcutID) {
			if m.Failed {
				failed = append(failed, m.ID)
			}
		}
		return len(failed) == 2
	})

	reversed := []quickreply.MessageID{failed[1], failed[0]}
	if err := env.engine.ResendFailedMessages(ctx, shortcutID, reversed); !quickreply.IsValidation(err) {
		t.Fatalf("want validation error on unordered ids, got %v", err)
	}
}

func TestProtocolViolationFailsEntries(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	// Ответ без подтверждений — протокольное нарушение; движок закрывается
	// отказом, а не молчаливым принятием.
	env.tr.mu.Lock()
	env.tr.onSend = func(quickreply.SendRequest) (*quickreply.SendResult, error) {
		return &quickreply.SendResult{ShortcutID: 3, NewShortcuts: 1}, nil
	}
	env.tr.mu.Unlock()

	if _, err := env.engine.SendMessage(ctx, "faq", textContent("hi"), 0); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitFor(t, "entry failed on protocol violation", func() bool {
		sums := env.summaries()
		if len(sums) != 1 {
			return false
		}
		for _, m := range env.messages(sums[0].ID) {
			if m.Failed && !m.RetryAllowed {
				return true
			}
		}
		return false
	})
}

func TestAlbumSendsOnceAfterAllUploads(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.tr.mu.Lock()
	env.tr.onSend = func(req quickreply.SendRequest) (*quickreply.SendResult, error) {
		return ackAll(req, 30, 1, 501), nil
	}
	env.tr.mu.Unlock()

	entries, err := env.engine.SendMessageGroup(ctx, "album", []quickreply.MessageContent{
		photoContent("a.jpg"), photoContent("b.jpg"), photoContent("c.jpg"),
	})
	if err != nil {
		t.Fatalf("send group failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	groupID := entries[0].MediaGroupID
	if groupID >= 0 {
		t.Fatalf("group id = %d, want negative", groupID)
	}
	for _, e := range entries {
		if e.MediaGroupID != groupID {
			t.Fatalf("entries must share one group id: %d != %d", e.MediaGroupID, groupID)
		}
	}

	waitFor(t, "uploads scheduled", func() bool { return env.up.count() == 3 })

	// Альбом уходит одним запросом и только после завершения всех загрузок.
	env.up.complete(0)
	env.up.complete(1)
	time.Sleep(20 * time.Millisecond)
	if env.tr.sendCount() != 0 {
		t.Fatal("album must not be sent before the last upload settles")
	}
	env.up.complete(2)

	waitFor(t, "batched send", func() bool { return env.tr.sendCount() == 1 })
	req := env.tr.sendCall(0)
	if len(req.Entries) != 3 {
		t.Fatalf("batched request has %d entries, want 3", len(req.Entries))
	}
	if req.GroupID >= 0 {
		t.Fatalf("request group id = %d, want negative", req.GroupID)
	}
	waitFor(t, "album confirmed", func() bool {
		sums := env.summaries()
		return len(sums) == 1 && sums[0].ID == 30 && sums[0].ServerCount == 3
	})
}

func TestAlbumMemberUploadFailureFailsWholeGroup(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.SendMessageGroup(ctx, "album", []quickreply.MessageContent{
		photoContent("a.jpg"), photoContent("b.jpg"), photoContent("c.jpg"),
	}); err != nil {
		t.Fatalf("send group failed: %v", err)
	}
	waitFor(t, "uploads scheduled", func() bool { return env.up.count() == 3 })

	env.up.complete(0)
	env.up.fail(1, errors.New("read a.jpg: i/o error"))
	env.up.complete(2)

	waitFor(t, "whole group failed", func() bool {
		sums := env.summaries()
		if len(sums) != 1 {
			return false
		}
		msgs := env.messages(sums[0].ID)
		if len(msgs) != 3 {
			return false
		}
		for _, m := range msgs {
			if !m.Failed {
				return false
			}
		}
		return true
	})
	if env.tr.sendCount() != 0 {
		t.Fatalf("failed album must not reach the network, got %d sends", env.tr.sendCount())
	}
}

func TestFileReferenceExpiryTriggersReupload(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	calls := 0
	env.tr.mu.Lock()
	env.tr.onSend = func(req quickreply.SendRequest) (*quickreply.SendResult, error) {
		calls++
		if calls == 1 {
			return nil, &quickreply.FileReferenceError{}
		}
		return ackAll(req, 8, 1, 900), nil
	}
	env.tr.mu.Unlock()

	// Кэшированная ссылка позволяет отправить без загрузки; её протухание
	// сбрасывает ссылку и гонит файл через загрузчик заново.
	content := quickreply.MessageContent{
		Kind: quickreply.KindPhoto,
		File: &quickreply.FileSource{Path: "a.jpg", RemoteRef: "ref:stale"},
	}
	if _, err := env.engine.SendMessage(ctx, "faq", content, 0); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	waitFor(t, "first send", func() bool { return env.tr.sendCount() == 1 })
	waitFor(t, "re-upload", func() bool { return env.up.count() == 1 })
	env.up.complete(0)
	waitFor(t, "second send", func() bool { return env.tr.sendCount() == 2 })
	waitFor(t, "confirmation", func() bool {
		sums := env.summaries()
		return len(sums) == 1 && sums[0].ID == 8 && sums[0].ServerCount == 1
	})
	if env.up.count() != 1 {
		t.Fatalf("expected exactly one upload, got %d", env.up.count())
	}
}

func TestFileReferenceExpiryRebatchesAlbum(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	calls := 0
	env.tr.mu.Lock()
	env.tr.onSend = func(req quickreply.SendRequest) (*quickreply.SendResult, error) {
		calls++
		if calls == 1 {
			return nil, &quickreply.FileReferenceError{}
		}
		return ackAll(req, 14, 1, 700), nil
	}
	env.tr.mu.Unlock()

	cached := func(path string) quickreply.MessageContent {
		return quickreply.MessageContent{
			Kind: quickreply.KindPhoto,
			File: &quickreply.FileSource{Path: path, RemoteRef: "ref:" + path},
		}
	}
	entries, err := env.engine.SendMessageGroup(ctx, "album", []quickreply.MessageContent{
		cached("a.jpg"), cached("b.jpg"),
	})
	if err != nil {
		t.Fatalf("send group failed: %v", err)
	}
	groupID := entries[0].MediaGroupID

	// Кэшированные ссылки протухли: первый пакетный запрос проваливается,
	// оба файла уходят на перезагрузку.
	waitFor(t, "first batched send", func() bool { return env.tr.sendCount() == 1 })
	waitFor(t, "re-uploads", func() bool { return env.up.count() == 2 })

	env.up.complete(0)
	time.Sleep(20 * time.Millisecond)
	if env.tr.sendCount() != 1 {
		t.Fatal("album must wait for the second re-upload")
	}
	env.up.complete(1)

	// Повтор уходит одним пакетным запросом на всю группу, не поодиночке.
	waitFor(t, "rebatched send", func() bool { return env.tr.sendCount() == 2 })
	req := env.tr.sendCall(1)
	if len(req.Entries) != 2 {
		t.Fatalf("retry carries %d entries, want the whole album", len(req.Entries))
	}
	if req.GroupID != groupID {
		t.Fatalf("retry group id = %d, want %d", req.GroupID, groupID)
	}
	waitFor(t, "confirmation", func() bool {
		sums := env.summaries()
		return len(sums) == 1 && sums[0].ID == 14 && sums[0].ServerCount == 2
	})
}

func TestEditMessageAppliesServerResult(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.tr.mu.Lock()
	env.tr.onEdit = func(req quickreply.EditRequest) (*quickreply.EditResult, error) {
		content := req.Content
		return &quickreply.EditResult{Content: &content, EditDate: 100}, nil
	}
	env.tr.mu.Unlock()

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 2, Name: "faq", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "old")}, TotalCount: 1},
	}})

	// Править можно только серверные записи совместимым содержимым.
	if err := env.engine.EditMessage(ctx, 2, quickreply.MessageID(99), textContent("x")); !quickreply.IsValidation(err) {
		t.Fatalf("unknown message: want validation error, got %v", err)
	}
	if err := env.engine.EditMessage(ctx, 2, quickreply.NewServerMessageID(10), photoContent("a.jpg")); !quickreply.IsValidation(err) {
		t.Fatalf("incompatible kind: want validation error, got %v", err)
	}

	if err := env.engine.EditMessage(ctx, 2, quickreply.NewServerMessageID(10), textContent("new")); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	// До подтверждения наблюдателям показывается локальная правка.
	msgs := env.messages(2)
	if msgs[0].EditedContent == nil || msgs[0].EditedContent.Text != "new" {
		t.Fatalf("pending edit overlay missing: %+v", msgs[0])
	}
	waitFor(t, "edit confirmation", func() bool {
		m := env.messages(2)[0]
		return m.EditedContent == nil && m.Content.Text == "new" && m.EditDate == 100
	})
}

func TestStaleEditResultIsDiscarded(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	release := make(chan struct{})
	calls := 0
	env.tr.mu.Lock()
	env.tr.onEdit = func(req quickreply.EditRequest) (*quickreply.EditResult, error) {
		env.tr.mu.Lock()
		calls++
		first := calls == 1
		env.tr.mu.Unlock()
		if first {
			<-release
		}
		content := req.Content
		return &quickreply.EditResult{Content: &content, EditDate: int64(calls)}, nil
	}
	env.tr.mu.Unlock()

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 2, Name: "faq", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "old")}, TotalCount: 1},
	}})

	if err := env.engine.EditMessage(ctx, 2, quickreply.NewServerMessageID(10), textContent("v1")); err != nil {
		t.Fatalf("first edit failed: %v", err)
	}
	waitFor(t, "first edit in flight", func() bool { return env.tr.editCount() == 1 })
	if err := env.engine.EditMessage(ctx, 2, quickreply.NewServerMessageID(10), textContent("v2")); err != nil {
		t.Fatalf("second edit failed: %v", err)
	}
	waitFor(t, "second edit applied", func() bool {
		m := env.messages(2)[0]
		return m.Content.Text == "v2"
	})

	// Отпускаем устаревший результат: он не должен перетереть свежую правку.
	close(release)
	time.Sleep(30 * time.Millisecond)
	m := env.messages(2)[0]
	if m.Content.Text != "v2" {
		t.Fatalf("stale edit result overwrote fresh content: %q", m.Content.Text)
	}
	if m.EditedContent != nil {
		t.Fatalf("overlay must be cleared, got %+v", m.EditedContent)
	}
}

func TestEditNotModifiedClearsOverlay(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.tr.mu.Lock()
	env.tr.onEdit = func(quickreply.EditRequest) (*quickreply.EditResult, error) {
		return &quickreply.EditResult{NotModified: true}, nil
	}
	env.tr.mu.Unlock()

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 2, Name: "faq", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "same")}, TotalCount: 1},
	}})

	if err := env.engine.EditMessage(ctx, 2, quickreply.NewServerMessageID(10), textContent("same")); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	waitFor(t, "overlay cleared", func() bool {
		m := env.messages(2)[0]
		return m.EditedContent == nil && m.Content.Text == "same"
	})
}

func TestEditFailureRevertsOverlay(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.tr.mu.Lock()
	env.tr.onEdit = func(quickreply.EditRequest) (*quickreply.EditResult, error) {
		return nil, errors.New("MESSAGE_EDIT_TIME_EXPIRED")
	}
	env.tr.mu.Unlock()

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 2, Name: "faq", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "old")}, TotalCount: 1},
	}})

	if err := env.engine.EditMessage(ctx, 2, quickreply.NewServerMessageID(10), textContent("new")); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	waitFor(t, "overlay reverted", func() bool {
		m := env.messages(2)[0]
		return m.EditedContent == nil && m.Content.Text == "old"
	})
}
