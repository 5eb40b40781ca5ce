package quickreply_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"quickreply-sync/internal/domain/quickreply"
)

// --- Фейки границ движка ----------------------------------------------------

type fakeTransport struct {
	mu sync.Mutex

	sendCalls    []quickreply.SendRequest
	editCalls    []quickreply.EditRequest
	deleteCalls  [][]int64
	renameCalls  []string
	reorderCalls [][]quickreply.ShortcutID
	fetchCalls   int

	onSend            func(req quickreply.SendRequest) (*quickreply.SendResult, error)
	onEdit            func(req quickreply.EditRequest) (*quickreply.EditResult, error)
	onGetShortcuts    func(hash uint64) (*quickreply.RemoteSnapshot, error)
	onGetMessages     func(id quickreply.ShortcutID, hash uint64) (*quickreply.RemoteShortcut, error)
	onDeleteShortcut  func(id quickreply.ShortcutID) error
	onDeleteMessages  func(id quickreply.ShortcutID, serverIDs []int64) error
	onRenameShortcut  func(id quickreply.ShortcutID, name string) error
	onReorderShortcut func(ids []quickreply.ShortcutID) error
}

func (f *fakeTransport) GetShortcuts(_ context.Context, hash uint64) (*quickreply.RemoteSnapshot, error) {
	f.mu.Lock()
	fn := f.onGetShortcuts
	f.mu.Unlock()
	if fn != nil {
		return fn(hash)
	}
	return nil, nil
}

func (f *fakeTransport) GetShortcutMessages(_ context.Context, id quickreply.ShortcutID, hash uint64) (*quickreply.RemoteShortcut, error) {
	f.mu.Lock()
	f.fetchCalls++
	fn := f.onGetMessages
	f.mu.Unlock()
	if fn != nil {
		return fn(id, hash)
	}
	return nil, nil
}

func (f *fakeTransport) SendMessages(_ context.Context, req quickreply.SendRequest) (*quickreply.SendResult, error) {
	f.mu.Lock()
	f.sendCalls = append(f.sendCalls, req)
	fn := f.onSend
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return nil, nil
}

func (f *fakeTransport) EditMessage(_ context.Context, req quickreply.EditRequest) (*quickreply.EditResult, error) {
	f.mu.Lock()
	f.editCalls = append(f.editCalls, req)
	fn := f.onEdit
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &quickreply.EditResult{NotModified: true}, nil
}

func (f *fakeTransport) DeleteMessages(_ context.Context, id quickreply.ShortcutID, serverIDs []int64) error {
	f.mu.Lock()
	f.deleteCalls = append(f.deleteCalls, serverIDs)
	fn := f.onDeleteMessages
	f.mu.Unlock()
	if fn != nil {
		return fn(id, serverIDs)
	}
	return nil
}

func (f *fakeTransport) DeleteShortcut(_ context.Context, id quickreply.ShortcutID) error {
	f.mu.Lock()
	fn := f.onDeleteShortcut
	f.mu.Unlock()
	if fn != nil {
		return fn(id)
	}
	return nil
}

func (f *fakeTransport) RenameShortcut(_ context.Context, id quickreply.ShortcutID, name string) error {
	f.mu.Lock()
	f.renameCalls = append(f.renameCalls, name)
	fn := f.onRenameShortcut
	f.mu.Unlock()
	if fn != nil {
		return fn(id, name)
	}
	return nil
}

func (f *fakeTransport) ReorderShortcuts(_ context.Context, ids []quickreply.ShortcutID) error {
	f.mu.Lock()
	f.reorderCalls = append(f.reorderCalls, ids)
	fn := f.onReorderShortcut
	f.mu.Unlock()
	if fn != nil {
		return fn(ids)
	}
	return nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sendCalls)
}

func (f *fakeTransport) sendCall(i int) quickreply.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls[i]
}

func (f *fakeTransport) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.editCalls)
}

func (f *fakeTransport) reorderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reorderCalls)
}

func (f *fakeTransport) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleteCalls)
}

// fakeUpload — одна зарегистрированная загрузка фейкового загрузчика.
type fakeUpload struct {
	id      string
	src     quickreply.FileSource
	resumed bool
	done    func(quickreply.UploadResult)
}

type fakeUploader struct {
	mu        sync.Mutex
	uploads   []fakeUpload
	cancelled []string
}

func (u *fakeUploader) Upload(_ context.Context, uploadID string, src quickreply.FileSource, done func(quickreply.UploadResult)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads = append(u.uploads, fakeUpload{id: uploadID, src: src, done: done})
}

func (u *fakeUploader) Resume(_ context.Context, uploadID string, src quickreply.FileSource, _ []int, done func(quickreply.UploadResult)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads = append(u.uploads, fakeUpload{id: uploadID, src: src, resumed: true, done: done})
}

func (u *fakeUploader) Cancel(uploadID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cancelled = append(u.cancelled, uploadID)
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.uploads)
}

// complete завершает i-ю загрузку успехом с выдуманной ссылкой хранилища.
func (u *fakeUploader) complete(i int) {
	u.mu.Lock()
	up := u.uploads[i]
	u.mu.Unlock()
	up.done(quickreply.UploadResult{UploadID: up.id, Ref: "upload:" + up.id})
}

// fail завершает i-ю загрузку ошибкой.
func (u *fakeUploader) fail(i int, err error) {
	u.mu.Lock()
	up := u.uploads[i]
	u.mu.Unlock()
	up.done(quickreply.UploadResult{UploadID: up.id, Err: err})
}

type fakeSink struct {
	mu     sync.Mutex
	events []quickreply.Event
}

func (s *fakeSink) Publish(event quickreply.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *fakeSink) snapshot() []quickreply.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]quickreply.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type memKV struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{m: make(map[string][]byte)}
}

func (kv *memKV) Get(key string) ([]byte, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.m[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (kv *memKV) Set(key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	kv.m[key] = cp
	return nil
}

func (kv *memKV) Erase(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.m, key)
	return nil
}

func (kv *memKV) len() int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return len(kv.m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Обвязка запуска движка -------------------------------------------------

type engineEnv struct {
	t      *testing.T
	engine *quickreply.Engine
	tr     *fakeTransport
	up     *fakeUploader
	sink   *fakeSink
	kv     *memKV
	clock  *fakeClock

	cancel   context.CancelFunc
	finished chan struct{}
	stopOnce sync.Once
}

// newEngineEnv собирает движок на фейках и запускает его цикл. Остановка
// выполняется в Cleanup; тест может остановить движок раньше через stop().
func newEngineEnv(t *testing.T, mutate func(*quickreply.Options)) *engineEnv {
	t.Helper()
	env := &engineEnv{
		t:        t,
		tr:       &fakeTransport{},
		up:       &fakeUploader{},
		sink:     &fakeSink{},
		kv:       newMemKV(),
		clock:    newFakeClock(),
		finished: make(chan struct{}),
	}
	opts := quickreply.Options{
		Transport:       env.tr,
		Uploader:        env.up,
		Sink:            env.sink,
		KV:              env.kv,
		Clock:           env.clock.Now,
		PersistDebounce: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := quickreply.New(opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	env.engine = engine

	runCtx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	go func() {
		defer close(env.finished)
		_ = engine.Run(runCtx)
	}()
	t.Cleanup(env.stop)
	return env
}

// stop гасит цикл движка и дожидается его завершения. Идемпотентно.
func (env *engineEnv) stop() {
	env.stopOnce.Do(func() {
		env.cancel()
		<-env.finished
	})
}

// waitFor опрашивает условие до выполнения или истечения дедлайна.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// summaries — текущие сводки шорткатов.
func (env *engineEnv) summaries() []quickreply.ShortcutSummary {
	env.t.Helper()
	out, err := env.engine.Shortcuts(context.Background())
	if err != nil {
		env.t.Fatalf("Shortcuts() failed: %v", err)
	}
	return out
}

// messages — записи шортката; тест обязан гарантировать их резидентность.
func (env *engineEnv) messages(id quickreply.ShortcutID) []*quickreply.MessageEntry {
	env.t.Helper()
	out, err := env.engine.GetMessages(context.Background(), id)
	if err != nil {
		env.t.Fatalf("GetMessages(%d) failed: %v", id, err)
	}
	return out
}

// applySnapshot применяет полный серверный снапшот.
func (env *engineEnv) applySnapshot(snap *quickreply.RemoteSnapshot) {
	env.t.Helper()
	if err := env.engine.ApplyFullSnapshot(context.Background(), snap); err != nil {
		env.t.Fatalf("ApplyFullSnapshot() failed: %v", err)
	}
}

// textContent — текстовое содержимое для тестов.
func textContent(text string) quickreply.MessageContent {
	return quickreply.MessageContent{Kind: quickreply.KindText, Text: text}
}

// remoteText — серверная запись с текстовым содержимым.
func remoteText(serverID int64, text string) *quickreply.RemoteMessage {
	return &quickreply.RemoteMessage{ServerID: serverID, Content: textContent(text)}
}

// ackAll — успешный ответ отправки: каждая запись запроса подтверждается
// серверным идентификатором, начиная с firstServerID.
func ackAll(req quickreply.SendRequest, shortcutID quickreply.ShortcutID, newShortcuts int, firstServerID int64) *quickreply.SendResult {
	res := &quickreply.SendResult{ShortcutID: shortcutID, NewShortcuts: newShortcuts}
	for i, entry := range req.Entries {
		res.Acks = append(res.Acks, quickreply.SendAck{
			RandomID: entry.RandomID,
			ServerID: firstServerID + int64(i),
		})
	}
	return res
}

// --- Операции над коллекциями -----------------------------------------------

func TestCreateShortcutValidation(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	cases := []struct {
		name     string
		shortcut string
		content  quickreply.MessageContent
	}{
		{name: "badName", shortcut: "has space", content: textContent("hi")},
		{name: "emptyText", shortcut: "ok", content: textContent("  ")},
		{name: "photoWithoutFile", shortcut: "ok", content: quickreply.MessageContent{Kind: quickreply.KindPhoto}},
	}
	for _, tc := range cases {
		if _, err := env.engine.CreateShortcut(ctx, tc.shortcut, tc.content); !quickreply.IsValidation(err) {
			t.Fatalf("%s: want validation error, got %v", tc.name, err)
		}
	}

	if _, err := env.engine.CreateShortcut(ctx, "greet", textContent("hello")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := env.engine.CreateShortcut(ctx, "greet", textContent("again")); !quickreply.IsValidation(err) {
		t.Fatalf("duplicate name: want validation error, got %v", err)
	}
}

func TestShortcutLimit(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, func(o *quickreply.Options) { o.MaxShortcuts = 2 })
	ctx := context.Background()

	for _, name := range []string{"one", "two"} {
		if _, err := env.engine.CreateShortcut(ctx, name, textContent("x")); err != nil {
			t.Fatalf("create %q failed: %v", name, err)
		}
	}
	if _, err := env.engine.CreateShortcut(ctx, "three", textContent("x")); !quickreply.IsValidation(err) {
		t.Fatalf("want validation error on limit, got %v", err)
	}
}

func TestMessageLimitPerShortcut(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, func(o *quickreply.Options) { o.MaxMessagesPerShortcut = 2 })
	ctx := context.Background()

	for i := range 2 {
		if _, err := env.engine.SendMessage(ctx, "faq", textContent("msg"), 0); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	if _, err := env.engine.SendMessage(ctx, "faq", textContent("over"), 0); !quickreply.IsValidation(err) {
		t.Fatalf("want validation error on message limit, got %v", err)
	}
}

func TestRenameShortcut(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 5, Name: "old", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "hi")}, TotalCount: 1},
	}})

	if err := env.engine.RenameShortcut(ctx, 5, "bad name"); !quickreply.IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
	if err := env.engine.RenameShortcut(ctx, 5, "fresh"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if got := env.summaries()[0].Name; got != "fresh" {
		t.Fatalf("name = %q, want %q", got, "fresh")
	}
	waitFor(t, "rename RPC", func() bool {
		env.tr.mu.Lock()
		defer env.tr.mu.Unlock()
		return len(env.tr.renameCalls) == 1 && env.tr.renameCalls[0] == "fresh"
	})
}

func TestReorderShortcuts(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 1, Name: "a", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "a")}, TotalCount: 1},
		{ID: 2, Name: "b", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(20, "b")}, TotalCount: 1},
		{ID: 3, Name: "c", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(30, "c")}, TotalCount: 1},
	}})

	if err := env.engine.ReorderShortcuts(ctx, []quickreply.ShortcutID{2, 2}); !quickreply.IsValidation(err) {
		t.Fatalf("duplicate id: want validation error, got %v", err)
	}
	if err := env.engine.ReorderShortcuts(ctx, []quickreply.ShortcutID{99}); !quickreply.IsValidation(err) {
		t.Fatalf("unknown id: want validation error, got %v", err)
	}

	// Не упомянутые шорткаты сохраняют относительный порядок в хвосте.
	if err := env.engine.ReorderShortcuts(ctx, []quickreply.ShortcutID{3}); err != nil {
		t.Fatalf("reorder failed: %v", err)
	}
	got := env.summaries()
	wantOrder := []quickreply.ShortcutID{3, 1, 2}
	for i, sum := range got {
		if sum.ID != wantOrder[i] {
			t.Fatalf("order[%d] = %d, want %d", i, sum.ID, wantOrder[i])
		}
	}
	waitFor(t, "reorder RPC", func() bool { return env.tr.reorderCount() == 1 })

	// Перестановка, не меняющая серверную подпоследовательность, не ходит в сеть.
	if err := env.engine.ReorderShortcuts(ctx, []quickreply.ShortcutID{3, 1, 2}); err != nil {
		t.Fatalf("no-op reorder failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if env.tr.reorderCount() != 1 {
		t.Fatalf("no-op reorder must not issue RPC, got %d calls", env.tr.reorderCount())
	}
}

func TestDeleteMessagesDropsEmptyShortcut(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 7, Name: "bye", IsFull: true, Messages: []*quickreply.RemoteMessage{
			remoteText(10, "one"), remoteText(20, "two"),
		}, TotalCount: 2},
	}})

	if err := env.engine.DeleteMessages(ctx, 7, []quickreply.MessageID{quickreply.NewServerMessageID(99)}); !quickreply.IsValidation(err) {
		t.Fatalf("unknown message: want validation error, got %v", err)
	}

	ids := []quickreply.MessageID{quickreply.NewServerMessageID(10), quickreply.NewServerMessageID(20)}
	if err := env.engine.DeleteMessages(ctx, 7, ids); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if got := env.summaries(); len(got) != 0 {
		t.Fatalf("shortcut must be dropped with its last message, got %d shortcuts", len(got))
	}
	waitFor(t, "delete RPC", func() bool { return env.tr.deleteCount() == 1 })

	// Событие удаления шортката обязано предшествовать событию списка.
	events := env.sink.snapshot()
	deletedAt, listAt := -1, -1
	for i, ev := range events {
		switch ev.(type) {
		case quickreply.ShortcutDeletedEvent:
			if deletedAt < 0 {
				deletedAt = i
			}
		case quickreply.ShortcutListEvent:
			if deletedAt >= 0 && listAt < 0 {
				listAt = i
			}
		}
	}
	if deletedAt < 0 || listAt < 0 || listAt < deletedAt {
		t.Fatalf("deleted event must precede list event: deleted=%d list=%d", deletedAt, listAt)
	}
}

func TestDeleteShortcutTombstoneBlocksResurrection(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)
	ctx := context.Background()

	release := make(chan struct{})
	env.tr.mu.Lock()
	env.tr.onDeleteShortcut = func(quickreply.ShortcutID) error {
		<-release
		return nil
	}
	env.tr.mu.Unlock()

	snap := &quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 9, Name: "doomed", IsFull: true, Messages: []*quickreply.RemoteMessage{remoteText(10, "x")}, TotalCount: 1},
	}}
	env.applySnapshot(snap)

	if err := env.engine.DeleteShortcut(ctx, 9); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	// RPC удаления в полёте; пришедший снапшот не должен воскресить шорткат.
	env.applySnapshot(snap)
	if got := env.summaries(); len(got) != 0 {
		t.Fatalf("tombstoned shortcut resurrected: %d shortcuts", len(got))
	}
	close(release)
}

func TestGetMessagesReloadsNonResidentList(t *testing.T) {
	t.Parallel()
	env := newEngineEnv(t, nil)

	env.tr.mu.Lock()
	env.tr.onGetMessages = func(id quickreply.ShortcutID, hash uint64) (*quickreply.RemoteShortcut, error) {
		return &quickreply.RemoteShortcut{
			ID: 4, Name: "lazy", IsFull: true,
			Messages:   []*quickreply.RemoteMessage{remoteText(10, "one"), remoteText(20, "two")},
			TotalCount: 2,
		}, nil
	}
	env.tr.mu.Unlock()

	// Частичный снапшот: резидентна только головная запись.
	env.applySnapshot(&quickreply.RemoteSnapshot{Shortcuts: []*quickreply.RemoteShortcut{
		{ID: 4, Name: "lazy", Messages: []*quickreply.RemoteMessage{remoteText(10, "one")}, TotalCount: 2},
	}})

	msgs := env.messages(4)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != quickreply.NewServerMessageID(10) || msgs[1].ID != quickreply.NewServerMessageID(20) {
		t.Fatalf("unexpected ids: %d, %d", msgs[0].ID, msgs[1].ID)
	}

	// Список стал резидентным: повторный запрос не ходит в сеть.
	env.tr.mu.Lock()
	fetches := env.tr.fetchCalls
	env.tr.mu.Unlock()
	_ = env.messages(4)
	env.tr.mu.Lock()
	defer env.tr.mu.Unlock()
	if env.tr.fetchCalls != fetches {
		t.Fatalf("resident list must not be re-fetched")
	}
}
