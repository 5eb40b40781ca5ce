package quickreply

import (
	"testing"
)

func TestMessageIDClassTagging(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		id    MessageID
		class MessageClass
		seq   int64
	}{
		{name: "server", id: newMessageID(7, ClassServer), class: ClassServer, seq: 7},
		{name: "yetUnsent", id: newMessageID(7, ClassYetUnsent), class: ClassYetUnsent, seq: 7},
		{name: "local", id: newMessageID(7, ClassLocal), class: ClassLocal, seq: 7},
		{name: "serverFromServerID", id: NewServerMessageID(42), class: ClassServer, seq: 42},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if !tc.id.Valid() {
				t.Fatalf("id %d must be valid", tc.id)
			}
			if got := tc.id.Class(); got != tc.class {
				t.Fatalf("Class() = %v, want %v", got, tc.class)
			}
			if got := tc.id.Sequence(); got != tc.seq {
				t.Fatalf("Sequence() = %d, want %d", got, tc.seq)
			}
		})
	}
}

// Порядок идентификаторов тотален и учитывает класс: при равной числовой
// последовательности серверная запись предшествует неотправленной, та — локальной.
func TestMessageIDOrderIsClassAware(t *testing.T) {
	t.Parallel()

	server := newMessageID(5, ClassServer)
	unsent := newMessageID(5, ClassYetUnsent)
	local := newMessageID(5, ClassLocal)

	if !(server < unsent && unsent < local) {
		t.Fatalf("want server(%d) < yet-unsent(%d) < local(%d)", server, unsent, local)
	}
	if next := newMessageID(6, ClassServer); next < local {
		t.Fatalf("higher sequence must dominate class tag: %d < %d", next, local)
	}
}

func TestMessageIDValid(t *testing.T) {
	t.Parallel()

	if MessageID(0).Valid() {
		t.Fatal("zero id must be invalid")
	}
	if MessageID(-1).Valid() {
		t.Fatal("negative id must be invalid")
	}
	if MessageID(3).Valid() {
		// Тег 3 не принадлежит ни одному известному классу.
		t.Fatal("unknown class tag must be invalid")
	}
	if !NewServerMessageID(1).Valid() {
		t.Fatal("server id must be valid")
	}
}

func TestShortcutIDRanges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		id     ShortcutID
		server bool
		local  bool
	}{
		{name: "zero", id: 0, server: false, local: false},
		{name: "minServer", id: 1, server: true, local: false},
		{name: "maxServer", id: MaxServerShortcutID, server: true, local: false},
		{name: "firstLocal", id: MaxServerShortcutID + 1, server: false, local: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := tc.id.IsServer(); got != tc.server {
				t.Fatalf("IsServer() = %t, want %t", got, tc.server)
			}
			if got := tc.id.IsLocal(); got != tc.local {
				t.Fatalf("IsLocal() = %t, want %t", got, tc.local)
			}
		})
	}
}

func TestRandomAndGroupIDs(t *testing.T) {
	t.Parallel()

	for range 100 {
		if newRandomID() == 0 {
			t.Fatal("random id must be non-zero")
		}
		if newGroupID() >= 0 {
			t.Fatal("group id must be negative")
		}
	}
}

func TestNextMessageIDMonotonic(t *testing.T) {
	t.Parallel()

	s := &Shortcut{ID: MaxServerShortcutID + 1, Name: "x"}
	first := s.nextMessageID(ClassYetUnsent)
	second := s.nextMessageID(ClassYetUnsent)
	if second <= first {
		t.Fatalf("ids must grow: %d then %d", first, second)
	}

	// После появления серверной записи с большой последовательностью аллокатор
	// обязан перепрыгнуть её, а не выдать идентификатор меньше существующего.
	s.Messages = append(s.Messages, &MessageEntry{ID: NewServerMessageID(100)})
	third := s.nextMessageID(ClassYetUnsent)
	if third.Sequence() != 101 {
		t.Fatalf("Sequence() = %d, want 101", third.Sequence())
	}
}
