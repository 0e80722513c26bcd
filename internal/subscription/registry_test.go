package subscription

import (
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"

	"github.com/adred-codev/channelserver/internal/chserr"
	"github.com/adred-codev/channelserver/internal/sharedtables"
	"github.com/adred-codev/channelserver/internal/store"
)

type fakeConns struct {
	mu      sync.Mutex
	offline map[int64]bool
	sent    map[int64][][]byte
}

func newFakeConns(offlineFds ...int64) *fakeConns {
	offline := make(map[int64]bool, len(offlineFds))
	for _, fd := range offlineFds {
		offline[fd] = true
	}
	return &fakeConns{offline: offline, sent: make(map[int64][][]byte)}
}

func (f *fakeConns) Send(fd int64, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[fd] {
		return false
	}
	f.sent[fd] = append(f.sent[fd], payload)
	return true
}

func newTestRegistry(t *testing.T, conns ConnectionLookup) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.NewForTesting(db, zerolog.Nop())
	channels := sharedtables.NewChannelsTable(100)
	auth := sharedtables.NewAuthTable(100)
	return New(channels, auth, st, conns), mock
}

func TestSubscribeRequiresSession(t *testing.T) {
	reg, _ := newTestRegistry(t, newFakeConns())
	if err := reg.Subscribe(1, "general"); err != chserr.ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestSubscribeAndMembersOf(t *testing.T) {
	reg, mock := newTestRegistry(t, newFakeConns())
	reg.auth.Put(&sharedtables.Session{Fd: 1, ProfileID: "p1"})

	mock.ExpectExec(`INSERT OR IGNORE INTO subscriptions`).
		WithArgs("p1", "general", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := reg.Subscribe(1, "general"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	members := reg.MembersOf("general")
	if len(members) != 1 || members[0] != 1 {
		t.Fatalf("expected [1], got %v", members)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t, newFakeConns())
	// No session, no prior subscribe — must not error.
	if err := reg.Unsubscribe(1, "general"); err != nil {
		t.Fatalf("expected no error unsubscribing absent membership, got %v", err)
	}
}

func TestDisconnectClearsSubscriptionsAndSession(t *testing.T) {
	reg, mock := newTestRegistry(t, newFakeConns())
	reg.auth.Put(&sharedtables.Session{Fd: 1, ProfileID: "p1"})
	mock.ExpectExec(`INSERT OR IGNORE INTO subscriptions`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := reg.Subscribe(1, "general"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	reg.Disconnect(1)

	if members := reg.MembersOf("general"); len(members) != 0 {
		t.Fatalf("expected no members after disconnect, got %v", members)
	}
	if _, ok := reg.auth.Get(1); ok {
		t.Fatal("expected session to be removed after disconnect")
	}
}

func TestFanoutSplitsOnlineAndOffline(t *testing.T) {
	conns := newFakeConns(2) // fd 2 is offline
	reg, mock := newTestRegistry(t, conns)

	reg.auth.Put(&sharedtables.Session{Fd: 1, ProfileID: "p1"})
	reg.auth.Put(&sharedtables.Session{Fd: 2, ProfileID: "p2"})
	reg.auth.Put(&sharedtables.Session{Fd: 3, ProfileID: "p3"}) // the publisher, excluded

	mock.ExpectExec(`INSERT OR IGNORE INTO subscriptions`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT OR IGNORE INTO subscriptions`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT OR IGNORE INTO subscriptions`).WillReturnResult(sqlmock.NewResult(1, 1))
	if err := reg.Subscribe(1, "general"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Subscribe(2, "general"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Subscribe(3, "general"); err != nil {
		t.Fatal(err)
	}

	result := reg.Fanout("general", []byte("payload"), 3, []string{"p1", "p2"})

	if result.Delivered != 1 {
		t.Fatalf("expected 1 delivered, got %d", result.Delivered)
	}
	if len(result.OfflineRecipients) != 1 || result.OfflineRecipients[0] != "p2" {
		t.Fatalf("expected offline recipient p2, got %v", result.OfflineRecipients)
	}
	if len(conns.sent[3]) != 0 {
		t.Fatal("publisher fd must never receive its own fanout")
	}
}

func TestRecipientsUnionsLiveMembersWithDurableMirror(t *testing.T) {
	reg, mock := newTestRegistry(t, newFakeConns())
	reg.auth.Put(&sharedtables.Session{Fd: 1, ProfileID: "p1"})
	reg.channels.Insert("general", 1)

	mock.ExpectQuery(`SELECT profile_id FROM subscriptions WHERE channel = \?`).
		WithArgs("general").
		WillReturnRows(sqlmock.NewRows([]string{"profile_id"}).AddRow("p1").AddRow("p2").AddRow("p3"))

	got, err := reg.Recipients("general", "p3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]bool{"p1": true, "p2": true}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for _, p := range got {
		if !want[p] {
			t.Fatalf("unexpected recipient %q in %v", p, got)
		}
	}
}

func TestFanoutTreatsDisconnectedDurableSubscriberAsOffline(t *testing.T) {
	// Mirrors a clean disconnect: fd 2's Channels Table membership is gone
	// (as Disconnect would leave it), but the durable subscriptions mirror
	// still lists p2 — the scenario the offline digest path must catch.
	reg, _ := newTestRegistry(t, newFakeConns())
	reg.auth.Put(&sharedtables.Session{Fd: 1, ProfileID: "p1"})
	reg.channels.Insert("general", 1)

	result := reg.Fanout("general", []byte("payload"), 0, []string{"p1", "p2"})

	if result.Delivered != 1 {
		t.Fatalf("expected 1 delivered, got %d", result.Delivered)
	}
	if len(result.OfflineRecipients) != 1 || result.OfflineRecipients[0] != "p2" {
		t.Fatalf("expected offline recipient p2, got %v", result.OfflineRecipients)
	}
}
