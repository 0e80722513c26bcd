package router

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"

	"github.com/adred-codev/channelserver/internal/authsession"
	"github.com/adred-codev/channelserver/internal/handlers"
	"github.com/adred-codev/channelserver/internal/ratelimit"
	"github.com/adred-codev/channelserver/internal/sharedtables"
	"github.com/adred-codev/channelserver/internal/store"
	"github.com/adred-codev/channelserver/internal/subscription"
	"github.com/adred-codev/channelserver/internal/taskbus"
)

const (
	testSecret = "router-test-secret"
	testXORKey = "router-test-xor-key"
)

type fakeSender struct {
	mu  sync.Mutex
	out map[int64][]recordedEnvelope
}

type recordedEnvelope map[string]any

func newFakeSender() *fakeSender {
	return &fakeSender{out: make(map[int64][]recordedEnvelope)}
}

func (f *fakeSender) Send(fd int64, payload []byte) bool {
	var env recordedEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return false
	}
	f.mu.Lock()
	f.out[fd] = append(f.out[fd], env)
	f.mu.Unlock()
	return true
}

func (f *fakeSender) Deliver(fd int64, payload []byte) bool { return f.Send(fd, payload) }

func (f *fakeSender) last(fd int64) recordedEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	envs := f.out[fd]
	if len(envs) == 0 {
		return nil
	}
	return envs[len(envs)-1]
}

type fakeProfileLoader struct {
	profile *store.Profile
	err     error
}

func (f *fakeProfileLoader) ProfileByAccountID(accountID, profileIDHint string) (*store.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.profile, nil
}

func newTestRouter(t *testing.T, profiles authsession.ProfileLoader) (*Router, *fakeSender, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.NewForTesting(db, zerolog.Nop())

	channelsTable := sharedtables.NewChannelsTable(100)
	authTable := sharedtables.NewAuthTable(100)
	sender := newFakeSender()

	auth := authsession.New(testSecret, testXORKey, authTable, profiles)
	subs := subscription.New(channelsTable, authTable, st, sender)
	guard := ratelimit.New(ratelimit.GuardConfig{
		MaxConnections: 100, MaxGoroutines: 100,
		CPURejectThreshold: 100, MaxAuthPerSec: 100, MaxBroadcastPerSec: 100,
	}, zerolog.Nop())
	registry := handlers.New()
	bus := taskbus.New(1, 10, registry.Invoke, sender, zerolog.Nop())
	bus.Start(1)
	t.Cleanup(bus.Stop)

	r := New(sender, auth, subs, st, bus, registry, guard, zerolog.Nop())
	return r, sender, mock
}

func TestHandleFramePingRepliesPong(t *testing.T) {
	r, sender, _ := newTestRouter(t, &fakeProfileLoader{})

	frame, _ := json.Marshal(map[string]string{"type": "ping"})
	if err := r.HandleFrame(1, frame); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := sender.last(1)
	if env["type"] != "pong" {
		t.Fatalf("expected pong envelope, got %+v", env)
	}
}

func TestHandleFrameMalformedJSONRepliesError(t *testing.T) {
	r, sender, _ := newTestRouter(t, &fakeProfileLoader{})

	if err := r.HandleFrame(1, []byte("{not json")); err == nil {
		t.Fatal("expected a protocol violation error")
	}

	env := sender.last(1)
	if env["type"] != "error" {
		t.Fatalf("expected error envelope, got %+v", env)
	}
}

func TestHandleAuthSuccessRepliesAuthOk(t *testing.T) {
	profiles := &fakeProfileLoader{profile: &store.Profile{AccountID: "acct-1", ProfileID: "prof-1"}}
	r, sender, mock := newTestRouter(t, profiles)

	token, err := authsession.Issue(testSecret, testXORKey, authsession.TokenClaims{AccountID: "acct-1", ProfileID: "prof-1"})
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	mock.ExpectQuery(`SELECT channel, count, preview, priority FROM digests`).
		WithArgs("prof-1").
		WillReturnRows(sqlmock.NewRows([]string{"channel", "count", "preview", "priority"}))

	frame, _ := json.Marshal(map[string]string{"type": "auth", "token": token})
	if err := r.HandleFrame(1, frame); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := sender.last(1)
	if env["type"] != "auth_ok" || env["profile_id"] != "prof-1" {
		t.Fatalf("expected auth_ok for prof-1, got %+v", env)
	}
}

func TestHandleSubscribeWithoutAuthIsRejected(t *testing.T) {
	r, sender, _ := newTestRouter(t, &fakeProfileLoader{})

	frame, _ := json.Marshal(map[string]string{"type": "subscribe", "channel": "general"})
	if err := r.HandleFrame(1, frame); err == nil {
		t.Fatal("expected an error for an unauthenticated subscribe")
	}

	env := sender.last(1)
	if env["type"] != "error" {
		t.Fatalf("expected error envelope, got %+v", env)
	}
}

func TestHandlePublishRepliesWithSentToEnvelope(t *testing.T) {
	profiles := &fakeProfileLoader{profile: &store.Profile{AccountID: "acct-1", ProfileID: "prof-1"}}
	r, sender, mock := newTestRouter(t, profiles)

	token, err := authsession.Issue(testSecret, testXORKey, authsession.TokenClaims{AccountID: "acct-1", ProfileID: "prof-1"})
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	mock.ExpectQuery(`SELECT channel, count, preview, priority FROM digests`).
		WithArgs("prof-1").
		WillReturnRows(sqlmock.NewRows([]string{"channel", "count", "preview", "priority"}))
	authFrame, _ := json.Marshal(map[string]string{"type": "auth", "token": token})
	if err := r.HandleFrame(1, authFrame); err != nil {
		t.Fatalf("auth failed: %v", err)
	}

	mock.ExpectQuery(`SELECT profile_id FROM subscriptions WHERE channel = \?`).
		WithArgs("general").
		WillReturnRows(sqlmock.NewRows([]string{"profile_id"}))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM messages WHERE message_id = \?`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO messages`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	frame, _ := json.Marshal(map[string]string{"type": "publish", "channel": "general", "message": "hi"})
	if err := r.HandleFrame(1, frame); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := sender.last(1)
	if env["type"] != "publish" || env["success"] != true || env["sent_to"] != float64(0) {
		t.Fatalf("expected publish/success/sent_to envelope, got %+v", env)
	}
}

func TestHandleVirtualHTTPUnknownRouteRepliesApiError(t *testing.T) {
	r, sender, _ := newTestRouter(t, &fakeProfileLoader{})

	frame, _ := json.Marshal(map[string]any{"type": "api", "method": "GET", "route": "/nope", "correlation_id": "c1"})
	if err := r.HandleFrame(1, frame); err == nil {
		t.Fatal("expected an error for an unmatched route")
	}

	env := sender.last(1)
	if env["type"] != "api_error" || env["correlation_id"] != "c1" {
		t.Fatalf("expected api_error envelope for c1, got %+v", env)
	}
}
