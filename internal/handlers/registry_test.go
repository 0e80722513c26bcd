package handlers

import (
	"context"
	"testing"

	"github.com/adred-codev/channelserver/internal/sharedtables"
	"github.com/adred-codev/channelserver/internal/taskbus"
)

func echoHandler(_ context.Context, _ taskbus.Task, params map[string]string) taskbus.Result {
	return taskbus.Result{Status: 200, Data: params}
}

func TestLookupAndInvoke(t *testing.T) {
	reg := New()
	reg.Register([]string{"GET"}, "/profiles/:id", echoHandler, ScopeRead)

	route, scope, ok := reg.Lookup("GET", "/profiles/42")
	if !ok {
		t.Fatal("expected route to match")
	}
	if scope != ScopeRead {
		t.Fatalf("expected ScopeRead, got %v", scope)
	}
	if route != "/profiles/42" {
		t.Fatalf("unexpected matched uri: %s", route)
	}

	result := reg.Invoke(context.Background(), taskbus.Task{Method: "GET", URI: "/profiles/42"})
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	params, ok := result.Data.(map[string]string)
	if !ok || params["id"] != "42" {
		t.Fatalf("expected captured id=42, got %+v", result.Data)
	}
}

func TestLookupMethodMismatch(t *testing.T) {
	reg := New()
	reg.Register([]string{"GET"}, "/profiles/:id", echoHandler, ScopeRead)

	if _, _, ok := reg.Lookup("POST", "/profiles/42"); ok {
		t.Fatal("expected no match for wrong method")
	}
}

func TestLookupNoMatch(t *testing.T) {
	reg := New()
	reg.Register([]string{"GET"}, "/profiles/:id", echoHandler, ScopeRead)

	if _, _, ok := reg.Lookup("GET", "/unknown"); ok {
		t.Fatal("expected no match for unregistered path")
	}
}

func TestInvokeNoMatchReturns404(t *testing.T) {
	reg := New()
	result := reg.Invoke(context.Background(), taskbus.Task{Method: "GET", URI: "/nope"})
	if !result.IsError || result.Status != 404 {
		t.Fatalf("expected 404 error result, got %+v", result)
	}
}

func TestInvokeReachesSystemScopedRouteDirectly(t *testing.T) {
	// Invoke is the admin entrypoint's dispatch path: it never consults
	// CheckScope, so a SYSTEM route it cannot reach through the Frame Router
	// is still callable by a trusted caller that goes straight to Invoke.
	reg := New()
	reg.Register([]string{"POST"}, "/_internal/flush/:namespace", echoHandler, ScopeSystem)

	result := reg.Invoke(context.Background(), taskbus.Task{Method: "POST", URI: "/_internal/flush/ns1"})
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	params, ok := result.Data.(map[string]string)
	if !ok || params["namespace"] != "ns1" {
		t.Fatalf("expected captured namespace=ns1, got %+v", result.Data)
	}
}

func TestCheckScope(t *testing.T) {
	reg := New()
	session := &sharedtables.Session{Fd: 1, ProfileID: "p1"}

	if err := reg.CheckScope(ScopePublic, nil); err != nil {
		t.Fatalf("PUBLIC should never require a session: %v", err)
	}
	if err := reg.CheckScope(ScopeRead, nil); err == nil {
		t.Fatal("READ without a session should fail")
	}
	if err := reg.CheckScope(ScopeRead, session); err != nil {
		t.Fatalf("READ with a session should pass: %v", err)
	}
	if err := reg.CheckScope(ScopeSystem, session); err == nil {
		t.Fatal("SYSTEM should never be reachable from a client session")
	}
}
