package model

import (
	"context"
	"testing"
)

func TestActor_IsAdmin(t *testing.T) {
	if (Actor{ID: "u1", Role: RoleCustomer}).IsAdmin() {
		t.Error("customer should not be admin")
	}
	if !(Actor{ID: "u2", Role: RoleAdmin}).IsAdmin() {
		t.Error("admin role should be admin")
	}
	if !SystemActor.IsAdmin() {
		t.Error("system actor carries the admin role")
	}
}

func TestWithActor_and_ActorFrom(t *testing.T) {
	actor := Actor{ID: "user-alice", Role: RoleReviewer}
	ctx := WithActor(context.Background(), actor)

	got, ok := ActorFrom(ctx)
	if !ok {
		t.Fatal("ActorFrom found no actor")
	}
	if got != actor {
		t.Errorf("got %+v", got)
	}

	if _, ok := ActorFrom(context.Background()); ok {
		t.Error("bare context should have no actor")
	}
}
