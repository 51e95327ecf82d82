package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	rc := &RequestContext{}
	if err := rc.Validate(); err == nil {
		t.Fatal("expected error for empty SubjectID")
	}
	rc.SubjectID = "op-1"
	if err := rc.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"operator", "auditor"}}
	if !rc.HasRole("auditor") {
		t.Error("HasRole(auditor) = false, want true")
	}
	if rc.HasRole("admin") {
		t.Error("HasRole(admin) = true, want false")
	}
}

func TestRequestContext_Claim_nil_map(t *testing.T) {
	rc := &RequestContext{}
	if got := rc.Claim("sub"); got != nil {
		t.Errorf("Claim() = %v, want nil", got)
	}
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rc := &RequestContext{SubjectID: "op-1"}
	ctx := WithRequestContext(context.Background(), rc)
	if got := RequestContextFrom(ctx); got != rc {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rc)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}

func TestActorFrom(t *testing.T) {
	if got := ActorFrom(context.Background(), "system"); got != "system" {
		t.Errorf("ActorFrom(empty) = %q, want system", got)
	}
	ctx := WithRequestContext(context.Background(), &RequestContext{SubjectID: "op-7"})
	if got := ActorFrom(ctx, "system"); got != "op-7" {
		t.Errorf("ActorFrom() = %q, want op-7", got)
	}
}
