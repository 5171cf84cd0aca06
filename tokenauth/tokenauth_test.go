package tokenauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/opencrate/registry"
)

func newTestService(t *testing.T, perms PermissionSource) *Service {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	svc, err := New("test-issuer", "test-service", AlgorithmES256, priv, &priv.PublicKey, perms)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestIssueAndVerifyGrantsSubsetOfPermissions(t *testing.T) {
	perms := NewInMemoryPermissions()
	perms.SetRole("acme", "bob", registry.RoleConsumer)
	svc := newTestService(t, perms)

	raw, err := svc.Issue(context.Background(), Request{
		Service:       "test-service",
		Scope:         "repository:acme/img:pull,push",
		Account:       "bob",
		Authenticated: true,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := svc.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// bob only holds "pull" as a consumer, even
	// though push was requested.
	if !claims.Allows("repository", "acme/img", "pull") {
		t.Fatalf("expected granted pull access")
	}
	if claims.Allows("repository", "acme/img", "push") {
		t.Fatalf("expected push to be denied since bob is only a consumer")
	}
}

func TestIssueUnauthenticatedYieldsEmptyAccess(t *testing.T) {
	perms := NewInMemoryPermissions()
	svc := newTestService(t, perms)

	raw, err := svc.Issue(context.Background(), Request{
		Service:       "test-service",
		Scope:         "repository:acme/img:pull",
		Authenticated: false,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := svc.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(claims.Access) != 0 {
		t.Fatalf("expected empty access for an unauthenticated request, got %+v", claims.Access)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	perms := NewInMemoryPermissions()
	svc := newTestService(t, perms)
	svc.TTL = -time.Minute // already expired by the time it's issued

	raw, err := svc.Issue(context.Background(), Request{Service: "test-service", Scope: ""})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Verify(raw); err == nil {
		t.Fatalf("expected Verify to reject an expired token")
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	perms := NewInMemoryPermissions()
	svc := newTestService(t, perms)
	other, err := New("test-issuer", "other-service", AlgorithmES256, svc.PrivateKey, svc.PublicKey, perms)
	if err != nil {
		t.Fatalf("New other: %v", err)
	}

	raw, err := other.Issue(context.Background(), Request{Service: "other-service"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Verify(raw); err == nil {
		t.Fatalf("expected Verify to reject a token issued for a different aud/service")
	}
}

func TestNewRejectsMismatchedKeyType(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := New("iss", "svc", AlgorithmRS256, priv, &priv.PublicKey, NewInMemoryPermissions()); err == nil {
		t.Fatalf("expected New to reject an ecdsa key for RS256")
	}
}
