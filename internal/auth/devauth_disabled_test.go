//go:build !devauth

package auth

import (
	"context"
	"testing"
	"time"
)

// 通常ビルドでは開発用トークンも通常のトークンとして検証されることを検証
func TestResolve_DevTokensRejectedWithoutBuildTag(t *testing.T) {
	if DevAuthEnabled {
		t.Fatal("DevAuthEnabled = true in default build")
	}
	v := &mockVerifier{}
	r := NewResolver(v, &mockProvisioner{}, NewMemoryCache(time.Minute), nil, ResolverConfig{})

	if _, err := r.Resolve(context.Background(), "dev_admin"); err == nil {
		t.Error("dev_admin should be rejected in default build")
	}
	if v.calls != 1 {
		t.Errorf("verifier calls = %d, want 1", v.calls)
	}
}
