package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hitoshi/blogman/internal/metrics"
	"github.com/hitoshi/blogman/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

// --- モック定義 ---

type mockVerifier struct {
	verifyFn func(ctx context.Context, token string) (*model.Profile, error)
	calls    int
}

func (m *mockVerifier) Verify(ctx context.Context, token string) (*model.Profile, error) {
	m.calls++
	if m.verifyFn != nil {
		return m.verifyFn(ctx, token)
	}
	return nil, ErrTokenInvalid
}

type mockProvisioner struct {
	ensureUserFn func(ctx context.Context, profile model.Profile) (*model.User, error)
	calls        int
}

func (m *mockProvisioner) EnsureUser(ctx context.Context, profile model.Profile) (*model.User, error) {
	m.calls++
	if m.ensureUserFn != nil {
		return m.ensureUserFn(ctx, profile)
	}
	return &model.User{ExternalSubjectID: profile.SubjectID, Email: profile.Email, Role: model.RoleUser, IsActive: true}, nil
}

func profileVerifier(sub string) *mockVerifier {
	return &mockVerifier{
		verifyFn: func(ctx context.Context, token string) (*model.Profile, error) {
			return &model.Profile{SubjectID: sub, Email: sub + "@example.com"}, nil
		},
	}
}

func newTestResolver(v Verifier, p UserProvisioner) *Resolver {
	return NewResolver(v, p, NewMemoryCache(time.Minute), nil, ResolverConfig{ProviderTimeout: time.Second})
}

func TestResolve_EmptyTokenIsAnonymous(t *testing.T) {
	v := &mockVerifier{}
	r := newTestResolver(v, &mockProvisioner{})

	for _, token := range []string{"", "   "} {
		identity, err := r.Resolve(context.Background(), token)
		if identity != nil || err != nil {
			t.Errorf("Resolve(%q) = %v, %v; want nil, nil", token, identity, err)
		}
	}
	if v.calls != 0 {
		t.Errorf("verifier called %d times for empty token", v.calls)
	}
}

func TestResolve_VerifiesProvisionsAndCaches(t *testing.T) {
	v := profileVerifier("user_1")
	p := &mockProvisioner{
		ensureUserFn: func(ctx context.Context, profile model.Profile) (*model.User, error) {
			if profile.SubjectID != "user_1" {
				t.Errorf("profile.SubjectID = %q, want user_1", profile.SubjectID)
			}
			return &model.User{ExternalSubjectID: "user_1", Email: "user_1@example.com", Role: model.RoleAuthor, IsActive: true}, nil
		},
	}
	r := newTestResolver(v, p)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "tok")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if first.SubjectID != "user_1" || first.Role != model.RoleAuthor || !first.Active {
		t.Errorf("identity = %+v, want stored role and active flag", first)
	}

	second, err := r.Resolve(ctx, "tok")
	if err != nil || second.SubjectID != "user_1" {
		t.Fatalf("second Resolve() = %+v, %v", second, err)
	}
	if v.calls != 1 || p.calls != 1 {
		t.Errorf("verifier calls = %d, provisioner calls = %d; want 1, 1 (second call cached)", v.calls, p.calls)
	}
}

func TestResolve_InactiveUserIsReturnedAsInactive(t *testing.T) {
	p := &mockProvisioner{
		ensureUserFn: func(ctx context.Context, profile model.Profile) (*model.User, error) {
			return &model.User{ExternalSubjectID: profile.SubjectID, Role: model.RoleAdmin, IsActive: false}, nil
		},
	}
	r := newTestResolver(profileVerifier("user_2"), p)

	identity, err := r.Resolve(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if identity.Active {
		t.Error("identity.Active = true, want false")
	}
}

func TestResolve_VerifyErrorsMapToAPIErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"invalid", fmt.Errorf("%w: expired", ErrTokenInvalid), model.ErrCodeTokenInvalid},
		{"unavailable", fmt.Errorf("%w: 502", ErrProviderUnavailable), model.ErrCodeProviderUnavailable},
		{"deadline", context.DeadlineExceeded, model.ErrCodeProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &mockVerifier{verifyFn: func(ctx context.Context, token string) (*model.Profile, error) {
				return nil, tt.err
			}}
			p := &mockProvisioner{}
			r := newTestResolver(v, p)

			_, err := r.Resolve(context.Background(), "tok")
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != tt.wantCode {
				t.Fatalf("err = %v, want code %s", err, tt.wantCode)
			}
			if p.calls != 0 {
				t.Error("provisioner must not be called when verification fails")
			}
		})
	}
}

func TestResolve_FailuresAreNotCached(t *testing.T) {
	fail := true
	v := &mockVerifier{verifyFn: func(ctx context.Context, token string) (*model.Profile, error) {
		if fail {
			return nil, ErrProviderUnavailable
		}
		return &model.Profile{SubjectID: "user_3", Email: "u3@example.com"}, nil
	}}
	r := newTestResolver(v, &mockProvisioner{})
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "tok"); err == nil {
		t.Fatal("expected error on first call")
	}
	fail = false
	identity, err := r.Resolve(ctx, "tok")
	if err != nil || identity.SubjectID != "user_3" {
		t.Errorf("Resolve() after recovery = %+v, %v", identity, err)
	}
}

func TestResolve_ProvisioningErrorPropagates(t *testing.T) {
	p := &mockProvisioner{ensureUserFn: func(ctx context.Context, profile model.Profile) (*model.User, error) {
		return nil, model.NewStoreUnavailableError()
	}}
	r := newTestResolver(profileVerifier("user_4"), p)

	_, err := r.Resolve(context.Background(), "tok")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeStoreUnavailable {
		t.Errorf("err = %v, want STORE_UNAVAILABLE", err)
	}
}

func TestResolve_VerifyRunsWithDeadline(t *testing.T) {
	v := &mockVerifier{verifyFn: func(ctx context.Context, token string) (*model.Profile, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("verify context has no deadline")
		}
		return &model.Profile{SubjectID: "user_5", Email: "u5@example.com"}, nil
	}}
	r := newTestResolver(v, &mockProvisioner{})
	if _, err := r.Resolve(context.Background(), "tok"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
}

func TestResolve_RecordsCacheMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	r := NewResolver(profileVerifier("user_6"), &mockProvisioner{}, NewMemoryCache(time.Minute), collector, ResolverConfig{})
	ctx := context.Background()

	r.Resolve(ctx, "tok")
	r.Resolve(ctx, "tok")

	families, _ := reg.Gather()
	got := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "blogman_identity_cache_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			got[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
		}
	}
	if got["hit"] != 1 || got["miss"] != 1 {
		t.Errorf("cache metrics = %v, want hit=1 miss=1", got)
	}
}
