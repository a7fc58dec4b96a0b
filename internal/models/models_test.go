package models

import (
	"context"
	"errors"
	"strings"
	"testing"

	"crew/internal/config"
)

func TestResolveAuthOrder(t *testing.T) {
	t.Setenv("CREW_MODELS_TEST_KEY", "from-env")

	cases := []struct {
		name string
		cfg  config.ProviderConfig
		want ResolvedAuth
	}{
		{
			name: "token wins over api key",
			cfg: config.ProviderConfig{
				Driver: "openai",
				Auth:   config.AuthConfig{Token: "tok", APIKey: "key"},
			},
			want: ResolvedAuth{Kind: AuthBearerToken, Value: "tok"},
		},
		{
			name: "direct api key",
			cfg: config.ProviderConfig{
				Driver: "anthropic",
				Auth:   config.AuthConfig{APIKey: "sk-1"},
			},
			want: ResolvedAuth{Kind: AuthAPIKey, Value: "sk-1"},
		},
		{
			name: "env reference",
			cfg: config.ProviderConfig{
				Driver: "openai",
				Auth:   config.AuthConfig{APIKey: "${CREW_MODELS_TEST_KEY}"},
			},
			want: ResolvedAuth{Kind: AuthAPIKey, Value: "from-env"},
		},
		{
			name: "ollama needs nothing",
			cfg:  config.ProviderConfig{Driver: "ollama"},
			want: ResolvedAuth{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveAuth(tc.cfg, nil)
			if err != nil {
				t.Fatalf("ResolveAuth: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestResolveAuthUnknownDriver(t *testing.T) {
	_, err := ResolveAuth(config.ProviderConfig{Driver: "frobnicator"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestHandleErrorCategories(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"server returned 401 unauthorized", "authentication failed"},
		{"429 too many requests", "rate limited"},
		{"prompt exceeds context length", "context too long"},
		{"model not found", "model not found"},
		{"dial tcp: connection refused", "connection error"},
	}
	for _, tc := range cases {
		got := HandleError(errors.New(tc.in))
		if !strings.Contains(got.Error(), tc.want) {
			t.Errorf("HandleError(%q) = %q, want prefix %q", tc.in, got, tc.want)
		}
	}
	if HandleError(nil) != nil {
		t.Error("HandleError(nil) should be nil")
	}
}

func TestErrModelUnavailableUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&ErrModelUnavailable{Provider: "ollama", Cause: cause})

	var unavailable *ErrModelUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatal("errors.As failed")
	}
	if unavailable.Provider != "ollama" {
		t.Errorf("provider = %q", unavailable.Provider)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not unwrapped")
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(errors.New("429 rate limit exceeded")) {
		t.Error("rate limit should be transient")
	}
	if !IsTransient(errors.New("dial tcp: i/o timeout")) {
		t.Error("timeout should be transient")
	}
	if IsTransient(errors.New("invalid api key")) {
		t.Error("auth errors are not transient")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry(config.ModelsConfig{Providers: map[string]config.ProviderConfig{}}, nil)
	if _, err := r.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestRegistryCachesBuildError(t *testing.T) {
	r := NewRegistry(config.ModelsConfig{
		Default: "bad",
		Providers: map[string]config.ProviderConfig{
			"bad": {Driver: "nope", Model: "x"},
		},
	}, nil)

	_, err1 := r.ForRole(context.Background(), "worker")
	_, err2 := r.ForRole(context.Background(), "worker")
	if err1 == nil || err2 == nil {
		t.Fatal("expected driver error")
	}
	if err1.Error() != err2.Error() {
		t.Errorf("errors differ: %v vs %v", err1, err2)
	}
}
