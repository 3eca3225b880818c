package main

import (
	"reflect"
	"testing"
	"time"

	"github.com/hanko-field/reconciler/internal/platform/config"
)

func TestRequiredSecretNames(t *testing.T) {
	env := map[string]string{
		"API_PAYSTACK_SECRET_KEY":    "secret://paystack_secret_key",
		"API_STORE_DRIVER":           "Postgres",
		"API_INVOICE_RENDERER_URL":   "https://render.example.com",
		"API_INVOICE_RENDERER_TOKEN": "secret://renderer_token",
		"API_COMMERCE_BASE_URL":      "https://commerce.internal",
		"API_COMMERCE_TOKEN":         "secret://commerce_token",
	}
	want := []string{"Payments.Paystack.SecretKey", "Postgres.DSN", "Invoice.RendererToken", "Commerce.Token"}
	if got := requiredSecretNames(env); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}

	env = map[string]string{"API_STRIPE_API_KEY": "sk_test"}
	want = []string{"Payments.Stripe.APIKey", "Payments.Stripe.WebhookSecret"}
	if got := requiredSecretNames(env); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}

	if got := requiredSecretNames(nil); len(got) != 0 {
		t.Fatalf("expected no required secrets, got %v", got)
	}
}

func TestParsePairsAndCanonicalRefs(t *testing.T) {
	projects := parsePairs(" PROD=payments-prod, stg = payments-stg ,broken,=x,dev=", nil)
	want := map[string]string{"PROD": "payments-prod", "stg": "payments-stg"}
	if !reflect.DeepEqual(projects, want) {
		t.Fatalf("got %v want %v", projects, want)
	}

	refs := map[string]string{
		"paystack_secret_key":         "secret://paystack_secret_key",
		"sm://postgres_dsn":           "secret://postgres_dsn",
		"PROD:sm://postgres_dsn":      "prod:secret://postgres_dsn",
		"stg:secret://renderer_token": "stg:secret://renderer_token",
	}
	for in, want := range refs {
		if got := canonicalSecretRef(in); got != want {
			t.Fatalf("canonicalSecretRef(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildInfoDefaults(t *testing.T) {
	started := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	info := buildInfoFromEnv(nil, config.Config{}, started)
	if info.Version != "dev" || info.CommitSHA != "unknown" || info.Environment != "local" || !info.StartedAt.Equal(started) {
		t.Fatalf("unexpected build info %+v", info)
	}

	cfg := config.Config{Security: config.SecurityConfig{Environment: "prod"}}
	info = buildInfoFromEnv(map[string]string{"API_BUILD_VERSION": "1.4.0", "API_BUILD_COMMIT_SHA": "abc123"}, cfg, started)
	if info.Version != "1.4.0" || info.CommitSHA != "abc123" || info.Environment != "prod" {
		t.Fatalf("unexpected build info %+v", info)
	}
}

func TestTraceSampleRatio(t *testing.T) {
	cases := map[string]float64{"": 0.1, "0.5": 0.5, "7": 1, "-1": 0, "nope": 0.1}
	for raw, want := range cases {
		if got := traceSampleRatio(map[string]string{"API_TRACE_SAMPLE_RATIO": raw}); got != want {
			t.Fatalf("traceSampleRatio(%q) = %v, want %v", raw, got, want)
		}
	}
}
