package main

import (
	"testing"
	"time"
)

func TestValidateProductionRuntimeStrictRequirements(t *testing.T) {
	cases := []struct {
		name        string
		strict      bool
		mongoURL    string
		databaseURL string
		redisAddr   string
		tlsEnabled  bool
		jwtSecret   string
		wantErr     bool
	}{
		{
			name:      "non-strict allows dev defaults",
			strict:    false,
			jwtSecret: defaultJWTSecret,
			wantErr:   false,
		},
		{
			name:        "strict requires mongo",
			strict:      true,
			mongoURL:    "",
			databaseURL: "postgres://x",
			redisAddr:   "redis:6379",
			tlsEnabled:  true,
			jwtSecret:   "prod-secret",
			wantErr:     true,
		},
		{
			name:        "strict requires postgres",
			strict:      true,
			mongoURL:    "mongodb://x",
			databaseURL: "",
			redisAddr:   "redis:6379",
			tlsEnabled:  true,
			jwtSecret:   "prod-secret",
			wantErr:     true,
		},
		{
			name:        "strict requires redis",
			strict:      true,
			mongoURL:    "mongodb://x",
			databaseURL: "postgres://x",
			redisAddr:   "",
			tlsEnabled:  true,
			jwtSecret:   "prod-secret",
			wantErr:     true,
		},
		{
			name:        "strict requires tls",
			strict:      true,
			mongoURL:    "mongodb://x",
			databaseURL: "postgres://x",
			redisAddr:   "redis:6379",
			tlsEnabled:  false,
			jwtSecret:   "prod-secret",
			wantErr:     true,
		},
		{
			name:        "strict rejects default jwt secret",
			strict:      true,
			mongoURL:    "mongodb://x",
			databaseURL: "postgres://x",
			redisAddr:   "redis:6379",
			tlsEnabled:  true,
			jwtSecret:   defaultJWTSecret,
			wantErr:     true,
		},
		{
			name:        "strict valid config",
			strict:      true,
			mongoURL:    "mongodb://x",
			databaseURL: "postgres://x",
			redisAddr:   "redis:6379",
			tlsEnabled:  true,
			jwtSecret:   "prod-secret",
			wantErr:     false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateProductionRuntime(tc.strict, tc.mongoURL, tc.databaseURL, tc.redisAddr, tc.tlsEnabled, tc.jwtSecret)
			if (err != nil) != tc.wantErr {
				t.Fatalf("validateProductionRuntime() err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("PAY_TEST_STR", "value")
	t.Setenv("PAY_TEST_BOOL", "true")
	t.Setenv("PAY_TEST_INT", "42")
	t.Setenv("PAY_TEST_DUR", "90s")
	t.Setenv("PAY_TEST_BAD_INT", "nope")

	if got := envOr("PAY_TEST_STR", "def"); got != "value" {
		t.Errorf("envOr = %q, want value", got)
	}
	if got := envOr("PAY_TEST_MISSING", "def"); got != "def" {
		t.Errorf("envOr missing = %q, want def", got)
	}
	if !envBool("PAY_TEST_BOOL", false) {
		t.Error("envBool = false, want true")
	}
	if got := envInt("PAY_TEST_INT", 0); got != 42 {
		t.Errorf("envInt = %d, want 42", got)
	}
	if got := envInt("PAY_TEST_BAD_INT", 7); got != 7 {
		t.Errorf("envInt bad input = %d, want default 7", got)
	}
	if got := envDuration("PAY_TEST_DUR", 0); got != 90*time.Second {
		t.Errorf("envDuration = %v, want 90s", got)
	}
}
