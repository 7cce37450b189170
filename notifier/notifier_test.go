package notifier

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"APP_ENV", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "TELEGRAM_PRODUCTION_CHAT_ID"} {
		os.Unsetenv(k)
	}
}

func TestNewFromEnv_DisabledWhenNotProduction(t *testing.T) {
	clearEnv(t)
	os.Setenv("APP_ENV", "staging")
	os.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	os.Setenv("TELEGRAM_CHAT_ID", "12345")
	os.Setenv("TELEGRAM_PRODUCTION_CHAT_ID", "12345")
	defer clearEnv(t)

	n := NewFromEnv()
	if n.Enabled() {
		t.Fatal("expected disabled notifier outside production")
	}
	if n.Send("hi", "test") {
		t.Fatal("Send must be a no-op when disabled")
	}
}

func TestNewFromEnv_DisabledOnChannelMismatch(t *testing.T) {
	clearEnv(t)
	os.Setenv("APP_ENV", productionEnvTag)
	os.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	os.Setenv("TELEGRAM_CHAT_ID", "11111")
	os.Setenv("TELEGRAM_PRODUCTION_CHAT_ID", "22222")
	defer clearEnv(t)

	n := NewFromEnv()
	if n.Enabled() {
		t.Fatal("expected disabled notifier on channel mismatch")
	}
}

func TestNewFromEnv_DisabledWithoutCredentials(t *testing.T) {
	clearEnv(t)
	os.Setenv("APP_ENV", productionEnvTag)
	os.Setenv("TELEGRAM_CHAT_ID", "11111")
	os.Setenv("TELEGRAM_PRODUCTION_CHAT_ID", "11111")
	defer clearEnv(t)

	n := NewFromEnv()
	if n.Enabled() {
		t.Fatal("expected disabled notifier without bot token")
	}
}

func TestLastFour(t *testing.T) {
	if got := lastFour("123456789"); got != "6789" {
		t.Fatalf("got %s, want 6789", got)
	}
	if got := lastFour("12"); got != "12" {
		t.Fatalf("got %s, want 12", got)
	}
}
