package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() should validate, got: %v", err)
	}
}

func TestValidateRejectsBadListenPort(t *testing.T) {
	cfg := Default()
	cfg.P2P.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range listen_port")
	}
}

func TestValidateRejectsNameWithReservedChars(t *testing.T) {
	for _, bad := range []string{"alice(1)", "bob|carol", "(anon)"} {
		cfg := Default()
		cfg.Profile.Name = bad
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected error for profile.name %q", bad)
		}
	}
}

func TestValidateRejectsUnknownTrustMode(t *testing.T) {
	cfg := Default()
	cfg.Trust.Mode = "doubleprompt"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unmapped trust mode doubleprompt")
	}
}

func TestValidateRejectsBadAnnounceSchedule(t *testing.T) {
	cfg := Default()
	cfg.Room.AnnounceBurstEverySec = cfg.Room.AnnounceBurstSec
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when burst-every >= burst duration")
	}
}

func TestValidateRejectsMalformedRelayWAN(t *testing.T) {
	cfg := Default()
	cfg.P2P.RelayWAN = "not-a-valid-entry"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for relay_wan missing '@'")
	}

	cfg.P2P.RelayWAN = "12D3KooWabc@/ip4/1.2.3.4/tcp/4001"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid relay_wan to pass, got: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.Profile.Name = "alice"
	cfg.Room.Name = "testroom"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Profile.Name != "alice" || got.Room.Name != "testroom" {
		t.Fatalf("got %+v", got)
	}
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.Identity.KeyFile = ""
	if err := Save(path, cfg); err == nil {
		t.Fatal("expected Save to reject invalid config before writing")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected no file to be written for an invalid config")
	}
}

func TestEnsureCreatesDefaultThenLoadsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure (create): %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first call")
	}
	if cfg.Profile.Name != Default().Profile.Name {
		t.Fatalf("expected default profile name, got %q", cfg.Profile.Name)
	}

	cfg2, created2, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure (load): %v", err)
	}
	if created2 {
		t.Fatal("expected created=false on second call")
	}
	if cfg2.Room.Name != cfg.Room.Name {
		t.Fatalf("got %+v, want %+v", cfg2, cfg)
	}
}

func TestWatchInvokesOnChangeOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	changed := make(chan Config, 1)
	stop, err := Watch(path, func(c Config) {
		select {
		case changed <- c:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	cfg.Profile.Name = "renamed"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save (update): %v", err)
	}

	select {
	case got := <-changed:
		if got.Profile.Name != "renamed" {
			t.Fatalf("onChange got %+v, want profile.name=renamed", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("onChange was never invoked after config write")
	}
}
