package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ExceptionHandling != HandlingUncaughtOnly {
		t.Fatalf("ExceptionHandling default = %q, want %q", cfg.ExceptionHandling, HandlingUncaughtOnly)
	}
	if cfg.OutputPath != "crash.log" {
		t.Fatalf("OutputPath default = %q, want %q", cfg.OutputPath, "crash.log")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CRASHWATCH_APPLICATION_IDENTIFIER", "com.example.app")
	t.Setenv("CRASHWATCH_APPLICATION_VERSION", "2.1.0")
	t.Setenv("CRASHWATCH_EXCEPTION_HANDLING", "all")
	t.Setenv("CRASHWATCH_OUTPUT_PATH", "/var/log/crashwatch/crash.log")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ApplicationIdentifier != "com.example.app" {
		t.Fatalf("ApplicationIdentifier = %q", cfg.ApplicationIdentifier)
	}
	if cfg.ExceptionHandling != HandlingAll {
		t.Fatalf("ExceptionHandling = %q, want %q", cfg.ExceptionHandling, HandlingAll)
	}
	if cfg.OutputPath != "/var/log/crashwatch/crash.log" {
		t.Fatalf("OutputPath = %q", cfg.OutputPath)
	}
}

func TestLoadRejectsInvalidHandling(t *testing.T) {
	t.Setenv("CRASHWATCH_EXCEPTION_HANDLING", "sometimes")

	if _, err := Load(); err == nil {
		t.Fatal("Load with invalid exception_handling: got nil error, want one")
	}
}

func TestHandlingValid(t *testing.T) {
	for _, h := range []Handling{HandlingNone, HandlingUncaughtOnly, HandlingAll} {
		if !h.Valid() {
			t.Fatalf("Handling(%q).Valid() = false, want true", h)
		}
	}
	if Handling("bogus").Valid() {
		t.Fatal("Handling(\"bogus\").Valid() = true, want false")
	}
}
