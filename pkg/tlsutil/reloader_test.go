package tlsutil

import (
	"crypto/tls"
	"os"
	"testing"
	"time"

	"github.com/ha1tch/tdswire/pkg/log"
)

func quietLogger() *log.Logger {
	return log.New(log.Config{DefaultLevel: log.LevelOff})
}

func TestReloaderRebuildsOnChange(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, err := GenerateAndSaveCert(dir)
	if err != nil {
		t.Fatalf("GenerateAndSaveCert failed: %v", err)
	}

	reloaded := make(chan *tls.Config, 1)
	r, err := NewReloader(
		ClientOptions{
			ServerName: "localhost",
			CAFile:     certFile,
			CertFile:   certFile,
			KeyFile:    keyFile,
		},
		quietLogger(),
		WithDebounceDelay(20*time.Millisecond),
		WithOnReload(func(cfg *tls.Config) { reloaded <- cfg }),
	)
	if err != nil {
		t.Fatalf("NewReloader failed: %v", err)
	}

	before := r.Config()
	if before == nil {
		t.Fatal("initial config is nil")
	}

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop()

	if !r.IsRunning() {
		t.Error("IsRunning = false after Start")
	}

	// Rotate the pair in place.
	if _, _, err := GenerateAndSaveCert(dir); err != nil {
		t.Fatalf("rotating cert failed: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg == nil {
			t.Fatal("reload callback got nil config")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed after certificate rotation")
	}

	if r.Config() == before {
		t.Error("Config still returns the pre-rotation config")
	}
}

func TestReloaderReportsBrokenRotation(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, err := GenerateAndSaveCert(dir)
	if err != nil {
		t.Fatalf("GenerateAndSaveCert failed: %v", err)
	}

	failed := make(chan error, 1)
	r, err := NewReloader(
		ClientOptions{ServerName: "localhost", CertFile: certFile, KeyFile: keyFile},
		quietLogger(),
		WithDebounceDelay(20*time.Millisecond),
		WithOnError(func(err error) { failed <- err }),
	)
	if err != nil {
		t.Fatalf("NewReloader failed: %v", err)
	}

	before := r.Config()

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop()

	// Corrupt the key; the rebuild must fail and keep the old config.
	if err := os.WriteFile(keyFile, []byte("not a key"), 0600); err != nil {
		t.Fatalf("corrupting key failed: %v", err)
	}

	select {
	case err := <-failed:
		if err == nil {
			t.Fatal("error callback got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error observed after corrupting key")
	}

	if r.Config() != before {
		t.Error("config replaced despite failed rebuild")
	}
}

func TestReloaderStopIdempotent(t *testing.T) {
	dir := t.TempDir()
	certFile, _, err := GenerateAndSaveCert(dir)
	if err != nil {
		t.Fatalf("GenerateAndSaveCert failed: %v", err)
	}

	r, err := NewReloader(ClientOptions{ServerName: "localhost", CAFile: certFile}, quietLogger())
	if err != nil {
		t.Fatalf("NewReloader failed: %v", err)
	}

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
	if r.IsRunning() {
		t.Error("IsRunning = true after Stop")
	}
}
