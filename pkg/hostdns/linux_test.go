package hostdns

import (
	"os"
	"path/filepath"
	"testing"

	"sinkhole/pkg/logging"
)

func testHostDNSLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(logging.Config{Level: "error", Format: "text", Output: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func newTestLinux(t *testing.T) *Linux {
	t.Helper()
	dir := t.TempDir()
	resolvPath := filepath.Join(dir, "resolv.conf")
	if err := os.WriteFile(resolvPath, []byte("nameserver 8.8.8.8\n"), 0o644); err != nil {
		t.Fatalf("failed to seed resolv.conf: %v", err)
	}

	l := NewLinux(testHostDNSLogger(t))
	l.resolvPath = resolvPath
	l.backupPath = resolvPath + backupSuffix
	return l
}

func TestLinuxRedirectWritesLocalNameserver(t *testing.T) {
	l := newTestLinux(t)

	if ok := l.SaveAndRedirectToLocal(); !ok {
		t.Fatal("SaveAndRedirectToLocal() = false")
	}

	content, err := os.ReadFile(l.resolvPath)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(content) != "nameserver 127.0.0.1\n" {
		t.Errorf("resolv.conf = %q, want local nameserver", content)
	}

	backup, err := os.ReadFile(l.backupPath)
	if err != nil {
		t.Fatalf("ReadFile(backup) error: %v", err)
	}
	if string(backup) != "nameserver 8.8.8.8\n" {
		t.Errorf("backup = %q, want original content", backup)
	}
}

func TestLinuxRestoreWritesBackBackup(t *testing.T) {
	l := newTestLinux(t)

	if ok := l.SaveAndRedirectToLocal(); !ok {
		t.Fatal("SaveAndRedirectToLocal() = false")
	}
	if ok := l.RestoreOriginal(); !ok {
		t.Fatal("RestoreOriginal() = false")
	}

	content, err := os.ReadFile(l.resolvPath)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(content) != "nameserver 8.8.8.8\n" {
		t.Errorf("resolv.conf = %q, want restored original", content)
	}

	if _, err := os.Stat(l.backupPath); !os.IsNotExist(err) {
		t.Error("expected backup file to be removed after restore")
	}
}

func TestLinuxRestoreWithoutRedirectIsNoop(t *testing.T) {
	l := newTestLinux(t)

	if ok := l.RestoreOriginal(); !ok {
		t.Error("RestoreOriginal() without prior redirect should be a no-op success")
	}
}

func TestLinuxRedirectFailsOnMissingResolvConf(t *testing.T) {
	l := newTestLinux(t)
	os.Remove(l.resolvPath)

	if ok := l.SaveAndRedirectToLocal(); ok {
		t.Error("SaveAndRedirectToLocal() should fail when resolv.conf is missing")
	}
}
