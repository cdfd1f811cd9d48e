package hostdns

import (
	"os"
	"sync"

	"sinkhole/pkg/logging"

	"github.com/google/renameio/v2"
)

const (
	defaultResolvConf = "/etc/resolv.conf"
	backupSuffix      = ".sinkhole-bak"
)

// Linux backs up /etc/resolv.conf and points it at 127.0.0.1, restoring
// the backup on RestoreOriginal. Writes are atomic rename-into-place,
// so a crash mid-write never leaves resolv.conf truncated.
type Linux struct {
	mu         sync.Mutex
	resolvPath string
	backupPath string
	logger     *logging.Logger
	redirected bool
}

// NewLinux returns a Linux collaborator managing the system's
// /etc/resolv.conf.
func NewLinux(logger *logging.Logger) *Linux {
	return &Linux{
		resolvPath: defaultResolvConf,
		backupPath: defaultResolvConf + backupSuffix,
		logger:     logger,
	}
}

func (l *Linux) SaveAndRedirectToLocal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	original, err := os.ReadFile(l.resolvPath)
	if err != nil {
		l.logger.Error("hostdns: failed to read resolv.conf", "path", l.resolvPath, "error", err)
		return false
	}

	if err := renameio.WriteFile(l.backupPath, original, 0o644); err != nil {
		l.logger.Error("hostdns: failed to back up resolv.conf", "error", err)
		return false
	}

	if err := renameio.WriteFile(l.resolvPath, []byte("nameserver 127.0.0.1\n"), 0o644); err != nil {
		l.logger.Error("hostdns: failed to redirect resolv.conf", "error", err)
		return false
	}

	l.redirected = true
	l.logger.Info("redirected host dns to local sinkhole", "path", l.resolvPath)
	return true
}

func (l *Linux) RestoreOriginal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.redirected {
		return true
	}

	backup, err := os.ReadFile(l.backupPath)
	if err != nil {
		l.logger.Error("hostdns: failed to read resolv.conf backup", "path", l.backupPath, "error", err)
		return false
	}

	if err := renameio.WriteFile(l.resolvPath, backup, 0o644); err != nil {
		l.logger.Error("hostdns: failed to restore resolv.conf", "error", err)
		return false
	}

	os.Remove(l.backupPath)
	l.redirected = false
	l.logger.Info("restored original host dns", "path", l.resolvPath)
	return true
}
