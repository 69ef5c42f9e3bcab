// Package backup produces verified, encrypted logical dumps of the database
// on a fixed cadence. The dump is streamed through memory and encrypted
// before anything touches disk; backups are forbidden when encryption is
// unavailable.
package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chatmarket/chatmarket/internal/errs"
	"github.com/chatmarket/chatmarket/internal/notify"
)

// Config mirrors the DB_BACKUP_* runtime configuration.
type Config struct {
	Enabled       bool
	Interval      time.Duration
	RetentionDays int
	Directory     string
	PublicKeyPath string
	DatabaseURL   string
}

type Worker struct {
	cfg      Config
	enc      *Encryptor
	notifier notify.Port
	clock    clockwork.Clock
}

// NewWorker loads the encryption key eagerly so a missing key fails the
// fail-closed policy at startup, not at 3am.
func NewWorker(cfg Config, notifier notify.Port, clock clockwork.Clock) (*Worker, error) {
	var enc *Encryptor
	if cfg.PublicKeyPath != "" {
		var err error
		enc, err = NewEncryptorFromFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, &errs.BackupEncryptionUnavailableError{Detail: err.Error()}
		}
	}
	return &Worker{cfg: cfg, enc: enc, notifier: notifier, clock: clock}, nil
}

// Run loops until the context is cancelled, executing one backup cycle per
// interval.
func (w *Worker) Run(ctx context.Context) {
	if !w.cfg.Enabled {
		log.Printf("[Backup] Backups disabled in configuration")
		return
	}
	log.Printf("[Backup] Backup worker started (interval %s, retention %d days)", w.cfg.Interval, w.cfg.RetentionDays)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Backup] Backup worker stopped")
			return
		case <-w.clock.After(w.cfg.Interval):
			w.RunCycle(ctx)
		}
	}
}

// RunCycle creates and verifies one backup, then applies retention. Cleanup
// runs even when creation failed.
func (w *Worker) RunCycle(ctx context.Context) {
	if err := w.CreateBackup(ctx); err != nil {
		log.Printf("[Backup] Backup failed: %v", err)
		w.notifyFailure(ctx, err)
	}
	if removed, err := w.CleanupOldBackups(); err != nil {
		log.Printf("[Backup] Cleanup failed: %v", err)
	} else if removed > 0 {
		log.Printf("[Backup] Cleanup complete: %d archive(s) removed", removed)
	}
}

// CreateBackup dumps the database into memory, encrypts it, writes the
// ciphertext with its checksum, and verifies the written archive. Plaintext
// never exists on disk.
func (w *Worker) CreateBackup(ctx context.Context) error {
	if w.enc == nil {
		return &errs.BackupEncryptionDisabledError{}
	}

	dump, err := w.dumpDatabase(ctx)
	if err != nil {
		return &errs.BackupCreationFailedError{Detail: err.Error()}
	}

	ciphertext, err := w.enc.Encrypt(dump)
	if err != nil {
		return &errs.BackupEncryptionFailedError{Detail: err.Error()}
	}

	if err := os.MkdirAll(w.cfg.Directory, 0o700); err != nil {
		return &errs.BackupCreationFailedError{Detail: err.Error()}
	}

	stamp := w.clock.Now().UTC().Format("20060102-150405")
	archivePath := filepath.Join(w.cfg.Directory, fmt.Sprintf("backup-%s.sql.enc", stamp))
	if err := os.WriteFile(archivePath, ciphertext, 0o600); err != nil {
		return &errs.BackupCreationFailedError{Detail: err.Error()}
	}

	checksum := sha256.Sum256(ciphertext)
	checksumHex := hex.EncodeToString(checksum[:])
	if err := os.WriteFile(archivePath+".sha256", []byte(checksumHex+"\n"), 0o600); err != nil {
		return &errs.BackupCreationFailedError{Detail: err.Error()}
	}

	// Verification failure keeps the archive for inspection.
	if err := w.VerifyBackup(archivePath); err != nil {
		return &errs.BackupCreationFailedError{Detail: fmt.Sprintf("verification: %v", err)}
	}

	log.Printf("[Backup] Backup created and verified: %s (%d bytes)", archivePath, len(ciphertext))
	return nil
}

// VerifyBackup re-reads an archive and checks it against its recorded
// checksum.
func (w *Worker) VerifyBackup(archivePath string) error {
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	recorded, err := os.ReadFile(archivePath + ".sha256")
	if err != nil {
		return fmt.Errorf("read checksum: %w", err)
	}
	actual := sha256.Sum256(data)
	if hex.EncodeToString(actual[:]) != strings.TrimSpace(string(recorded)) {
		return fmt.Errorf("checksum mismatch for %s", archivePath)
	}
	return nil
}

// CleanupOldBackups deletes archives older than the retention window.
func (w *Worker) CleanupOldBackups() (int, error) {
	entries, err := os.ReadDir(w.cfg.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read backup directory: %w", err)
	}

	cutoff := w.clock.Now().Add(-time.Duration(w.cfg.RetentionDays) * 24 * time.Hour)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "backup-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(w.cfg.Directory, entry.Name())
			if err := os.Remove(path); err != nil {
				log.Printf("[Backup] Failed to remove %s: %v", path, err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// dumpDatabase streams a pg_dump into memory.
func (w *Worker) dumpDatabase(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "pg_dump", "--no-owner", "--dbname", w.cfg.DatabaseURL)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pg_dump: %v: %s", err, errOut.String())
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("pg_dump produced an empty dump")
	}
	return out.Bytes(), nil
}

func (w *Worker) notifyFailure(ctx context.Context, cause error) {
	msg := fmt.Sprintf("Database backup failed at %s: %v",
		w.clock.Now().UTC().Format(time.RFC3339), cause)
	if err := w.notifier.NotifyAdmins(ctx, msg); err != nil {
		log.Printf("[Backup] Failed to notify admins about backup failure: %v", err)
	}
}
