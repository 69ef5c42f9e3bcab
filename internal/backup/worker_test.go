package backup

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmarket/chatmarket/internal/errs"
)

type silentNotifier struct {
	adminMessages []string
}

func (s *silentNotifier) NotifyUser(context.Context, int64, string) error { return nil }
func (s *silentNotifier) NotifyAdmins(_ context.Context, message string) error {
	s.adminMessages = append(s.adminMessages, message)
	return nil
}

func writeTestPublicKey(t *testing.T, dir string) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(dir, "backup.pub.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{
		Type: "PUBLIC KEY", Bytes: der,
	}), 0o600))
	return path, key
}

func TestEncryptorProducesOpaqueArchive(t *testing.T) {
	dir := t.TempDir()
	keyPath, _ := writeTestPublicKey(t, dir)

	enc, err := NewEncryptorFromFile(keyPath)
	require.NoError(t, err)

	plaintext := []byte("CREATE TABLE users (id BIGSERIAL PRIMARY KEY);")
	ciphertext, err := enc.Encrypt(plaintext)
	require.NoError(t, err)

	assert.True(t, len(ciphertext) > len(plaintext))
	assert.Equal(t, archiveMagic, ciphertext[:len(archiveMagic)])
	assert.NotContains(t, string(ciphertext), "CREATE TABLE")

	// Fresh session key per archive: two encryptions never repeat.
	again, err := enc.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, ciphertext, again)
}

func TestNewEncryptorRejectsMissingKey(t *testing.T) {
	_, err := NewEncryptorFromFile(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}

func TestNewWorkerReportsUnavailableEncryption(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC))
	_, err := NewWorker(Config{
		Enabled:       true,
		RetentionDays: 7,
		Directory:     t.TempDir(),
		PublicKeyPath: filepath.Join(t.TempDir(), "missing.pem"),
	}, &silentNotifier{}, clock)

	var unavailable *errs.BackupEncryptionUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestCreateBackupFailsClosedWithoutKey(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC))
	worker, err := NewWorker(Config{
		Enabled:       true,
		RetentionDays: 7,
		Directory:     t.TempDir(),
	}, &silentNotifier{}, clock)
	require.NoError(t, err)

	err = worker.CreateBackup(context.Background())
	var disabled *errs.BackupEncryptionDisabledError
	assert.ErrorAs(t, err, &disabled)
}

func TestVerifyBackupDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	keyPath, _ := writeTestPublicKey(t, dir)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC))
	worker, err := NewWorker(Config{
		Enabled:       true,
		RetentionDays: 7,
		Directory:     dir,
		PublicKeyPath: keyPath,
	}, &silentNotifier{}, clock)
	require.NoError(t, err)

	archive := filepath.Join(dir, "backup-20250601-030000.sql.enc")
	require.NoError(t, os.WriteFile(archive, []byte("ciphertext"), 0o600))
	require.NoError(t, os.WriteFile(archive+".sha256",
		[]byte("305531dcc50ebca31cf1d5b31e9fc76ed51f66b3b6dd5a030c6539ae6532f979\n"), 0o600))
	require.NoError(t, worker.VerifyBackup(archive))

	// Flip a byte: the checksum no longer matches and the archive survives.
	require.NoError(t, os.WriteFile(archive, []byte("Ciphertext"), 0o600))
	assert.Error(t, worker.VerifyBackup(archive))
	_, err = os.Stat(archive)
	assert.NoError(t, err)
}

func TestCleanupOldBackupsHonorsRetention(t *testing.T) {
	dir := t.TempDir()
	keyPath, _ := writeTestPublicKey(t, dir)
	now := time.Now()
	clock := clockwork.NewFakeClockAt(now)

	worker, err := NewWorker(Config{
		Enabled:       true,
		RetentionDays: 7,
		Directory:     dir,
		PublicKeyPath: keyPath,
	}, &silentNotifier{}, clock)
	require.NoError(t, err)

	oldArchive := filepath.Join(dir, "backup-old.sql.enc")
	freshArchive := filepath.Join(dir, "backup-fresh.sql.enc")
	require.NoError(t, os.WriteFile(oldArchive, []byte("old"), 0o600))
	require.NoError(t, os.WriteFile(freshArchive, []byte("fresh"), 0o600))
	stale := now.Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldArchive, stale, stale))

	removed, err := worker.CleanupOldBackups()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(oldArchive)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshArchive)
	assert.NoError(t, err)
}
