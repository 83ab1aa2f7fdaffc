package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aristath/warden/internal/database"
	"github.com/rs/zerolog"
)

const (
	backupPrefix     = "warden-backup-"
	backupTimeLayout = "2006-01-02-150405"
	minBackupsToKeep = 3
)

// BackupMetadata travels inside each archive and describes its contents.
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Version   string             `json:"version"`
	Artifacts []ArtifactMetadata `json:"artifacts"`
}

// ArtifactMetadata describes one file in a backup archive.
type ArtifactMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes a backup stored remotely.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService archives the model artifact and the run registry into a
// tar.gz and ships it to object storage.
type BackupService struct {
	store     ObjectStore
	modelPath string
	runsDB    *database.DB // nil when no registry is open
	dataDir   string
	log       zerolog.Logger
}

// NewBackupService creates a backup service. runsDB may be nil.
func NewBackupService(store ObjectStore, modelPath string, runsDB *database.DB, dataDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		store:     store,
		modelPath: modelPath,
		runsDB:    runsDB,
		dataDir:   dataDir,
		log:       log.With().Str("module", "backup").Logger(),
	}
}

// CreateAndUploadBackup stages the current artifacts, archives them and
// uploads the archive. The staging directory is removed afterwards.
func (s *BackupService) CreateAndUploadBackup(ctx context.Context) error {
	s.log.Info().Msg("Starting backup")
	startTime := time.Now()

	stagingDir, err := os.MkdirTemp(s.dataDir, "backup-staging-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	metadata := BackupMetadata{
		Timestamp: time.Now().UTC(),
		Version:   "1.0.0",
	}

	staged, err := s.stageArtifacts(stagingDir, &metadata)
	if err != nil {
		return err
	}
	if len(staged) == 0 {
		return fmt.Errorf("nothing to back up: no model artifact and no run registry")
	}

	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	staged = append(staged, metadataPath)

	archiveName := backupPrefix + time.Now().Format(backupTimeLayout) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, staged); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.store.Upload(ctx, archiveName, archiveFile); err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}

	s.log.Info().
		Dur("duration", time.Since(startTime)).
		Str("archive", archiveName).
		Int64("size_bytes", archiveInfo.Size()).
		Int("artifacts", len(metadata.Artifacts)).
		Msg("Backup completed")
	return nil
}

// stageArtifacts copies the model artifact and snapshots the registry into
// the staging directory, recording metadata for each.
func (s *BackupService) stageArtifacts(stagingDir string, metadata *BackupMetadata) ([]string, error) {
	var staged []string

	if _, err := os.Stat(s.modelPath); err == nil {
		dst := filepath.Join(stagingDir, filepath.Base(s.modelPath))
		if err := copyFile(s.modelPath, dst); err != nil {
			return nil, fmt.Errorf("failed to stage model artifact: %w", err)
		}
		art, err := describeArtifact("model", dst)
		if err != nil {
			return nil, err
		}
		metadata.Artifacts = append(metadata.Artifacts, art)
		staged = append(staged, dst)
	} else {
		s.log.Warn().Str("path", s.modelPath).Msg("No model artifact to back up")
	}

	if s.runsDB != nil {
		dst := filepath.Join(stagingDir, "runs.db")
		// VACUUM INTO writes a consistent snapshot even with WAL active.
		if _, err := s.runsDB.Exec("VACUUM INTO ?", dst); err != nil {
			return nil, fmt.Errorf("failed to snapshot run registry: %w", err)
		}
		art, err := describeArtifact("runs", dst)
		if err != nil {
			return nil, err
		}
		metadata.Artifacts = append(metadata.Artifacts, art)
		staged = append(staged, dst)
	}

	return staged, nil
}

// ListBackups lists remote backups, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := time.Now()
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, backupPrefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}

		timestampStr := strings.TrimSuffix(strings.TrimPrefix(obj.Key, backupPrefix), ".tar.gz")
		timestamp, err := time.Parse(backupTimeLayout, timestampStr)
		if err != nil {
			s.log.Warn().Str("filename", obj.Key).Msg("Failed to parse timestamp from filename")
			continue
		}

		backups = append(backups, BackupInfo{
			Filename:  obj.Key,
			Timestamp: timestamp,
			SizeBytes: obj.Size,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes backups older than the retention period while
// always keeping the newest three. retentionDays 0 keeps everything.
func (s *BackupService) RotateOldBackups(ctx context.Context, retentionDays int) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep || retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, backup := range backups {
		if i < minBackupsToKeep || !backup.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().Str("filename", backup.Filename).Msg("Deleted old backup")
		deleted++
	}

	s.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).
		Msg("Backup rotation completed")
	return nil
}

func describeArtifact(name, path string) (ArtifactMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ArtifactMetadata{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	checksum, err := checksumFile(path)
	if err != nil {
		return ArtifactMetadata{}, fmt.Errorf("failed to checksum %s: %w", path, err)
	}
	return ArtifactMetadata{
		Name:      name,
		Filename:  filepath.Base(path),
		SizeBytes: info.Size(),
		Checksum:  checksum,
	}, nil
}

func checksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func writeMetadata(path string, metadata BackupMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

// createArchive writes a tar.gz containing the given files at the archive
// root.
func createArchive(archivePath string, files []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, path := range files {
		if err := addFileToArchive(tarWriter, path, filepath.Base(path)); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", path, err)
		}
	}
	return nil
}

func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tarWriter, file)
	return err
}
