package indexer

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Collection backups are a single zip holding the index artifact, the
// metadata database and optionally the retained source documents, plus a
// manifest describing what was captured.

const backupFormatVersion = 1

const backupManifestName = "backup_manifest.json"

// BackupManifest describes one backup archive.
type BackupManifest struct {
	FormatVersion     int       `json:"format_version"`
	CreatedAt         time.Time `json:"created_at"`
	Collection        string    `json:"collection"`
	Description       string    `json:"description"`
	ChunkSize         int       `json:"chunk_size"`
	ChunkOverlap      int       `json:"chunk_overlap"`
	Dim               int       `json:"dim"`
	IncludesDocuments bool      `json:"includes_documents"`
}

// Backup writes a restorable snapshot of the collection to path. The write
// lock is held throughout so the captured index and metadata are from the
// same moment.
func (ix *Indexer) Backup(ctx context.Context, path, description string, includeDocuments bool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.index.Save(ix.indexPath()); err != nil {
		return err
	}
	if err := ix.meta.Checkpoint(ctx); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating backup file: %w", err)
	}
	zw := zip.NewWriter(f)

	manifest := BackupManifest{
		FormatVersion:     backupFormatVersion,
		CreatedAt:         time.Now().UTC(),
		Collection:        ix.name,
		Description:       description,
		ChunkSize:         ix.cfg.RAG.ChunkSize,
		ChunkOverlap:      *ix.cfg.RAG.ChunkOverlap,
		Dim:               ix.index.Dim(),
		IncludesDocuments: includeDocuments,
	}

	err = func() error {
		w, err := zw.Create(backupManifestName)
		if err != nil {
			return err
		}
		if err := json.NewEncoder(w).Encode(manifest); err != nil {
			return err
		}
		if err := addBackupFile(zw, "indexes/index.gob", ix.indexPath()); err != nil {
			return err
		}
		if err := addBackupFile(zw, "indexes/metadata.db", ix.metadataPath()); err != nil {
			return err
		}
		if includeDocuments {
			if err := addBackupDir(zw, "documents", filepath.Join(ix.dir, "documents")); err != nil {
				return err
			}
		}
		return zw.Close()
	}()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("writing backup of collection %s: %w", ix.name, err)
	}

	log.Info().Str("collection", ix.name).Str("path", path).Msg("backup created")
	return nil
}

func addBackupFile(zw *zip.Writer, name, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

func addBackupDir(zw *zip.Writer, prefix, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addBackupFile(zw, prefix+"/"+entry.Name(), filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// ReadBackupManifest reads just the manifest out of a backup archive.
func ReadBackupManifest(path string) (*BackupManifest, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening backup %s: %w", path, err)
	}
	defer zr.Close()
	return manifestFromArchive(&zr.Reader, path)
}

func manifestFromArchive(zr *zip.Reader, path string) (*BackupManifest, error) {
	for _, f := range zr.File {
		if f.Name != backupManifestName {
			continue
		}
		r, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer r.Close()
		var manifest BackupManifest
		if err := json.NewDecoder(r).Decode(&manifest); err != nil {
			return nil, fmt.Errorf("invalid backup manifest in %s: %w", path, err)
		}
		if manifest.FormatVersion != backupFormatVersion {
			return nil, fmt.Errorf("backup %s has format version %d, want %d", path, manifest.FormatVersion, backupFormatVersion)
		}
		return &manifest, nil
	}
	return nil, fmt.Errorf("backup %s has no manifest", path)
}

// Restore recreates a collection from a backup archive. The target name
// defaults to the collection named in the manifest. An existing collection
// with data is only replaced when overwrite is set.
func (m *Manager) Restore(ctx context.Context, name, backupPath string, overwrite bool) (*Indexer, error) {
	zr, err := zip.OpenReader(backupPath)
	if err != nil {
		return nil, fmt.Errorf("opening backup %s: %w", backupPath, err)
	}
	defer zr.Close()

	manifest, err := manifestFromArchive(&zr.Reader, backupPath)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = manifest.Collection
	}
	if !collectionName.MatchString(name) {
		return nil, fmt.Errorf("invalid collection name: %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Join(m.cfg.DataDir, "collections", name)
	if ix, ok := m.collections[name]; ok {
		if !overwrite {
			return nil, fmt.Errorf("collection %s is open; restore requires overwrite", name)
		}
		if err := ix.Close(); err != nil {
			return nil, fmt.Errorf("closing collection %s before restore: %w", name, err)
		}
		delete(m.collections, name)
	}
	if _, err := os.Stat(dir); err == nil && !overwrite {
		return nil, fmt.Errorf("collection %s already has data; restore requires overwrite", name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clearing collection directory: %w", err)
	}

	for _, f := range zr.File {
		if f.Name == backupManifestName || strings.HasSuffix(f.Name, "/") {
			continue
		}
		var target string
		switch {
		case strings.HasPrefix(f.Name, "indexes/"):
			target = filepath.Join(dir, strings.TrimPrefix(f.Name, "indexes/"))
		case strings.HasPrefix(f.Name, "documents/"):
			target = filepath.Join(dir, "documents", strings.TrimPrefix(f.Name, "documents/"))
		default:
			continue
		}
		// reject entries that would escape the collection directory
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(dir)+string(os.PathSeparator)) {
			return nil, fmt.Errorf("backup entry %q escapes the collection directory", f.Name)
		}
		if err := extractBackupFile(f, target); err != nil {
			return nil, fmt.Errorf("restoring %s: %w", f.Name, err)
		}
	}

	ix, err := Open(ctx, name, dir, m.cfg, m.embedder)
	if err != nil {
		return nil, fmt.Errorf("opening restored collection %s: %w", name, err)
	}
	m.collections[name] = ix

	log.Info().Str("collection", name).Str("path", backupPath).Msg("backup restored")
	return ix, nil
}

func extractBackupFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(target)
		return err
	}
	return dst.Close()
}
