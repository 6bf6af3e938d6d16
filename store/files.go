package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore is the artifact layout under the station root:
//
//	messages/<org>/inbox/<partner>/         delivered inbound payloads
//	messages/<partner>/outbox/<org>/        payloads queued for sending
//	messages/__store/payload/{received,sent}/<yyyymmdd>/
//	messages/__store/mdn/{received,sent}/<yyyymmdd>/
//	messages/__store/raw/received/<yyyymmdd>/
//	certs/
//	logging/
//
// Store-side artifacts are partitioned by day so archives stay browsable
// and cleanup can drop whole days at a time.
type FileStore struct {
	root string
}

// NewFileStore binds the layout to a root directory. Nothing is created
// until Bootstrap or Store is called.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (f *FileStore) Root() string { return f.root }

func (f *FileStore) PayloadReceiveDir() string {
	return filepath.Join(f.root, "messages", "__store", "payload", "received")
}

func (f *FileStore) PayloadSendDir() string {
	return filepath.Join(f.root, "messages", "__store", "payload", "sent")
}

func (f *FileStore) MDNReceiveDir() string {
	return filepath.Join(f.root, "messages", "__store", "mdn", "received")
}

func (f *FileStore) MDNSendDir() string {
	return filepath.Join(f.root, "messages", "__store", "mdn", "sent")
}

func (f *FileStore) RawReceiveDir() string {
	return filepath.Join(f.root, "messages", "__store", "raw", "received")
}

// CertsDir holds the key and certificate files the profiles point at. It
// lives under the station root for convenience but is never served.
func (f *FileStore) CertsDir() string {
	return filepath.Join(f.root, "certs")
}

func (f *FileStore) LogDir() string {
	return filepath.Join(f.root, "logging")
}

// InboxDir is where successfully received payloads from partner are
// delivered for the organization.
func (f *FileStore) InboxDir(org, partner string) string {
	return filepath.Join(f.root, "messages", org, "inbox", partner)
}

// OutboxDir is watched for files to send to partner on behalf of the
// organization.
func (f *FileStore) OutboxDir(partner, org string) string {
	return filepath.Join(f.root, "messages", partner, "outbox", org)
}

// Bootstrap creates the store directories and the inbox/outbox tree for
// every organization and partner pairing.
func (f *FileStore) Bootstrap(orgs, partners []string) error {
	dirs := []string{
		f.PayloadReceiveDir(), f.PayloadSendDir(),
		f.MDNReceiveDir(), f.MDNSendDir(),
		f.RawReceiveDir(), f.CertsDir(), f.LogDir(),
	}
	for _, org := range orgs {
		for _, partner := range partners {
			dirs = append(dirs, f.InboxDir(org, partner), f.OutboxDir(partner, org))
		}
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// Store writes content under dir and returns the full path. With
// datePartition the file lands in a yyyymmdd subdirectory. Existing names
// are never overwritten; a numeric suffix is appended instead. Writes go
// through a temp file and rename so readers never observe partial content.
func (f *FileStore) Store(dir, filename string, content []byte, datePartition bool) (string, error) {
	if datePartition {
		dir = filepath.Join(dir, time.Now().UTC().Format("20060102"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}

	path := filepath.Join(dir, sanitizeFilename(filename))
	path, err := uniquePath(path)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(path, content); err != nil {
		return "", err
	}
	return path, nil
}

// RemoveOlderThan deletes regular files under dir whose modification time
// is before cutoff, pruning directories that end up empty. It returns the
// number of files removed. A missing dir is not an error.
func (f *FileStore) RemoveOlderThan(dir string, cutoff time.Time) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}

	removed := 0
	var emptied []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != dir {
				emptied = append(emptied, path)
			}
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("cleaning %s: %w", dir, err)
	}

	// Deepest first so nested empty partitions collapse.
	for i := len(emptied) - 1; i >= 0; i-- {
		// Remove fails on non-empty directories, which is the point.
		_ = os.Remove(emptied[i])
	}
	return removed, nil
}

// sanitizeFilename keeps partner-supplied names (message ids, original
// filenames) from escaping the target directory.
func sanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

func uniquePath(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	}
	for i := 1; i < 10000; i++ {
		next := fmt.Sprintf("%s.%d", path, i)
		if _, err := os.Stat(next); os.IsNotExist(err) {
			return next, nil
		}
	}
	return "", fmt.Errorf("no free name for %s", path)
}

func writeFileAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
