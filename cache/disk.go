package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// DiskCache is a content-addressed on-disk store. Envelope bytes live under
// content/sha256-<digest>, so identical envelopes are stored once no matter
// how many keys reference them. A small JSON index entry per key maps the
// constructed cache key to its content address.
//
// Writes go through a temp file and an atomic rename, so a concurrent Get
// never observes a partially written entry and an interrupted process never
// leaves a torn one behind.
type DiskCache struct {
	root string
	mu   sync.Mutex
}

type indexEntry struct {
	Key     string `json:"key"`
	Address string `json:"address"`
}

// NewDiskCache opens (creating if needed) a disk cache rooted at dir.
func NewDiskCache(dir string) (*DiskCache, error) {
	for _, sub := range []string{"content", "index", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	return &DiskCache{root: dir}, nil
}

func (d *DiskCache) indexPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(d.root, "index", fmt.Sprintf("%x.json", sum))
}

func (d *DiskCache) contentPath(address string) string {
	return filepath.Join(d.root, "content", address)
}

func (d *DiskCache) readIndex(key string) (indexEntry, bool, error) {
	data, err := os.ReadFile(d.indexPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return indexEntry{}, false, nil
		}
		return indexEntry{}, false, err
	}
	var entry indexEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return indexEntry{}, false, fmt.Errorf("reading index entry: %w", err)
	}
	// The file name is a hash of the key; make key collisions impossible
	// to confuse by checking the recorded key itself.
	if entry.Key != key {
		return indexEntry{}, false, nil
	}
	return entry, true, nil
}

func (d *DiskCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	r, ok, err := d.GetReader(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (d *DiskCache) GetReader(ctx context.Context, key string) (io.ReadCloser, bool, error) {
	entry, ok, err := d.readIndex(key)
	if err != nil || !ok {
		return nil, false, err
	}
	f, err := os.Open(d.contentPath(entry.Address))
	if err != nil {
		if os.IsNotExist(err) {
			// Index without content: treat as absent, drop the entry.
			os.Remove(d.indexPath(key))
			return nil, false, nil
		}
		return nil, false, err
	}
	return f, true, nil
}

func (d *DiskCache) Put(ctx context.Context, key string, value []byte) error {
	return d.PutReader(ctx, key, bytes.NewReader(value))
}

func (d *DiskCache) PutReader(ctx context.Context, key string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Join(d.root, "tmp"), "put-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), r); err != nil {
		tmp.Close()
		return fmt.Errorf("spooling cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	address := fmt.Sprintf("sha256-%x", hash.Sum(nil))
	contentPath := d.contentPath(address)
	if _, err := os.Stat(contentPath); err == nil {
		// Identical bytes already stored; the rename below is skipped and
		// the temp file discarded.
	} else if err := os.Rename(tmpName, contentPath); err != nil {
		return fmt.Errorf("publishing cache entry: %w", err)
	}

	return d.writeIndex(key, address)
}

func (d *DiskCache) writeIndex(key, address string) error {
	data, err := json.Marshal(indexEntry{Key: key, Address: address})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Join(d.root, "tmp"), "idx-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, d.indexPath(key)); err != nil {
		return fmt.Errorf("publishing index entry: %w", err)
	}
	return nil
}

func (d *DiskCache) Delete(ctx context.Context, key string) error {
	err := os.Remove(d.indexPath(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *DiskCache) Close() error {
	return nil
}

// Prune removes content files no index entry references anymore.
// Deletes only drop index entries, so shared content lingers until pruned.
func (d *DiskCache) Prune() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	referenced := make(map[string]bool)
	indexDir := filepath.Join(d.root, "index")
	indexFiles, err := os.ReadDir(indexDir)
	if err != nil {
		return 0, err
	}
	for _, f := range indexFiles {
		data, err := os.ReadFile(filepath.Join(indexDir, f.Name()))
		if err != nil {
			continue
		}
		var entry indexEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		referenced[entry.Address] = true
	}

	contentDir := filepath.Join(d.root, "content")
	contentFiles, err := os.ReadDir(contentDir)
	if err != nil {
		return 0, err
	}
	var removed int
	for _, f := range contentFiles {
		if !referenced[f.Name()] {
			if err := os.Remove(filepath.Join(contentDir, f.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
