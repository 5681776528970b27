package cache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wheelsandwins/pam-tts/internal/ttsutils"
)

// Persisted layout: magic, big-endian metadata length, JSON metadata, payload.
const (
	fileMagic       = "PAMTTSC1"
	fileExt         = ".ttsc"
	metaLengthSize  = 4
	maxMetaLength   = 1 << 20
	filePermissions = 0o640
)

var errCorruptEntry = errors.New("corrupt cache file")

type diskStore struct {
	dir  string
	warn func(format string, args ...any)
}

func openDiskStore(dir string, warn func(format string, args ...any)) (*diskStore, error) {
	if err := ttsutils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to open cache directory: %w", err)
	}

	return &diskStore{dir: dir, warn: warn}, nil
}

func (d *diskStore) path(key string) string {
	return filepath.Join(d.dir, ttsutils.SanitizeFilename(key)+fileExt)
}

func (d *diskStore) write(meta Metadata, payload []byte) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode cache metadata: %w", err)
	}

	blob := make([]byte, 0, len(fileMagic)+metaLengthSize+len(metaJSON)+len(payload))
	blob = append(blob, fileMagic...)
	blob = binary.BigEndian.AppendUint32(blob, uint32(len(metaJSON)))
	blob = append(blob, metaJSON...)
	blob = append(blob, payload...)

	target := d.path(meta.Key)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, blob, filePermissions); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("failed to commit cache file: %w", err)
	}

	return nil
}

func (d *diskStore) remove(key string) {
	err := os.Remove(d.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		d.warn("Failed to remove cache file for %s: %v", key, err)
	}
}

// load reads every persisted entry, deleting files that fail to decode.
func (d *diskStore) load() []*entry {
	files, err := os.ReadDir(d.dir)
	if err != nil {
		d.warn("Failed to list cache directory %s: %v", d.dir, err)

		return nil
	}

	loaded := make([]*entry, 0, len(files))

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), fileExt) {
			continue
		}

		path := filepath.Join(d.dir, file.Name())

		item, readErr := readEntry(path)
		if readErr != nil {
			d.warn(logFmtCorrupt, file.Name(), readErr)

			if removeErr := os.Remove(path); removeErr != nil {
				d.warn("Failed to remove corrupt cache file %s: %v", path, removeErr)
			}

			continue
		}

		loaded = append(loaded, item)
	}

	return loaded
}

func readEntry(path string) (*entry, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	header := len(fileMagic) + metaLengthSize
	if len(blob) < header || string(blob[:len(fileMagic)]) != fileMagic {
		return nil, fmt.Errorf("%w: bad header", errCorruptEntry)
	}

	metaLength := int(binary.BigEndian.Uint32(blob[len(fileMagic):header]))
	if metaLength > maxMetaLength || header+metaLength > len(blob) {
		return nil, fmt.Errorf("%w: metadata length %d", errCorruptEntry, metaLength)
	}

	var meta Metadata
	if unmarshalErr := json.Unmarshal(blob[header:header+metaLength], &meta); unmarshalErr != nil {
		return nil, fmt.Errorf("%w: %w", errCorruptEntry, unmarshalErr)
	}

	payload := blob[header+metaLength:]
	if meta.Key == "" || len(payload) != meta.CompressedSize || len(payload) == 0 {
		return nil, fmt.Errorf("%w: payload size mismatch", errCorruptEntry)
	}

	return &entry{meta: meta, payload: payload}, nil
}
