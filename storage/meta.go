package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const bucketMetaFile = "_meta.json"

// BucketMeta is the persisted metadata of one bucket of a partition family.
type BucketMeta struct {
	NextPartitionNo int `json:"next_partition_no"` // Number of the next partition to create
}

// nextPartitionNo reserves a partition number in bucket and persists the
// bucket's counter.
//
// A bucket without metadata is seeded from the partitions already in it, so
// trees written before the counter existed keep their numbering.
func (f *family) nextPartitionNo(bucket []string) (int, error) {
	dir := f.bucketDir(bucket)
	p := filepath.Join(dir, bucketMetaFile)

	// Read the current counter
	var meta BucketMeta
	b, err := os.ReadFile(p)
	switch {
	case err == nil:
		if err := json.Unmarshal(b, &meta); err != nil {
			return 0, fmt.Errorf("failed to unmarshal bucket metadata %q: %w", p, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		seed, err := f.seedPartitionNo(bucket)
		if err != nil {
			return 0, err
		}
		meta.NextPartitionNo = seed
	default:
		return 0, fmt.Errorf("failed to read bucket metadata %q: %w", p, err)
	}

	// Reserve the number
	no := meta.NextPartitionNo
	meta.NextPartitionNo++

	// Write the metadata back
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create bucket directory %q: %w", dir, err)
	}
	b, err = json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal bucket metadata: %w", err)
	}
	if err := os.WriteFile(p, b, 0644); err != nil {
		return 0, fmt.Errorf("failed to write bucket metadata %q: %w", p, err)
	}
	return no, nil
}

func (f *family) seedPartitionNo(bucket []string) (int, error) {
	paths, err := f.list(bucket)
	if err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		return 0, nil
	}

	// Listings are newest first
	no, _ := f.kind.partitionNo(filepath.Base(paths[0]))
	return no + 1, nil
}
