package storage

import (
	"fmt"
	"os"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/golang/snappy"
)

// DefaultFilterFPR is the target false positive rate of partition filters.
const DefaultFilterFPR = 0.01

func filterPath(partitionPath string) string {
	return strings.TrimSuffix(partitionPath, ".json") + ".bloom"
}

// writeFilter builds a bloom filter over keys and stores it, snappy
// compressed, at path. The filter is rebuilt from scratch on every dump, so
// deleted keys drop out of it.
func writeFilter(path string, keys []string) error {
	bf := bloom.NewWithEstimates(uint(max(len(keys), 1)), DefaultFilterFPR)
	for _, k := range keys {
		bf.AddString(k)
	}

	b, err := bf.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal bloom filter: %w", err)
	}
	return os.WriteFile(path, snappy.Encode(nil, b), 0644)
}

func readFilter(path string) (*bloom.BloomFilter, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress bloom filter %q: %w", path, err)
	}

	var bf bloom.BloomFilter
	if err := bf.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bloom filter %q: %w", path, err)
	}
	return &bf, nil
}
