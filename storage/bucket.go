package storage

import "strings"

const (
	// PunctuationSegment is the bucket segment for ASCII punctuation.
	PunctuationSegment = ".punctuation"

	// MiscSegment is the bucket segment for everything that is not an
	// ASCII letter, digit or punctuation character.
	MiscSegment = ".misc"
)

const asciiPunctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// BucketOf returns the bucket path of key for the given prefix depth.
//
// The result has one segment per leading character of key, up to depth
// segments. ASCII letters and digits map to themselves. A depth of zero
// (or less) returns an empty bucket, which places every record in the
// family's root directory.
//
// The mapping must never change for an existing dataset, since partitions
// are looked up by the bucket of their keys.
func BucketOf(key string, depth int) []string {
	if depth <= 0 {
		return []string{}
	}

	bucket := make([]string, 0, depth)
	for _, r := range key {
		if len(bucket) == depth {
			break
		}
		bucket = append(bucket, segmentOf(r))
	}
	return bucket
}

func segmentOf(r rune) string {
	switch {
	case r >= 'a' && r <= 'z':
		return string(r)
	case r >= 'A' && r <= 'Z':
		return string(r)
	case r >= '0' && r <= '9':
		return string(r)
	case strings.ContainsRune(asciiPunctuation, r):
		return PunctuationSegment
	default:
		return MiscSegment
	}
}
