package objectstore

import (
	"fmt"
	"strings"
)

// NormalizeKey strips an s3://bucket/ prefix to return a bucket-relative key.
// Non-S3 paths are returned unchanged.
func NormalizeKey(path string) string {
	if strings.HasPrefix(path, "s3://") {
		trimmed := strings.TrimPrefix(path, "s3://")
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) == 2 {
			return parts[1]
		}
	}
	return path
}

// ParseURL splits an archive location of the form s3://bucket/prefix into
// its bucket and key prefix. The prefix is returned without leading or
// trailing slashes.
func ParseURL(url string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(url, "s3://") {
		return "", "", fmt.Errorf("objectstore: %q is not an s3:// url", url)
	}
	trimmed := strings.TrimPrefix(url, "s3://")
	bucket, prefix, _ = strings.Cut(trimmed, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("objectstore: %q has no bucket", url)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// JoinKey joins key segments with "/", skipping empty ones.
func JoinKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
