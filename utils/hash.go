package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// ContentKeyPrefix namespaces entry keys away from metadata keys.
const ContentKeyPrefix = "content:"

// CacheKey derives the stable cache key for a source URL: the namespace
// prefix plus the base64 form of the URL with non-alphanumerics stripped.
func CacheKey(url string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(url))
	var b strings.Builder
	b.Grow(len(ContentKeyPrefix) + len(encoded))
	b.WriteString(ContentKeyPrefix)
	for _, r := range encoded {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// BlobFileName maps a cache key to a short, filesystem-safe file name.
// Keys grow with URL length, so file names use a fixed-size digest instead.
func BlobFileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x.bin", sum[:12])
}

// Checksum returns the hex SHA-256 digest used to detect blob corruption.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
