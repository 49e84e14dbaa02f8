package credential

import (
	"crypto/rand"
	"fmt"
	"slices"
	"strings"

	"github.com/rbrinkke/Vault/pkg/schema"
)

// MaxSecretSize caps plaintext secrets at 1 MiB.
const MaxSecretSize = 1 << 20

// DefaultAutoLength is used by RotateAuto when no length is given.
const DefaultAutoLength = 32

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// ValidateName accepts [A-Za-z0-9._-]+ without "..".
func ValidateName(name string) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "credential name cannot be empty")
	}
	if strings.Contains(name, "..") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid credential name %q: path traversal not allowed", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid credential name %q: only [A-Za-z0-9._-] allowed", name)
		}
	}
	return nil
}

// ValidateKeyType accepts "" (pick a default) or one of schema.ValidKeyTypes.
func ValidateKeyType(key string) error {
	if key == "" || slices.Contains(schema.ValidKeyTypes, key) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid key type %q (use %s)", key, strings.Join(schema.ValidKeyTypes, "|"))
}

func validateSecret(secret []byte) error {
	if len(secret) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "secret is empty")
	}
	if len(secret) > MaxSecretSize {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"secret exceeds maximum size (%d bytes, max %d bytes)", len(secret), MaxSecretSize)
	}
	return nil
}

// GenerateSecret returns length characters drawn uniformly from [A-Za-z0-9]
// using crypto/rand.
func GenerateSecret(length int) ([]byte, error) {
	if length <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "secret length must be positive, got %d", length)
	}
	// 248 is the largest multiple of 62 below 256; rejecting bytes above it
	// keeps the distribution uniform.
	const limit = 248
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphanumeric[int(b)%len(alphanumeric)])
			if len(out) == length {
				break
			}
		}
	}
	return out, nil
}

// dedup drops repeated values, keeping first occurrences in order.
func dedup(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
