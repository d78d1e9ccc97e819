package wire

// Opaque token shape limits. Tokens are URL-safe base64 without padding; the
// minimum lengths correspond to 16 bytes (session IDs) and 22 chars / 16+
// bytes of entropy (bearer and join tokens).
const (
	MinSessionIDChars = 16
	MinTokenChars     = 22
	MaxTokenChars     = 512
)

// IsOpaqueToken reports whether value looks like one of our high-entropy
// opaque identifiers: base64url alphabet only, within [minChars, 512]. It
// deliberately says nothing about whether the token is valid.
func IsOpaqueToken(value string, minChars int) bool {
	if len(value) < minChars || len(value) > MaxTokenChars {
		return false
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
