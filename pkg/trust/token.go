package trust

import (
	"fmt"
	"strconv"
	"strings"
)

// Version selects the token wire format.
type Version int

const (
	// V1 is hex(HMAC-SHA256(store_id|ts))|ts, the format Store A installs send today.
	V1 Version = 1
	// V2 is a compact HS256 JWT with sub=store_id and iat=ts.
	V2 Version = 2
)

// Token is the parsed form of an X-Proxy-Auth header value.
type Token struct {
	Version   Version
	Signature string
	Timestamp int64

	raw string
}

// ParseToken splits raw into its parts without checking the signature.
// V2 timestamps are only known after verification.
func ParseToken(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, ErrInvalidFormat
	}
	if strings.Contains(raw, "|") {
		parts := strings.Split(raw, "|")
		if len(parts) != 2 || parts[0] == "" {
			return Token{}, ErrInvalidFormat
		}
		ts, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return Token{}, ErrInvalidFormat
		}
		return Token{Version: V1, Signature: parts[0], Timestamp: ts, raw: raw}, nil
	}
	if strings.Count(raw, ".") == 2 {
		return Token{Version: V2, Signature: raw[strings.LastIndex(raw, ".")+1:], raw: raw}, nil
	}
	return Token{}, ErrInvalidFormat
}

func (t Token) String() string {
	if t.raw != "" {
		return t.raw
	}
	if t.Version == V1 {
		return fmt.Sprintf("%s|%d", t.Signature, t.Timestamp)
	}
	return ""
}
