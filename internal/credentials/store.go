// Package credentials resolves the bearer token used for the query service
// and the subscription channel from locally persisted credentials.
package credentials

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultNames are the keys the access token is persisted under
var DefaultNames = []string{"accessToken", "access_token"}

// Store looks the token up, in order, in the explicit token, the JSON
// storage file and the cookie file. Files are re-read on every call.
type Store struct {
	explicit    string
	storagePath string
	cookiePath  string
	names       []string
	now         func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithToken sets a token that takes precedence over the files
func WithToken(token string) Option {
	return func(s *Store) { s.explicit = strings.TrimSpace(token) }
}

// WithStorageFile reads tokens from a flat JSON object of string values
func WithStorageFile(path string) Option {
	return func(s *Store) { s.storagePath = path }
}

// WithCookieFile reads tokens from a cookie jar in Netscape format or a
// single "name=value; name=value" header line
func WithCookieFile(path string) Option {
	return func(s *Store) { s.cookiePath = path }
}

// WithNames overrides the keys the token is looked up under
func WithNames(names ...string) Option {
	return func(s *Store) {
		if len(names) > 0 {
			s.names = names
		}
	}
}

// NewStore creates a credential store
func NewStore(opts ...Option) *Store {
	s := &Store{
		names: DefaultNames,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token returns the first usable token. Tokens that parse as JWTs and are
// past their expiry are skipped; opaque tokens are returned as is.
func (s *Store) Token() (string, bool) {
	if s.usable(s.explicit) {
		return s.explicit, true
	}
	if token, ok := s.first(s.readStorage()); ok {
		return token, true
	}
	if token, ok := s.first(s.readCookies()); ok {
		return token, true
	}
	return "", false
}

func (s *Store) first(values map[string]string) (string, bool) {
	for _, name := range s.names {
		token := strings.TrimSpace(values[name])
		if s.usable(token) {
			return token, true
		}
	}
	return "", false
}

func (s *Store) usable(token string) bool {
	if token == "" {
		return false
	}
	return !Expired(token, s.now())
}

// Expired reports whether token is a JWT whose exp claim is before now.
// The signature is not verified; the backend does that.
func Expired(token string, now time.Time) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && !claims.ExpiresAt.After(now)
}

func (s *Store) readStorage() map[string]string {
	data, ok := readFile(s.storagePath)
	if !ok {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			continue
		}
		values[k] = unquote(str)
	}
	return values
}

func (s *Store) readCookies() map[string]string {
	data, ok := readFile(s.cookiePath)
	if !ok {
		return nil
	}
	return ParseCookies(data)
}

// ParseCookies understands Netscape cookie jar lines and Cookie header lines
func ParseCookies(data []byte) map[string]string {
	values := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, "#HttpOnly_")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if fields := strings.Split(line, "\t"); len(fields) == 7 {
			values[fields[5]] = fields[6]
			continue
		}

		line = strings.TrimPrefix(line, "Cookie:")
		for _, part := range strings.Split(line, ";") {
			name, value, found := strings.Cut(strings.TrimSpace(part), "=")
			if !found || name == "" {
				continue
			}
			values[name] = value
		}
	}
	return values
}

func readFile(path string) ([]byte, bool) {
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// unquote handles values persisted as JSON strings inside JSON strings
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			return inner
		}
	}
	return s
}
