package mediawiki

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"

	"github.com/spf13/afero"
	"golang.org/x/net/publicsuffix"
)

// Session is a cookie jar persisted between invocations
type Session struct {
	fs   afero.Fs
	path string
	base *url.URL
	Jar  *cookiejar.Jar
}

type storedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LoadSession restores the cookies stored at path for apiURL. A missing
// file yields an empty session.
func LoadSession(fs afero.Fs, path, apiURL string) (*Session, error) {
	base, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	s := &Session{fs: fs, path: path, base: base, Jar: jar}

	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var stored []storedCookie
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}

	cookies := make([]*http.Cookie, 0, len(stored))
	for _, c := range stored {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	jar.SetCookies(base, cookies)

	return s, nil
}

// Active reports whether the session holds any cookies for the wiki
func (s *Session) Active() bool {
	return len(s.Jar.Cookies(s.base)) > 0
}

// Save writes the current cookies to disk, readable only by the owner
func (s *Session) Save() error {
	var stored []storedCookie
	for _, c := range s.Jar.Cookies(s.base) {
		stored = append(stored, storedCookie{Name: c.Name, Value: c.Value})
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := afero.WriteFile(s.fs, s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// Clear removes the stored session
func (s *Session) Clear() error {
	if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}
