// Package urlkey derives the stable identifiers used as primary keys across
// the fetch cache and phase tables. All hashes are hex-encoded SHA-256 over
// UTF-8 bytes so keys are reproducible across runs and tools.
package urlkey

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// ShortLen is the number of hex characters in a short hash.
const ShortLen = 8

// ForContent returns the content identity hash for a URL: sha256(url).
func ForContent(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// ForFetch returns the fetch-cache hash for a URL within a kind context:
// sha256(kind + ":" + url). The kind prefix keeps fetches of the same URL
// for different phases in distinct cache slots.
func ForFetch(rawURL, kind string) string {
	sum := sha256.Sum256([]byte(kind + ":" + rawURL))
	return hex.EncodeToString(sum[:])
}

// Short returns the display prefix of a full hash.
func Short(full string) string {
	if len(full) < ShortLen {
		return full
	}
	return full[:ShortLen]
}

// Validate checks that rawURL is an absolute http or https URL with a host.
func Validate(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return eris.Wrapf(err, "urlkey: parse %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return eris.Errorf("urlkey: unsupported scheme %q in %q", u.Scheme, rawURL)
	}
	if u.Host == "" {
		return eris.Errorf("urlkey: missing host in %q", rawURL)
	}
	return nil
}

// Normalize canonicalizes a URL before hashing so equivalent spellings share
// one identity: scheme and host are lowercased, the fragment is dropped, and
// default ports are stripped. Path, query and case within them are preserved.
func Normalize(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if err := Validate(rawURL); err != nil {
		return "", err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "urlkey: parse %q", rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	return u.String(), nil
}
