// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package security holds the edge validation helpers: filename sanitization,
// download path and URL validation, and path containment checks.
package security

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

// allowedDownloadHosts is the allow-list for outbound asset downloads.
var allowedDownloadHosts = map[string]struct{}{
	"github.com":                            {},
	"api.github.com":                        {},
	"raw.githubusercontent.com":             {},
	"objects.githubusercontent.com":         {},
	"github-releases.githubusercontent.com": {},
	"codeload.github.com":                   {},
}

// sensitivePaths are directory prefixes that may never be used as a download
// destination.
var sensitivePaths = []string{
	"/etc",
	"/var",
	"/usr",
	"/bin",
	"/sbin",
	"/root",
	`C:\Windows`,
	`C:\Program Files`,
	`C:\Program Files (x86)`,
	`C:\Users\Public`,
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9_\-. ]`)

// SanitizeFilename strips directory separators and unsafe characters from a
// user-provided filename. The result contains only alphanumerics, underscores,
// hyphens, periods and spaces, with leading and trailing periods and spaces
// removed. Sanitizing an already-safe name is a no-op.
func SanitizeFilename(filename string) string {
	cleaned := strings.NewReplacer("/", "", `\`, "").Replace(filename)
	cleaned = unsafeFilenameChars.ReplaceAllString(cleaned, "")
	cleaned = strings.Trim(cleaned, ". ")
	if cleaned == "" {
		return "downloaded_file"
	}
	return cleaned
}

// ValidateDownloadPath resolves a download destination and rejects sensitive
// system directories and the filesystem root.
func ValidateDownloadPath(raw string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(raw))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %q: %w", raw, err)
	}

	lower := strings.ToLower(abs)
	for _, sensitive := range sensitivePaths {
		prefix := strings.ToLower(filepath.Clean(sensitive))
		if lower == prefix || strings.HasPrefix(lower, prefix+string(filepath.Separator)) {
			return "", fmt.Errorf("path is strictly forbidden: %s", abs)
		}
	}

	if filepath.Dir(abs) == abs {
		return "", fmt.Errorf("cannot use root directory as download path")
	}
	return abs, nil
}

// IsSafePath reports whether target resolves to a path inside base. Symlinks
// in existing path components are resolved before comparison.
func IsSafePath(base, target string) bool {
	resolvedBase, err := canonicalize(base)
	if err != nil {
		return false
	}
	resolvedTarget, err := canonicalize(target)
	if err != nil {
		return false
	}
	if resolvedTarget == resolvedBase {
		return true
	}
	return strings.HasPrefix(resolvedTarget, resolvedBase+string(filepath.Separator))
}

// canonicalize makes a path absolute and resolves symlinks in its longest
// existing ancestor so containment checks cannot be bypassed.
func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", p, err)
	}

	// Walk up to the nearest component that exists and resolve from there.
	remainder := ""
	probe := abs
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return abs, nil
		}
		remainder = filepath.Join(filepath.Base(probe), remainder)
		probe = parent
	}
}

// ValidateDownloadURL enforces the SSRF policy for asset downloads: https
// only, host on the GitHub allow-list, and no resolution to a private,
// loopback or otherwise reserved address. A DNS resolution failure is
// permitted since the allow-list is treated as authoritative.
func ValidateDownloadURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("only https URLs are allowed, got %q", u.Scheme)
	}

	host := u.Hostname()
	if _, ok := allowedDownloadHosts[strings.ToLower(host)]; !ok {
		return fmt.Errorf("host %q is not an allowed download source", host)
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		// Offline or restricted DNS. The allow-list already constrains the
		// host, so let the request proceed.
		return nil
	}
	for _, addr := range addrs {
		if isDisallowedIP(addr) {
			return fmt.Errorf("host %q resolves to a reserved address %s", host, addr)
		}
	}
	return nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast()
}
