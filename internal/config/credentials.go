// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"strings"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

// Credential is a host-scoped user/password pair used by the input fetcher.
type Credential struct {
	User     string
	Password string
}

// Header is a single HTTP header applied to fetch requests for one host.
type Header struct {
	Name  string
	Value string
}

// ParseHostCredentials parses the host-keyed credential syntax used by
// fetch_basic_auth, fetch_digest_auth and skopeo_credentials:
//
//	host=user:password;other.example.com=bob:s3cret
//
// The first entry wins when a host is listed twice.
func ParseHostCredentials(s string) (map[string]Credential, error) {
	creds := map[string]Credential{}
	for _, entry := range splitEntries(s) {
		host, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("%w: credential entry %q must be host=user:password", errdefs.ErrBadConfig, entry)
		}
		user, password, ok := strings.Cut(value, ":")
		if !ok {
			return nil, fmt.Errorf("%w: credential entry for host %q must be user:password", errdefs.ErrBadConfig, host)
		}
		host = strings.TrimSpace(host)
		if _, exists := creds[host]; exists {
			continue
		}
		creds[host] = Credential{User: strings.TrimSpace(user), Password: password}
	}
	return creds, nil
}

// ParseHostHeaders parses the host-keyed header syntax used by fetch_headers:
//
//	host=Authorization: Bearer abc|X-Custom: v;other.host=X-Token: t
//
// Multiple headers for one host are separated with "|".
func ParseHostHeaders(s string) (map[string][]Header, error) {
	headers := map[string][]Header{}
	for _, entry := range splitEntries(s) {
		host, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("%w: header entry %q must be host=Name: value", errdefs.ErrBadConfig, entry)
		}
		host = strings.TrimSpace(host)
		if _, exists := headers[host]; exists {
			continue
		}
		var parsed []Header
		for _, pair := range strings.Split(value, "|") {
			name, headerValue, ok := strings.Cut(pair, ":")
			if !ok {
				return nil, fmt.Errorf("%w: header %q for host %q must be Name: value", errdefs.ErrBadConfig, pair, host)
			}
			parsed = append(parsed, Header{
				Name:  strings.TrimSpace(name),
				Value: strings.TrimSpace(headerValue),
			})
		}
		headers[host] = parsed
	}
	return headers, nil
}

func splitEntries(s string) []string {
	var entries []string
	for _, entry := range strings.Split(s, ";") {
		if entry = strings.TrimSpace(entry); entry != "" {
			entries = append(entries, entry)
		}
	}
	return entries
}
