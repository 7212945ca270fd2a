// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package fetch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

// PackageURL is a parsed pkg: identifier
// (pkg:type/namespace/name@version?qualifiers#subpath).
type PackageURL struct {
	Type       string
	Namespace  string
	Name       string
	Version    string
	Qualifiers map[string]string
	Subpath    string
}

// String recomposes the canonical purl form.
func (p PackageURL) String() string {
	var b strings.Builder
	b.WriteString("pkg:")
	b.WriteString(p.Type)
	if p.Namespace != "" {
		b.WriteString("/")
		b.WriteString(p.Namespace)
	}
	b.WriteString("/")
	b.WriteString(p.Name)
	if p.Version != "" {
		b.WriteString("@")
		b.WriteString(p.Version)
	}
	return b.String()
}

// ParsePackageURL parses a pkg: scheme string. The grammar is a single
// line: scheme, slash-separated type/namespace/name, @version, ?qualifiers
// and #subpath.
func ParsePackageURL(raw string) (*PackageURL, error) {
	rest, ok := strings.CutPrefix(raw, "pkg:")
	if !ok {
		return nil, fmt.Errorf("%w: not a package url: %q", errdefs.ErrInputFetchFailed, raw)
	}
	rest = strings.TrimLeft(rest, "/")

	purl := &PackageURL{Qualifiers: map[string]string{}}

	if rest, purl.Subpath, _ = cutLast(rest, "#"); purl.Subpath != "" {
		purl.Subpath = strings.Trim(purl.Subpath, "/")
	}

	var rawQualifiers string
	if rest, rawQualifiers, _ = cutLast(rest, "?"); rawQualifiers != "" {
		values, err := url.ParseQuery(rawQualifiers)
		if err != nil {
			return nil, fmt.Errorf("%w: bad purl qualifiers in %q: %v", errdefs.ErrInputFetchFailed, raw, err)
		}
		for key := range values {
			purl.Qualifiers[strings.ToLower(key)] = values.Get(key)
		}
	}

	var version string
	if rest, version, _ = cutLast(rest, "@"); version != "" {
		decoded, err := url.PathUnescape(version)
		if err != nil {
			return nil, fmt.Errorf("%w: bad purl version in %q: %v", errdefs.ErrInputFetchFailed, raw, err)
		}
		purl.Version = decoded
	}

	segments := strings.Split(rest, "/")
	if len(segments) < 2 || segments[0] == "" {
		return nil, fmt.Errorf("%w: purl %q needs at least a type and a name", errdefs.ErrInputFetchFailed, raw)
	}
	purl.Type = strings.ToLower(segments[0])
	name, err := url.PathUnescape(segments[len(segments)-1])
	if err != nil || name == "" {
		return nil, fmt.Errorf("%w: bad purl name in %q", errdefs.ErrInputFetchFailed, raw)
	}
	purl.Name = name
	if len(segments) > 2 {
		namespace, err := url.PathUnescape(strings.Join(segments[1:len(segments)-1], "/"))
		if err != nil {
			return nil, fmt.Errorf("%w: bad purl namespace in %q", errdefs.ErrInputFetchFailed, raw)
		}
		purl.Namespace = namespace
	}

	return purl, nil
}

// cutLast splits s on the last occurrence of sep.
func cutLast(s, sep string) (before, after string, found bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}
