// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package fetch

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

// digestAuthorization answers an RFC 7616 digest challenge with the MD5
// algorithm and qop=auth, the common server configuration. Stronger
// algorithms in the challenge are rejected explicitly.
func digestAuthorization(challenge string, cred config.Credential, method, uri string) (string, error) {
	params := parseDigestChallenge(challenge)

	algorithm := strings.ToUpper(params["algorithm"])
	if algorithm != "" && algorithm != "MD5" {
		return "", fmt.Errorf("%w: unsupported digest algorithm %q", errdefs.ErrFetchAuthRequired, algorithm)
	}
	realm, nonce := params["realm"], params["nonce"]
	if nonce == "" {
		return "", fmt.Errorf("%w: digest challenge without nonce", errdefs.ErrFetchAuthRequired)
	}

	cnonceBytes := make([]byte, 8)
	if _, err := rand.Read(cnonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate cnonce: %w", err)
	}
	cnonce := hex.EncodeToString(cnonceBytes)
	nonceCount := "00000001"

	ha1 := md5hex(fmt.Sprintf("%s:%s:%s", cred.User, realm, cred.Password))
	ha2 := md5hex(fmt.Sprintf("%s:%s", method, uri))

	var response string
	usesQop := strings.Contains(params["qop"], "auth")
	if usesQop {
		response = md5hex(fmt.Sprintf("%s:%s:%s:%s:auth:%s", ha1, nonce, nonceCount, cnonce, ha2))
	} else {
		response = md5hex(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2))
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		cred.User, realm, nonce, uri, response)
	if usesQop {
		fmt.Fprintf(&b, `, qop=auth, nc=%s, cnonce="%s"`, nonceCount, cnonce)
	}
	if opaque := params["opaque"]; opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, opaque)
	}
	return b.String(), nil
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// parseDigestChallenge splits the comma-separated key=value pairs of a
// WWW-Authenticate: Digest header, lowercasing keys and unquoting values.
func parseDigestChallenge(challenge string) map[string]string {
	params := map[string]string{}
	challenge = strings.TrimSpace(challenge)
	if idx := strings.IndexByte(challenge, ' '); idx > 0 {
		challenge = challenge[idx+1:]
	}
	for _, part := range strings.Split(challenge, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), `"`)
		params[key] = value
	}
	return params
}

// loadNetrc parses the machine entries of a netrc file into host-keyed
// credentials. An unset path falls back to ~/.netrc; a missing file is
// not an error.
func loadNetrc(path string) (map[string]config.Credential, error) {
	explicit := path != ""
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return map[string]config.Credential{}, nil
		}
		path = filepath.Join(home, ".netrc")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return map[string]config.Credential{}, nil
		}
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: netrc_location %s does not exist", errdefs.ErrBadConfig, path)
		}
		return nil, fmt.Errorf("%w: failed to read netrc: %v", errdefs.ErrBadConfig, err)
	}
	return parseNetrc(string(raw)), nil
}

// parseNetrc reads the token stream of a netrc file. Only machine, login
// and password tokens matter here; macdef bodies are skipped.
func parseNetrc(content string) map[string]config.Credential {
	creds := map[string]config.Credential{}
	tokens := strings.Fields(content)

	var machine string
	var current config.Credential
	flush := func() {
		if machine != "" {
			if _, exists := creds[machine]; !exists {
				creds[machine] = current
			}
		}
		machine, current = "", config.Credential{}
	}

	for i := 0; i < len(tokens); i++ {
		switch tokens[i] {
		case "machine":
			flush()
			if i+1 < len(tokens) {
				i++
				machine = tokens[i]
			}
		case "default":
			flush()
		case "login":
			if i+1 < len(tokens) {
				i++
				current.User = tokens[i]
			}
		case "password":
			if i+1 < len(tokens) {
				i++
				current.Password = tokens[i]
			}
		case "macdef":
			// A macdef body runs to the next blank line; skip tokens until
			// a known keyword resurfaces.
			for i+1 < len(tokens) && tokens[i+1] != "machine" && tokens[i+1] != "default" {
				i++
			}
		}
	}
	flush()
	return creds
}
