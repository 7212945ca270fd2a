// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{
			name: "console only",
			opts: Options{Level: "info", Console: true},
		},
		{
			name: "file only",
			opts: Options{Level: "debug", File: filepath.Join(t.TempDir(), "test.log")},
		},
		{
			name: "no sinks falls back to discard",
			opts: Options{Level: "warn"},
		},
		{
			name: "sampling enabled",
			opts: Options{
				Level:              "info",
				File:               filepath.Join(t.TempDir(), "sampled.log"),
				SamplingEnabled:    true,
				SamplingBurst:      10,
				SamplingThereafter: 100,
				SamplingTick:       time.Second,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(tt.opts)
			require.NoError(t, err)
			require.NotNil(t, m)
			t.Cleanup(func() { _ = m.Close() })
		})
	}
}

func TestManagerFileSinkWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depvet.log")
	m, err := NewManager(Options{Level: "info", File: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	log := m.GetLogger("scheduler")
	log.Info().Str("run", "abc").Msg("run queued")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pkg":"scheduler"`)
	assert.Contains(t, string(data), `"run":"abc"`)
	assert.Contains(t, string(data), "run queued")
}

func TestGetLoggerPerPackageLevel(t *testing.T) {
	m, err := NewManager(Options{
		Level:  "info",
		File:   filepath.Join(t.TempDir(), "x.log"),
		Levels: map[string]string{"fetch": "error"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	assert.Equal(t, zerolog.ErrorLevel, m.GetLogger("fetch").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, m.GetLogger("webhook").GetLevel())
}

func TestGetLoggerCachesAndIsConcurrencySafe(t *testing.T) {
	m, err := NewManager(Options{Level: "info"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.GetLogger("scheduler")
			_ = m.GetLogger("api")
		}()
	}
	wg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Len(t, m.packageLoggers, 2)
}

func TestSetPackageLevel(t *testing.T) {
	m, err := NewManager(Options{Level: "info"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	base := m.GetLogger("database")
	assert.Equal(t, zerolog.InfoLevel, base.GetLevel())

	m.SetPackageLevel("database", "debug")
	assert.Equal(t, zerolog.DebugLevel, m.GetLogger("database").GetLevel())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"Info", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), "level %q", tt.in)
	}
}

func TestUninitializedGlobalLoggerDiscards(t *testing.T) {
	// Must not panic; the fallback is a discard logger.
	log := GetLogger("anything")
	log.Error().Msg("dropped")
}
