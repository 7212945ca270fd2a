// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package errdefs

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("failed to create project %q: %w", "demo", ErrNameTaken)
	assert.Equal(t, "NameTaken", Kind(err))
	assert.True(t, IsState(err))
	assert.False(t, IsValidation(err))
}

func TestFetchSubCausesCollapseToInputFetchFailed(t *testing.T) {
	for _, sentinel := range []error{
		ErrFetchNotFound, ErrFetchAuthRequired, ErrFetchTimeout, ErrFetchChecksumMismatch,
	} {
		err := fmt.Errorf("%w: %w", ErrInputFetchFailed, sentinel)
		assert.Equal(t, "InputFetchFailed", Kind(err))
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", ErrInvalidName, http.StatusBadRequest},
		{"state", ErrRunInProgress, http.StatusConflict},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"fetch", fmt.Errorf("%w: %w", ErrInputFetchFailed, ErrFetchNotFound), http.StatusBadGateway},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
