// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// APIKeyLength is the hex-encoded length of generated API keys.
const APIKeyLength = 40

// User is an API account. Authentication is by the generated API key; there
// is no password flow on this surface.
type User struct {
	UUID     string `gorm:"primaryKey;type:text" json:"uuid"`
	Username string `gorm:"not null;type:text;uniqueIndex" json:"username"`
	APIKey   string `gorm:"not null;type:text;uniqueIndex;column:api_key" json:"-"`
	IsActive bool   `gorm:"not null;default:true" json:"is_active"`

	IsAdmin     bool `gorm:"not null;default:false" json:"is_admin"`
	IsSuperuser bool `gorm:"not null;default:false" json:"is_superuser"`

	CreatedAt time.Time `gorm:"not null" json:"created_date"`
}

// TableName returns the table name for User
func (User) TableName() string {
	return "users"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.UUID == "" {
		u.UUID = uuid.NewString()
	}
	if u.APIKey == "" {
		key, err := GenerateAPIKey()
		if err != nil {
			return err
		}
		u.APIKey = key
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return nil
}

// GenerateAPIKey returns a new random 40 character hex token.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, APIKeyLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
