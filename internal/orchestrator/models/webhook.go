// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MaxDeliveryResponseText caps the response body stored per delivery.
const MaxDeliveryResponseText = 1024

// WebhookSubscription is a per-project registration for run event callbacks.
// A subscription created from the global webhook setting is marked
// IsGlobal so it is skipped by project flush.
type WebhookSubscription struct {
	UUID          string `gorm:"primaryKey;type:text" json:"uuid"`
	ProjectUUID   string `gorm:"not null;type:text;index" json:"project_uuid"`
	TargetURL     string `gorm:"not null;type:text" json:"target_url"`
	TriggerOnEachRun bool `gorm:"not null;default:false" json:"trigger_on_each_run"`
	IncludeSummary   bool `gorm:"not null;default:false" json:"include_summary"`
	IncludeResults   bool `gorm:"not null;default:false" json:"include_results"`
	// No gorm default here: a default:true tag makes gorm drop an explicit
	// false on insert, so callers always set IsActive.
	IsActive bool `gorm:"not null" json:"is_active"`
	IsGlobal bool `gorm:"not null;default:false" json:"-"`

	CreatedAt time.Time `gorm:"not null" json:"created_date"`

	Deliveries []WebhookDelivery `gorm:"foreignKey:SubscriptionUUID;references:UUID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for WebhookSubscription
func (WebhookSubscription) TableName() string {
	return "webhook_subscriptions"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (w *WebhookSubscription) BeforeCreate(tx *gorm.DB) error {
	if w.UUID == "" {
		w.UUID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	return nil
}

// WebhookDelivery records one outbound delivery attempt. A retry cycle
// writes one row per attempt; Succeeded marks the attempt that obtained a
// 2xx response.
type WebhookDelivery struct {
	UUID             string `gorm:"primaryKey;type:text" json:"uuid"`
	SubscriptionUUID string `gorm:"not null;type:text;index" json:"subscription_uuid"`
	RunUUID          string `gorm:"type:text;index" json:"run_uuid"`

	Attempt       int    `gorm:"not null;default:1" json:"attempt"`
	Succeeded     bool   `gorm:"not null;default:false" json:"succeeded"`
	StatusCode    int    `json:"response_status"`
	ResponseText  string `gorm:"type:text" json:"response_body"`
	DeliveryError string `gorm:"type:text" json:"delivery_error"`

	SentAt time.Time `gorm:"not null;index" json:"sent_at"`
}

// TableName returns the table name for WebhookDelivery
func (WebhookDelivery) TableName() string {
	return "webhook_deliveries"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (d *WebhookDelivery) BeforeCreate(tx *gorm.DB) error {
	if d.UUID == "" {
		d.UUID = uuid.NewString()
	}
	if d.SentAt.IsZero() {
		d.SentAt = time.Now().UTC()
	}
	return nil
}

// SetResponse records the final response of a delivery cycle, truncating
// oversized bodies.
func (d *WebhookDelivery) SetResponse(statusCode int, body string) {
	d.StatusCode = statusCode
	if len(body) > MaxDeliveryResponseText {
		body = body[:MaxDeliveryResponseText]
	}
	d.ResponseText = body
}
