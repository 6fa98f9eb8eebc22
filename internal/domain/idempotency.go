// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import "time"

// HeaderPair is one response header captured for replay.
type HeaderPair struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// Idempotency records that (user_id, key) has been claimed. The response
// columns stay NULL until the claiming request saves its response, which
// happens in the same transaction that created the row.
type Idempotency struct {
	UserID             string       `gorm:"type:varchar(64);primaryKey"`
	Key                string       `gorm:"column:idempotency_key;type:varchar(50);primaryKey"`
	ResponseStatusCode *int         `gorm:"column:response_status_code"`
	ResponseHeaders    []HeaderPair `gorm:"column:response_headers;type:text;serializer:json"`
	ResponseBody       []byte       `gorm:"column:response_body"`
	CreatedAt          time.Time    `gorm:"not null;index:idx_idempotency_created_at"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }

// Completed reports whether a response has been saved for the record.
func (i Idempotency) Completed() bool { return i.ResponseStatusCode != nil }
