// Package domain defines the persistence models for subscribers, operators,
// newsletter issues and the delivery queue. These types are mapped with GORM
// and shared across the repository, service and worker layers.
package domain

import "time"

// Subscriber status values.
const (
	StatusPendingConfirmation = "pending_confirmation"
	StatusConfirmed           = "confirmed"
)

// Subscriber is a newsletter recipient. Only confirmed subscribers receive
// issues; the status flips once the emailed token is redeemed.
type Subscriber struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	Email        string    `json:"email"         gorm:"type:varchar(320);not null;uniqueIndex:ux_subscriptions_email"`
	Name         string    `json:"name"          gorm:"type:varchar(1024);not null"`
	Status       string    `json:"status"        gorm:"type:varchar(32);not null;index:idx_subscriptions_status;check:status IN ('pending_confirmation','confirmed')"`
	SubscribedAt time.Time `json:"subscribed_at" gorm:"not null"`
}

// TableName returns the database table name for Subscriber.
func (Subscriber) TableName() string { return "subscriptions" }

// SubscriptionToken links a confirmation token to its subscriber.
type SubscriptionToken struct {
	Token        string    `gorm:"type:varchar(64);primaryKey"`
	SubscriberID string    `gorm:"type:char(36);not null;index"`
	CreatedAt    time.Time `gorm:"not null"`

	Subscriber Subscriber `gorm:"foreignKey:SubscriberID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for SubscriptionToken.
func (SubscriptionToken) TableName() string { return "subscription_tokens" }

// User is an operator allowed to publish issues.
type User struct {
	ID           string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Username     string    `json:"username"   gorm:"type:varchar(128);not null;uniqueIndex:ux_users_username"`
	PasswordHash string    `json:"-"          gorm:"type:varchar(255);not null"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Issue is a published newsletter issue. Rows are immutable once inserted.
type Issue struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	Title       string    `json:"title"        gorm:"type:text;not null"`
	TextContent string    `json:"text_content" gorm:"type:text;not null"`
	HTMLContent string    `json:"html_content" gorm:"type:text;not null"`
	PublishedAt time.Time `json:"published_at" gorm:"not null;index:idx_issues_published_at"`
}

// TableName returns the database table name for Issue.
func (Issue) TableName() string { return "newsletter_issues" }

// DeliveryTask is one pending send of an issue to a subscriber. A task is
// Pending while LockedUntil is nil or in the past, and InFlight while a
// worker holds its lease. Successful delivery deletes the row.
type DeliveryTask struct {
	IssueID         string     `json:"issue_id"         gorm:"type:char(36);primaryKey"`
	SubscriberEmail string     `json:"subscriber_email" gorm:"type:varchar(320);primaryKey"`
	Attempts        int        `json:"attempts"         gorm:"not null;default:0"`
	ExecuteAfter    time.Time  `json:"execute_after"    gorm:"not null;index:idx_delivery_eligible"`
	LockedUntil     *time.Time `json:"locked_until,omitempty"`
	ClaimToken      *string    `json:"-"                gorm:"type:char(36);index:idx_delivery_claim"`
	LastError       string     `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt       time.Time  `json:"created_at"       gorm:"not null"`
}

// TableName returns the database table name for DeliveryTask.
func (DeliveryTask) TableName() string { return "issue_delivery_queue" }

// Dead-letter reasons.
const (
	DeadLetterExhausted = "exhausted"
	DeadLetterPermanent = "permanent"
)

// DeadLetter preserves a task that will not be retried automatically.
type DeadLetter struct {
	IssueID         string    `json:"issue_id"         gorm:"type:char(36);primaryKey"`
	SubscriberEmail string    `json:"subscriber_email" gorm:"type:varchar(320);primaryKey"`
	Attempts        int       `json:"attempts"         gorm:"not null"`
	Reason          string    `json:"reason"           gorm:"type:varchar(16);not null"`
	LastError       string    `json:"last_error"       gorm:"type:text;not null"`
	FailedAt        time.Time `json:"failed_at"        gorm:"not null;index:idx_dead_letters_failed_at"`
}

// TableName returns the database table name for DeadLetter.
func (DeadLetter) TableName() string { return "issue_delivery_dead_letters" }
