// Package services – SubscriptionService
//
// SubscriptionService registers subscribers and confirms them. A new
// subscriber starts as pending_confirmation with a random token; the
// "Welcome!" email carries the confirmation link that redeems it. Only
// confirmed subscribers are enqueued when an issue is published.
package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/notify"
	"github.com/tbourn/go-newsletter-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/unicode/norm"
)

const (
	// MaxSubscriberNameLen caps names in characters after NFC normalization.
	MaxSubscriberNameLen = 256

	// SubscriptionTokenLen is the length of confirmation tokens.
	SubscriptionTokenLen = 48

	forbiddenNameChars = `/()"<>\{}`
	tokenAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

// subscriberValidator returns the shared validator with the subscriber_name
// rule registered.
func subscriberValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		if err := v.RegisterValidation("subscriber_name", func(fl validator.FieldLevel) bool {
			return ValidSubscriberName(fl.Field().String())
		}); err != nil {
			errValidate = fmt.Errorf("register subscriber_name: %w", err)
			return
		}
		validate = v
	})
	return validate, errValidate
}

// ValidSubscriberName reports whether s is acceptable as a subscriber name:
// not blank, at most MaxSubscriberNameLen characters, and free of
// characters that could be used for markup injection.
func ValidSubscriberName(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	if utf8.RuneCountInString(norm.NFC.String(s)) > MaxSubscriberNameLen {
		return false
	}
	return !strings.ContainsAny(s, forbiddenNameChars)
}

type newSubscriber struct {
	Name  string `validate:"subscriber_name"`
	Email string `validate:"required,email,max=320"`
}

// SubscriptionService manages sign-up and confirmation.
type SubscriptionService struct {
	DB       *gorm.DB
	Notifier notify.Notifier

	// Sender is the From address of confirmation emails.
	Sender string
	// BaseURL prefixes the confirmation link.
	BaseURL string

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// NewSubscriptionService constructs a SubscriptionService.
func NewSubscriptionService(db *gorm.DB, n notify.Notifier, sender, baseURL string) *SubscriptionService {
	return &SubscriptionService{
		DB:       db,
		Notifier: n,
		Sender:   sender,
		BaseURL:  strings.TrimRight(baseURL, "/"),
	}
}

func (s *SubscriptionService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Subscribe registers email/name and sends a confirmation email. A pending
// subscriber gets a fresh token and email; a confirmed one is left alone.
func (s *SubscriptionService) Subscribe(ctx context.Context, name, email string) error {
	in := newSubscriber{
		Name:  norm.NFC.String(strings.TrimSpace(name)),
		Email: strings.ToLower(strings.TrimSpace(email)),
	}
	if err := validateSubscriber(in); err != nil {
		return err
	}

	tr := otel.Tracer("services/SubscriptionService")
	ctx, span := tr.Start(ctx, "Subscribe",
		trace.WithAttributes(
			attribute.Int("subscriber.name_len", len(in.Name)),
		),
	)
	defer span.End()

	token, err := generateSubscriptionToken()
	if err != nil {
		return unexpected("generate token", err)
	}

	// A concurrent first subscribe with the same email can insert between
	// the lookup and the create. The unique index rejects the loser, whose
	// second pass then finds the row and re-issues a token.
	confirmed := false
	for attempt := 0; attempt < 2; attempt++ {
		err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sub, err := repo.GetSubscriberByEmail(ctx, tx, in.Email)
			switch {
			case errors.Is(err, repo.ErrNotFound):
				sub, err = repo.CreateSubscriber(ctx, tx, in.Email, in.Name, s.now())
				if err != nil {
					return err
				}
			case err != nil:
				return err
			case sub.Status == domain.StatusConfirmed:
				confirmed = true
				return nil
			}
			return repo.StoreSubscriptionToken(ctx, tx, sub.ID, token, s.now())
		})
		if !errors.Is(err, repo.ErrDuplicate) {
			break
		}
	}
	if err != nil {
		span.RecordError(err)
		return unexpected("store subscriber", err)
	}
	if confirmed {
		span.SetAttributes(attribute.Bool("subscriber.already_confirmed", true))
		return nil
	}

	if err := s.Notifier.Send(ctx, s.confirmationEmail(in.Email, token)); err != nil {
		span.RecordError(err)
		return unexpected("send confirmation email", err)
	}
	return nil
}

// Confirm redeems a confirmation token.
func (s *SubscriptionService) Confirm(ctx context.Context, token string) error {
	if token == "" {
		return invalid("subscription_token", "cannot be empty")
	}
	if len(token) != SubscriptionTokenLen || strings.Trim(token, tokenAlphabet) != "" {
		return ErrTokenNotFound
	}

	tr := otel.Tracer("services/SubscriptionService")
	ctx, span := tr.Start(ctx, "Confirm")
	defer span.End()

	id, err := repo.GetSubscriberIDByToken(ctx, s.DB, token)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrTokenNotFound
	}
	if err != nil {
		return unexpected("lookup token", err)
	}
	if err := repo.ConfirmSubscriber(ctx, s.DB, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrTokenNotFound
		}
		return unexpected("confirm subscriber", err)
	}
	return nil
}

func (s *SubscriptionService) confirmationEmail(to, token string) notify.Email {
	link := fmt.Sprintf("%s/subscriptions/confirm?subscription_token=%s", s.BaseURL, token)
	return notify.Email{
		From:    s.Sender,
		To:      to,
		Subject: "Welcome!",
		HTML: fmt.Sprintf(`<h3>Welcome to our newsletter!</h3>
<p>Click <a href="%s">here</a> to confirm your subscription.</p>`, link),
		Text: fmt.Sprintf("Welcome to our newsletter!\nVisit %s to confirm your subscription.", link),
	}
}

func validateSubscriber(in newSubscriber) error {
	v, err := subscriberValidator()
	if err != nil {
		return unexpected("init validator", err)
	}
	if err := v.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			switch verrs[0].Field() {
			case "Name":
				return invalid("name", "is not a valid subscriber name")
			default:
				return invalid("email", "is not a valid email address")
			}
		}
		return invalid("subscriber", err.Error())
	}
	return nil
}

// generateSubscriptionToken returns SubscriptionTokenLen random alphanumerics.
func generateSubscriptionToken() (string, error) {
	var b strings.Builder
	b.Grow(SubscriptionTokenLen)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := 0; i < SubscriptionTokenLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(tokenAlphabet[n.Int64()])
	}
	return b.String(), nil
}
