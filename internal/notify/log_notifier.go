package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier logs emails instead of sending them. Used when no email API is
// configured.
type LogNotifier struct {
	Log zerolog.Logger
}

// Send logs the envelope of e and reports success.
func (n LogNotifier) Send(_ context.Context, e Email) error {
	n.Log.Info().
		Str("from", e.From).
		Str("to", e.To).
		Str("subject", e.Subject).
		Int("html_len", len(e.HTML)).
		Int("text_len", len(e.Text)).
		Msg("email not sent: no email api configured")
	return nil
}
