// Package channel defines the notification channel contract, the channel
// configuration union and the registry of senders by kind.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type Kind string

const (
	KindEmail    Kind = "email"
	KindWebhook  Kind = "webhook"
	KindTelegram Kind = "telegram"
)

// Message is a rendered notification, ready for any channel.
type Message struct {
	TaskID   string
	Subject  string
	Text     string
	Markdown string
	HTML     string
	FiredAt  time.Time
}

// Sender delivers a message through one channel kind. A nil error means the
// message was delivered. Errors wrapped with Permanent are not retried.
type Sender interface {
	Kind() Kind
	Send(ctx context.Context, msg Message, cfg Config) error
}

var ErrNotConfigured = errors.New("channel not configured")

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

type Registry struct {
	mu      sync.RWMutex
	senders map[Kind]Sender
}

func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[Kind]Sender)}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	r.senders[s.Kind()] = s
	r.mu.Unlock()
}

func (r *Registry) Get(k Kind) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[k]
	return s, ok
}
