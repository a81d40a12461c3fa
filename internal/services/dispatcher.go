package services

import (
	"log"
	"sync"
)

// Dispatcher delivers outbound messages best-effort: a failed send is
// logged and swallowed so a flaky transport can never break a
// conversation flow. The last error is kept for inspection.
type Dispatcher struct {
	messenger Messenger

	mu      sync.Mutex
	lastErr error
}

// NewDispatcher creates a dispatcher over the given transport
func NewDispatcher(messenger Messenger) *Dispatcher {
	return &Dispatcher{messenger: messenger}
}

// Send delivers a text to a phone number. Failures are logged, never
// returned.
func (d *Dispatcher) Send(to, text string) {
	log.Printf("📤 Sending to %s: %q", to, text)

	err := d.messenger.SendText(to, text)

	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()

	if err != nil {
		log.Printf("❌ Failed to send message to %s: %v", to, err)
	}
}

// LastError returns the result of the most recent send attempt.
func (d *Dispatcher) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}
