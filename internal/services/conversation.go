package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/malena-cloud/panelbot/internal/storage"
)

// ConversationState tags the in-progress authentication flow of a phone.
type ConversationState string

const (
	// StateAwaitingPIN means the bot asked for a PIN and is waiting.
	StateAwaitingPIN ConversationState = "awaiting_pin"
	// StateRateLimited means the panel locked PIN attempts out and the
	// bot is waiting for the lockout to expire.
	StateRateLimited ConversationState = "rate_limited"
)

// cancelKeyword aborts a pending PIN request (case-insensitive).
const cancelKeyword = "cancelar"

// PINValidator exchanges a PIN for a bearer token.
type PINValidator interface {
	ValidatePIN(ctx context.Context, pin string) (string, error)
}

// CommandRunner executes authenticated panel commands.
type CommandRunner interface {
	RebootServer(ctx context.Context, token, server string) (string, error)
}

// entry is the transient conversation record for one phone. It owns at
// most one scheduled timer; replacing the entry must stop that timer.
type entry struct {
	state     ConversationState
	enteredAt time.Time
	timer     *time.Timer
}

// ConversationConfig holds the timing knobs of the state machine
type ConversationConfig struct {
	PINTimeout      time.Duration // inactivity window while awaiting a PIN
	LockoutDuration time.Duration // wait after the panel rate-limits PIN attempts
	SessionTTL      time.Duration // bearer token validity window
}

// ConfigFromEnv reads the timing configuration from the environment,
// falling back to defaults
func ConfigFromEnv() ConversationConfig {
	cfg := ConversationConfig{
		PINTimeout:      5 * time.Minute,
		LockoutDuration: 15 * time.Minute,
		SessionTTL:      24 * time.Hour,
	}

	if v := os.Getenv("PIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PINTimeout = d
		} else {
			log.Printf("⚠️  Invalid PIN_TIMEOUT %q, using default", v)
		}
	}
	if v := os.Getenv("LOCKOUT_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LockoutDuration = d
		} else {
			log.Printf("⚠️  Invalid LOCKOUT_DURATION %q, using default", v)
		}
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionTTL = d
		} else {
			log.Printf("⚠️  Invalid SESSION_TTL %q, using default", v)
		}
	}

	return cfg
}

// ConversationManager drives the per-phone authentication flow: whether
// an inbound message is a PIN attempt, a rate-limited retry, or an
// authenticated command, plus the timers that expire pending flows.
type ConversationManager struct {
	store      storage.Store
	dispatcher *Dispatcher
	auth       PINValidator
	panel      CommandRunner
	cfg        ConversationConfig

	// mu guards entries and locks. Each phone's flow is serialized by
	// its own mutex so slow remote calls for one phone never stall
	// another.
	mu      sync.Mutex
	entries map[string]*entry
	locks   map[string]*sync.Mutex
}

// NewConversationManager creates the state machine over its collaborators
func NewConversationManager(store storage.Store, dispatcher *Dispatcher, auth PINValidator, panel CommandRunner, cfg ConversationConfig) *ConversationManager {
	return &ConversationManager{
		store:      store,
		dispatcher: dispatcher,
		auth:       auth,
		panel:      panel,
		cfg:        cfg,
		entries:    make(map[string]*entry),
		locks:      make(map[string]*sync.Mutex),
	}
}

// HandleMessage processes one normalized inbound (phone, text) event.
func (m *ConversationManager) HandleMessage(phone, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	lock := m.phoneLock(phone)
	lock.Lock()
	defer lock.Unlock()

	log.Printf("📱 Message from %s: %q", phone, text)

	e := m.currentEntry(phone)
	switch {
	case e != nil && e.state == StateRateLimited:
		m.handleRateLimited(phone, e)
	case e != nil && e.state == StateAwaitingPIN:
		m.handlePINAttempt(phone, e, text)
	default:
		m.handleDefault(phone, text)
	}
}

// handleRateLimited replies with the remaining lockout time. When the
// lockout has already lapsed (the timer should have fired but lost the
// race for this phone's lock) it performs the expiry transition inline.
func (m *ConversationManager) handleRateLimited(phone string, e *entry) {
	remaining := e.enteredAt.Add(m.cfg.LockoutDuration).Sub(time.Now())
	if remaining <= 0 {
		m.promptForPIN(phone, "Ya puedes intentarlo de nuevo. Por favor, envía tu PIN de autenticación.")
		return
	}

	m.dispatcher.Send(phone, fmt.Sprintf("⏳ Demasiados intentos fallidos. Espera %s antes de volver a intentarlo.", formatRemaining(remaining)))
}

// handlePINAttempt treats the text as a cancellation keyword or a PIN
// candidate while the inactivity timer keeps counting.
func (m *ConversationManager) handlePINAttempt(phone string, e *entry, text string) {
	if strings.EqualFold(text, cancelKeyword) {
		m.clearEntry(phone)
		m.dispatcher.Send(phone, "👍 Operación cancelada. Escríbeme cuando quieras continuar.")
		return
	}

	token, err := m.auth.ValidatePIN(context.Background(), text)
	switch {
	case err == nil:
		m.clearEntry(phone)
		if err := m.store.UpsertSession(phone, token, time.Now()); err != nil {
			log.Printf("❌ Failed to persist session for %s: %v", phone, err)
			m.dispatcher.Send(phone, "⚠️ Ocurrió un error guardando tu sesión. Por favor, inténtalo de nuevo.")
			return
		}
		m.dispatcher.Send(phone, "✅ ¡Autenticación exitosa! Tu sesión durará 24 horas. Ahora puedes enviar tu comando.")

	case errors.Is(err, ErrRateLimited):
		// Replace the inactivity timer wholesale with the lockout
		// timer; two live timers for one phone must never coexist.
		m.clearEntry(phone)
		m.dispatcher.Send(phone, fmt.Sprintf("🚫 Demasiados intentos fallidos. Espera %s antes de volver a intentarlo.", formatRemaining(m.cfg.LockoutDuration)))
		locked := &entry{state: StateRateLimited, enteredAt: time.Now()}
		locked.timer = time.AfterFunc(m.cfg.LockoutDuration, func() {
			m.lockoutExpired(phone, locked)
		})
		m.setEntry(phone, locked)

	case errors.Is(err, ErrInvalidPIN):
		// The original inactivity deadline stands; wrong guesses must
		// not buy more time.
		log.Printf("❌ Invalid PIN from %s", phone)
		m.dispatcher.Send(phone, "❌ PIN incorrecto. Por favor, inténtalo de nuevo.")

	default:
		log.Printf("❌ PIN validation failed for %s: %v", phone, err)
		m.dispatcher.Send(phone, "⚠️ No se pudo contactar al panel. Por favor, inténtalo de nuevo en unos minutos.")
	}
}

// handleDefault is the no-pending-flow path: route to the command
// handler when a current session exists, otherwise start a PIN request.
func (m *ConversationManager) handleDefault(phone, text string) {
	session, err := m.store.GetSession(phone)
	if err != nil {
		log.Printf("❌ Failed to load session for %s: %v", phone, err)
		m.dispatcher.Send(phone, "⚠️ Ocurrió un error interno. Por favor, inténtalo de nuevo.")
		return
	}

	if session != nil && session.TokenCurrent(time.Now(), m.cfg.SessionTTL) {
		m.handleCommand(phone, session, text)
		return
	}

	if session != nil {
		log.Printf("Token expired for %s, removing session", phone)
		if err := m.store.DeleteSession(phone); err != nil {
			log.Printf("❌ Failed to delete stale session for %s: %v", phone, err)
		}
	}

	m.promptForPIN(phone, "Hola 👋 Para continuar, por favor envía tu PIN de autenticación.")
}

// promptForPIN sends the given prompt and opens a fresh PIN window with
// its inactivity timer. Any previous entry and timer are cleared first.
func (m *ConversationManager) promptForPIN(phone, prompt string) {
	m.clearEntry(phone)

	waiting := &entry{state: StateAwaitingPIN, enteredAt: time.Now()}
	waiting.timer = time.AfterFunc(m.cfg.PINTimeout, func() {
		m.pinWindowExpired(phone, waiting)
	})
	m.setEntry(phone, waiting)

	m.dispatcher.Send(phone, prompt)
}

// pinWindowExpired is the inactivity timer callback. It only acts when
// the captured entry is still the live one in the expected state; any
// mismatch means a concurrent transition won the race.
func (m *ConversationManager) pinWindowExpired(phone string, expected *entry) {
	lock := m.phoneLock(phone)
	lock.Lock()
	defer lock.Unlock()

	current := m.currentEntry(phone)
	if current != expected || current.state != StateAwaitingPIN {
		return
	}

	m.clearEntry(phone)
	log.Printf("⌛ PIN request for %s expired", phone)
	m.dispatcher.Send(phone, "⌛ La solicitud de PIN expiró por inactividad. Escríbeme cuando quieras continuar.")
}

// lockoutExpired is the lockout timer callback. The user still owes a
// PIN, so it reopens the PIN window instead of clearing the flow.
func (m *ConversationManager) lockoutExpired(phone string, expected *entry) {
	lock := m.phoneLock(phone)
	lock.Lock()
	defer lock.Unlock()

	current := m.currentEntry(phone)
	if current != expected || current.state != StateRateLimited {
		return
	}

	log.Printf("🔓 Lockout for %s expired, reopening PIN window", phone)
	m.promptForPIN(phone, "Ya puedes intentarlo de nuevo. Por favor, envía tu PIN de autenticación.")
}

// CancelFlow drops any pending conversation entry and its timer for the
// phone. Safe to call when none exists.
func (m *ConversationManager) CancelFlow(phone string) {
	m.clearEntry(phone)
}

// ActiveConversations returns the number of phones with a pending flow
// (for monitoring).
func (m *ConversationManager) ActiveConversations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// phoneLock returns the serialization mutex for a phone, creating it on
// first use.
func (m *ConversationManager) phoneLock(phone string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, exists := m.locks[phone]
	if !exists {
		lock = &sync.Mutex{}
		m.locks[phone] = lock
	}
	return lock
}

func (m *ConversationManager) currentEntry(phone string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[phone]
}

func (m *ConversationManager) setEntry(phone string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[phone] = e
}

// clearEntry removes the phone's entry, stopping its timer first.
// Stopping an already-fired or already-stopped timer is a no-op.
func (m *ConversationManager) clearEntry(phone string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[phone]
	if !exists {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(m.entries, phone)
}

// formatRemaining renders a duration for user-facing lockout messages.
func formatRemaining(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%d segundos", int(d.Seconds()))
	}
	return fmt.Sprintf("%d minutos", int((d + time.Minute - 1).Minutes()))
}
