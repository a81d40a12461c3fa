package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malena-cloud/panelbot/internal/storage"
)

const testPhone = "5491122334455"

// fakeMessenger records every outbound text.
type fakeMessenger struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeMessenger) SendText(to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return f.err
}

func (f *fakeMessenger) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeMessenger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// waitForCount polls until at least n messages were sent.
func (f *fakeMessenger) waitForCount(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %d: %v", n, f.count(), f.texts())
}

func (f *fakeMessenger) containsText(substr string) bool {
	for _, text := range f.texts() {
		if strings.Contains(text, substr) {
			return true
		}
	}
	return false
}

// fakeAuth accepts one configured PIN and optionally forces an error.
type fakeAuth struct {
	mu       sync.Mutex
	validPIN string
	token    string
	err      error
	calls    int
}

func (f *fakeAuth) ValidatePIN(_ context.Context, pin string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if pin == f.validPIN {
		return f.token, nil
	}
	return "", ErrInvalidPIN
}

func (f *fakeAuth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type rebootCall struct {
	token  string
	server string
}

// fakePanel records reboot calls and optionally forces an error.
type fakePanel struct {
	mu      sync.Mutex
	calls   []rebootCall
	message string
	err     error
}

func (f *fakePanel) RebootServer(_ context.Context, token, server string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rebootCall{token: token, server: server})
	if f.err != nil {
		return "", f.err
	}
	return f.message, nil
}

func (f *fakePanel) rebootCalls() []rebootCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rebootCall(nil), f.calls...)
}

func newTestManager(cfg ConversationConfig) (*ConversationManager, *storage.MemoryStore, *fakeMessenger, *fakeAuth, *fakePanel) {
	store := storage.NewMemoryStore()
	messenger := &fakeMessenger{}
	auth := &fakeAuth{validPIN: "1234", token: "tok-123"}
	panel := &fakePanel{message: "rebooting"}
	manager := NewConversationManager(store, NewDispatcher(messenger), auth, panel, cfg)
	return manager, store, messenger, auth, panel
}

func testConfig() ConversationConfig {
	return ConversationConfig{
		PINTimeout:      300 * time.Millisecond,
		LockoutDuration: 400 * time.Millisecond,
		SessionTTL:      24 * time.Hour,
	}
}

func TestFirstMessagePromptsForPIN(t *testing.T) {
	manager, _, messenger, _, _ := newTestManager(testConfig())

	manager.HandleMessage(testPhone, "hola")

	require.Equal(t, 1, messenger.count())
	assert.Contains(t, messenger.texts()[0], "PIN")
	assert.Equal(t, 1, manager.ActiveConversations())
	assert.Equal(t, StateAwaitingPIN, manager.currentEntry(testPhone).state)
}

func TestEmptyMessageIsIgnored(t *testing.T) {
	manager, _, messenger, _, _ := newTestManager(testConfig())

	manager.HandleMessage(testPhone, "   ")

	assert.Equal(t, 0, messenger.count())
	assert.Equal(t, 0, manager.ActiveConversations())
}

func TestSuccessfulAuthentication(t *testing.T) {
	manager, store, messenger, _, _ := newTestManager(testConfig())

	before := time.Now()
	manager.HandleMessage(testPhone, "hola")
	manager.HandleMessage(testPhone, "1234")

	// Entry removed, session upserted with a current timestamp,
	// success message sent, in that order.
	assert.Equal(t, 0, manager.ActiveConversations())

	session, err := store.GetSession(testPhone)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "tok-123", session.Token)
	assert.False(t, session.IssuedAt.Before(before))

	texts := messenger.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[1], "exitosa")

	// The canceled inactivity timer must never fire.
	time.Sleep(testConfig().PINTimeout + 150*time.Millisecond)
	assert.Equal(t, 2, messenger.count())
	assert.False(t, messenger.containsText("expiró"))
}

func TestCancellationKeyword(t *testing.T) {
	manager, store, messenger, auth, _ := newTestManager(testConfig())

	manager.HandleMessage(testPhone, "hola")
	manager.HandleMessage(testPhone, "CANCELAR")

	assert.Equal(t, 0, manager.ActiveConversations())
	assert.Equal(t, 0, auth.callCount())
	assert.Contains(t, messenger.texts()[1], "cancelada")

	session, err := store.GetSession(testPhone)
	require.NoError(t, err)
	assert.Nil(t, session)

	// Original fire time elapses with no callback.
	time.Sleep(testConfig().PINTimeout + 150*time.Millisecond)
	assert.Equal(t, 2, messenger.count())
}

func TestInactivityExpiry(t *testing.T) {
	manager, _, messenger, _, _ := newTestManager(testConfig())

	manager.HandleMessage(testPhone, "hola")
	messenger.waitForCount(t, 2)

	assert.Contains(t, messenger.texts()[1], "expiró")
	assert.Equal(t, 0, manager.ActiveConversations())
}

func TestFailedAttemptsDoNotExtendDeadline(t *testing.T) {
	manager, _, messenger, _, _ := newTestManager(testConfig())

	start := time.Now()
	manager.HandleMessage(testPhone, "hola") // prompt, deadline at +300ms

	time.Sleep(100 * time.Millisecond)
	manager.HandleMessage(testPhone, "9999") // wrong PIN
	time.Sleep(100 * time.Millisecond)
	manager.HandleMessage(testPhone, "8888") // wrong PIN again

	assert.Contains(t, messenger.texts()[1], "incorrecto")
	assert.Contains(t, messenger.texts()[2], "incorrecto")
	assert.Equal(t, 1, manager.ActiveConversations())

	// At +450ms the original deadline has passed; a deadline reset by
	// the second attempt would not fire until +500ms.
	time.Sleep(time.Until(start.Add(450 * time.Millisecond)))
	assert.True(t, messenger.containsText("expiró"))
	assert.Equal(t, 0, manager.ActiveConversations())
}

func TestRateLimitLockout(t *testing.T) {
	manager, _, messenger, auth, _ := newTestManager(testConfig())

	manager.HandleMessage(testPhone, "hola")
	auth.mu.Lock()
	auth.err = ErrRateLimited
	auth.mu.Unlock()

	manager.HandleMessage(testPhone, "1234")
	assert.Equal(t, StateRateLimited, manager.currentEntry(testPhone).state)
	assert.Contains(t, messenger.texts()[1], "Demasiados intentos")

	// Inside the lockout window: remaining-time reply, no PIN attempt.
	manager.HandleMessage(testPhone, "1234")
	assert.Equal(t, 1, auth.callCount())
	assert.Contains(t, messenger.texts()[2], "Espera")
	assert.Equal(t, StateRateLimited, manager.currentEntry(testPhone).state)

	// After lockout expiry the bot re-prompts; the user still owes a PIN.
	messenger.waitForCount(t, 4)
	assert.Contains(t, messenger.texts()[3], "PIN")
	require.NotNil(t, manager.currentEntry(testPhone))
	assert.Equal(t, StateAwaitingPIN, manager.currentEntry(testPhone).state)

	// And the reopened window accepts a valid PIN.
	auth.mu.Lock()
	auth.err = nil
	auth.mu.Unlock()
	manager.HandleMessage(testPhone, "1234")
	assert.Equal(t, 0, manager.ActiveConversations())
	assert.Contains(t, messenger.texts()[4], "exitosa")
}

func TestLapsedLockoutHandledInline(t *testing.T) {
	// A message can observe a lockout whose timer should have fired but
	// hasn't run yet; the transition happens inline.
	manager, _, messenger, _, _ := newTestManager(testConfig())

	manager.setEntry(testPhone, &entry{
		state:     StateRateLimited,
		enteredAt: time.Now().Add(-testConfig().LockoutDuration - time.Second),
	})

	manager.HandleMessage(testPhone, "hola")

	require.Equal(t, 1, messenger.count())
	assert.Contains(t, messenger.texts()[0], "PIN")
	assert.Equal(t, StateAwaitingPIN, manager.currentEntry(testPhone).state)
}

func TestStaleTimerCallbacksNoop(t *testing.T) {
	manager, _, messenger, _, _ := newTestManager(testConfig())

	manager.HandleMessage(testPhone, "hola")
	captured := manager.currentEntry(testPhone)
	require.NotNil(t, captured)

	// The entry is replaced before the captured callbacks run.
	manager.clearEntry(testPhone)

	manager.pinWindowExpired(testPhone, captured)
	manager.lockoutExpired(testPhone, captured)

	assert.Equal(t, 1, messenger.count())
	assert.Equal(t, 0, manager.ActiveConversations())
}

func TestRebootCommand(t *testing.T) {
	cfg := testConfig()

	t.Run("missing argument sends usage without a remote call", func(t *testing.T) {
		manager, store, messenger, _, panel := newTestManager(cfg)
		require.NoError(t, store.UpsertSession(testPhone, "tok-123", time.Now()))

		manager.HandleMessage(testPhone, "!reiniciar")

		assert.Empty(t, panel.rebootCalls())
		assert.Contains(t, messenger.texts()[0], "Uso")
	})

	t.Run("valid command issues exactly one call", func(t *testing.T) {
		manager, store, messenger, _, panel := newTestManager(cfg)
		require.NoError(t, store.UpsertSession(testPhone, "tok-123", time.Now()))

		manager.HandleMessage(testPhone, "!reiniciar host1")

		calls := panel.rebootCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, rebootCall{token: "tok-123", server: "host1"}, calls[0])
		assert.Contains(t, messenger.texts()[0], "host1")
	})

	t.Run("verb matching is case-insensitive", func(t *testing.T) {
		manager, store, _, _, panel := newTestManager(cfg)
		require.NoError(t, store.UpsertSession(testPhone, "tok-123", time.Now()))

		manager.HandleMessage(testPhone, "!REINICIAR host1")

		require.Len(t, panel.rebootCalls(), 1)
	})

	t.Run("panel failure is reported without touching state", func(t *testing.T) {
		manager, store, messenger, _, panel := newTestManager(cfg)
		require.NoError(t, store.UpsertSession(testPhone, "tok-123", time.Now()))
		panel.err = fmt.Errorf("panel exploded")

		manager.HandleMessage(testPhone, "!reiniciar host1")

		assert.Contains(t, messenger.texts()[0], "No se pudo")
		session, err := store.GetSession(testPhone)
		require.NoError(t, err)
		assert.NotNil(t, session)
		assert.Equal(t, 0, manager.ActiveConversations())
	})
}

func TestUnauthorizedCommandClearsSession(t *testing.T) {
	manager, store, messenger, _, panel := newTestManager(testConfig())
	require.NoError(t, store.UpsertSession(testPhone, "stale", time.Now()))
	panel.err = ErrUnauthorized

	manager.HandleMessage(testPhone, "!reiniciar host1")

	session, err := store.GetSession(testPhone)
	require.NoError(t, err)
	assert.Nil(t, session)

	// Both session and transient flow reset, then re-prompted.
	require.NotNil(t, manager.currentEntry(testPhone))
	assert.Equal(t, StateAwaitingPIN, manager.currentEntry(testPhone).state)
	assert.Contains(t, messenger.texts()[0], "PIN")
}

func TestExpiredSessionPromptsAgain(t *testing.T) {
	manager, store, messenger, _, panel := newTestManager(testConfig())
	require.NoError(t, store.UpsertSession(testPhone, "old", time.Now().Add(-25*time.Hour)))

	manager.HandleMessage(testPhone, "!reiniciar host1")

	// The stale session is deleted before prompting; no command runs.
	assert.Empty(t, panel.rebootCalls())
	session, err := store.GetSession(testPhone)
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.Contains(t, messenger.texts()[0], "PIN")
	assert.Equal(t, StateAwaitingPIN, manager.currentEntry(testPhone).state)
}

func TestSessionBoundaryIsExpired(t *testing.T) {
	cfg := testConfig()
	manager, store, _, _, panel := newTestManager(cfg)
	require.NoError(t, store.UpsertSession(testPhone, "tok", time.Now().Add(-cfg.SessionTTL)))

	manager.HandleMessage(testPhone, "!reiniciar host1")

	assert.Empty(t, panel.rebootCalls())
	assert.Equal(t, StateAwaitingPIN, manager.currentEntry(testPhone).state)
}

func TestLogout(t *testing.T) {
	t.Run("deletes the session", func(t *testing.T) {
		manager, store, messenger, _, _ := newTestManager(testConfig())
		require.NoError(t, store.UpsertSession(testPhone, "tok-123", time.Now()))

		manager.HandleMessage(testPhone, "!salir")

		session, err := store.GetSession(testPhone)
		require.NoError(t, err)
		assert.Nil(t, session)
		assert.Equal(t, 0, manager.ActiveConversations())
		assert.Contains(t, messenger.texts()[0], "cerrada")
	})

	t.Run("is idempotent with nothing pending", func(t *testing.T) {
		manager, store, _, _, _ := newTestManager(testConfig())
		require.NoError(t, store.UpsertSession(testPhone, "tok-123", time.Now()))

		manager.HandleMessage(testPhone, "!salir")
		// No session and no entry left; CancelFlow still safe.
		manager.CancelFlow(testPhone)

		session, err := store.GetSession(testPhone)
		require.NoError(t, err)
		assert.Nil(t, session)
	})
}

func TestUnknownCommandSuggestions(t *testing.T) {
	cfg := testConfig()

	t.Run("close typo gets a suggestion", func(t *testing.T) {
		manager, store, messenger, _, panel := newTestManager(cfg)
		require.NoError(t, store.UpsertSession(testPhone, "tok-123", time.Now()))

		manager.HandleMessage(testPhone, "!reinicar host1")

		assert.Empty(t, panel.rebootCalls())
		assert.Contains(t, messenger.texts()[0], "!reiniciar")
	})

	t.Run("gibberish gets the generic reply", func(t *testing.T) {
		manager, store, messenger, _, _ := newTestManager(cfg)
		require.NoError(t, store.UpsertSession(testPhone, "tok-123", time.Now()))

		manager.HandleMessage(testPhone, "zzzzqq")

		assert.Contains(t, messenger.texts()[0], "!ayuda")
		assert.NotContains(t, messenger.texts()[0], "Quisiste")
	})
}

func TestHelpCommand(t *testing.T) {
	manager, store, messenger, _, _ := newTestManager(testConfig())
	require.NoError(t, store.UpsertSession(testPhone, "tok-123", time.Now()))

	manager.HandleMessage(testPhone, "!ayuda")

	assert.Contains(t, messenger.texts()[0], "!reiniciar")
	assert.Contains(t, messenger.texts()[0], "!salir")
}

func TestConcurrentMessagesKeepOneEntryPerPhone(t *testing.T) {
	manager, _, messenger, _, _ := newTestManager(ConversationConfig{
		PINTimeout:      250 * time.Millisecond,
		LockoutDuration: time.Second,
		SessionTTL:      24 * time.Hour,
	})

	phones := []string{"5491100000001", "5491100000002", "5491100000003"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, phone := range phones {
			wg.Add(1)
			go func(phone string) {
				defer wg.Done()
				manager.HandleMessage(phone, "hola")
			}(phone)
		}
	}
	wg.Wait()

	// One entry per phone, however the messages interleaved.
	assert.Equal(t, len(phones), manager.ActiveConversations())
	for _, phone := range phones {
		require.NotNil(t, manager.currentEntry(phone))
	}

	// One live timer per phone: exactly one expiry notice each.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 0, manager.ActiveConversations())

	expiries := 0
	for _, text := range messenger.texts() {
		if strings.Contains(text, "expiró") {
			expiries++
		}
	}
	assert.Equal(t, len(phones), expiries)
}
