package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/malena-cloud/panelbot/internal/models"
	"github.com/malena-cloud/panelbot/internal/utils"
)

const (
	cmdReboot = "!reiniciar"
	cmdLogout = "!salir"
	cmdHelp   = "!ayuda"

	// suggestionThreshold is the minimum 0..1 similarity before a typo
	// suggestion is offered for an unknown verb.
	suggestionThreshold = 0.7
)

// commandVocabulary is the fixed set of verbs typo suggestions are
// scored against.
var commandVocabulary = []string{cmdReboot, cmdLogout, cmdHelp}

const helpText = `🤖 Comandos disponibles:

!reiniciar <servidor> — reinicia el servidor indicado
!salir — cierra tu sesión
!ayuda — muestra esta ayuda`

// handleCommand interprets an authenticated message: verb plus
// positional arguments, case-insensitive verb matching, typo
// suggestions for unknown verbs. Caller guarantees text is non-empty
// and the session token is current.
func (m *ConversationManager) handleCommand(phone string, session *models.Session, text string) {
	fields := strings.Fields(text)
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	log.Printf("Processing command %q from %s", verb, phone)

	switch verb {
	case cmdReboot:
		m.handleReboot(phone, session, args)

	case cmdLogout:
		m.handleLogout(phone)

	case cmdHelp:
		m.dispatcher.Send(phone, helpText)

	default:
		if suggestion := suggestCommand(verb); suggestion != "" {
			m.dispatcher.Send(phone, fmt.Sprintf("🤔 No reconozco %q. ¿Quisiste decir %s?", verb, suggestion))
			return
		}
		m.dispatcher.Send(phone, "🤔 No reconozco ese comando. Envía !ayuda para ver los comandos disponibles.")
	}
}

// handleReboot validates the hostname argument and relays the reboot to
// the panel. A 401/403 from the panel invalidates the cached session.
func (m *ConversationManager) handleReboot(phone string, session *models.Session, args []string) {
	if len(args) != 1 {
		m.dispatcher.Send(phone, "ℹ️ Uso: !reiniciar <servidor>")
		return
	}
	server := args[0]

	message, err := m.panel.RebootServer(context.Background(), session.Token, server)
	switch {
	case errors.Is(err, ErrUnauthorized):
		// The panel revoked the token; drop both the session and any
		// transient flow, then start over.
		log.Printf("Token for %s rejected by panel, clearing session", phone)
		if err := m.store.DeleteSession(phone); err != nil {
			log.Printf("❌ Failed to delete session for %s: %v", phone, err)
		}
		m.promptForPIN(phone, "🔒 Tu sesión expiró en el panel. Por favor, envía tu PIN de autenticación.")

	case err != nil:
		log.Printf("❌ Reboot of %s for %s failed: %v", server, phone, err)
		m.dispatcher.Send(phone, fmt.Sprintf("⚠️ No se pudo reiniciar %s. Inténtalo de nuevo en unos minutos.", server))

	default:
		reply := fmt.Sprintf("✅ Reinicio de %s solicitado.", server)
		if message != "" {
			reply += " " + message
		}
		m.dispatcher.Send(phone, reply)
	}
}

// handleLogout deletes the session and drops any pending flow. Both
// operations are idempotent, so a logout with nothing to clean is fine.
func (m *ConversationManager) handleLogout(phone string) {
	if err := m.store.DeleteSession(phone); err != nil {
		log.Printf("❌ Failed to delete session for %s: %v", phone, err)
		m.dispatcher.Send(phone, "⚠️ Ocurrió un error cerrando tu sesión. Por favor, inténtalo de nuevo.")
		return
	}
	m.clearEntry(phone)
	m.dispatcher.Send(phone, "👋 Sesión cerrada. Escríbeme cuando quieras volver a entrar.")
}

// suggestCommand returns the closest vocabulary verb when its
// similarity to the unknown verb exceeds the threshold, or "" when
// nothing is close enough.
func suggestCommand(unknown string) string {
	bestVerb := ""
	bestScore := suggestionThreshold

	for _, verb := range commandVocabulary {
		score := utils.Similarity(unknown, verb)
		if score > bestScore {
			bestScore = score
			bestVerb = verb
		}
	}

	return bestVerb
}
