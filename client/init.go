package client

import (
	"fmt"

	"github.com/jward/codeintel/internal/protocol"
)

// Database states reported by database-info.
const (
	dbReady          = "ready"
	dbPreloadNeeded  = "preload-needed"
	dbUpgradeNeeded  = "upgrade-needed"
	dbUpgradeBlocked = "upgrade-blocked"
	dbBroken         = "broken"
)

var initLanguageTypes = []string{
	protocol.LangTypeCompletion,
	protocol.LangTypeCitadel,
	protocol.LangTypeXML,
	protocol.LangTypeStdlib,
}

// initialize asks for the language lists, then the completion characters
// of every completion language, then brings the database to ready.
func (m *Manager) initialize(s *session) {
	for _, typ := range initLanguageTypes {
		m.send(s, func(req, resp protocol.Message) {
			m.onLanguages(s, typ, req, resp)
		}, protocol.Message{protocol.KeyCommand: protocol.CmdGetLanguages, "type": typ})
	}
}

func (m *Manager) onLanguages(s *session, typ string, req, resp protocol.Message) {
	if !m.initOK(req, resp) {
		return
	}
	langs := resp.Strings("languages")
	m.mu.Lock()
	m.langs[typ] = langs
	m.mu.Unlock()
	if typ != protocol.LangTypeCompletion {
		return
	}
	if len(langs) == 0 {
		m.checkDB(s, "")
		return
	}
	// Callbacks run one at a time on the dispatch goroutine.
	left := len(langs)
	for _, lang := range langs {
		m.send(s, func(req, resp protocol.Message) {
			if !m.initOK(req, resp) {
				return
			}
			m.mu.Lock()
			m.langInfo[lang] = LangInfo{
				FillupChars: resp.String("completion-fillup-chars"),
				StopChars:   resp.String("completion-stop-chars"),
			}
			m.mu.Unlock()
			if left--; left == 0 {
				m.checkDB(s, "")
			}
		}, protocol.Message{protocol.KeyCommand: protocol.CmdGetLanguageInfo, "language": lang})
	}
}

// initOK reports whether an init response can be used. A failure leaves
// the manager broken; an empty response means the session is gone and the
// next one starts over.
func (m *Manager) initOK(req, resp protocol.Message) bool {
	switch {
	case len(resp) == 0:
		return false
	case !resp.IsFinal():
		return false
	case resp.Bool("abort", false):
		m.setState(StateAborted, "CodeIntel startup was aborted")
		return false
	case !resp.Success():
		m.logger.Error("engine startup request failed", "command", req.Command(), "message", resp.String(protocol.KeyMessage))
		m.setState(StateBroken, fmt.Sprintf("Error starting CodeIntel: %s", resp.String(protocol.KeyMessage)))
		return false
	}
	return true
}

// checkDB asks for the database state. last is the fixing command that
// just ran, "" when none has.
func (m *Manager) checkDB(s *session, last string) {
	m.send(s, func(req, resp protocol.Message) {
		if !m.initOK(req, resp) {
			return
		}
		m.fixupDB(s, last, resp.String("state"), resp.String("state-detail"))
	}, protocol.Message{protocol.KeyCommand: protocol.CmdDatabaseInfo})
}

// fixupDB picks the command that moves the database toward ready. A state
// that the last command should have fixed leaves the manager broken.
func (m *Manager) fixupDB(s *session, last, state, detail string) {
	m.logger.Debug("database state", "state", state, "detail", detail, "after", last)
	switch state {
	case dbReady:
		m.finishInit(s)
	case dbPreloadNeeded:
		if last != "" && last != protocol.CmdDatabaseReset && last != protocol.CmdDatabaseUpgrade {
			m.broken("CodeIntel database is still empty after %s", last)
			return
		}
		m.fixDB(s, protocol.Message{
			protocol.KeyCommand: protocol.CmdDatabasePreload,
			"languages":         m.Languages(protocol.LangTypeStdlib),
		})
	case dbUpgradeNeeded:
		if last != "" {
			m.broken("CodeIntel database still needs an upgrade after %s", last)
			return
		}
		m.fixDB(s, protocol.Message{protocol.KeyCommand: protocol.CmdDatabaseUpgrade})
	case dbUpgradeBlocked, dbBroken:
		if last != "" {
			m.broken("CodeIntel database is %s after %s: %s", state, last, detail)
			return
		}
		if !m.cfg.ResetDBAsNecessary {
			m.broken("CodeIntel database is %s and must be reset: %s", state, detail)
			return
		}
		m.progress("Resetting CodeIntel database")
		m.fixDB(s, protocol.Message{protocol.KeyCommand: protocol.CmdDatabaseReset})
	default:
		m.broken("Unexpected CodeIntel database state %q", state)
	}
}

// fixDB runs a database command, relaying its progress, and checks the
// state again once it finishes, whether or not it succeeded.
func (m *Manager) fixDB(s *session, req protocol.Message) {
	command := req.Command()
	m.send(s, func(_, resp protocol.Message) {
		switch {
		case len(resp) == 0:
			return
		case !resp.IsFinal():
			m.notify(Notification{Kind: NoteProgress, State: m.State(), Message: resp.String(protocol.KeyMessage), Frame: resp})
			return
		case resp.Bool("abort", false):
			m.setState(StateAborted, "CodeIntel database setup was aborted")
			return
		case !resp.Success():
			m.logger.Warn("database command failed", "command", command, "message", resp.String(protocol.KeyMessage))
			m.progress(resp.String(protocol.KeyMessage))
		case resp.String(protocol.KeyMessage) != "":
			m.progress(resp.String(protocol.KeyMessage))
		}
		m.checkDB(s, command)
	}, req)
}

func (m *Manager) broken(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.logger.Error("database cannot be used", "reason", msg)
	m.setState(StateBroken, msg)
}

// finishInit sends the environment and reads the catalogs; the manager is
// ready once the catalogs arrive.
func (m *Manager) finishInit(s *session) {
	m.mu.Lock()
	env, prefs := m.cfg.Env, m.cfg.Prefs
	m.mu.Unlock()
	if env != nil || prefs != nil {
		m.send(s, func(req, resp protocol.Message) {
			if resp.IsFinal() && !resp.Success() {
				m.logger.Warn("set-environment failed", "message", resp.String(protocol.KeyMessage))
			}
		}, environmentRequest(env, prefs))
	}
	m.send(s, func(_, resp protocol.Message) {
		if len(resp) == 0 || !resp.IsFinal() {
			return
		}
		if resp.Success() {
			m.storeCatalogs(resp)
		} else {
			m.logger.Warn("get-available-catalogs failed", "message", resp.String(protocol.KeyMessage))
		}
		m.setState(StateReady, "CodeIntel ready")
	}, protocol.Message{protocol.KeyCommand: protocol.CmdGetAvailableCatalogs})
}
