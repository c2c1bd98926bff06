package chat

// StartupReconciler loads durable state into the registry at boot and after a
// snapshot import. It resolves the empty-store/empty-registry ambiguity
// without ever clobbering a registry some other in-process path already
// populated, and it never leaves the application with zero sessions.
type StartupReconciler struct {
	store    DurableStore
	registry *SessionRegistry
	logger   *Logger
}

func NewStartupReconciler(store DurableStore, registry *SessionRegistry, logger *Logger) *StartupReconciler {
	return &StartupReconciler{store: store, registry: registry, logger: logger}
}

// Reconcile runs the one-shot restore procedure:
//
//  1. Load all sessions, tombstones excluded.
//  2. Empty store and empty registry: synthesize one default session.
//  3. Empty store, populated registry: leave the registry alone.
//  4. Otherwise replace the registry wholesale, install each session's
//     messages, and run the full switch procedure on the session with the
//     greatest LastActiveAt.
//
// Any store failure falls back to synthesizing a default session.
func (r *StartupReconciler) Reconcile() error {
	stored, err := r.store.ListSessions()
	if err != nil {
		r.logger.Error("session load failed, falling back to default session", map[string]interface{}{
			"error": err.Error(),
		})
		r.ensureDefaultSession()
		return nil
	}

	sessions := make([]Session, 0, len(stored))
	for _, sess := range stored {
		if sess.Status == SessionDeleted {
			continue
		}
		sessions = append(sessions, sess)
	}

	if len(sessions) == 0 {
		if r.registry.Empty() {
			r.ensureDefaultSession()
		}
		return nil
	}

	messages := make(map[string][]Message, len(sessions))
	for _, sess := range sessions {
		msgs, err := r.store.LoadMessages(sess.ID)
		if err != nil {
			r.logger.Error("message load failed, falling back to default session", map[string]interface{}{
				"session_id": sess.ID,
				"error":      err.Error(),
			})
			r.ensureDefaultSession()
			return nil
		}
		messages[sess.ID] = msgs
	}

	r.registry.ReplaceAll(sessions, messages)

	mostRecent := sessions[0]
	for _, sess := range sessions[1:] {
		if sess.LastActiveAt.After(mostRecent.LastActiveAt) {
			mostRecent = sess
		}
	}
	// Full switch, not just setting the id, so dependent buffers and the
	// unread flag are handled the same way a user-driven switch would.
	r.registry.SwitchTo(mostRecent.ID)
	return nil
}

func (r *StartupReconciler) ensureDefaultSession() {
	if !r.registry.Empty() {
		return
	}
	sess := r.registry.Create(nil)
	r.logger.Info("synthesized default session", map[string]interface{}{"session_id": sess.ID})
}
