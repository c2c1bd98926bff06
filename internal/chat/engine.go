package chat

// Engine wires the store, registry, coordinator, reconciler and tool
// lifecycle together with constructor injection. When the embedded database
// cannot be opened the engine degrades to in-memory-only operation instead of
// failing startup; the degradation is invisible to callers.
type Engine struct {
	cfg         Config
	logger      *Logger
	store       DurableStore
	registry    *SessionRegistry
	coordinator *PersistenceCoordinator
	reconciler  *StartupReconciler
	lifecycle   *ToolInvocationLifecycle
	ingestor    *StreamIngestor
}

// NewEngine opens storage, wires the components, and reconciles durable state
// into memory. executor may be nil, in which case the shell executor is used.
func NewEngine(cfg Config, executor ToolExecutor, logger *Logger) (*Engine, error) {
	var store DurableStore
	sqlStore, err := NewSQLiteStore(cfg.StorageRoot, logger)
	if err != nil {
		logger.Error("storage unavailable, degrading to in-memory operation", map[string]interface{}{
			"root":  cfg.StorageRoot,
			"error": err.Error(),
		})
		store = NewMemoryStore()
	} else {
		store = sqlStore
	}

	registry := NewSessionRegistry(cfg, logger)
	reconciler := NewStartupReconciler(store, registry, logger)
	coordinator := NewPersistenceCoordinator(store, registry, reconciler, cfg, logger)
	registry.AttachPersister(coordinator)

	if executor == nil {
		executor = NewShellExecutor(cfg.ToolTimeout(), logger)
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		registry:    registry,
		coordinator: coordinator,
		reconciler:  reconciler,
		lifecycle:   NewToolInvocationLifecycle(registry, executor, logger),
		ingestor:    NewStreamIngestor(registry, cfg.SettleDelay(), logger),
	}
	if err := reconciler.Reconcile(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) Registry() *SessionRegistry           { return e.registry }
func (e *Engine) Coordinator() *PersistenceCoordinator { return e.coordinator }
func (e *Engine) Lifecycle() *ToolInvocationLifecycle  { return e.lifecycle }
func (e *Engine) Ingestor() *StreamIngestor            { return e.ingestor }

// PurgeDeleted hard-removes every tombstoned session from memory and from
// both durable record kinds. This is the only path that discards data.
func (e *Engine) PurgeDeleted() []string {
	purged := e.registry.PurgeTombstones()
	for _, id := range purged {
		if err := e.store.DeleteSession(id); err != nil {
			e.logger.Error("purge failed", map[string]interface{}{
				"session_id": id,
				"error":      err.Error(),
			})
		}
	}
	return purged
}

// Close flushes pending writes and releases the store.
func (e *Engine) Close() error {
	_ = e.coordinator.Close()
	return e.store.Close()
}
