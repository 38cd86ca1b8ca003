package recovery

import (
	"go.uber.org/zap"

	"github.com/avreli/modelhost/pkg/session"
)

// Reconciler transitions dangling sessions to cancelled at startup. It must
// run before the first new session starts, so the presentation layer never
// shows an in-progress indicator for work that will never resume.
type Reconciler struct {
	store *Store
	bus   *session.EventBus
	log   *zap.Logger
}

// NewReconciler creates a Reconciler publishing on the given bus.
func NewReconciler(store *Store, bus *session.EventBus, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{store: store, bus: bus, log: log}
}

// Run reconciles every dangling marker: the interrupted session is reported
// as cancelled and its marker cleared. Returns the number of sessions
// reconciled. Idempotent: with no dangling markers it does nothing.
// A dangling marker is expected state after an abrupt termination, never an
// error surfaced to the user.
func (r *Reconciler) Run() (int, error) {
	records, err := r.store.Dangling()
	if err != nil {
		return 0, err
	}

	for _, rec := range records {
		r.bus.Publish(session.Event{
			Kind:      session.EventSessionStatus,
			SessionID: rec.SessionID,
			Status:    session.StatusCancelled,
		})
		if err := r.store.Clear(rec.SessionID); err != nil {
			return 0, err
		}
		r.log.Info("reconciled interrupted session",
			zap.String("session", rec.SessionID),
			zap.Time("started_at", rec.StartedAt))
	}

	return len(records), nil
}
