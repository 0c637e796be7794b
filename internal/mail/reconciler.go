package mail

import (
	"context"
	"errors"

	"github.com/stickaround/entitysync/internal/sync"
)

// Reconciler runs the full two-phase mailbox pass for one collection:
// import first so remote edits land before local state is pushed back
// out. It satisfies the scheduler's reconciler contract.
type Reconciler struct {
	collection *sync.Collection
	receiver   *ReceiverService
	sender     *SenderService
}

// ReconcilerConfig configures a mailbox Reconciler.
type ReconcilerConfig struct {
	Collection *sync.Collection
	Receiver   *ReceiverService
	Sender     *SenderService
}

// NewReconciler validates the configuration and builds a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Collection == nil || cfg.Collection.ID() == "" {
		return nil, newServiceError(opReceive, reasonMissingCollection, errors.New("persisted collection is required"))
	}
	if cfg.Receiver == nil || cfg.Sender == nil {
		return nil, newServiceError(opReceive, reasonMissingMailbox, errors.New("receiver and sender are required"))
	}
	return &Reconciler{collection: cfg.Collection, receiver: cfg.Receiver, sender: cfg.Sender}, nil
}

// CollectionID names the collection the reconciler serves.
func (r *Reconciler) CollectionID() string {
	return r.collection.ID()
}

// Reconcile runs one import then one export pass.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	if _, err := r.receiver.Receive(ctx, r.collection); err != nil {
		return err
	}
	_, err := r.sender.Send(ctx, r.collection)
	return err
}
