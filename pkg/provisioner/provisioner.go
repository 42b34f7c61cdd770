package provisioner

import (
	"context"
	"fmt"
	"time"

	"github.com/ovs-container-lab/mirror-provisioner/pkg/store"
	"github.com/ovs-container-lab/mirror-provisioner/pkg/types"
	"github.com/sirupsen/logrus"
)

// Runtime is the switch control-plane handle the provisioner pushes entries
// into. Push has create-or-overwrite semantics; CompleteOperations blocks
// until the control plane has acknowledged every earlier push.
type Runtime interface {
	Name() string
	Push(ctx context.Context, entry types.MirrorEntry) error
	CompleteOperations(ctx context.Context) error
	Get(ctx context.Context, sid uint16) (*types.MirrorEntry, error)
	Delete(ctx context.Context, sid uint16) error
}

// Provisioner installs mirror sessions through an injected runtime
type Provisioner struct {
	runtime Runtime
	store   *store.Store
	logger  *logrus.Logger
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Provisioner
type Option func(*Provisioner)

// WithStore records applied sessions in s
func WithStore(s *store.Store) Option {
	return func(p *Provisioner) {
		p.store = s
	}
}

// WithLogger replaces the default logger
func WithLogger(logger *logrus.Logger) Option {
	return func(p *Provisioner) {
		p.logger = logger
	}
}

// WithCompletionTimeout bounds each CompleteOperations wait
func WithCompletionTimeout(d time.Duration) Option {
	return func(p *Provisioner) {
		p.timeout = d
	}
}

// New creates a provisioner bound to rt
func New(rt Runtime, opts ...Option) *Provisioner {
	logger := logrus.New()
	logger.SetLevel(logrus.GetLevel())

	p := &Provisioner{
		runtime: rt,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision validates the session, pushes its table entry and waits for the
// runtime to complete the operation.
func (p *Provisioner) Provision(ctx context.Context, session types.MirrorSession) (types.MirrorEntry, error) {
	if err := session.Validate(); err != nil {
		return types.MirrorEntry{}, err
	}

	entry := types.NewNormalEntry(session)
	log := p.logger.WithFields(logrus.Fields{
		"runtime":   p.runtime.Name(),
		"sid":       entry.SID,
		"direction": entry.Direction,
		"port":      entry.UcastEgressPort,
	})

	log.Debug("Pushing mirror session entry")
	if err := p.runtime.Push(ctx, entry); err != nil {
		return types.MirrorEntry{}, fmt.Errorf("failed to push mirror session %d: %w", entry.SID, err)
	}

	if err := p.complete(ctx); err != nil {
		return types.MirrorEntry{}, fmt.Errorf("failed to complete mirror session %d: %w", entry.SID, err)
	}
	log.Info("Mirror session configured")

	p.record(entry)
	return entry, nil
}

// ProvisionAll provisions sessions in order and stops at the first failure
func (p *Provisioner) ProvisionAll(ctx context.Context, sessions []types.MirrorSession) ([]types.MirrorEntry, error) {
	entries := make([]types.MirrorEntry, 0, len(sessions))
	for _, s := range sessions {
		entry, err := p.Provision(ctx, s)
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Show reads a session back from the runtime
func (p *Provisioner) Show(ctx context.Context, sid uint16) (*types.MirrorEntry, error) {
	entry, err := p.runtime.Get(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("failed to read mirror session %d: %w", sid, err)
	}
	return entry, nil
}

// Remove deletes a session from the runtime and forgets its local record
func (p *Provisioner) Remove(ctx context.Context, sid uint16) error {
	if err := p.runtime.Delete(ctx, sid); err != nil {
		return fmt.Errorf("failed to delete mirror session %d: %w", sid, err)
	}
	if err := p.complete(ctx); err != nil {
		return fmt.Errorf("failed to complete deletion of mirror session %d: %w", sid, err)
	}
	p.logger.WithField("sid", sid).Info("Mirror session deleted")

	if p.store != nil {
		if err := p.store.DeleteSession(sid); err != nil {
			p.logger.WithError(err).Warnf("Failed to forget mirror session %d", sid)
		}
	}
	return nil
}

func (p *Provisioner) complete(ctx context.Context) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.runtime.CompleteOperations(ctx)
}

// record saves the applied entry; the device is already configured, so a
// store failure is only logged
func (p *Provisioner) record(entry types.MirrorEntry) {
	if p.store == nil {
		return
	}
	info := &store.SessionInfo{
		Backend:   p.runtime.Name(),
		Entry:     entry,
		AppliedAt: p.now().UTC(),
	}
	if err := p.store.SaveSession(info); err != nil {
		p.logger.WithError(err).Warnf("Failed to record mirror session %d", entry.SID)
	}
}
