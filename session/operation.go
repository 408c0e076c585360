// Package session owns identity authorization: one operation per
// provider-linked inbox drives it from not-ready to ready exactly once, and
// the manager keeps the set of operations in step with the identity
// provider's state stream.
package session

import (
	"context"
	"sync"

	"github.com/perch-im/go-perch/config"
	"github.com/perch-im/go-perch/internal/db"
	"github.com/perch-im/go-perch/protocol"
	"github.com/perch-im/go-perch/store"
	"go.uber.org/zap"
)

// The bundle of handles produced once an inbox finishes authorizing.
// Immutable once published; shared freely across tasks.
type ReadyResult struct {
	Client protocol.Client
	API    protocol.APIClient
	Inbox  protocol.Inbox
}

type outcome struct {
	result *ReadyResult
	err    error
}

// readyBroadcast publishes one outcome and replays it to subscribers that
// arrive after publication. Once closed, publication becomes a no-op so a
// stopped operation can never emit a late ready.
type readyBroadcast struct {
	lock      sync.Mutex
	published *outcome
	closed    bool
	subs      []chan outcome
}

func (b *readyBroadcast) subscribe() <-chan outcome {
	b.lock.Lock()
	defer b.lock.Unlock()
	ch := make(chan outcome, 1)
	if b.published != nil {
		ch <- *b.published
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *readyBroadcast) publish(o outcome) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed || b.published != nil {
		return
	}
	b.published = &o
	for _, ch := range b.subs {
		ch <- o
	}
	b.subs = nil
}

func (b *readyBroadcast) close() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

type operation struct {
	log     *zap.SugaredLogger
	config  *config.Config
	db      *db.Database
	store   *store.Manager
	builder protocol.ClientBuilder
	inbox   protocol.Inbox
	ready   *readyBroadcast

	startOnce  sync.Once
	stopOnce   sync.Once
	cancelFunc context.CancelFunc
	ctx        context.Context
	finished   sync.WaitGroup
}

func newOperation(c *config.Config, d *db.Database, s *store.Manager, builder protocol.ClientBuilder, inbox protocol.Inbox) *operation {
	ctx, cancelFunc := context.WithCancel(context.Background())
	return &operation{
		log:        c.Logger("session/operation"),
		config:     c,
		db:         d,
		store:      s,
		builder:    builder,
		inbox:      inbox,
		ready:      &readyBroadcast{},
		ctx:        ctx,
		cancelFunc: cancelFunc,
	}
}

// authorize begins or resumes authorization of an already-registered
// identity. No-op if already authorizing or ready.
func (o *operation) authorize() {
	o.start("")
}

// register authorizes a brand-new identity, additionally persisting its
// display name once ready.
func (o *operation) register(displayName string) {
	o.start(displayName)
}

func (o *operation) start(displayName string) {
	o.startOnce.Do(func() {
		o.finished.Add(1)
		go func() {
			defer o.finished.Done()
			client, api, err := o.builder.Build(o.ctx, o.inbox)
			if o.ctx.Err() != nil {
				// stopped while in flight, abandon silently
				return
			}
			if err != nil {
				o.log.Warnf("authorization failed for inbox %s: %v", o.inbox.InboxID, err)
				o.ready.publish(outcome{err: err})
				return
			}
			inbox := o.inbox
			if displayName != "" {
				inbox.DisplayName = displayName
			}
			if err := o.db.Run("persist authorized inbox", func() error {
				return o.store.SaveInbox(&store.InboxRow{
					InboxID:     inbox.InboxID,
					ProviderID:  inbox.ProviderID,
					Kind:        int(inbox.Kind),
					DisplayName: inbox.DisplayName,
				})
			}); err != nil {
				o.ready.publish(outcome{err: err})
				return
			}
			o.log.Debugf("inbox %s ready", inbox.InboxID)
			o.ready.publish(outcome{result: &ReadyResult{Client: client, API: api, Inbox: inbox}})
		}()
	})
}

// publishExisting is used when the handles were produced before the
// operation existed (account addition registers first, then tracks).
func (o *operation) publishExisting(result *ReadyResult) {
	o.startOnce.Do(func() {})
	o.ready.publish(outcome{result: result})
}

// stop cancels in-flight work without destroying persisted identity data.
func (o *operation) stop() {
	o.stopOnce.Do(func() {
		o.ready.close()
		o.cancelFunc()
		o.finished.Wait()
	})
}

// deleteAndStop stops, then irreversibly removes the identity's persisted
// credentials and local row.
func (o *operation) deleteAndStop(ctx context.Context) error {
	o.stop()
	if err := o.builder.DeleteIdentity(ctx, o.inbox); err != nil {
		return err
	}
	return o.db.Run("delete inbox", func() error {
		return o.store.DeleteInbox(o.inbox.InboxID)
	})
}
