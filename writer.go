package perch

import (
	"context"
	"errors"
	"fmt"

	"github.com/perch-im/go-perch/clock"
	"github.com/perch-im/go-perch/ids"
	"github.com/perch-im/go-perch/internal/db"
	"github.com/perch-im/go-perch/protocol"
	"github.com/perch-im/go-perch/store"
	"go.uber.org/zap"
)

var errWriterClosed = errors.New("perch: message writer is closed")

// MessageWriter sends outgoing messages for one confirmed conversation. A
// message is persisted as unpublished first, sent, then marked published, so
// an interrupted send survives restarts as a resendable row. Closing the
// writer is the first step of conversation teardown: no new sends can be
// queued against a conversation being torn down.
type MessageWriter struct {
	log     *zap.SugaredLogger
	db      *db.Database
	store   *store.Manager
	clock   clock.Clock
	remote  protocol.RemoteConversation
	inboxID string
	done    chan struct{}
}

func newMessageWriter(log *zap.SugaredLogger, d *db.Database, s *store.Manager, cl clock.Clock, remote protocol.RemoteConversation, inboxID string) *MessageWriter {
	return &MessageWriter{
		log:     log,
		db:      d,
		store:   s,
		clock:   cl,
		remote:  remote,
		inboxID: inboxID,
		done:    make(chan struct{}),
	}
}

func (w *MessageWriter) ConversationID() string {
	return w.remote.ID()
}

func (w *MessageWriter) closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *MessageWriter) Close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func (w *MessageWriter) Send(ctx context.Context, body string) error {
	if w.closed() {
		return errWriterClosed
	}
	id := ids.NewID().String()
	if err := w.db.Run("persist outgoing message", func() error {
		return w.store.InsertMessage(&store.Message{
			ID:             id,
			ConversationID: w.remote.ID(),
			SenderInboxID:  w.inboxID,
			Body:           body,
			Status:         store.MessageUnpublished,
			SentAtMs:       w.clock.CurrentTimeMs(),
		})
	}); err != nil {
		return err
	}
	return w.publish(ctx, id, body)
}

func (w *MessageWriter) publish(ctx context.Context, id, body string) error {
	if _, err := w.remote.Send(ctx, body); err != nil {
		return fmt.Errorf("perch: error sending message %s: %w", id, err)
	}
	return w.db.Run("mark message published", func() error {
		return w.store.SetMessageStatus(id, store.MessagePublished)
	})
}

// Resend pushes every unpublished row for the conversation through the
// remote conversation, marking rows published only on success. Used after a
// draft acquires its durable id.
func (w *MessageWriter) Resend(ctx context.Context) error {
	var pending []*store.Message
	if err := w.db.RunReadOnly("load unpublished messages", func() error {
		var err error
		pending, err = w.store.UnpublishedMessages(w.remote.ID())
		return err
	}); err != nil {
		return err
	}
	for _, msg := range pending {
		if err := w.publish(ctx, msg.ID, msg.Body); err != nil {
			return err
		}
		w.log.Debugf("republished message %s for %s", msg.ID, w.remote.ID())
	}
	return nil
}
