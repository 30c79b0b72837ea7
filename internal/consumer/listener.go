package consumer

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/cdnpub/pubgate/internal/logx"
)

// Notifier delivers queue names whose backlog changed. The database
// listener is the production implementation; tests substitute a channel.
type Notifier interface {
	// Notifications yields queue names. The channel closes when the
	// notifier shuts down.
	Notifications() <-chan string
	Close() error
}

const (
	listenerMinReconnect = time.Second
	listenerMaxReconnect = 30 * time.Second
)

// dbNotifier bridges LISTEN/NOTIFY into a queue-name channel. The
// payload of each notification is the queue the message landed on.
type dbNotifier struct {
	listener *pq.Listener
	out      chan string
	done     chan struct{}
}

// Listen starts a database listener on the configured channel. A lost
// connection is retried with backoff by the driver; the gap is papered
// over by the consumers' idle polling.
func Listen(ctx context.Context, dbURL, channel string) (Notifier, error) {
	log := logx.FromContext(ctx)
	listener := pq.NewListener(dbURL, listenerMinReconnect, listenerMaxReconnect,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				log.WithError(err).Warn("queue listener connection event")
			}
		})
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, err
	}

	n := &dbNotifier{
		listener: listener,
		out:      make(chan string, 16),
		done:     make(chan struct{}),
	}
	go n.pump(log)
	return n, nil
}

func (n *dbNotifier) pump(log interface{ Debugf(string, ...any) }) {
	defer close(n.out)
	for {
		select {
		case <-n.done:
			return
		case note, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			// A nil notification marks a reconnect; wake everything so
			// anything enqueued during the gap gets picked up.
			payload := ""
			if note != nil {
				payload = note.Extra
			}
			log.Debugf("queue notification %q", payload)
			select {
			case n.out <- payload:
			case <-n.done:
				return
			}
		}
	}
}

func (n *dbNotifier) Notifications() <-chan string { return n.out }

func (n *dbNotifier) Close() error {
	close(n.done)
	return n.listener.Close()
}

// chanNotifier adapts a plain channel; used by tests and by the
// in-memory store's wake hook.
type chanNotifier chan string

// NewChanNotifier returns a Notifier fed by the returned send function.
func NewChanNotifier() (Notifier, func(queue string)) {
	ch := make(chanNotifier, 16)
	send := func(queue string) {
		select {
		case ch <- queue:
		default:
		}
	}
	return ch, send
}

func (c chanNotifier) Notifications() <-chan string { return c }

func (c chanNotifier) Close() error {
	close(c)
	return nil
}
