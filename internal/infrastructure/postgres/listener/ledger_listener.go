package listener

import (
	"context"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	channelName       = "ledger_changed"
	reconnectInterval = 5 * time.Second
	pingInterval      = 90 * time.Second
)

// Handler reacts to a change of one family's ledger.
type Handler interface {
	InvalidateSettings(familyID string)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(familyID string)

// InvalidateSettings calls f(familyID)
func (f HandlerFunc) InvalidateSettings(familyID string) { f(familyID) }

// LedgerListener listens for PostgreSQL notifications about ledger changes,
// including writes made by other instances or import jobs.
type LedgerListener struct {
	connStr    string
	handler    Handler
	logger     logrus.FieldLogger
	shutdownCh chan struct{}
	done       chan struct{}
}

// NewLedgerListener creates a new listener for ledger change notifications
func NewLedgerListener(connStr string, handler Handler, logger logrus.FieldLogger) *LedgerListener {
	return &LedgerListener{
		connStr:    connStr,
		handler:    handler,
		logger:     logger.WithField("component", "ledger_listener"),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins listening for notifications in a background goroutine
func (l *LedgerListener) Start(ctx context.Context) {
	go l.listen(ctx)
	l.logger.Info("Ledger notification listener started")
}

// Stop gracefully shuts down the listener
func (l *LedgerListener) Stop() {
	close(l.shutdownCh)
	<-l.done
	l.logger.Info("Ledger notification listener stopped")
}

func (l *LedgerListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
			l.connectAndListen(ctx)
		}

		// Wait before reconnecting
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			l.logger.Info("Reconnecting to PostgreSQL for notifications")
		}
	}
}

func (l *LedgerListener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			l.logger.Info("Connected to PostgreSQL notification channel")
		case pq.ListenerEventDisconnected:
			l.logger.WithError(err).Warn("Disconnected from PostgreSQL notification channel")
		case pq.ListenerEventReconnected:
			l.logger.Info("Reconnected to PostgreSQL notification channel")
		case pq.ListenerEventConnectionAttemptFailed:
			l.logger.WithError(err).Warn("Connection attempt failed")
		}
	})
	defer listener.Close()

	if err := listener.Listen(channelName); err != nil {
		l.logger.WithError(err).WithField("channel", channelName).Error("Failed to listen on channel")
		return
	}

	l.logger.WithField("channel", channelName).Info("Listening on channel")

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case notification := <-listener.Notify:
			if notification == nil {
				// Connection lost, break to reconnect
				return
			}
			l.handleNotification(notification)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.WithError(err).Warn("Listener ping failed")
				}
			}()
		}
	}
}

func (l *LedgerListener) handleNotification(notification *pq.Notification) {
	familyID := strings.TrimSpace(notification.Extra)
	if familyID == "" {
		l.logger.WithField("channel", notification.Channel).Warn("Ignoring notification without family id")
		return
	}

	l.logger.WithField("family_id", familyID).Debug("Ledger changed")
	l.handler.InvalidateSettings(familyID)
}
