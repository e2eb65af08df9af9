// Package notifier delivers operator-facing alerts: entries,
// settlements, suspensions, and failures that need human eyes.
package notifier

// Notifier pushes alerts to an external channel. Implementations must
// be safe for concurrent use; the engine sends from worker goroutines.
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
	// RetryWithNotification retries action and raises an alert when
	// every attempt fails. The action's last error is returned.
	RetryWithNotification(action func() error, description string) error
}
