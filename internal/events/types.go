// Package events defines the event types used on the internal notification
// bus and in outbound envelopes.
package events

// Event types for tasks
const (
	TaskCreated   = "task.created"
	TaskUpdated   = "task.updated"
	TaskAvailable = "task.available" // claim invitation for connected workers
	TaskClaimed   = "task.claimed"
	TaskInterrupt = "task.interrupt" // advisory cancel for a claimed task
)

// Event types for sessions
const (
	SessionCreated = "session.created"
	SessionEnded   = "session.ended"
)

// Event types for workers
const (
	WorkerConnected    = "worker.connected"
	WorkerDisconnected = "worker.disconnected"
	WorkerExpired      = "worker.expired"
)

// Event types for cron
const (
	CronFired = "cron.fired"
)

// BuildTaskInterruptSubject creates an interrupt subject for a specific worker.
func BuildTaskInterruptSubject(workerID string) string {
	return TaskInterrupt + "." + workerID
}

// BuildTaskInterruptWildcardSubject creates a wildcard subscription for all
// interrupt events.
func BuildTaskInterruptWildcardSubject() string {
	return TaskInterrupt + ".*"
}

// BuildSessionSubject creates a session event subject for a specific session.
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}
