// Package alert fans alert events out to one or more channels (Slack,
// Telegram,...), grounded on internal/alert/alert.go.
//
// Deviation from: 's alert taxonomy requires
// EmergencyCloseFailure and KillSwitchTriggered to block until delivered
// (critical=true); AlertManager is non-blocking by design for
// every alert. Alert here takes a critical flag and, when set, sends to
// every channel and waits until each send attempt has finished (failures
// are logged, not returned); non-critical alerts keep fire-and-forget
// goroutine-per-channel behavior.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/arbctl/spreadengine/internal/core"
)

type AlertLevel string

const (
	Info AlertLevel = "INFO"
	Warning AlertLevel = "WARNING"
	Error AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

func fromCoreLevel(l core.AlertLevel) AlertLevel {
	switch l {
	case core.AlertWarning:
		return Warning
	case core.AlertError:
		return Error
	case core.AlertCritical:
		return Critical
	default:
		return Info
	}
}

type AlertPayload struct {
	Level AlertLevel
	Title string
	Message string
	Timestamp time.Time
	Fields map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name string
}

// Manager fans alerts out to its registered channels and implements
// core.Notifier.
type Manager struct {
	channels []AlertChannel
	logger core.ILogger
	mu sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]AlertChannel, 0),
		logger: logger.WithField("component", "alert_manager"),
	}
}

func (am *Manager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("added alert channel", "name", ch.Name())
}

// Alert implements core.Notifier.
func (am *Manager) Alert(ctx context.Context, title, message string, level core.AlertLevel, critical bool, fields map[string]string) {
	payload:= AlertPayload{
		Level: fromCoreLevel(level),
		Title: title,
		Message: message,
		Timestamp: time.Now(),
		Fields: fields,
	}

	am.logger.Info("triggering alert", "title", title, "level", payload.Level, "critical", critical)

	am.mu.RLock()
	channels:= make([]AlertChannel, len(am.channels))
	copy(channels, am.channels)
	am.mu.RUnlock()

	if critical {
		am.sendBlocking(ctx, channels, payload)
		return
	}

	var wg sync.WaitGroup
	for _, ch:= range channels {
		wg.Add(1)
		go func(c AlertChannel) {
			defer wg.Done()
			timeoutCtx, cancel:= context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err:= c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
	// Non-critical alerts don't block the caller.
}

// sendBlocking sends to every channel concurrently and returns only once
// every send attempt has finished; a failed channel
// does not prevent delivery attempts on the rest, but the caller learns
// that at least one channel failed via the log (callers treat "alert
// triggered" as best-effort-delivered, not guaranteed-received — 
// only requires blocking until the attempt completes, not a delivery ack).
func (am *Manager) sendBlocking(ctx context.Context, channels []AlertChannel, payload AlertPayload) {
	var wg sync.WaitGroup
	wg.Add(len(channels))
	for _, ch:= range channels {
		go func(c AlertChannel) {
			defer wg.Done()
			timeoutCtx, cancel:= context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err:= c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("failed to send critical alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
	wg.Wait()
}
