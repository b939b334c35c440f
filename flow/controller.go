package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go-self-verifier/events"
	"go-self-verifier/report"
	"go-self-verifier/selfapp"
	"go-self-verifier/verification"
)

type Status string

const (
	Idle    Status = "idle"
	Pending Status = "pending"
	Success Status = "success"
	Error   Status = "error"
)

var ErrInvalidTransition = errors.New("invalid status transition")

const (
	MsgInitFailed         = "Failed to initialize verification system. Please try again."
	MsgVerificationFailed = "Verification failed. Please try again."
)

// SessionProvider is the external SDK factory that sets up a verification
// session (app config, link and QR code).
type SessionProvider interface {
	NewSession(ctx context.Context) (*selfapp.Session, error)
}

type Snapshot struct {
	Status        Status
	Message       string
	StatusMessage string
	Record        *verification.Record
	Session       *selfapp.Session
}

// Controller tracks the status of the single verification flow of this
// process. Status moves idle -> pending -> success|error and back to idle
// through Reset only.
type Controller struct {
	cache     *verification.Cache
	sessions  SessionProvider
	publisher events.Publisher
	clock     verification.Clock
	userID    string

	mutex      sync.Mutex
	status     Status
	message    string
	record     *verification.Record
	session    *selfapp.Session
	generation uint64
}

func NewController(cache *verification.Cache, sessions SessionProvider, publisher events.Publisher, clock verification.Clock, userID string) *Controller {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if clock == nil {
		clock = verification.SystemClock{}
	}
	return &Controller{
		cache:     cache,
		sessions:  sessions,
		publisher: publisher,
		clock:     clock,
		userID:    userID,
		status:    Idle,
	}
}

func invalidTransition(from Status, event string) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, event, from)
}

// Initialize restores a fresh cached verification if there is one, otherwise
// asks the session provider for a new session. Results that arrive after ctx
// is done, after a reset, or once the flow reached success or error are
// dropped.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mutex.Lock()
	if c.status == Success || c.status == Error {
		from := c.status
		c.mutex.Unlock()
		return invalidTransition(from, "initialize")
	}

	if c.cache.IsFresh() {
		if record, ok := c.cache.Load(); ok {
			c.status = Success
			c.record = &record
			c.message = ""
			c.mutex.Unlock()
			slog.Info("Found valid existing verification", "user_id", record.UserID)
			return nil
		}
	}
	generation := c.generation
	c.mutex.Unlock()

	slog.Debug("Initializing self session")
	session, err := c.sessions.NewSession(ctx)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	// a verification may have finished or been reset while the call was out
	if ctx.Err() != nil || generation != c.generation || c.status == Success || c.status == Error {
		slog.Debug("Discarding self session initialization result", "status", c.status, "context_error", ctx.Err())
		return ctx.Err()
	}

	if err != nil {
		slog.Error("Failed to initialize Self app", "error", err)
		c.status = Error
		c.message = MsgInitFailed
		return fmt.Errorf("initialize session: %w", err)
	}

	c.session = session
	c.message = ""
	slog.Info("Self session initialized", "session_id", session.App.SessionID)
	return nil
}

// OnVerificationStarted is called once the user scanned the QR code.
func (c *Controller) OnVerificationStarted() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.status != Idle {
		return invalidTransition(c.status, "verification started")
	}

	slog.Info("Verification process started")
	c.status = Pending
	c.message = ""
	return nil
}

// OnSuccess stores the disclosed data and reports on it.
func (c *Controller) OnSuccess(ctx context.Context, disclosure verification.Disclosure) (report.Report, error) {
	rep, event, err := c.recordSuccess(disclosure)
	if err != nil {
		return report.Report{}, err
	}

	// publishing talks to the broker, keep it outside the lock
	if err := c.publisher.PublishVerified(ctx, event); err != nil {
		slog.Error("Failed to publish verification event", "verification_id", rep.VerificationID, "error", err)
	}
	return rep, nil
}

func (c *Controller) recordSuccess(disclosure verification.Disclosure) (report.Report, events.VerificationCompleted, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.status != Pending {
		return report.Report{}, events.VerificationCompleted{}, invalidTransition(c.status, "verification succeeded")
	}

	userID := c.userID
	if c.session != nil {
		userID = c.session.App.UserID
	}

	now := c.clock.Now()
	record := verification.Capture(disclosure, userID, now)

	c.status = Success
	c.record = &record
	c.message = ""

	if err := c.cache.Store(record); err != nil {
		slog.Warn("Verification succeeded but could not be cached", "error", err)
	}

	rep := report.Build(record, now)
	if rendered, err := report.Render(rep); err == nil {
		slog.Info("Verification successful", "verification_id", rep.VerificationID, "user_id", userID)
		slog.Debug("Verification report", "report", rendered)
	}

	if missing := report.MissingRequired(record); len(missing) > 0 {
		slog.Warn("Verification is missing required fields", "fields", missing)
	}
	slog.Debug("Optional fields disclosed", "fields", report.ProvidedOptional(record))

	event := events.VerificationCompleted{
		VerificationID:        rep.VerificationID,
		UserID:                userID,
		VerificationTimestamp: record.VerificationTimestamp,
		ReportTimestamp:       rep.Timestamp,
		Fields:                report.FieldStatus(record),
	}
	return rep, event, nil
}

// OnError records a failure reported by the SDK.
func (c *Controller) OnError(reason string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.status != Pending {
		return invalidTransition(c.status, "verification failed")
	}

	if reason == "" {
		reason = MsgVerificationFailed
	}
	slog.Warn("Verification failed", "reason", reason)
	c.status = Error
	c.message = reason
	return nil
}

// Reset returns to idle and forgets the cached verification.
func (c *Controller) Reset() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.status != Success && c.status != Error {
		return invalidTransition(c.status, "reset")
	}

	c.status = Idle
	c.record = nil
	c.message = ""
	c.generation++
	c.cache.Clear()
	slog.Info("Verification reset")
	return nil
}

// Report builds a fresh report for the current verification.
func (c *Controller) Report() (report.Report, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.status != Success || c.record == nil {
		return report.Report{}, false
	}
	return report.Build(*c.record, c.clock.Now()), true
}

func (c *Controller) Snapshot() Snapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	snapshot := Snapshot{
		Status:        c.status,
		Message:       c.message,
		StatusMessage: statusMessage(c.status, c.message),
		Session:       c.session,
	}
	if c.record != nil {
		record := *c.record
		snapshot.Record = &record
	}
	return snapshot
}

func statusMessage(status Status, message string) string {
	switch status {
	case Pending:
		return "Verification in progress... Please complete the process in the Self app."
	case Success:
		return "✅ Identity verification completed successfully!"
	case Error:
		return "❌ " + message
	default:
		return "Scan the QR code with the Self app to verify your identity."
	}
}
