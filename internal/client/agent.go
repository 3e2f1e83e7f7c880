// Package client is the participant-side half of a session: it applies
// edits locally at once, persists them after a quiet period, folds remote
// changes back in, and falls back from push to polling when the push
// channel will not stay up.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"cosession/api/internal/broadcast"
	"cosession/api/internal/clock"
	"cosession/api/internal/collab"
	"cosession/api/internal/store"
)

const (
	DefaultDebounce          = 500 * time.Millisecond
	DefaultEchoTimeout       = 2 * time.Second
	DefaultPollInterval      = 3 * time.Second
	DefaultSubscribeAttempts = 3
)

var (
	ErrReadOnly = errors.New("participant cannot edit")
	ErrClosed   = errors.New("agent closed")
)

type Mode string

const (
	ModeIdle    Mode = "idle"
	ModePush    Mode = "push"
	ModePolling Mode = "polling"
	ModeClosed  Mode = "closed"
)

type Config struct {
	SessionID     string
	ParticipantID string
	API           API
	Dialer        Dialer
	Clock         clock.Clock
	Logger        *slog.Logger

	Categories         []broadcast.Category
	Debounce           time.Duration
	EchoTimeout        time.Duration
	PollInterval       time.Duration
	SubscribeAttempts  int
	PermissionCooldown time.Duration
}

// State is a copy of what the agent currently shows its participant.
type State struct {
	Content          json.RawMessage
	ContentUpdatedAt time.Time
	LockedBy         string
	Self             store.Participant
	Participants     []store.Participant
	Presence         []broadcast.PresenceRecord
	CooldownUntil    time.Time
	Mode             Mode
	Dirty            bool
	LastError        error
}

type inFlight struct {
	content json.RawMessage
	// at is the server timestamp of the write, zero until the response
	// arrives.
	at    time.Time
	timer *clock.Timer
}

// Agent is safe for concurrent use. Every state change is made under one
// mutex; network calls are made without holding it.
type Agent struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu               sync.Mutex
	content          json.RawMessage
	contentUpdatedAt time.Time
	lockedBy         string
	self             store.Participant
	participants     []store.Participant
	presence         []broadcast.PresenceRecord
	pending          json.RawMessage
	inFlight         *inFlight
	debounce         *clock.Timer
	cooldownUntil    time.Time
	cooldownTimer    *clock.Timer
	mode             Mode
	stream           Stream
	streamDone       chan struct{}
	pollStop         chan struct{}
	lastErr          error
	closed           bool

	changes chan struct{}
}

func New(cfg Config) *Agent {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.EchoTimeout <= 0 {
		cfg.EchoTimeout = DefaultEchoTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SubscribeAttempts <= 0 {
		cfg.SubscribeAttempts = DefaultSubscribeAttempts
	}
	if cfg.PermissionCooldown <= 0 {
		cfg.PermissionCooldown = collab.DefaultPermissionCooldown
	}
	return &Agent{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("session_id", cfg.SessionID, "participant_id", cfg.ParticipantID),
		mode:    ModeIdle,
		changes: make(chan struct{}, 1),
	}
}

// Changes signals after every visible state change. Signals coalesce; read
// State for the current values.
func (a *Agent) Changes() <-chan struct{} { return a.changes }

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		Content:          cloneRaw(a.content),
		ContentUpdatedAt: a.contentUpdatedAt,
		LockedBy:         a.lockedBy,
		Self:             a.self,
		Participants:     append([]store.Participant(nil), a.participants...),
		Presence:         append([]broadcast.PresenceRecord(nil), a.presence...),
		CooldownUntil:    a.cooldownUntil,
		Mode:             a.mode,
		Dirty:            a.pending != nil || a.inFlight != nil,
		LastError:        a.lastErr,
	}
}

// CooldownRemaining is the time left before another permission request is
// allowed, or zero.
func (a *Agent) CooldownRemaining() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cooldownUntil.IsZero() {
		return 0
	}
	if left := a.cooldownUntil.Sub(a.clock.Now()); left > 0 {
		return left
	}
	return 0
}

// Start loads the authoritative state and subscribes. A push channel that
// cannot be established is not an error: the agent polls instead.
func (a *Agent) Start(ctx context.Context) error {
	snapshot, err := a.cfg.API.GetState(ctx, a.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.applySnapshotLocked(snapshot)
	a.mu.Unlock()
	a.signal()

	if err := a.subscribe(ctx); err != nil {
		a.logger.Warn("push subscription unavailable, polling", "error", err)
	}
	return nil
}

// Resubscribe tries the push channel again. On success any polling stops.
func (a *Agent) Resubscribe(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.mu.Unlock()
	return a.subscribe(ctx)
}

func (a *Agent) subscribe(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.SubscribeAttempts; attempt++ {
		stream, err := a.cfg.Dialer.Subscribe(ctx, a.cfg.SessionID, a.cfg.ParticipantID, a.cfg.Categories)
		if err == nil {
			a.attach(stream)
			return nil
		}
		lastErr = err
		a.logger.Debug("subscribe attempt failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	a.startPolling()
	return lastErr
}

func (a *Agent) attach(stream Stream) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = stream.Close()
		return
	}
	previous := a.stream
	a.stopPollingLocked()
	a.stream = stream
	done := make(chan struct{})
	a.streamDone = done
	a.mode = ModePush
	a.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	go a.consume(stream, done)
	a.signal()
}

func (a *Agent) consume(stream Stream, done chan struct{}) {
	defer close(done)
	for event := range stream.Events() {
		a.handleEvent(event)
	}

	a.mu.Lock()
	current := a.stream == stream
	if current {
		a.stream = nil
	}
	closed := a.closed
	a.mu.Unlock()
	if !current || closed {
		return
	}
	a.logger.Info("push channel dropped, reconnecting")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.subscribe(ctx); err != nil {
		a.logger.Warn("reconnect failed, polling", "error", err)
	}
}

func (a *Agent) startPolling() {
	a.mu.Lock()
	if a.closed || a.pollStop != nil || a.stream != nil {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.pollStop = stop
	a.mode = ModePolling
	ticker := a.clock.NewTicker(a.cfg.PollInterval)
	a.mu.Unlock()
	a.signal()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.poll(stop)
			}
		}
	}()
}

func (a *Agent) poll(stop chan struct{}) {
	a.mu.Lock()
	active := a.pollStop == stop
	a.mu.Unlock()
	if !active {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.PollInterval)
	defer cancel()
	snapshot, err := a.cfg.API.GetState(ctx, a.cfg.SessionID)

	a.mu.Lock()
	if a.pollStop != stop {
		a.mu.Unlock()
		return
	}
	if err != nil {
		a.lastErr = err
		a.mu.Unlock()
		a.logger.Warn("poll failed", "error", err)
		a.signal()
		return
	}
	a.lastErr = nil
	a.applySnapshotLocked(snapshot)
	a.mu.Unlock()
	a.signal()
}

func (a *Agent) stopPollingLocked() {
	if a.pollStop != nil {
		close(a.pollStop)
		a.pollStop = nil
	}
}

// Edit applies content locally at once and schedules it to be persisted
// once edits have been quiet for the debounce window.
func (a *Agent) Edit(content json.RawMessage) error {
	if !json.Valid(content) {
		return errors.New("content must be valid JSON")
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if !a.canEditLocked() {
		a.mu.Unlock()
		return ErrReadOnly
	}
	a.content = cloneRaw(content)
	a.pending = cloneRaw(content)
	a.debounce.Stop()
	a.debounce = a.clock.AfterFunc(a.cfg.Debounce, a.flushFromTimer)
	a.mu.Unlock()
	a.signal()
	return nil
}

func (a *Agent) canEditLocked() bool {
	if a.lockedBy != "" && a.lockedBy != a.cfg.ParticipantID {
		return false
	}
	return a.self.Role == store.RoleHost || a.self.EditEnabled
}

func (a *Agent) flushFromTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Flush(ctx); err != nil {
		a.logger.Warn("persist content", "error", err)
	}
}

// Flush persists a pending edit now.
func (a *Agent) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.pending == nil {
		a.mu.Unlock()
		return nil
	}
	a.debounce.Stop()
	a.debounce = nil
	content := a.pending
	a.pending = nil
	if a.inFlight != nil {
		a.inFlight.timer.Stop()
	}
	flight := &inFlight{content: content}
	a.inFlight = flight
	a.mu.Unlock()

	session, err := a.cfg.API.PersistContent(ctx, a.cfg.SessionID, a.cfg.ParticipantID, content)

	a.mu.Lock()
	defer a.signal()
	defer a.mu.Unlock()
	if err != nil {
		a.lastErr = err
		if a.inFlight == flight {
			a.inFlight = nil
		}
		if errors.Is(err, collab.ErrAuthorization) || errors.Is(err, collab.ErrValidation) {
			// Not retried. The next snapshot or poll restores server content.
			return err
		}
		if a.pending == nil && !a.closed {
			a.pending = content
			a.debounce = a.clock.AfterFunc(a.cfg.Debounce, a.flushFromTimer)
		}
		return err
	}
	a.lastErr = nil
	if session.ContentUpdatedAt.After(a.contentUpdatedAt) {
		a.contentUpdatedAt = session.ContentUpdatedAt
	}
	if a.inFlight == flight {
		flight.at = session.ContentUpdatedAt
		flight.timer = a.clock.AfterFunc(a.cfg.EchoTimeout, func() { a.expireInFlight(flight) })
	}
	return nil
}

func (a *Agent) expireInFlight(flight *inFlight) {
	a.mu.Lock()
	if a.inFlight == flight {
		a.inFlight = nil
	}
	a.mu.Unlock()
}

// RequestPermission asks the host for edit permission and starts the
// cooldown countdown from the authoritative request time.
func (a *Agent) RequestPermission(ctx context.Context) error {
	p, err := a.cfg.API.RequestEditPermission(ctx, a.cfg.SessionID, a.cfg.ParticipantID)
	if err != nil {
		if remaining, ok := collab.CooldownRemaining(err); ok {
			a.mu.Lock()
			a.setCooldownLocked(a.clock.Now().Add(remaining))
			a.mu.Unlock()
			a.signal()
		}
		return err
	}
	a.mu.Lock()
	a.applyParticipantLocked(p)
	a.mu.Unlock()
	a.signal()
	return nil
}

func (a *Agent) AcquireLock(ctx context.Context) error {
	session, err := a.cfg.API.AcquireLock(ctx, a.cfg.SessionID, a.cfg.ParticipantID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.applySessionLocked(session)
	a.mu.Unlock()
	a.signal()
	return nil
}

func (a *Agent) ReleaseLock(ctx context.Context) error {
	session, err := a.cfg.API.ReleaseLock(ctx, a.cfg.SessionID, a.cfg.ParticipantID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.applySessionLocked(session)
	a.mu.Unlock()
	a.signal()
	return nil
}

// Close tears the agent down: a pending edit is flushed best-effort, the
// subscription and every timer are stopped, and a lock held by this
// participant is released.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	var errs []error
	if err := a.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush pending edit: %w", err))
	}

	a.mu.Lock()
	a.closed = true
	a.mode = ModeClosed
	stream, done := a.stream, a.streamDone
	a.stream = nil
	a.stopPollingLocked()
	a.debounce.Stop()
	a.debounce = nil
	a.pending = nil
	a.cooldownTimer.Stop()
	a.cooldownTimer = nil
	if a.inFlight != nil {
		a.inFlight.timer.Stop()
		a.inFlight = nil
	}
	holdsLock := a.lockedBy == a.cfg.ParticipantID
	a.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		<-done
	}
	if holdsLock {
		if _, err := a.cfg.API.ReleaseLock(ctx, a.cfg.SessionID, a.cfg.ParticipantID); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		} else {
			a.mu.Lock()
			a.lockedBy = ""
			a.mu.Unlock()
		}
	}
	a.signal()
	return errors.Join(errs...)
}

func (a *Agent) handleEvent(event broadcast.Event) {
	a.mu.Lock()
	if a.closed || event.SessionID != a.cfg.SessionID {
		a.mu.Unlock()
		return
	}
	switch event.Kind {
	case broadcast.KindContentUpdated, broadcast.KindLockUpdated, broadcast.KindSessionSnapshot:
		if event.Session != nil {
			a.applySessionLocked(*event.Session)
		}
	case broadcast.KindParticipantUpdated:
		if event.Participant != nil {
			a.applyParticipantLocked(*event.Participant)
		}
	case broadcast.KindParticipantRemoved:
		a.removeParticipantLocked(event.ParticipantID)
	case broadcast.KindParticipantsSnapshot:
		a.participants = nil
		for _, p := range event.Participants {
			a.applyParticipantLocked(p)
		}
	case broadcast.KindPresenceSync:
		a.presence = append([]broadcast.PresenceRecord(nil), event.Presence...)
	}
	a.mu.Unlock()
	a.signal()
}

func (a *Agent) applySnapshotLocked(snapshot store.Snapshot) {
	a.applySessionLocked(snapshot.Session)
	a.participants = nil
	for _, p := range snapshot.Participants {
		a.applyParticipantLocked(p)
	}
}

// applySessionLocked folds an authoritative session row into local state.
// Lock fields always apply. Content applies only when no local edit is
// waiting, the row is not our own write coming back, and it is newer than
// what we already have.
func (a *Agent) applySessionLocked(session store.Session) {
	a.lockedBy = session.LockHolder()

	if a.pending != nil {
		return
	}
	if flight := a.inFlight; flight != nil {
		if jsonEqual(session.Content, flight.content) {
			flight.timer.Stop()
			a.inFlight = nil
			if session.ContentUpdatedAt.After(a.contentUpdatedAt) {
				a.contentUpdatedAt = session.ContentUpdatedAt
			}
			return
		}
		if flight.at.IsZero() || !session.ContentUpdatedAt.After(flight.at) {
			return
		}
		flight.timer.Stop()
		a.inFlight = nil
	}
	if !a.contentUpdatedAt.IsZero() && session.ContentUpdatedAt.Before(a.contentUpdatedAt) {
		return
	}
	a.contentUpdatedAt = session.ContentUpdatedAt
	if !jsonEqual(session.Content, a.content) {
		a.content = cloneRaw(session.Content)
	}
}

func (a *Agent) applyParticipantLocked(p store.Participant) {
	replaced := false
	for i := range a.participants {
		if a.participants[i].ParticipantID == p.ParticipantID {
			a.participants[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		a.participants = append(a.participants, p)
	}
	if p.ParticipantID != a.cfg.ParticipantID {
		return
	}
	a.self = p
	switch p.PermissionStatus {
	case store.PermissionGranted:
		a.setCooldownLocked(time.Time{})
	case store.PermissionRequested, store.PermissionDenied:
		if p.PermissionRequestedAt != nil {
			a.setCooldownLocked(p.PermissionRequestedAt.Add(a.cfg.PermissionCooldown))
		}
	default:
		a.setCooldownLocked(time.Time{})
	}
}

func (a *Agent) removeParticipantLocked(participantID string) {
	for i := range a.participants {
		if a.participants[i].ParticipantID == participantID {
			a.participants = append(a.participants[:i], a.participants[i+1:]...)
			return
		}
	}
}

// setCooldownLocked arms the countdown for until, or clears it when until
// is zero or already past.
func (a *Agent) setCooldownLocked(until time.Time) {
	a.cooldownTimer.Stop()
	a.cooldownTimer = nil
	left := until.Sub(a.clock.Now())
	if until.IsZero() || left <= 0 || a.closed {
		a.cooldownUntil = time.Time{}
		return
	}
	a.cooldownUntil = until
	var timer *clock.Timer
	timer = a.clock.AfterFunc(left, func() {
		a.mu.Lock()
		if a.cooldownTimer != timer {
			a.mu.Unlock()
			return
		}
		a.cooldownUntil = time.Time{}
		a.cooldownTimer = nil
		a.mu.Unlock()
		a.signal()
	})
	a.cooldownTimer = timer
}

func (a *Agent) signal() {
	select {
	case a.changes <- struct{}{}:
	default:
	}
}

// jsonEqual compares two documents structurally, so key order and
// whitespace do not count as changes.
// jsonEqual compares documents structurally. Numbers are compared by their
// literal text so integers beyond float64 precision stay distinct.
func jsonEqual(x, y json.RawMessage) bool {
	if len(x) == 0 || len(y) == 0 {
		return len(x) == len(y)
	}
	xv, err := decodeDocument(x)
	if err != nil {
		return false
	}
	yv, err := decodeDocument(y)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(xv, yv)
}

func decodeDocument(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after document")
	}
	return value, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
