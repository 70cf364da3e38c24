// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package notify writes the per-user notification feed and triggers the
// corresponding device alerts. Notification rows are the durable record;
// alerts are best-effort decoration handled by the alert gateway.
package notify

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/viewfinderco/viewfinder-sub004/alert"
	"github.com/viewfinderco/viewfinder-sub004/core/invalidate"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

var logger = loggo.GetLogger("viewfinder.notify")

// maxInsertAttempts bounds the optimistic id-allocation loop. Each retry
// means another writer just took the id, so a handful of attempts only
// runs out under pathological contention on one user's feed.
const maxInsertAttempts = 8

// dedupeWindow is how many recent rows are checked for a replayed
// (name, op) pair. A replay can only trail the rows written while its
// operation was retrying, so a short window catches it even when other
// operations' notifications land in between.
const dedupeWindow = 8

// ClearBadgesName is the reserved notification name written when a client
// asks for its badge to be reset.
const ClearBadgesName = "clear_badges"

// AlertSink is where alerts go once the durable row is written.
// *alert.Gateway satisfies it; tests substitute recorders.
type AlertSink interface {
	Push(p alert.Push)
	SendEmail(e alert.Email)
	SendSMS(m alert.SMS)
}

// ManagerConfig holds a Manager's dependencies.
type ManagerConfig struct {
	State  *state.Store
	Clock  clock.Clock
	Alerts AlertSink
}

// Validate returns an error if the config is incomplete.
func (config ManagerConfig) Validate() error {
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Alerts == nil {
		return errors.NotValidf("nil Alerts")
	}
	return nil
}

// Manager writes notifications and fans out alerts.
type Manager struct {
	st     *state.Store
	clock  clock.Clock
	alerts AlertSink
}

// NewManager returns a Manager backed by config.
func NewManager(config ManagerConfig) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Manager{
		st:     config.State,
		clock:  config.Clock,
		alerts: config.Alerts,
	}, nil
}

// WithState returns a Manager identical to m but writing through st.
// The executor uses this to route notification writes through the store
// bound to the current operation.
func (m *Manager) WithState(st *state.Store) *Manager {
	return &Manager{st: st, clock: m.clock, alerts: m.alerts}
}

// Alerts returns the alert sink for callers that need to send a raw
// alert, such as the invite email to a prospective user.
func (m *Manager) Alerts() AlertSink {
	return m.alerts
}

// Args describes one notification. The same Args is fanned out to many
// users; per-user fields (badge) are computed per recipient.
type Args struct {
	// Name is the operation method that caused the change.
	Name string

	// OpID ties the notification to the operation for replay dedup: a
	// (name, op) pair already present among the user's recent rows is
	// not written again.
	OpID string

	// SenderID and SenderDeviceID identify the actor.
	SenderID       int64
	SenderDeviceID int64

	// Timestamp is the operation time.
	Timestamp int64

	// Invalidate tells the recipient what to re-query.
	Invalidate *invalidate.Invalidate

	// ViewpointID, ActivityID and UpdateSeq locate the change. A
	// non-empty ActivityID marks new content, which is what bumps
	// recipient badges.
	ViewpointID string
	ActivityID  string
	UpdateSeq   int64

	// ViewedSeq is carried on self-notifications so the sender's other
	// devices can sync their read position.
	ViewedSeq int64

	// AlertText is the visible push text for recipients other than the
	// sender, or empty for a silent notification.
	AlertText string
}

// Notify writes one notification for one user and dispatches any alert it
// implies. The notification id and badge are computed in one conditional
// write cycle: read the latest row, write at id+1 expecting absence, and
// re-read on collision.
func (m *Manager) Notify(ctx context.Context, userID int64, args Args) (*state.Notification, error) {
	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		var lastID, lastBadge int64
		last, err := m.st.LastNotification(ctx, userID)
		if err == nil {
			lastID, lastBadge = last.ID(), last.Badge()
		} else if !errors.Is(err, errors.NotFound) {
			return nil, errors.Trace(err)
		}
		if args.OpID != "" && lastID > 0 {
			// Replay of an operation whose row is already on the feed;
			// writing it again would double the badge.
			start := lastID - dedupeWindow
			if start < 0 {
				start = 0
			}
			recent, err := m.st.Notifications(ctx, userID, start, dedupeWindow)
			if err != nil {
				return nil, errors.Trace(err)
			}
			for _, row := range recent {
				if row.OpID() == args.OpID && row.Name() == args.Name {
					return row, nil
				}
			}
		}

		badge := lastBadge
		if args.ActivityID != "" && args.SenderID != userID {
			badge++
		}
		n, err := m.st.InsertNotification(ctx, state.NotificationArgs{
			UserID:         userID,
			NotificationID: lastID + 1,
			Name:           args.Name,
			OpID:           args.OpID,
			SenderID:       args.SenderID,
			SenderDeviceID: args.SenderDeviceID,
			Timestamp:      args.Timestamp,
			Badge:          badge,
			Invalidate:     args.Invalidate,
			ViewpointID:    args.ViewpointID,
			ActivityID:     args.ActivityID,
			UpdateSeq:      args.UpdateSeq,
			ViewedSeq:      args.ViewedSeq,
		})
		if errors.Is(err, errors.AlreadyExists) {
			continue
		} else if err != nil {
			return nil, errors.Trace(err)
		}

		m.alertUser(ctx, userID, args, badge, badge != lastBadge)
		return n, nil
	}
	return nil, errors.Errorf("contention inserting notification for user %d", userID)
}

// NotifyFollowers fans args out to every live follower of a viewpoint,
// sender included. Removed followers are skipped; operations that must
// reach them (their own removal) notify them explicitly.
func (m *Manager) NotifyFollowers(ctx context.Context, viewpointID string, args Args) error {
	followerIDs, err := m.st.ViewpointFollowerIDs(ctx, viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	for _, userID := range followerIDs {
		follower, err := m.st.Follower(ctx, userID, viewpointID)
		if err != nil {
			return errors.Trace(err)
		}
		if follower.IsRemoved() {
			continue
		}
		if _, err := m.Notify(ctx, userID, args); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// NotifyUsers fans args out to an explicit set of users.
func (m *Manager) NotifyUsers(ctx context.Context, userIDs []int64, args Args) error {
	for _, userID := range userIDs {
		if _, err := m.Notify(ctx, userID, args); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// ClearBadges resets the user's badge to zero and tells their devices.
// Invoked from the query path when a client reports the user has looked.
func (m *Manager) ClearBadges(ctx context.Context, userID, deviceID int64) error {
	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		var lastID int64
		last, err := m.st.LastNotification(ctx, userID)
		if err == nil {
			lastID = last.ID()
			if last.Badge() == 0 {
				// Nothing to clear; don't spam the feed.
				return nil
			}
		} else if errors.Is(err, errors.NotFound) {
			return nil
		} else {
			return errors.Trace(err)
		}

		_, err = m.st.InsertNotification(ctx, state.NotificationArgs{
			UserID:         userID,
			NotificationID: lastID + 1,
			Name:           ClearBadgesName,
			SenderID:       userID,
			SenderDeviceID: deviceID,
			Timestamp:      m.clock.Now().Unix(),
			Badge:          0,
		})
		if errors.Is(err, errors.AlreadyExists) {
			continue
		} else if err != nil {
			return errors.Trace(err)
		}
		m.pushBadge(ctx, userID, 0, "", "", "")
		return nil
	}
	return errors.Errorf("contention clearing badges for user %d", userID)
}

// alertUser pushes to the user's devices after a notification row landed.
// The sender's own devices get badge updates but never alert text.
func (m *Manager) alertUser(ctx context.Context, userID int64, args Args, badge int64, badgeChanged bool) {
	text := args.AlertText
	if userID == args.SenderID {
		text = ""
	}
	if !badgeChanged && text == "" {
		return
	}
	m.pushBadge(ctx, userID, badge, text, args.ViewpointID, args.ActivityID)
}

func (m *Manager) pushBadge(ctx context.Context, userID, badge int64, text, viewpointID, activityID string) {
	devices, err := m.st.AlertableDevices(ctx, userID)
	if err != nil {
		logger.Warningf("listing alertable devices for user %d: %v", userID, err)
		return
	}
	for _, d := range devices {
		token, err := alert.ParsePushToken(d.PushToken())
		if err != nil {
			logger.Warningf("device %d/%d has bad push token: %v", userID, d.ID(), err)
			continue
		}
		p := alert.Push{
			Token:       token,
			Badge:       badge,
			Text:        text,
			ViewpointID: viewpointID,
			ActivityID:  activityID,
		}
		if text != "" {
			p.Sound = "default"
		}
		m.alerts.Push(p)
	}
}

// TokenRemover adapts the state store to the alert gateway's feedback
// hook: resolve the token to its device and strip it.
type TokenRemover struct {
	State *state.Store
}

// RemoveToken is part of the alert.TokenRemover interface.
func (r TokenRemover) RemoveToken(ctx context.Context, token string) error {
	device, err := r.State.DeviceByPushToken(ctx, token)
	if errors.Is(err, errors.NotFound) {
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.State.ClearPushToken(ctx, device.UserID(), device.ID()))
}
