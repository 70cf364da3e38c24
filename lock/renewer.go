// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package lock

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"
)

// Logger represents the methods used by the Renewer to log information.
type Logger interface {
	Debugf(string, ...interface{})
}

// RenewerConfig holds a Renewer's dependencies.
type RenewerConfig struct {
	Lock   *Lock
	Clock  clock.Clock
	Logger Logger

	// Interval overrides RenewalInterval when non-zero.
	Interval time.Duration
}

// Validate returns an error if the config is incomplete.
func (config RenewerConfig) Validate() error {
	if config.Lock == nil {
		return errors.NotValidf("nil Lock")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Renewer keeps a held lock alive, renewing it every interval. It dies
// with ErrNotHeld when the lock is lost, telling the holder to abort
// whatever the lock was protecting.
type Renewer struct {
	tomb   tomb.Tomb
	config RenewerConfig
}

// NewRenewer returns a running Renewer for the given lock.
func NewRenewer(config RenewerConfig) (*Renewer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Interval == 0 {
		config.Interval = RenewalInterval
	}
	w := &Renewer{config: config}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Renewer) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Renewer) Wait() error {
	return w.tomb.Wait()
}

func (w *Renewer) loop() error {
	timer := w.config.Clock.NewTimer(w.config.Interval)
	defer timer.Stop()
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-timer.Chan():
			ctx := w.tomb.Context(context.Background())
			if err := w.config.Lock.Renew(ctx); err != nil {
				return errors.Trace(err)
			}
			w.config.Logger.Debugf("renewed lock %q", w.config.Lock.Resource())
			timer.Reset(w.config.Interval)
		}
	}
}
