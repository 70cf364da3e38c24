// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package alert

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/deque"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/ratelimit"
	"gopkg.in/tomb.v2"
)

var logger = loggo.GetLogger("viewfinder.alert")

const (
	// maxQueuedAlerts bounds the dispatch buffer. When fanout outruns
	// delivery the oldest alerts are dropped; the notification table
	// still has the truth.
	maxQueuedAlerts = 10000

	// defaultPushRate and defaultPushBurst shape outbound delivery.
	defaultPushRate  = 100 // per second
	defaultPushBurst = 200
)

// GatewayConfig holds a Gateway's dependencies.
type GatewayConfig struct {
	Pusher Pusher
	Email  EmailSender
	SMS    SMSSender
	Clock  clock.Clock

	// Tokens unregisters tokens the provider reports dead. Optional;
	// without it feedback is only logged.
	Tokens TokenRemover

	// PushRate and PushBurst override the delivery rate limit when
	// non-zero.
	PushRate  float64
	PushBurst int64
}

// Validate returns an error if the config is incomplete.
func (config GatewayConfig) Validate() error {
	if config.Pusher == nil {
		return errors.NotValidf("nil Pusher")
	}
	if config.Email == nil {
		return errors.NotValidf("nil Email")
	}
	if config.SMS == nil {
		return errors.NotValidf("nil SMS")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// bucketClock adapts clock.Clock to the rate limiter, which keeps the
// limiter honest under the test clock.
type bucketClock struct {
	clock.Clock
}

func (c bucketClock) Sleep(d time.Duration) {
	<-c.After(d)
}

type envelope struct {
	push  *Push
	email *Email
	sms   *SMS
}

// Gateway is the alert dispatch worker: a bounded queue drained by a
// single goroutine through a token bucket. Enqueueing never blocks.
type Gateway struct {
	tomb   tomb.Tomb
	config GatewayConfig
	bucket *ratelimit.Bucket

	mu    sync.Mutex
	queue *deque.Deque
	wake  chan struct{}
}

// NewGateway returns a running Gateway.
func NewGateway(config GatewayConfig) (*Gateway, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	rate := config.PushRate
	if rate == 0 {
		rate = defaultPushRate
	}
	burst := config.PushBurst
	if burst == 0 {
		burst = defaultPushBurst
	}
	g := &Gateway{
		config: config,
		bucket: ratelimit.NewBucketWithRateAndClock(rate, burst, bucketClock{config.Clock}),
		queue:  deque.NewWithMaxLen(maxQueuedAlerts),
		wake:   make(chan struct{}, 1),
	}
	g.tomb.Go(g.loop)
	return g, nil
}

// Kill is part of the worker.Worker interface.
func (g *Gateway) Kill() {
	g.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (g *Gateway) Wait() error {
	return g.tomb.Wait()
}

// Push queues a push notification.
func (g *Gateway) Push(p Push) {
	g.enqueue(envelope{push: &p})
}

// SendEmail queues an email.
func (g *Gateway) SendEmail(e Email) {
	g.enqueue(envelope{email: &e})
}

// SendSMS queues a text message.
func (g *Gateway) SendSMS(m SMS) {
	g.enqueue(envelope{sms: &m})
}

func (g *Gateway) enqueue(env envelope) {
	select {
	case <-g.tomb.Dying():
		logger.Debugf("gateway dying, dropping alert")
		return
	default:
	}
	g.mu.Lock()
	g.queue.PushBack(env)
	g.mu.Unlock()
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *Gateway) loop() error {
	for {
		env, ok := g.next()
		if !ok {
			select {
			case <-g.tomb.Dying():
				return tomb.ErrDying
			case <-g.wake:
				continue
			}
		}
		if wait := g.bucket.Take(1); wait > 0 {
			select {
			case <-g.tomb.Dying():
				return tomb.ErrDying
			case <-g.config.Clock.After(wait):
			}
		}
		g.dispatch(env)
	}
}

func (g *Gateway) next() (envelope, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.queue.PopFront()
	if !ok {
		return envelope{}, false
	}
	return v.(envelope), true
}

func (g *Gateway) dispatch(env envelope) {
	ctx := g.tomb.Context(context.Background())
	switch {
	case env.push != nil:
		err := g.config.Pusher.Push(ctx, *env.push)
		if errors.Is(err, ErrInvalidToken) {
			g.removeToken(ctx, env.push.Token)
		} else if err != nil {
			logger.Warningf("push to %s failed: %v", env.push.Token, err)
		}
	case env.email != nil:
		if err := g.config.Email.SendEmail(ctx, *env.email); err != nil {
			logger.Warningf("email to %s failed: %v", env.email.To, err)
		}
	case env.sms != nil:
		if err := g.config.SMS.SendSMS(ctx, *env.sms); err != nil {
			logger.Warningf("sms to %s failed: %v", env.sms.To, err)
		}
	}
}

// removeToken handles provider feedback: the token is dead, stop using
// it. Best effort like everything else here.
func (g *Gateway) removeToken(ctx context.Context, token PushToken) {
	logger.Infof("provider rejected token %s, unregistering", token)
	if g.config.Tokens == nil {
		return
	}
	if err := g.config.Tokens.RemoveToken(ctx, token.String()); err != nil {
		logger.Warningf("unregistering token %s: %v", token, err)
	}
}
