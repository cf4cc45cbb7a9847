package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	callGateInflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "elscout_callgate_inflight_requests",
		Help: "Number of in-flight requests per endpoint class",
	}, []string{"gate"})
	callGateAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "elscout_callgate_acquires_total",
		Help: "Number of acquired request slots per endpoint class",
	}, []string{"gate"})
)

// CallGate throttles calls against one endpoint class. It enforces two
// orthogonal limits: a maximum number of concurrent in-flight requests and
// a minimum interval between request starts. The gate only delays, it
// never fails on its own.
type CallGate struct {
	name        string
	slots       chan struct{}
	limiter     *rate.Limiter
	minInterval time.Duration

	slowdownMutex sync.Mutex
	slowdownUntil time.Time

	inflight prometheus.Gauge
	acquires prometheus.Counter
}

// NewCallGate creates a gate with maxConcurrent slots and minInterval
// between request starts. minInterval 0 disables the interval limit.
func NewCallGate(name string, maxConcurrent int, minInterval time.Duration) *CallGate {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}

	return &CallGate{
		name:        name,
		slots:       make(chan struct{}, maxConcurrent),
		limiter:     rate.NewLimiter(limit, 1),
		minInterval: minInterval,
		inflight:    callGateInflight.WithLabelValues(name),
		acquires:    callGateAcquires.WithLabelValues(name),
	}
}

// Acquire blocks until a slot is free and the interval limit allows a new
// request start. The returned release function must be called exactly once
// when the request finishes. Cancelling ctx releases any partially held
// state.
func (cg *CallGate) Acquire(ctx context.Context) (func(), error) {
	select {
	case cg.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	err := cg.limiter.Wait(ctx)
	if err != nil {
		<-cg.slots
		return nil, err
	}

	cg.inflight.Inc()
	cg.acquires.Inc()

	var releaseOnce sync.Once
	return func() {
		releaseOnce.Do(func() {
			cg.inflight.Dec()
			<-cg.slots
		})
	}, nil
}

// Slowdown doubles the minimum interval for the given duration. Used after
// an upstream rate limit response. Repeated calls extend the slowdown
// window without stacking the factor.
func (cg *CallGate) Slowdown(duration time.Duration) {
	if cg.minInterval == 0 {
		return
	}

	cg.slowdownMutex.Lock()
	defer cg.slowdownMutex.Unlock()

	now := time.Now()
	if cg.slowdownUntil.Before(now) {
		cg.limiter.SetLimit(rate.Every(2 * cg.minInterval))
		time.AfterFunc(duration, cg.restoreLimit)
	}
	cg.slowdownUntil = now.Add(duration)
}

func (cg *CallGate) restoreLimit() {
	cg.slowdownMutex.Lock()
	defer cg.slowdownMutex.Unlock()

	if time.Now().Before(cg.slowdownUntil) {
		// window was extended, check again later
		time.AfterFunc(time.Until(cg.slowdownUntil), cg.restoreLimit)
		return
	}
	cg.limiter.SetLimit(rate.Every(cg.minInterval))
}
