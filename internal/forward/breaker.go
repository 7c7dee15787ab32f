package forward

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breakers keeps one circuit breaker per upstream host.
type breakers struct {
	mu       sync.Mutex
	byHost   map[string]*gobreaker.TwoStepCircuitBreaker
	trips    uint32
	cooldown time.Duration
}

func newBreakers(trips uint32, cooldown time.Duration) *breakers {
	if trips == 0 {
		trips = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breakers{
		byHost:   make(map[string]*gobreaker.TwoStepCircuitBreaker),
		trips:    trips,
		cooldown: cooldown,
	}
}

func (b *breakers) get(host string) *gobreaker.TwoStepCircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.byHost[host]; ok {
		return cb
	}
	trips := b.trips
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     b.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
	})
	b.byHost[host] = cb
	return cb
}

// open lists hosts whose breaker currently rejects requests.
func (b *breakers) open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var hosts []string
	for host, cb := range b.byHost {
		if cb.State() == gobreaker.StateOpen {
			hosts = append(hosts, host)
		}
	}
	sort.Strings(hosts)
	return hosts
}
