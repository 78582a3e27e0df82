package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
)

// OriginLocks is a set of strictly FIFO mutexes keyed by upstream origin.
// A holder keeps the lock for as long as it has a connection open to the
// origin; waiters are granted the lock in arrival order.
//
//	release, err := locks.Acquire(ctx, key)
//	if err != nil { ... }
//	defer release()
type OriginLocks struct {
	mu    sync.Mutex
	queue map[string]*originQueue
}

type originQueue struct {
	waiters []chan struct{}
}

func NewOriginLocks() *OriginLocks {
	return &OriginLocks{queue: make(map[string]*originQueue)}
}

// Acquire blocks until key is free and returns its release func. Release is
// idempotent. If ctx ends first the caller leaves the queue and ctx.Err() is
// returned.
func (l *OriginLocks) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	q, held := l.queue[key]
	if !held {
		l.queue[key] = &originQueue{}
		l.mu.Unlock()
		return l.releaser(key), nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return l.releaser(key), nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			l.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	l.mu.Unlock()
	// Handed the lock between cancellation and removal: pass it on.
	l.releaser(key)()
	return nil, ctx.Err()
}

func (l *OriginLocks) releaser(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			q := l.queue[key]
			if q == nil {
				return
			}
			if len(q.waiters) == 0 {
				delete(l.queue, key)
				return
			}
			next := q.waiters[0]
			q.waiters = q.waiters[1:]
			close(next)
		})
	}
}

// Held reports whether key is currently locked.
func (l *OriginLocks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.queue[key]
	return ok
}

// Waiting returns the number of callers queued behind the holder of key.
func (l *OriginLocks) Waiting(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q := l.queue[key]; q != nil {
		return len(q.waiters)
	}
	return 0
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"rtmp":  "1935",
	"rtmps": "443",
	"rtsp":  "554",
}

// OriginKey normalises rawURL to scheme://host:port. With byIP set the host
// is replaced by its first resolved address so aliases of one server share
// a lock.
func OriginKey(ctx context.Context, rawURL string, byIP bool) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("origin key: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if scheme == "" || host == "" {
		return "", fmt.Errorf("origin key: %q has no scheme or host", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = defaultPorts[scheme]
	}
	if byIP && net.ParseIP(host) == nil {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return "", fmt.Errorf("origin key: resolve %s: %w", host, err)
		}
		if len(addrs) > 0 {
			host = addrs[0].IP.String()
		}
	}
	if port == "" {
		return scheme + "://" + hostLiteral(host), nil
	}
	return scheme + "://" + net.JoinHostPort(host, port), nil
}

func hostLiteral(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}
