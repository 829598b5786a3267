package network

import "sync"

// ipCounter caps concurrent holders per remote IP. max <= 0 disables the cap.
type ipCounter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newIPCounter(max int) *ipCounter {
	return &ipCounter{max: max, counts: make(map[string]int)}
}

func (c *ipCounter) acquire(ip string) bool {
	if c.max <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] >= c.max {
		return false
	}
	c.counts[ip]++
	return true
}

func (c *ipCounter) release(ip string) {
	if c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] <= 1 {
		delete(c.counts, ip)
		return
	}
	c.counts[ip]--
}

func (c *ipCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.counts {
		n += v
	}
	return n
}

type ipLimiter struct {
	conns   *ipCounter
	streams *ipCounter
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{conns: newIPCounter(maxConns), streams: newIPCounter(maxStreams)}
}

func (l *ipLimiter) acquireConn(ip string) bool   { return l.conns.acquire(ip) }
func (l *ipLimiter) releaseConn(ip string)        { l.conns.release(ip) }
func (l *ipLimiter) acquireStream(ip string) bool { return l.streams.acquire(ip) }
func (l *ipLimiter) releaseStream(ip string)      { l.streams.release(ip) }
