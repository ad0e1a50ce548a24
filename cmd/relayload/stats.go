package main

import (
	"sync/atomic"
	"time"
)

// Stats tracks load test counters. All fields are updated concurrently by
// the bots.
type Stats struct {
	connected    atomic.Int64
	dialFailed   atomic.Int64
	loginFailed  atomic.Int64
	joinFailed   atomic.Int64
	disconnected atomic.Int64

	sent        atomic.Int64
	sendDropped atomic.Int64 // client queue full
	sendFailed  atomic.Int64
	received    atomic.Int64

	totalLatency atomic.Int64 // nanoseconds, over latencies
	latencies    atomic.Int64
	maxLatency   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Connected    int64
	DialFailed   int64
	LoginFailed  int64
	JoinFailed   int64
	Disconnected int64
	Sent         int64
	SendDropped  int64
	SendFailed   int64
	Received     int64
	AvgLatency   time.Duration
	MaxLatency   time.Duration
}

func (s *Stats) recordReceived(packet []byte, now time.Time) {
	s.received.Add(1)

	sentAt, ok := packetTimestamp(packet)
	if !ok {
		return
	}
	latency := now.Sub(sentAt)
	if latency < 0 {
		return
	}
	s.totalLatency.Add(int64(latency))
	s.latencies.Add(1)
	for {
		current := s.maxLatency.Load()
		if int64(latency) <= current || s.maxLatency.CompareAndSwap(current, int64(latency)) {
			return
		}
	}
}

func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Connected:    s.connected.Load(),
		DialFailed:   s.dialFailed.Load(),
		LoginFailed:  s.loginFailed.Load(),
		JoinFailed:   s.joinFailed.Load(),
		Disconnected: s.disconnected.Load(),
		Sent:         s.sent.Load(),
		SendDropped:  s.sendDropped.Load(),
		SendFailed:   s.sendFailed.Load(),
		Received:     s.received.Load(),
		MaxLatency:   time.Duration(s.maxLatency.Load()),
	}
	if n := s.latencies.Load(); n > 0 {
		snap.AvgLatency = time.Duration(s.totalLatency.Load() / n)
	}
	return snap
}
