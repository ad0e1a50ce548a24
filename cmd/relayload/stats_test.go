package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPacketTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	packet := make([]byte, 32)
	stampPacket(packet, now)

	got, ok := packetTimestamp(packet)
	assert.True(t, ok)
	assert.True(t, now.Equal(got))

	_, ok = packetTimestamp([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestStatsLatency(t *testing.T) {
	var stats Stats
	sentAt := time.Unix(1700000000, 0)

	for _, delay := range []time.Duration{10 * time.Millisecond, 30 * time.Millisecond} {
		packet := make([]byte, timestampSize)
		stampPacket(packet, sentAt)
		stats.recordReceived(packet, sentAt.Add(delay))
	}
	// Too short to carry a timestamp; counted but not timed
	stats.recordReceived([]byte{0}, sentAt)

	snap := stats.Snapshot()
	assert.Equal(t, int64(3), snap.Received)
	assert.Equal(t, 20*time.Millisecond, snap.AvgLatency)
	assert.Equal(t, 30*time.Millisecond, snap.MaxLatency)
}
