// SPDX-License-Identifier: ice License 1.0

package ratelimit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ice-blockchain/moar/ratelimit"
)

func TestConnectionLimit_AllowsUnderMax(t *testing.T) {
	l := ratelimit.New()
	limits := ratelimit.Limits{MaxConnections: 2}
	assert.True(t, l.TryConnect("1.2.3.4", limits))
	assert.True(t, l.TryConnect("1.2.3.4", limits))
}

func TestConnectionLimit_RejectsAtMax(t *testing.T) {
	l := ratelimit.New()
	limits := ratelimit.Limits{MaxConnections: 1}
	assert.True(t, l.TryConnect("1.2.3.4", limits))
	assert.False(t, l.TryConnect("1.2.3.4", limits))
}

func TestDisconnect_FreesSlot(t *testing.T) {
	l := ratelimit.New()
	limits := ratelimit.Limits{MaxConnections: 1}
	assert.True(t, l.TryConnect("1.2.3.4", limits))
	l.Disconnect("1.2.3.4")
	assert.True(t, l.TryConnect("1.2.3.4", limits))
}

func TestNoConnectionLimit_AlwaysAllows(t *testing.T) {
	l := ratelimit.New()
	limits := ratelimit.Limits{MaxConnections: -1}
	for i := 0; i < 100; i++ {
		assert.True(t, l.TryConnect("1.2.3.4", limits))
	}
}

func TestDifferentIPs_Independent(t *testing.T) {
	l := ratelimit.New()
	limits := ratelimit.Limits{MaxConnections: 1}
	assert.True(t, l.TryConnect("1.1.1.1", limits))
	assert.True(t, l.TryConnect("2.2.2.2", limits))
}

func TestWriteRate_AllowsUnderLimit(t *testing.T) {
	l := ratelimit.New()
	limits := ratelimit.Limits{WritesPerMinute: 5}
	for i := 0; i < 5; i++ {
		assert.True(t, l.CheckWrite("1.2.3.4", limits))
	}
}

func TestWriteRate_BlocksAtLimit(t *testing.T) {
	l := ratelimit.New()
	limits := ratelimit.Limits{WritesPerMinute: 1}
	assert.True(t, l.CheckWrite("1.2.3.4", limits))
	assert.False(t, l.CheckWrite("1.2.3.4", limits))
}

func TestReadRate_BlocksAtLimit(t *testing.T) {
	l := ratelimit.New()
	limits := ratelimit.Limits{ReadsPerMinute: 1}
	assert.True(t, l.CheckRead("1.2.3.4", limits))
	assert.False(t, l.CheckRead("1.2.3.4", limits))
}

func TestNoRateLimit_AlwaysAllows(t *testing.T) {
	l := ratelimit.New()
	limits := ratelimit.Limits{WritesPerMinute: -1}
	for i := 0; i < 100; i++ {
		assert.True(t, l.CheckWrite("1.2.3.4", limits))
	}
}

func TestCleanup_NothingEvictedWithinIdleWindow(t *testing.T) {
	l := ratelimit.New()
	limits := ratelimit.Limits{MaxConnections: 5}
	assert.True(t, l.TryConnect("1.1.1.1", limits)) // stays connected
	assert.True(t, l.TryConnect("2.2.2.2", limits))
	l.Disconnect("2.2.2.2")

	l.Cleanup() // idle window hasn't elapsed yet, nothing evicted
	assert.True(t, l.TryConnect("1.1.1.1", limits))
}
