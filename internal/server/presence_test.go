package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPresenceSet_MarkOnline(t *testing.T) {
	p := NewPresenceSet()

	assert.True(t, p.MarkOnline("alice"), "expected first connection to transition the user online")
	assert.True(t, p.IsOnline("alice"))

	assert.False(t, p.MarkOnline("alice"), "expected second connection to be a no-op transition")
	assert.True(t, p.IsOnline("alice"))
}

func TestPresenceSet_MarkOffline(t *testing.T) {
	p := NewPresenceSet()

	t.Run("unknown user", func(t *testing.T) {
		assert.False(t, p.MarkOffline("ghost"), "expected no transition for a user never marked online")
	})

	t.Run("last connection transitions offline", func(t *testing.T) {
		p.MarkOnline("alice")
		p.MarkOnline("alice")

		assert.False(t, p.MarkOffline("alice"), "expected user to stay online while a connection remains")
		assert.True(t, p.IsOnline("alice"))

		assert.True(t, p.MarkOffline("alice"), "expected last connection to transition the user offline")
		assert.False(t, p.IsOnline("alice"))
	})
}

func TestPresenceSet_Reset(t *testing.T) {
	p := NewPresenceSet()
	p.MarkOnline("alice")
	p.MarkOnline("bob")

	p.Reset()

	assert.False(t, p.IsOnline("alice"))
	assert.False(t, p.IsOnline("bob"))
	assert.True(t, p.MarkOnline("alice"), "expected reset state to treat the next connection as a fresh transition")
}

func TestPresenceSet_Concurrent(t *testing.T) {
	p := NewPresenceSet()

	const conns = 50
	var wg sync.WaitGroup
	wg.Add(conns)
	for i := 0; i < conns; i++ {
		go func() {
			defer wg.Done()
			p.MarkOnline("alice")
		}()
	}
	wg.Wait()

	assert.True(t, p.IsOnline("alice"))

	offline := 0
	wg.Add(conns)
	var mu sync.Mutex
	for i := 0; i < conns; i++ {
		go func() {
			defer wg.Done()
			if p.MarkOffline("alice") {
				mu.Lock()
				offline++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, offline, "expected exactly one offline transition")
	assert.False(t, p.IsOnline("alice"))
}
