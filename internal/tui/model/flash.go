package model

import (
	"sync"
	"time"
)

// FlashLevel is the severity of a flash message.
type FlashLevel int

const (
	FlashInfo FlashLevel = iota
	FlashErr
)

// Flash holds one transient notification.
type Flash struct {
	mu      sync.RWMutex
	message string
	level   FlashLevel
	expires time.Time
}

// Info shows msg for a few seconds.
func (f *Flash) Info(msg string) { f.set(msg, FlashInfo, 4*time.Second) }

// Err shows err for longer than an info message.
func (f *Flash) Err(err error) { f.set(err.Error(), FlashErr, 10*time.Second) }

func (f *Flash) set(msg string, level FlashLevel, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.level = level
	f.expires = time.Now().Add(d)
}

// Get returns the current message and its level, or empty once expired.
func (f *Flash) Get() (string, FlashLevel) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.expires) {
		return "", FlashInfo
	}
	return f.message, f.level
}
