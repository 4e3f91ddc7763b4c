package health

import (
	"errors"
	"sync"
)

// StartupCompleteChecker fails until MarkComplete has been called.
type StartupCompleteChecker struct {
	mu       sync.Mutex
	complete bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.complete = true
}

func (c *StartupCompleteChecker) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complete {
		return nil
	}
	return errors.New("startup is not complete")
}
