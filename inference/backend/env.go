package backend

import "sync"

// environment reference counts users of a process wide native environment. It only tears
// the environment down when it was the one that set it up.
type environment struct {
	mu    sync.Mutex
	refs  int
	owned bool
}

// acquire registers a user, calling setup when no user holds the environment and nobody
// else has initialized it.
func (e *environment) acquire(initialized func() bool, setup func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refs == 0 && !initialized() {
		if err := setup(); err != nil {
			return err
		}
		e.owned = true
	}
	e.refs++
	return nil
}

// release drops a user. The last user destroys the environment if acquire created it.
func (e *environment) release(destroy func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refs == 0 {
		return nil
	}
	e.refs--
	if e.refs > 0 || !e.owned {
		return nil
	}
	e.owned = false
	return destroy()
}
