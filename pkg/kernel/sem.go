package kernel

import "sync"

// Semaphore is the kernel sleep primitive. Waiting transitions the
// calling process to SLEEPING (alertable) or DEEPSLEEPING
// (uninterruptible); posting wakes the longest waiter through the
// scheduler. val goes negative while processes are blocked.
type Semaphore struct {
	k *Kernel

	mu      sync.Mutex
	val     int
	waiters []*semWait
}

type semWait struct {
	p  *Proc
	up bool
}

// NewSem creates a semaphore with the given initial value.
func (k *Kernel) NewSem(val int) *Semaphore {
	return &Semaphore{k: k, val: val}
}

// Post increments the semaphore and wakes the first waiter, if any. It
// may be called from any context, process or host.
func (s *Semaphore) Post() {
	s.mu.Lock()
	s.val++
	if s.val <= 0 && len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w.up = true
		s.mu.Unlock()
		s.k.activateProc(w.p, false)
		return
	}
	s.mu.Unlock()
}

// Wait blocks alertably. It returns false when the wait was cut short
// by a kill alert; the token was not consumed in that case.
func (s *Semaphore) Wait(e *Env) bool { return s.wait(e, true) }

// WaitUninterruptible blocks in DEEPSLEEPING: kill alerts do not wake
// the process, only a Post does.
func (s *Semaphore) WaitUninterruptible(e *Env) { s.wait(e, false) }

func (s *Semaphore) wait(e *Env, alertable bool) bool {
	s.mu.Lock()
	s.val--
	if s.val >= 0 {
		s.mu.Unlock()
		return true
	}

	w := &semWait{p: e.p}
	s.waiters = append(s.waiters, w)

	state := DeepSleeping
	if alertable {
		state = Sleeping
	}
	// Hold the semaphore until the scheduler lock is taken so a
	// concurrent Post cannot activate us before we sleep.
	k := s.k
	k.schedMu.Lock()
	s.mu.Unlock()
	k.schedLocked(e.p.cpu, state)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !w.up {
		// Alerted, not posted: withdraw and give the token back.
		for i, o := range s.waiters {
			if o == w {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
		s.val++
		return false
	}
	return true
}

// Value reports the current counter, for observability.
func (s *Semaphore) Value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val
}
