// Package loop drives motion cores from a host goroutine and lets them ask for the
// fastest tick rate only while they have work to do.
package loop

import "sync/atomic"

// HighFrequency counts outstanding requests for high-frequency ticking.
// The zero value is ready to use.
type HighFrequency struct {
	count atomic.Int64
}

// Acquire registers a request. It stays in force until the returned handle is released.
func (h *HighFrequency) Acquire() Request {
	h.count.Add(1)
	return Request{owner: h}
}

// Active reports whether any request is outstanding.
func (h *HighFrequency) Active() bool {
	return h.count.Load() > 0
}

// Request is a handle on one high-frequency request. The zero value holds nothing.
type Request struct {
	owner *HighFrequency
}

// Held reports whether r still holds its request.
func (r *Request) Held() bool {
	return r.owner != nil
}

// Release gives the request back. Releasing twice is a no-op.
func (r *Request) Release() {
	if r.owner == nil {
		return
	}
	r.owner.count.Add(-1)
	r.owner = nil
}
