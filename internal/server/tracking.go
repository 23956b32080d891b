package server

import (
	"hash/crc64"
	"strconv"
)

// Client side caching: keys tracking and invalidation.
//
// Keys are grouped into 1<<24 slots by crc64 of the key, and the server
// remembers which clients may hold local copies of keys in each slot.
// When a key in a slot changes every remembered client receives an
// invalidation push carrying the slot number. The table stores only
// client ids, so a dying client costs nothing to clean up: stale ids
// are dropped lazily when a slot is invalidated.
//
// All tracking state is guarded by the global lock.

const trackingTableSize = 1 << 24

var trackingCRCTable = crc64.MakeTable(crc64.ISO)

func trackingSlot(key []byte) uint64 {
	return crc64.Checksum(key, trackingCRCTable) & (trackingTableSize - 1)
}

// invalidationChannel is where RESP2 clients redirected to a pub/sub
// connection receive their invalidation traffic.
const invalidationChannel = "__finch__:invalidate"

// enableTracking turns tracking on for c, optionally redirecting the
// invalidation traffic to another client id. Multiple clients may
// redirect to the same target.
func (s *Server) enableTracking(c *client, redirectTo uint64) {
	if c.flags.tracking {
		c.trackingRedirect = redirectTo
		return
	}
	c.flags.tracking = true
	c.flags.trackingBrokenRedir = false
	c.trackingRedirect = redirectTo
	s.trackingClients++
	if s.trackingTable == nil {
		s.trackingTable = make(map[uint64]map[uint64]struct{})
	}
}

// disableTracking drops the tracking state. The table keeps the id
// until the next invalidation of each slot touches it.
func (s *Server) disableTracking(c *client) {
	if c.flags.tracking {
		s.trackingClients--
		c.flags.tracking = false
		c.flags.trackingBrokenRedir = false
		c.trackingRedirect = 0
	}
}

// trackingRememberKeys records that the current client may cache the key
// arguments of the readonly command it just ran.
func (s *Server) trackingRememberKeys(c *client) {
	keys := commandKeys(c)
	for _, key := range keys {
		slot := trackingSlot(key)
		ids := s.trackingTable[slot]
		if ids == nil {
			ids = make(map[uint64]struct{})
			s.trackingTable[slot] = ids
		}
		ids[c.id] = struct{}{}
	}
}

// trackingInvalidateKey notifies every client that may cache the given
// key. Invalidation pushes for clients owned by other threads go
// through the async reply surface. Caller holds the global lock.
func (s *Server) trackingInvalidateKey(key []byte) {
	if s.trackingTable == nil {
		return
	}
	slot := trackingSlot(key)
	ids := s.trackingTable[slot]
	if ids == nil {
		return
	}

	for id := range ids {
		c := s.lookupClientByID(id)
		if c == nil {
			continue
		}

		target := c
		usingRedirection := false
		if c.trackingRedirect != 0 {
			redir := s.lookupClientByID(c.trackingRedirect)
			if redir == nil {
				// Tell the tracking connection its redirect target is
				// gone so it can stop trusting its cache.
				s.withClientLocked(c, func() {
					c.flags.trackingBrokenRedir = true
					if c.resp > 2 {
						fAsync := !s.onOwnerThread(c)
						s.addReplyPushLenCore(c, 3, fAsync)
						s.addReplyBulkCore(c, []byte("tracking-redir-broken"), fAsync)
						s.addReplyLongLongCore(c, int64(c.trackingRedirect), fAsync)
					}
				})
				continue
			}
			target = redir
			usingRedirection = true
		}

		s.withClientLocked(target, func() {
			fAsync := !s.onOwnerThread(target)
			switch {
			case target.resp > 2:
				s.addReplyPushLenCore(target, 2, fAsync)
				s.addReplyBulkCore(target, []byte("invalidate"), fAsync)
				s.addReplyLongLongCore(target, int64(slot), fAsync)
			case usingRedirection && target.flags.pubsub:
				// RESP2 redirection targets in pub/sub mode get the
				// invalidation as a message on the dedicated channel.
				payload := strconv.FormatUint(slot, 10)
				s.addReplyProtoCore(target, []byte("*3\r\n"), fAsync)
				s.addReplyBulkCore(target, []byte("message"), fAsync)
				s.addReplyBulkCore(target, []byte(invalidationChannel), fAsync)
				s.addReplyBulkCore(target, []byte(payload), fAsync)
			}
		})
	}

	// Drop the slot: it is rebuilt the next time tracked keys in it are
	// fetched.
	delete(s.trackingTable, slot)
}

// withClientLocked runs fn holding c's lock unless the caller already
// owns it (same thread reentrancy makes the extra acquire harmless, but
// the helper keeps call sites readable).
func (s *Server) withClientLocked(c *client, fn func()) {
	c.lock.Lock()
	defer c.lock.Unlock()
	fn()
}
