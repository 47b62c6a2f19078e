// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
)

// StunRequest is one outgoing STUN transaction.
type StunRequest interface {
	// Prepare fills in a message whose transaction id is already set.
	Prepare(m *stun.Message) error
	// OnResponse is called once for a matching success response.
	OnResponse(m *stun.Message, elapsed time.Duration)
	// OnErrorResponse is called once for a matching error response.
	OnErrorResponse(m *stun.Message, elapsed time.Duration)
	// OnTimeout is called when no response arrived within Timeout.
	OnTimeout()
	Timeout() time.Duration
}

type pendingStunRequest struct {
	request StunRequest
	msg     *stun.Message
	sentAt  time.Time
	stop    func() bool
}

// StunRequestManager matches responses to outstanding requests by
// transaction id. It must only be used from the scheduler's context.
type StunRequestManager struct {
	sched    Scheduler
	send     func(m *stun.Message) error
	log      logging.LeveledLogger
	requests map[[stun.TransactionIDSize]byte]*pendingStunRequest
}

// NewStunRequestManager creates a manager that writes requests with send.
func NewStunRequestManager(sched Scheduler, send func(m *stun.Message) error, log logging.LeveledLogger) *StunRequestManager {
	return &StunRequestManager{
		sched:    sched,
		send:     send,
		log:      log,
		requests: map[[stun.TransactionIDSize]byte]*pendingStunRequest{},
	}
}

// Send builds and sends req, returning the message that went out. A
// failed write still leaves the request pending so it times out.
func (r *StunRequestManager) Send(req StunRequest) (*stun.Message, error) {
	m := stun.New()
	m.TransactionID = stun.NewTransactionID()
	if err := req.Prepare(m); err != nil {
		return nil, err
	}

	id := m.TransactionID
	pending := &pendingStunRequest{
		request: req,
		msg:     m,
		sentAt:  r.sched.Now(),
	}
	pending.stop = r.sched.AfterFunc(req.Timeout(), func() {
		if r.requests[id] != pending {
			return
		}
		delete(r.requests, id)
		req.OnTimeout()
	})
	r.requests[id] = pending

	if err := r.send(m); err != nil {
		r.log.Debugf("Failed to send %s: %v", m.Type, err)
	}

	return m, nil
}

// CheckResponse delivers m to the request it answers and reports
// whether one matched.
func (r *StunRequestManager) CheckResponse(m *stun.Message) bool {
	pending, ok := r.requests[m.TransactionID]
	if !ok {
		r.log.Tracef("Ignoring %s for unknown transaction", m.Type)

		return false
	}

	if m.Type.Method != pending.msg.Type.Method {
		r.log.Warnf("Response type %s does not match request %s", m.Type, pending.msg.Type)

		return false
	}

	switch m.Type.Class {
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
	default:
		r.log.Warnf("Unexpected %s for pending %s", m.Type, pending.msg.Type)

		return false
	}

	delete(r.requests, m.TransactionID)
	pending.stop()
	elapsed := r.sched.Now().Sub(pending.sentAt)

	if m.Type.Class == stun.ClassSuccessResponse {
		pending.request.OnResponse(m, elapsed)
	} else {
		pending.request.OnErrorResponse(m, elapsed)
	}

	return true
}

// Has reports whether a request with the transaction id is pending.
func (r *StunRequestManager) Has(id [stun.TransactionIDSize]byte) bool {
	_, ok := r.requests[id]

	return ok
}

// Request returns the message of a pending transaction.
func (r *StunRequestManager) Request(id [stun.TransactionIDSize]byte) (*stun.Message, bool) {
	pending, ok := r.requests[id]
	if !ok {
		return nil, false
	}

	return pending.msg, true
}

// Empty reports whether nothing is pending.
func (r *StunRequestManager) Empty() bool {
	return len(r.requests) == 0
}

// Clear forgets every pending request without calling back.
func (r *StunRequestManager) Clear() {
	for id, pending := range r.requests {
		pending.stop()
		delete(r.requests, id)
	}
}
