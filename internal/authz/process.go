package authz

import (
	"github.com/hostsentry/hostsentry/pkg/types"
)

// ProcessMessage runs handler synchronously: it has invoked the handler
// and, if the handler did not reply, sent the fail-safe default by the
// time it returns. Used when an event kind demands minimal added latency
// and no extra context.
func (c *Client) ProcessMessage(m *Message, handler func(*Message)) {
	defer c.ensureAnswered(m)
	handler(m)
}

// ProcessEnrichedMessage hands ownership of em to handler. The handler
// must consume it exactly once; whatever it does, the message leaves this
// call answered.
func (c *Client) ProcessEnrichedMessage(em *EnrichedMessage, handler func(*EnrichedMessage)) {
	defer c.ensureAnswered(em.Msg)
	handler(em)
}

// AsynchronouslyProcess hands m to the worker pool so the delivery
// goroutine returns immediately. The handler still produces exactly one
// reply within the original deadline; the pool bound applies to handler
// execution, not to the handoff.
func (c *Client) AsynchronouslyProcess(m *Message, handler func(*Message)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sem <- struct{}{}
		defer func() { <-c.sem }()
		defer c.ensureAnswered(m)
		handler(m)
	}()
}

// ensureAnswered is the structural backstop pairing every admission with
// a reply: any authorization message leaving a processing scope without
// one gets the fail-safe default.
func (c *Client) ensureAnswered(m *Message) {
	if !m.Kind().AuthorizationClass() || m.Replied() {
		return
	}
	action := types.ActionAllow
	if c.failClosed(m.Kind()) {
		action = types.ActionDeny
	}
	c.RespondToMessage(m, action, false)
}
