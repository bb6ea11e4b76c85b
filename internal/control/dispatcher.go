package control

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/digitalocean/go-libvirt"
)

// Monitor command flags.
const (
	// MonitorCommandDefault sends the command as QMP JSON.
	MonitorCommandDefault uint32 = 0
	// MonitorCommandHMP sends the command to the human monitor.
	MonitorCommandHMP uint32 = 1 << 0
)

// Agent command timeouts, in seconds. Positive values are a timeout in
// seconds.
const (
	AgentTimeoutBlock   = -2
	AgentTimeoutDefault = -1
	AgentTimeoutNoWait  = 0

	// agentDefaultSeconds is how long the daemon waits for AgentTimeoutDefault.
	agentDefaultSeconds = 5
)

// Command kinds reported to the Observer.
const (
	KindMonitor      = "monitor"
	KindAgent        = "agent"
	KindMonitorFiles = "monitor-files"
)

// MonitorCommand sends command to the domain's QEMU monitor and returns the
// raw reply. It blocks for the round trip.
func (c *Connection) MonitorCommand(ctx context.Context, d *Domain, command string, flags uint32) (string, error) {
	const op = "monitor-command"
	start := time.Now()

	result, err := c.monitorCommand(ctx, op, d, command, flags)
	c.observer.CommandCompleted(KindMonitor, time.Since(start), err)
	return result, err
}

func (c *Connection) monitorCommand(ctx context.Context, op string, d *Domain, command string, flags uint32) (string, error) {
	if err := c.check(op, nameOf(d)); err != nil {
		return "", err
	}
	dom, err := c.resolve(op, d)
	if err != nil {
		return "", err
	}
	if command == "" {
		return "", argumentErrorf(op, dom.Name, "empty command")
	}
	if err := ctx.Err(); err != nil {
		return "", newError(op, dom.Name, ErrCommand, err)
	}

	var result string
	c.blocking(func() {
		result, err = c.transport.QEMUDomainMonitorCommand(dom, command, flags)
	})
	if err != nil {
		return "", c.transportError(op, dom.Name, ErrCommand, err)
	}

	return result, nil
}

// AgentCommand sends command to the guest agent running inside the domain.
//
// timeout is in seconds, or one of the AgentTimeout* values. Unless the
// timeout is AgentTimeoutBlock, the client stops waiting once the timeout
// plus the connection's agent grace has elapsed and returns
// ErrNoAgentResponse. The transport call itself is not cancelled.
func (c *Connection) AgentCommand(ctx context.Context, d *Domain, command string, timeout int, flags uint32) (string, error) {
	const op = "agent-command"
	start := time.Now()

	result, err := c.agentCommand(ctx, op, d, command, timeout, flags)
	c.observer.CommandCompleted(KindAgent, time.Since(start), err)
	return result, err
}

func (c *Connection) agentCommand(ctx context.Context, op string, d *Domain, command string, timeout int, flags uint32) (string, error) {
	if err := c.check(op, nameOf(d)); err != nil {
		return "", err
	}
	dom, err := c.resolve(op, d)
	if err != nil {
		return "", err
	}
	if command == "" {
		return "", argumentErrorf(op, dom.Name, "empty command")
	}
	if timeout < AgentTimeoutBlock || timeout > math.MaxInt32 {
		return "", argumentErrorf(op, dom.Name, "invalid agent timeout %d", timeout)
	}
	if err := ctx.Err(); err != nil {
		return "", newError(op, dom.Name, ErrCommand, err)
	}

	type reply struct {
		result libvirt.OptString
		err    error
	}
	replyCh := make(chan reply, 1)

	var r reply
	c.blocking(func() {
		go func() {
			res, err := c.transport.QEMUDomainAgentCommand(dom, command, int32(timeout), flags)
			replyCh <- reply{result: res, err: err}
		}()

		deadline, bounded := c.agentDeadline(timeout)
		if !bounded {
			r = <-replyCh
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()

		select {
		case r = <-replyCh:
		case <-timer.C:
			r = reply{err: ErrNoAgentResponse}
		}
	})

	if errors.Is(r.err, ErrNoAgentResponse) {
		c.log.V(1).Info("guest agent did not answer in time", "domain", dom.Name, "timeout", timeout)
		return "", newError(op, dom.Name, ErrCommand, ErrNoAgentResponse)
	}
	if r.err != nil {
		return "", c.transportError(op, dom.Name, ErrCommand, r.err)
	}
	if len(r.result) == 0 {
		return "", newError(op, dom.Name, ErrCommand, ErrNoAgentResponse)
	}

	return r.result[0], nil
}

// agentDeadline returns how long to wait for an agent reply. bounded is
// false when the caller asked to block until the agent answers.
func (c *Connection) agentDeadline(timeout int) (deadline time.Duration, bounded bool) {
	switch timeout {
	case AgentTimeoutBlock:
		return 0, false
	case AgentTimeoutDefault:
		return agentDefaultSeconds*time.Second + c.agentGrace, true
	default:
		return time.Duration(timeout)*time.Second + c.agentGrace, true
	}
}

func nameOf(d *Domain) string {
	if d == nil {
		return ""
	}
	return d.name
}
