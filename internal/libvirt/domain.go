package libvirt

import (
	"context"
	"fmt"
	"log"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"
)

// GuestAgentChannel is the virtio-serial channel name of the QEMU guest agent.
const GuestAgentChannel = "org.qemu.guest_agent.0"

// domainAPI is the subset of *libvirt.Libvirt used for domain inspection.
type domainAPI interface {
	ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
	DomainLookupByName(Name string) (libvirt.Domain, error)
	DomainGetState(Dom libvirt.Domain, Flags uint32) (int32, int32, error)
	DomainGetInfo(Dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error)
	DomainGetAutostart(Dom libvirt.Domain) (int32, error)
	DomainGetXMLDesc(Dom libvirt.Domain, Flags libvirt.DomainXMLFlags) (string, error)
}

// DomainInfo describes one domain.
type DomainInfo struct {
	Name      string        `json:"name" yaml:"name"`
	UUID      string        `json:"uuid" yaml:"uuid"`
	ID        int32         `json:"id" yaml:"id"`
	State     string        `json:"state" yaml:"state"`
	Autostart bool          `json:"autostart" yaml:"autostart"`
	CPUs      uint16        `json:"cpus" yaml:"cpus"`
	MemoryMB  uint64        `json:"memory_mb" yaml:"memory_mb"`
	Agent     *AgentChannel `json:"agent,omitempty" yaml:"agent,omitempty"`
}

// AgentChannel describes the guest agent channel of a domain.
type AgentChannel struct {
	// Path is the host side unix socket, if any.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// State is "connected" or "disconnected" while the domain runs, and
	// empty otherwise.
	State string `json:"state,omitempty" yaml:"state,omitempty"`
}

// Connected reports whether the agent inside the guest has opened the channel.
func (a *AgentChannel) Connected() bool {
	return a != nil && a.State == "connected"
}

// ListDomains lists all domains, running and stopped.
func (c *Client) ListDomains(ctx context.Context) ([]DomainInfo, error) {
	return listWithDeps(ctx, c.libvirt)
}

// Inspect returns details about the named domain, including its guest
// agent channel.
func (c *Client) Inspect(ctx context.Context, name string) (*DomainInfo, error) {
	return inspectWithDeps(ctx, c.libvirt, name)
}

// listWithDeps lists domains with injected dependencies.
func listWithDeps(_ context.Context, lv domainAPI) ([]DomainInfo, error) {
	// NeedResults: 1 means populate the domains slice
	// Flags: 0 means all domains (active and inactive)
	domains, _, err := lv.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	infos := make([]DomainInfo, 0, len(domains))
	for _, domain := range domains {
		info, err := getDomainInfo(lv, domain)
		if err != nil {
			log.Printf("Warning: failed to get info for domain %s: %v", domain.Name, err)
			continue
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// inspectWithDeps inspects one domain with injected dependencies.
func inspectWithDeps(_ context.Context, lv domainAPI, name string) (*DomainInfo, error) {
	domain, err := lv.DomainLookupByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up domain %s: %w", name, err)
	}

	info, err := getDomainInfo(lv, domain)
	if err != nil {
		return nil, err
	}

	xml, err := lv.DomainGetXMLDesc(domain, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get XML for domain %s: %w", name, err)
	}
	agent, err := agentChannelFromXML(xml)
	if err != nil {
		return nil, fmt.Errorf("failed to parse XML for domain %s: %w", name, err)
	}
	info.Agent = agent

	return &info, nil
}

// getDomainInfo gets state, sizing and autostart for a single domain.
func getDomainInfo(lv domainAPI, domain libvirt.Domain) (DomainInfo, error) {
	state, _, err := lv.DomainGetState(domain, 0)
	if err != nil {
		return DomainInfo{}, fmt.Errorf("failed to get domain state: %w", err)
	}

	_, _, memory, nrVirtCPU, _, err := lv.DomainGetInfo(domain)
	if err != nil {
		return DomainInfo{}, fmt.Errorf("failed to get domain info: %w", err)
	}

	autostart, err := lv.DomainGetAutostart(domain)
	if err != nil {
		log.Printf("Warning: failed to get autostart for %s: %v", domain.Name, err)
		autostart = 0
	}

	return DomainInfo{
		Name:      domain.Name,
		UUID:      uuid.UUID(domain.UUID).String(),
		ID:        domain.ID,
		State:     StateString(state),
		Autostart: autostart != 0,
		CPUs:      nrVirtCPU,
		MemoryMB:  memory / 1024,
	}, nil
}

// agentChannelFromXML finds the guest agent channel in a domain definition.
// It returns nil when the domain has none.
func agentChannelFromXML(xml string) (*AgentChannel, error) {
	var domain libvirtxml.Domain
	if err := domain.Unmarshal(xml); err != nil {
		return nil, err
	}
	if domain.Devices == nil {
		return nil, nil
	}

	for _, ch := range domain.Devices.Channels {
		if ch.Target == nil || ch.Target.VirtIO == nil || ch.Target.VirtIO.Name != GuestAgentChannel {
			continue
		}
		agent := &AgentChannel{State: ch.Target.VirtIO.State}
		if ch.Source != nil && ch.Source.UNIX != nil {
			agent.Path = ch.Source.UNIX.Path
		}
		return agent, nil
	}
	return nil, nil
}

// StateString converts a libvirt domain state to a human-readable string.
func StateString(state int32) string {
	switch state {
	case 0:
		return "no state"
	case 1:
		return "running"
	case 2:
		return "blocked"
	case 3:
		return "paused"
	case 4:
		return "shutdown"
	case 5:
		return "shutoff"
	case 6:
		return "crashed"
	case 7:
		return "pmsuspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}
