package inventory

import (
	"time"

	"github.com/linbo-net/runtime/pkg/types"
)

// ResolveHost implements operations.HostResolver: looks up a target
// MAC's hostname and IP from the current cache contents.
func (c *Cache) ResolveHost(mac string) (hostname, ip string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, found := c.hosts[mac]
	if !found {
		return "", "", false
	}
	return h.Hostname, h.IPAddress, true
}

// ListHostIPs implements hostscan.HostLister: a mac->ip map of every
// host that currently has an IP address recorded.
func (c *Cache) ListHostIPs() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.hosts))
	for mac, h := range c.hosts {
		if h.IPAddress != "" {
			out[mac] = h.IPAddress
		}
	}
	return out
}

// UpdateHostStatus implements operations.StatusUpdater: persists the
// host's live status directly through the durable store, bypassing
// the in-memory hosts/configs maps (host status is not part of the
// applied inventory; it is a cache of transient runtime observation).
func (c *Cache) UpdateHostStatus(mac string, status types.HostLiveStatus) {
	rec, err := c.store.GetHostStatus(mac)
	if err != nil {
		rec = &types.HostStatusRecord{MAC: mac}
	}
	rec.Status = status
	if status != types.HostStatusOffline && status != types.HostStatusError {
		rec.LastOnlineAt = time.Now()
		rec.ConsecutiveMisses = 0
	}
	_ = c.store.SaveHostStatus(rec)
}
