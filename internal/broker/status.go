package broker

import (
	"fmt"
	"sort"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/broker"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
)

// Status builds a report from the current table snapshots. Safe to call from
// any goroutine.
func (b *Broker) Status() broker.Status {
	s := broker.Status{
		Version:        fmt.Sprintf("0x%08x", protocol.Version),
		State:          b.State(),
		Scope:          b.scope.String(),
		Identity:       b.identityFrame(),
		Parent:         b.config.ParentEndpoint,
		Endpoint:       b.listener.Endpoint(),
		Brokers:        []broker.ChildBrokerInfo{},
		LocalClients:   []broker.LocalClientInfo{},
		DistantClients: []broker.DistantClientInfo{},
		Subscriptions:  b.index.Entries(),
	}

	for handle, cb := range b.tables.Brokers() {
		s.Brokers = append(s.Brokers, broker.ChildBrokerInfo{Handle: handle, Age: cb.Age()})
	}
	sort.Slice(s.Brokers, func(i, j int) bool { return s.Brokers[i].Handle < s.Brokers[j].Handle })

	for _, lc := range b.tables.Locals() {
		s.LocalClients = append(s.LocalClients, broker.LocalClientInfo{
			Handle: lc.Handle,
			Tenant: lc.Tenant,
			Name:   lc.Name,
			Age:    lc.Age(),
		})
	}
	sort.Slice(s.LocalClients, func(i, j int) bool {
		a, c := s.LocalClients[i], s.LocalClients[j]
		if a.Tenant != c.Tenant {
			return a.Tenant < c.Tenant
		}
		return a.Name < c.Name
	})

	for _, d := range b.tables.DistantClients() {
		s.DistantClients = append(s.DistantClients, broker.DistantClientInfo{
			Name:     d.Name,
			Broker:   d.Broker,
			Distance: d.Distance,
		})
	}
	sort.Slice(s.DistantClients, func(i, j int) bool { return s.DistantClients[i].Name < s.DistantClients[j].Name })

	return s
}
