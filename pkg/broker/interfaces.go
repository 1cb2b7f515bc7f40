package broker

import (
	"context"
	"fmt"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/topicindex"
)

// State is the registration state of a broker toward its parent.
type State int32

const (
	// Unregistered brokers are trying to join their parent.
	Unregistered State = iota
	// Registered brokers forward unknown destinations to their parent.
	Registered
	// Root brokers terminate the tree and answer unknown destinations with
	// a no-destination error.
	Root
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registered:
		return "registered"
	case Root:
		return "root"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state by name in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Unregistered, Registered, Root} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown broker state %q", text)
}

// ChildBrokerInfo describes a registered child broker.
type ChildBrokerInfo struct {
	Handle string `json:"handle"`
	Age    int32  `json:"age"`
}

// LocalClientInfo describes a client registered on this broker.
type LocalClientInfo struct {
	Handle string `json:"handle"`
	Tenant string `json:"tenant"`
	Name   string `json:"name"`
	Age    int32  `json:"age"`
}

// DistantClientInfo describes a client reachable through a child broker.
type DistantClientInfo struct {
	Name     string `json:"name"`
	Broker   string `json:"broker"`
	Distance uint32 `json:"distance"`
}

// Status is a point-in-time view of a broker, built from table snapshots.
type Status struct {
	Version        string              `json:"version"`
	State          State               `json:"state"`
	Scope          string              `json:"scope"`
	Identity       string              `json:"identity,omitempty"`
	Parent         string              `json:"parent,omitempty"`
	Endpoint       string              `json:"endpoint"`
	Brokers        []ChildBrokerInfo   `json:"brokers"`
	LocalClients   []LocalClientInfo   `json:"local"`
	DistantClients []DistantClientInfo `json:"distant"`
	Subscriptions  []topicindex.Entry  `json:"subs"`
}

// Broker is a running node of the tree.
type Broker interface {
	// Run serves until ctx is cancelled or Stop is called, then tears the
	// broker down. It returns nil on a clean shutdown.
	Run(ctx context.Context) error

	// Stop asks a running broker to shut down. Safe to call more than once.
	Stop()

	// State returns the current registration state.
	State() State

	// Status returns a snapshot of the broker's tables.
	Status() Status

	// Endpoint returns the address clients and child brokers connect to.
	Endpoint() string
}
