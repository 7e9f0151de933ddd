package fabrics

// The transport abstraction the fabric protocol runs over. A transport
// supplies RDMA-write-with-immediate semantics: the initiator side queues
// one-sided writes into remote regions, the target side surfaces their
// completions carrying the immediate word. The reference implementation is
// the TCP provider in transport_tcp.go; hardware providers (verbs, efa)
// plug in behind the same interface.

import (
	"time"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
)

// Completion is one harvested work completion on the target side.
type Completion struct {
	Imm    uint32
	HasImm bool
}

// WriteOp describes one RDMA write: length bytes from the local region at
// localOffset into the remote region at remoteOffset, with an immediate
// word signalled on completion.
type WriteOp struct {
	RegionIndex  int
	LocalOffset  uint64
	RemoteOffset uint64
	Length       uint64
	RKey         uint64
	Imm          uint32
	HasImm       bool // false for intermediate writes of a split grain
}

// TargetEndpoint is a transport's receiving endpoint with its registered
// destination regions.
type TargetEndpoint interface {
	// Address returns the endpoint's opaque fabric address.
	Address() EndpointAddress
	// RemoteRegions describes the registered regions as the initiator must
	// address them (rkey, remote address per the transport's AddressMode).
	RemoteRegions() []RegionDescriptor
	// Poll harvests at most one completion without blocking.
	Poll() (Completion, bool)
	// Wait blocks until a completion arrives or the deadline passes.
	Wait(deadline time.Time) (Completion, bool)
	// Close releases connections and registrations in reverse order.
	Close() error
}

// InitiatorConn is one established connection to a target. Writes are
// issued synchronously from the initiator's progress loop, which is the
// only place transport I/O happens.
type InitiatorConn interface {
	Write(op WriteOp) error
	Close() error
}

// InitiatorEndpoint is a transport's sending endpoint with its registered
// source regions.
type InitiatorEndpoint interface {
	Address() EndpointAddress
	// Connect establishes a connection to the target described by info.
	// Called only from the initiator's progress loop.
	Connect(info *TargetInfo) (InitiatorConn, error)
	Close() error
}

// Transport creates endpoints for one provider.
type Transport interface {
	Provider() Provider
	AddressMode() AddressMode
	NewTarget(bind EndpointBind, regions *Regions) (TargetEndpoint, error)
	NewInitiator(bind EndpointBind, regions *Regions) (InitiatorEndpoint, error)
}

// transportFor resolves a provider to its transport. Auto falls back to
// TCP, the one provider that works everywhere.
func transportFor(p Provider) (Transport, error) {
	switch p {
	case ProviderAuto, ProviderTCP:
		return newTCPTransport(), nil
	case ProviderVerbs, ProviderEFA, ProviderSHM:
		return nil, mxlerrors.NewFabricError("transport.resolve", mxlerrors.StatusNoFabric,
			nil)
	}
	return nil, mxlerrors.NewFabricError("transport.resolve", mxlerrors.StatusNotFound, nil)
}
