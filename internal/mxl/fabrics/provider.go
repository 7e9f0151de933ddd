package fabrics

// Fabric provider selection. Providers are the underlying RDMA transports;
// the numeric tags are stable and part of the public contract.

import (
	"fmt"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
)

// Provider identifies the transport implementation behind an endpoint.
type Provider uint32

const (
	// ProviderAuto selects the best available provider.
	ProviderAuto Provider = iota
	// ProviderTCP is the software transport over TCP sockets; universally
	// available, and the reference implementation in this repository.
	ProviderTCP
	// ProviderVerbs is hardware RDMA over InfiniBand or RoCE.
	ProviderVerbs
	// ProviderEFA is the AWS Elastic Fabric Adapter.
	ProviderEFA
	// ProviderSHM is the intra-host shared-memory provider.
	ProviderSHM
)

func (p Provider) String() string {
	switch p {
	case ProviderAuto:
		return "auto"
	case ProviderTCP:
		return "tcp"
	case ProviderVerbs:
		return "verbs"
	case ProviderEFA:
		return "efa"
	case ProviderSHM:
		return "shm"
	}
	return fmt.Sprintf("provider(%d)", uint32(p))
}

// ParseProvider resolves a provider identifier string.
func ParseProvider(s string) (Provider, error) {
	switch s {
	case "auto":
		return ProviderAuto, nil
	case "tcp":
		return ProviderTCP, nil
	case "verbs":
		return ProviderVerbs, nil
	case "efa":
		return ProviderEFA, nil
	case "shm":
		return ProviderSHM, nil
	}
	return 0, mxlerrors.NewFabricError("provider.parse", mxlerrors.StatusNotFound,
		fmt.Errorf("unknown provider %q", s))
}
