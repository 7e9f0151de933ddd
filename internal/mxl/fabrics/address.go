package fabrics

// Endpoint addressing. A fabric endpoint address is an opaque byte blob
// produced by the transport; base64 is the out-of-band text serialization.

import (
	"bytes"
	"encoding/base64"
	"fmt"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
)

// EndpointBind names where an endpoint binds, in the transport's own
// vocabulary. For TCP, Node is an IP or host name (empty for all
// interfaces) and Service is a port number (empty for an ephemeral port).
type EndpointBind struct {
	Node    string
	Service string
}

// EndpointAddress is an opaque transport-produced endpoint address.
type EndpointAddress struct {
	raw []byte
}

// NewEndpointAddress wraps raw transport address bytes.
func NewEndpointAddress(raw []byte) EndpointAddress {
	return EndpointAddress{raw: bytes.Clone(raw)}
}

// Bytes returns the raw address bytes.
func (a EndpointAddress) Bytes() []byte { return a.raw }

// IsZero reports whether the address is empty.
func (a EndpointAddress) IsZero() bool { return len(a.raw) == 0 }

// Equal compares two addresses byte-wise.
func (a EndpointAddress) Equal(other EndpointAddress) bool {
	return bytes.Equal(a.raw, other.raw)
}

// String serializes the address for out-of-band exchange.
func (a EndpointAddress) String() string {
	return base64.StdEncoding.EncodeToString(a.raw)
}

// ParseEndpointAddress reverses String.
func ParseEndpointAddress(s string) (EndpointAddress, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return EndpointAddress{}, mxlerrors.NewFabricError("address.parse", mxlerrors.StatusInvalidState,
			fmt.Errorf("bad endpoint address encoding: %w", err))
	}
	return EndpointAddress{raw: raw}, nil
}
