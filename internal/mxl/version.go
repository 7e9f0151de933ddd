package mxl

import "fmt"

// Version of the MXL SDK. Bumped on releases; the flow header carries its
// own independent binary version.
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionPatch = 0
)

// Version returns the SDK version string.
func Version() string {
	return fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
}
