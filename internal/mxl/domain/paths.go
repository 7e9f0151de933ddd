package domain

// Path construction for the on-disk domain layout:
//
//	${domain}/
//	  options.json
//	  ${flowId}.mxl-flow/
//	    flow_def.json
//	    data
//	    access
//	    grains/data.0 .. data.N-1   (discrete)
//	    channels                    (continuous)

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
)

// FlowDirSuffix is the fixed suffix of every flow directory.
const FlowDirSuffix = ".mxl-flow"

// OptionsFileName is the optional per-domain configuration file.
const OptionsFileName = "options.json"

// FlowDir returns the flow directory for id inside domain.
func FlowDir(domain string, id uuid.UUID) string {
	return filepath.Join(domain, id.String()+FlowDirSuffix)
}

// DataFile returns the path of a flow's header file.
func DataFile(domain string, id uuid.UUID) string {
	return filepath.Join(FlowDir(domain, id), flow.DataFileName)
}

// AccessFile returns the path of a flow's access sentinel.
func AccessFile(domain string, id uuid.UUID) string {
	return filepath.Join(FlowDir(domain, id), flow.AccessFileName)
}

// FlowDefFile returns the path of a flow's stored NMOS definition.
func FlowDefFile(domain string, id uuid.UUID) string {
	return filepath.Join(FlowDir(domain, id), flow.FlowDefFileName)
}

// OptionsFile returns the path of the domain's options file.
func OptionsFile(domain string) string {
	return filepath.Join(domain, OptionsFileName)
}

// ParseFlowDirName extracts the flow id from a directory name of the form
// "<uuid>.mxl-flow". The second return is false for any other name.
func ParseFlowDirName(name string) (uuid.UUID, bool) {
	base, ok := strings.CutSuffix(name, FlowDirSuffix)
	if !ok {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(base)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}
