package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/dmf-mxl/go-mxl/internal/mxl/domain"
	"github.com/dmf-mxl/go-mxl/internal/mxl/fabrics"
	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
)

// cliConfig holds user supplied flag values prior to validation so main.go
// can map them onto the fabrics configuration structs.
type cliConfig struct {
	mode        string
	domain      string
	logLevel    string
	node        string
	service     string
	providerStr string
	provider    fabrics.Provider
	targetInfo  string
	flowID      string
	grainCount  uint
	payloadSize uint
	totalSlices uint16
	rateNum     uint
	rateDen     uint
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("mxl-fabrics-demo", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	var slices uint
	fs.StringVar(&cfg.mode, "mode", "", "Role to run: target|initiator")
	fs.StringVar(&cfg.domain, "domain", os.Getenv("MXL_DOMAIN"), "MXL domain directory")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.node, "node", "127.0.0.1", "Bind address node (IP or host)")
	fs.StringVar(&cfg.service, "service", "", "Bind address service (port; empty = ephemeral)")
	fs.StringVar(&cfg.providerStr, "provider", "tcp", "Fabric provider: auto|tcp|verbs|efa|shm")
	fs.StringVar(&cfg.targetInfo, "target-info", "", "Serialized target info (initiator mode)")
	fs.StringVar(&cfg.flowID, "flow-id", "", "Flow UUID (random when empty)")
	fs.UintVar(&cfg.grainCount, "grain-count", 16, "Ring slots in the demo flow")
	fs.UintVar(&cfg.payloadSize, "payload-size", 8192, "Grain payload bytes")
	fs.UintVar(&slices, "total-slices", 16, "Slices per grain")
	fs.UintVar(&cfg.rateNum, "rate-num", 50, "Grain rate numerator")
	fs.UintVar(&cfg.rateDen, "rate-den", 1, "Grain rate denominator")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.totalSlices = uint16(slices)

	if cfg.mode != "target" && cfg.mode != "initiator" {
		fmt.Fprintln(os.Stdout, "error: -mode must be target or initiator")
		return nil, errors.New("bad mode")
	}
	if cfg.domain == "" {
		fmt.Fprintln(os.Stdout, "error: no domain given (use -domain or MXL_DOMAIN)")
		return nil, errors.New("no domain")
	}
	if cfg.mode == "initiator" && cfg.targetInfo == "" {
		fmt.Fprintln(os.Stdout, "error: initiator mode needs -target-info")
		return nil, errors.New("no target info")
	}
	provider, err := fabrics.ParseProvider(cfg.providerStr)
	if err != nil {
		fmt.Fprintf(os.Stdout, "error: %v\n", err)
		return nil, err
	}
	cfg.provider = provider
	if cfg.flowID == "" {
		cfg.flowID = uuid.NewString()
	} else if _, err := uuid.Parse(cfg.flowID); err != nil {
		fmt.Fprintf(os.Stdout, "error: bad -flow-id: %v\n", err)
		return nil, err
	}
	return cfg, nil
}

// flowSpec builds the demo flow's creation spec from the flags.
func (c *cliConfig) flowSpec() domain.DiscreteSpec {
	def := fmt.Sprintf(`{"id":%q,"format":"urn:x-nmos:format:video","grain_rate":{"numerator":%d,"denominator":%d}}`,
		c.flowID, c.rateNum, c.rateDen)
	return domain.DiscreteSpec{
		FlowDef:          def,
		Format:           flow.FormatVideo,
		GrainCount:       uint32(c.grainCount),
		GrainPayloadSize: uint32(c.payloadSize),
		TotalSlices:      c.totalSlices,
		SliceSizes:       [flow.MaxPlanes]uint32{uint32(c.payloadSize) / uint32(c.totalSlices)},
	}
}
