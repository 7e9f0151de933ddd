package domain

// Flow creation options. These arrive either as a JSON string supplied by
// the caller or from the domain's options.json, and tune the commit/sync
// batching of new flows.
//
// Batch sizing tradeoffs: smaller batches give lower latency and more futex
// wakes; larger batches give fewer wakes and better throughput. For video a
// common pattern is to set both hints to the frame height.

import (
	"fmt"
	"os"
	"time"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
)

// Options carries the tunables recognized at flow creation.
type Options struct {
	MaxCommitBatchSizeHint uint32 `json:"maxCommitBatchSizeHint"`
	MaxSyncBatchSizeHint   uint32 `json:"maxSyncBatchSizeHint"`
	// HistoryDurationNs sizes new rings: grainCount (discrete) or
	// bufferLength (continuous) is chosen to cover this much media time.
	HistoryDurationNs int64 `json:"historyDurationNs"`
}

// HistoryDuration returns the ring history as a time.Duration.
func (o Options) HistoryDuration() time.Duration {
	return time.Duration(o.HistoryDurationNs)
}

// ParseOptions parses a JSON options string. An empty string yields the
// zero Options (all defaults).
func ParseOptions(raw string) (Options, error) {
	var o Options
	if raw == "" {
		return o, nil
	}
	if err := json.UnmarshalFromString(raw, &o); err != nil {
		return Options{}, mxlerrors.NewInvalidArgError("options.parse", fmt.Errorf("invalid JSON options: %w", err))
	}
	if err := o.validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// LoadOptions reads the domain's options.json. A missing file yields the
// zero Options.
func LoadOptions(domain string) (Options, error) {
	raw, err := os.ReadFile(OptionsFile(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return Options{}, nil
		}
		return Options{}, mxlerrors.NewFlowError("options.load", mxlerrors.StatusUnknown, err)
	}
	return ParseOptions(string(raw))
}

func (o Options) validate() error {
	commit := o.MaxCommitBatchSizeHint
	if commit == 0 {
		commit = 1
	}
	if o.MaxSyncBatchSizeHint != 0 && o.MaxSyncBatchSizeHint%commit != 0 {
		return mxlerrors.NewInvalidArgError("options.parse",
			fmt.Errorf("maxSyncBatchSizeHint %d must be a multiple of maxCommitBatchSizeHint %d",
				o.MaxSyncBatchSizeHint, commit))
	}
	if o.HistoryDurationNs < 0 {
		return mxlerrors.NewInvalidArgError("options.parse", fmt.Errorf("historyDurationNs must not be negative"))
	}
	return nil
}
