package main

// mxl-fabrics-demo runs a loopback initiator/target pair: the target side
// creates a destination flow and listens, the initiator side creates a
// source flow, produces numbered grains at the flow rate, and replicates
// them over the TCP provider. Run with -mode=target first, then paste the
// printed target info into -mode=initiator -target-info=...

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmf-mxl/go-mxl/internal/logger"
	"github.com/dmf-mxl/go-mxl/internal/mxl"
	"github.com/dmf-mxl/go-mxl/internal/mxl/fabrics"
	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "fabrics-demo", "mode", cfg.mode)

	inst, err := mxl.NewInstance(cfg.domain, mxl.InstanceOptions{})
	if err != nil {
		log.Error("failed to open domain", "error", err)
		os.Exit(1)
	}
	defer inst.Close()

	fab, err := fabrics.NewFabricsInstance(inst)
	if err != nil {
		log.Error("failed to create fabrics instance", "error", err)
		os.Exit(1)
	}
	defer fab.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.mode {
	case "target":
		err = runTarget(ctx, inst, fab, cfg)
	case "initiator":
		err = runInitiator(ctx, inst, fab, cfg)
	}
	if err != nil && ctx.Err() == nil {
		log.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func runTarget(ctx context.Context, inst *mxl.Instance, fab *fabrics.FabricsInstance, cfg *cliConfig) error {
	writer, _, err := inst.CreateDiscreteWriter(cfg.flowSpec())
	if err != nil {
		return err
	}
	defer inst.ReleaseWriter(writer)

	regions, err := fabrics.RegionsForFlowWriter(writer)
	if err != nil {
		return err
	}
	target := fab.NewTarget()
	defer target.Close()

	info, err := target.Setup(fabrics.TargetConfig{
		Bind:     fabrics.EndpointBind{Node: cfg.node, Service: cfg.service},
		Provider: cfg.provider,
		Regions:  regions,
		Writer:   writer,
	})
	if err != nil {
		return err
	}
	fmt.Printf("target info (pass to -mode=initiator):\n%s\n", info)

	for ctx.Err() == nil {
		index, err := target.WaitForNewGrain(time.Now().Add(time.Second))
		if err != nil {
			continue // not_ready; poll again
		}
		logger.Info("grain received", "index", index)
	}
	return nil
}

func runInitiator(ctx context.Context, inst *mxl.Instance, fab *fabrics.FabricsInstance, cfg *cliConfig) error {
	info, err := fabrics.ParseTargetInfo(cfg.targetInfo)
	if err != nil {
		return err
	}

	writer, _, err := inst.CreateDiscreteWriter(cfg.flowSpec())
	if err != nil {
		return err
	}
	defer inst.ReleaseWriter(writer)

	reader, err := inst.OpenDiscreteReader(writer.Data().ID())
	if err != nil {
		return err
	}
	defer reader.Close()

	regions, err := fabrics.RegionsForFlowReader(reader)
	if err != nil {
		return err
	}
	initiator := fab.NewInitiator()
	defer initiator.Close()
	if err := initiator.Setup(fabrics.InitiatorConfig{
		Bind:     fabrics.EndpointBind{Node: cfg.node},
		Provider: cfg.provider,
		Regions:  regions,
		Reader:   reader,
	}); err != nil {
		return err
	}
	if err := initiator.AddTarget(info); err != nil {
		return err
	}
	if err := initiator.MakeProgressBlocking(10 * time.Second); err != nil {
		return err
	}

	// Produce numbered grains at the flow rate and replicate each one.
	rate := timing.Rational{Numerator: int64(cfg.rateNum), Denominator: int64(cfg.rateDen)}
	pacer, err := mxl.NewSyncObject(rate)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		index := pacer.TickIndexAt(timing.TAINow())
		for ctx.Err() == nil {
			if err := pacer.WaitForTick(index); err != nil {
				return err
			}
			_, payload, err := writer.OpenGrain(index)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(payload, index)
			if err := writer.Commit(flow.CommitInfo{ValidSlices: cfg.totalSlices}); err != nil {
				return err
			}
			if err := initiator.TransferGrain(index); err != nil {
				return err
			}
			if err := initiator.MakeProgressBlocking(time.Second); err != nil {
				return err
			}
			logger.Info("grain transferred", "index", index)
			index++
		}
		return ctx.Err()
	})
	return g.Wait()
}
