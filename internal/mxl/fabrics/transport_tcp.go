package fabrics

// TCP reference transport. It emulates RDMA write-with-immediate over a
// stream connection: each write travels as a framed message that the
// target applies directly into its registered region memory, then
// surfaces as a completion carrying the immediate word. Remote keys are
// random per-region tokens validated on every frame; addressing is offset
// mode (remote addresses are zero-based within each region).
//
// Frame layout (little-endian):
//
//	magic:u32 regionIndex:u32 rkey:u64 remoteOffset:u64 length:u64
//	imm:u32 hasImm:u8 pad[3]  payload[length]

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmf-mxl/go-mxl/internal/bufpool"
	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/logger"
)

const (
	tcpFrameMagic   = 0x4d584c57 // "MXLW"
	tcpHeaderSize   = 4 + 4 + 8 + 8 + 8 + 4 + 1 + 3
	completionSlots = 1024
)

type tcpTransport struct{}

func newTCPTransport() Transport { return tcpTransport{} }

func (tcpTransport) Provider() Provider       { return ProviderTCP }
func (tcpTransport) AddressMode() AddressMode { return AddrOffset }

func randomRKey() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("rkey entropy unavailable: %v", err))
	}
	return binary.LittleEndian.Uint64(b[:])
}

// ---------------------------------------------------------------------------
// Target side

type tcpTarget struct {
	listener    net.Listener
	regions     *Regions
	descriptors []RegionDescriptor
	rkeys       map[uint64]int // rkey -> region index

	completions chan Completion
	group       *errgroup.Group
	closing     chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func (tcpTransport) NewTarget(bind EndpointBind, regions *Regions) (TargetEndpoint, error) {
	node := bind.Node
	service := bind.Service
	if service == "" {
		service = "0"
	}
	l, err := net.Listen("tcp", net.JoinHostPort(node, service))
	if err != nil {
		return nil, mxlerrors.NewFabricError("tcp.listen", mxlerrors.StatusInternal, err)
	}

	t := &tcpTarget{
		listener:    l,
		regions:     regions,
		rkeys:       make(map[uint64]int, regions.Count()),
		completions: make(chan Completion, completionSlots),
		closing:     make(chan struct{}),
		conns:       make(map[net.Conn]struct{}),
		group:       &errgroup.Group{},
	}
	for i := 0; i < regions.Count(); i++ {
		rkey := randomRKey()
		t.rkeys[rkey] = i
		t.descriptors = append(t.descriptors, RegionDescriptor{
			RKey:   rkey,
			Addr:   0, // offset mode
			Length: uint64(len(regions.At(i).Bytes)),
			Loc:    regions.At(i).Loc,
		})
	}
	t.group.Go(t.acceptLoop)
	return t, nil
}

func (t *tcpTarget) Address() EndpointAddress {
	return NewEndpointAddress([]byte(t.listener.Addr().String()))
}

func (t *tcpTarget) RemoteRegions() []RegionDescriptor { return t.descriptors }

func (t *tcpTarget) Poll() (Completion, bool) {
	select {
	case c := <-t.completions:
		return c, true
	default:
		return Completion{}, false
	}
}

func (t *tcpTarget) Wait(deadline time.Time) (Completion, bool) {
	if deadline.IsZero() {
		c := <-t.completions
		return c, true
	}
	wait := time.Until(deadline)
	if wait <= 0 {
		return t.Poll()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case c := <-t.completions:
		return c, true
	case <-timer.C:
		return Completion{}, false
	}
}

func (t *tcpTarget) Close() error {
	close(t.closing)
	t.listener.Close()
	t.mu.Lock()
	for c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()
	t.group.Wait()
	return nil
}

func (t *tcpTarget) acceptLoop() error {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closing:
				return nil
			default:
			}
			logger.Warn("fabric target accept failed", "err", err)
			return nil
		}
		t.mu.Lock()
		t.conns[conn] = struct{}{}
		t.mu.Unlock()
		t.group.Go(func() error {
			t.serveConn(conn)
			t.mu.Lock()
			delete(t.conns, conn)
			t.mu.Unlock()
			return nil
		})
	}
}

// serveConn applies incoming write frames to the registered regions and
// queues a completion per immediate-carrying frame.
func (t *tcpTarget) serveConn(conn net.Conn) {
	defer conn.Close()
	hdr := make([]byte, tcpHeaderSize)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			if err != io.EOF {
				select {
				case <-t.closing:
				default:
					logger.Debug("fabric target connection ended", "err", err)
				}
			}
			return
		}
		le := binary.LittleEndian
		if le.Uint32(hdr[0:]) != tcpFrameMagic {
			logger.Warn("fabric target dropped connection with bad frame magic")
			return
		}
		regionIndex := int(le.Uint32(hdr[4:]))
		rkey := le.Uint64(hdr[8:])
		remoteOffset := le.Uint64(hdr[16:])
		length := le.Uint64(hdr[24:])
		imm := le.Uint32(hdr[32:])
		hasImm := hdr[36] != 0

		idx, ok := t.rkeys[rkey]
		if !ok || idx != regionIndex {
			logger.Warn("fabric target rejected write with unknown rkey", "region", regionIndex)
			return
		}
		region := t.regions.At(idx).Bytes
		if remoteOffset+length > uint64(len(region)) {
			logger.Warn("fabric target rejected out-of-bounds write",
				"region", regionIndex, "offset", remoteOffset, "length", length)
			return
		}
		if _, err := io.ReadFull(conn, region[remoteOffset:remoteOffset+length]); err != nil {
			return
		}
		if hasImm {
			select {
			case t.completions <- Completion{Imm: imm, HasImm: true}:
			default:
				// Completion queue overrun: the slowest consumer loses
				// signals, never data (the bytes already landed).
				logger.Warn("fabric target completion queue overrun")
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Initiator side

type tcpInitiator struct {
	bind    EndpointBind
	regions *Regions
}

func (tcpTransport) NewInitiator(bind EndpointBind, regions *Regions) (InitiatorEndpoint, error) {
	return &tcpInitiator{bind: bind, regions: regions}, nil
}

func (i *tcpInitiator) Address() EndpointAddress {
	return NewEndpointAddress([]byte(net.JoinHostPort(i.bind.Node, i.bind.Service)))
}

func (i *tcpInitiator) Connect(info *TargetInfo) (InitiatorConn, error) {
	addr := string(info.FabricAddress.Bytes())
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, mxlerrors.NewFabricTargetError("tcp.connect", mxlerrors.StatusNotReady, addr, err)
	}
	return &tcpConn{conn: conn, regions: i.regions, remote: info.Regions}, nil
}

func (i *tcpInitiator) Close() error { return nil }

type tcpConn struct {
	conn    net.Conn
	regions *Regions
	remote  []RegionDescriptor
}

func (c *tcpConn) Write(op WriteOp) error {
	if op.RegionIndex < 0 || op.RegionIndex >= c.regions.Count() || op.RegionIndex >= len(c.remote) {
		return mxlerrors.NewFabricError("tcp.write", mxlerrors.StatusInternal,
			fmt.Errorf("region index %d out of range", op.RegionIndex))
	}
	local := c.regions.At(op.RegionIndex).Bytes
	if op.LocalOffset+op.Length > uint64(len(local)) {
		return mxlerrors.NewFabricError("tcp.write", mxlerrors.StatusInternal,
			fmt.Errorf("local range [%d, +%d) exceeds region", op.LocalOffset, op.Length))
	}
	if op.RemoteOffset+op.Length > c.remote[op.RegionIndex].Length {
		return mxlerrors.NewFabricError("tcp.write", mxlerrors.StatusInternal,
			fmt.Errorf("remote range [%d, +%d) exceeds region", op.RemoteOffset, op.Length))
	}

	hdr := bufpool.Get(tcpHeaderSize)
	defer bufpool.Put(hdr)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], tcpFrameMagic)
	le.PutUint32(hdr[4:], uint32(op.RegionIndex))
	le.PutUint64(hdr[8:], op.RKey)
	le.PutUint64(hdr[16:], op.RemoteOffset)
	le.PutUint64(hdr[24:], op.Length)
	le.PutUint32(hdr[32:], op.Imm)
	hdr[36] = 0
	if op.HasImm {
		hdr[36] = 1
	}
	hdr[37], hdr[38], hdr[39] = 0, 0, 0

	if _, err := c.conn.Write(hdr); err != nil {
		return mxlerrors.NewFabricError("tcp.write", mxlerrors.StatusInternal, err)
	}
	if _, err := c.conn.Write(local[op.LocalOffset : op.LocalOffset+op.Length]); err != nil {
		return mxlerrors.NewFabricError("tcp.write", mxlerrors.StatusInternal, err)
	}
	return nil
}

func (c *tcpConn) Close() error { return c.conn.Close() }
