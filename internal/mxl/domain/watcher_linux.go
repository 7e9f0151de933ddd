package domain

// Background observer translating filesystem notifications on flow access
// sentinels into lastReadTime updates on the corresponding writers.
//
// Readers touch the access file's mtime after each successful read; inotify
// reports the attribute change here, decoupled from both the reader and
// writer hot paths. Nothing in the reader or writer path synchronously
// depends on this loop; it only has to eventually reflect that someone read
// the flow.

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/logger"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

// ReadObserver is the writer-side surface the watcher drives. Both flow
// writer variants implement it.
type ReadObserver interface {
	SetLastReadTime(timing.Timepoint)
}

type watchRecord struct {
	id     uuid.UUID
	writer ReadObserver
}

// Watcher monitors a domain's access sentinels with inotify.
type Watcher struct {
	domain    string
	inotifyFd int

	mu      sync.Mutex
	watches map[int32][]watchRecord // wd -> registered writers

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewWatcher starts the background event loop for a domain.
func NewWatcher(domain string) (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, mxlerrors.NewFlowError("watcher.init", mxlerrors.StatusUnknown,
			fmt.Errorf("inotify_init1: %w", err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	w := &Watcher{
		domain:    domain,
		inotifyFd: fd,
		watches:   make(map[int32][]watchRecord),
		cancel:    cancel,
		group:     g,
	}
	g.Go(func() error { return w.processEvents(ctx) })
	return w, nil
}

// AddFlow registers a writer for lastReadTime updates on the given flow.
func (w *Watcher) AddFlow(writer ReadObserver, id uuid.UUID) error {
	path := AccessFile(w.domain, id)
	wd, err := unix.InotifyAddWatch(w.inotifyFd, path, unix.IN_ATTRIB|unix.IN_MODIFY)
	if err != nil {
		return mxlerrors.NewFlowError("watcher.addFlow", mxlerrors.StatusUnknown,
			fmt.Errorf("inotify_add_watch %s: %w", path, err))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watches[int32(wd)] = append(w.watches[int32(wd)], watchRecord{id: id, writer: writer})
	return nil
}

// RemoveFlow unregisters a writer. The inotify watch is dropped with the
// last writer of the flow. Unknown writers are a no-op.
func (w *Watcher) RemoveFlow(writer ReadObserver, id uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for wd, records := range w.watches {
		kept := records[:0]
		for _, rec := range records {
			if rec.id == id && rec.writer == writer {
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 && len(records) > 0 {
			delete(w.watches, wd)
			unix.InotifyRmWatch(w.inotifyFd, uint32(wd))
		} else {
			w.watches[wd] = kept
		}
	}
}

// Count returns the number of writers registered for a flow.
func (w *Watcher) Count(id uuid.UUID) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, records := range w.watches {
		for _, rec := range records {
			if rec.id == id {
				n++
			}
		}
	}
	return n
}

// Close stops the event loop and releases the inotify descriptor.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.group.Wait()
	unix.Close(w.inotifyFd)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// processEvents polls the inotify descriptor until the context is
// cancelled, updating registered writers for each access-file event.
func (w *Watcher) processEvents(ctx context.Context) error {
	buf := make([]byte, 64*(unix.SizeofInotifyEvent+unix.NAME_MAX+1))
	fds := []unix.PollFd{{Fd: int32(w.inotifyFd), Events: unix.POLLIN}}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := unix.Poll(fds, 200)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return mxlerrors.NewFlowError("watcher.poll", mxlerrors.StatusUnknown, err)
		}
		if n == 0 {
			continue
		}
		length, err := unix.Read(w.inotifyFd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return mxlerrors.NewFlowError("watcher.read", mxlerrors.StatusUnknown, err)
		}
		w.dispatchEvents(buf[:length])
	}
}

func (w *Watcher) dispatchEvents(events []byte) {
	now := timing.TAINow()
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(events) {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&events[offset]))
		wd := raw.Wd

		w.mu.Lock()
		records := append([]watchRecord(nil), w.watches[wd]...)
		w.mu.Unlock()
		for _, rec := range records {
			rec.writer.SetLastReadTime(now)
		}
		if len(records) > 0 {
			logger.Debug("flow access observed", "flow_id", records[0].id.String())
		}

		offset += unix.SizeofInotifyEvent + int(raw.Len)
	}
}
