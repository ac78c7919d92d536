package epoll

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"socks-relay/internal/domain"
)

const maxEvents = 128

// LinuxEventLoop is a level-triggered epoll loop. Register, Modify, Unregister
// and Run must be called from a single goroutine; Stop may be called from any.
type LinuxEventLoop struct {
	log     *slog.Logger
	epollFD int
	wakeFD  int

	// Each registration gets a fresh generation, carried in the event data,
	// so that events queued for a descriptor closed earlier in the same batch
	// are not delivered to whatever reuses its number.
	gens    map[int]uint32
	nextGen uint32

	stopped atomic.Bool
}

func New(log *slog.Logger) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	evt := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wfd, evt); err != nil {
		unix.Close(wfd)
		unix.Close(fd)
		return nil, fmt.Errorf("register eventfd: %w", err)
	}
	return &LinuxEventLoop{
		log:     log,
		epollFD: fd,
		wakeFD:  wfd,
		gens:    make(map[int]uint32),
	}, nil
}

func toEpoll(events domain.EventType) uint32 {
	var mask uint32
	if events&domain.EventRead != 0 {
		mask |= unix.EPOLLIN
	}
	if events&domain.EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	l.nextGen++
	gen := l.nextGen
	evt := &unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(fd),
		Pad:    int32(gen),
	}
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	l.gens[fd] = gen
	return nil
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	gen, ok := l.gens[fd]
	if !ok {
		return fmt.Errorf("epoll mod fd %d: not registered", fd)
	}
	evt := &unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(fd),
		Pad:    int32(gen),
	}
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt); err != nil {
		return fmt.Errorf("epoll mod fd %d: %w", fd, err)
	}
	return nil
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	if _, ok := l.gens[fd]; !ok {
		return nil
	}
	delete(l.gens, fd)
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

func (l *LinuxEventLoop) current(fd int, gen uint32) bool {
	g, ok := l.gens[fd]
	return ok && g == gen
}

// Run waits for readiness and hands every ready kind of every descriptor to
// handler, one call per kind, writes before reads. It returns nil after Stop
// and an error only if the wait itself fails.
func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(l.epollFD, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				l.drainWake()
				continue
			}
			gen := uint32(events[i].Pad)
			for _, ev := range split(events[i].Events) {
				if !l.current(fd, gen) {
					break
				}
				if err := handler.HandleEvent(fd, ev); err != nil {
					l.log.Error("Event handler failed", "fd", fd, "error", err)
				}
			}
		}

		if l.stopped.Load() {
			return nil
		}
	}
}

// split turns an epoll mask into the readiness kinds to deliver.
func split(mask uint32) []domain.EventType {
	var out []domain.EventType
	if mask&unix.EPOLLOUT != 0 {
		out = append(out, domain.EventWrite)
	}
	if mask&unix.EPOLLIN != 0 {
		out = append(out, domain.EventRead)
	}
	if len(out) == 0 && mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		out = append(out, domain.EventError)
	}
	return out
}

func (l *LinuxEventLoop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(l.wakeFD, buf[:])
}

// Stop makes Run return after the current batch.
func (l *LinuxEventLoop) Stop() error {
	l.stopped.Store(true)
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakeFD, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("wake event loop: %w", err)
	}
	return nil
}

func (l *LinuxEventLoop) Close() error {
	return errors.Join(unix.Close(l.wakeFD), unix.Close(l.epollFD))
}
