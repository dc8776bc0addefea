//go:build linux

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// epollWaitMS bounds each epoll_wait so the reader notices cancellation.
const epollWaitMS = 250

// readInputEventsEpoll reads from multiple input devices using one epoll
// instance. A device that hangs up (unplugged headset dongle) is dropped; the
// reader fails only when no devices remain.
func readInputEventsEpoll(ctx context.Context, files []*os.File, events chan<- inputEvent, readErr chan<- error, logger *slog.Logger) {
	if len(files) == 0 {
		readErr <- errors.New("no input devices provided")
		return
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		readErr <- fmt.Errorf("epoll_create1: %w", err)
		return
	}
	defer unix.Close(epfd)

	fdToFile := make(map[int]*os.File, len(files))
	for _, f := range files {
		fd := int(f.Fd())
		fdToFile[fd] = f

		event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			readErr <- fmt.Errorf("epoll_ctl_add %s: %w", f.Name(), err)
			return
		}
	}

	const maxEvents = 32
	epollEvents := make([]unix.EpollEvent, maxEvents)
	evSize := binary.Size(inputEvent{})
	// Devices deliver whole events; read several per syscall.
	buf := make([]byte, evSize*16)

	for ctx.Err() == nil {
		n, err := unix.EpollWait(epfd, epollEvents, epollWaitMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			readErr <- fmt.Errorf("epoll_wait: %w", err)
			return
		}

		for i := 0; i < n; i++ {
			fd := int(epollEvents[i].Fd)
			f, ok := fdToFile[fd]
			if !ok {
				continue
			}

			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				logger.Warn("input device gone", "device", f.Name())
				_ = unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
				delete(fdToFile, fd)
				if len(fdToFile) == 0 {
					readErr <- errors.New("all input devices gone")
					return
				}
				continue
			}

			nr, err := f.Read(buf)
			if err != nil {
				readErr <- fmt.Errorf("read from %s: %w", f.Name(), err)
				return
			}

			for off := 0; off+evSize <= nr; off += evSize {
				var ev inputEvent
				if err := binary.Read(bytes.NewReader(buf[off:off+evSize]), binary.LittleEndian, &ev); err != nil {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
