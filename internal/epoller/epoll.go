//go:build linux

package epoller

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// poller owns the epoll instance plus two eventfds:
// wakefd announces posted work to one waiter, stopfd is never drained so
// that once written every waiter keeps returning from epoll_wait.
type poller struct {
	epfd   int
	wakefd int
	stopfd int
}

func openPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	p := &poller{epfd: epfd, wakefd: -1, stopfd: -1}

	if p.wakefd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		p.close()
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if p.stopfd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		p.close()
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	wake := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLONESHOT, Fd: int32(p.wakefd)}
	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, p.wakefd, wake); err != nil {
		p.close()
		return nil, fmt.Errorf("epoll add wakefd: %w", err)
	}
	stop := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p.stopfd)}
	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, p.stopfd, stop); err != nil {
		p.close()
		return nil, fmt.Errorf("epoll add stopfd: %w", err)
	}
	return p, nil
}

// add registers fd with an empty one-shot interest set; arm enables it later.
func (p *poller) add(fd int, gen uint32) error {
	ev := &unix.EpollEvent{Events: unix.EPOLLONESHOT, Fd: int32(fd), Pad: int32(gen)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *poller) arm(fd int, events uint32, gen uint32) error {
	ev := &unix.EpollEvent{Events: events | unix.EPOLLONESHOT, Fd: int32(fd), Pad: int32(gen)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *poller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

func (p *poller) wait(events []unix.EpollEvent) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func (p *poller) wake() error {
	return writeEventfd(p.wakefd)
}

// rearmWake drains the wake counter and re-enables the one-shot wake interest.
func (p *poller) rearmWake() error {
	var buf [8]byte
	_, _ = unix.Read(p.wakefd, buf[:])
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLONESHOT, Fd: int32(p.wakefd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, p.wakefd, ev)
}

func (p *poller) signalStop() error {
	return writeEventfd(p.stopfd)
}

func (p *poller) close() {
	for _, fd := range []int{p.stopfd, p.wakefd, p.epfd} {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
}

func writeEventfd(fd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(fd, buf[:])
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// counter saturated, a wakeup is already pending
			return nil
		}
		return err
	}
}
