//go:build !linux

package ws

import (
	"errors"
	"net"
)

// Without epoll every connection gets its own reader goroutine.
type poller struct{}

func newPoller() (*poller, error) {
	return nil, errors.New("ws: epoll is only available on linux")
}

func (p *poller) add(net.Conn) error { return errNoDescriptor }
func (p *poller) remove(net.Conn) error { return nil }
func (p *poller) wait(int) ([]net.Conn, error) { return nil, nil }
func (p *poller) close() error { return nil }

func socketFD(net.Conn) int { return -1 }
