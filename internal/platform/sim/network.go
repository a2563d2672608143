package sim

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/internal/model/messages"
)

var ErrUnknownSSID = errors.New("sim: no access point with that ssid")

// Network is a radio that can only see one access point. The first
// JoinFailures attempts fail to simulate a flaky link.
type Network struct {
	ssid      string
	joinDelay time.Duration
	logger    *log.Logger
	events    chan messages.NetworkEvent

	mu       sync.Mutex
	failures int
}

func NewNetwork(ssid string, joinFailures int, logger *log.Logger) *Network {
	if logger == nil {
		logger = log.Default()
	}
	return &Network{
		ssid:      ssid,
		joinDelay: 100 * time.Millisecond,
		logger:    logger,
		events:    make(chan messages.NetworkEvent, 16),
		failures:  joinFailures,
	}
}

func (n *Network) Events() <-chan messages.NetworkEvent { return n.events }

func (n *Network) Start() error {
	go n.emit(messages.NetworkEvent{Kind: messages.NetworkStarted})
	return nil
}

// Join reports its outcome asynchronously, like a station connect.
func (n *Network) Join(creds model.Credentials) error {
	n.mu.Lock()
	fail := n.failures > 0
	if fail {
		n.failures--
	}
	n.mu.Unlock()

	go func() {
		time.Sleep(n.joinDelay)
		switch {
		case creds.SSID != n.ssid:
			n.emit(messages.NetworkEvent{Kind: messages.NetworkDisconnected, Reason: messages.ReasonAPNotFound})
		case fail:
			n.emit(messages.NetworkEvent{Kind: messages.NetworkDisconnected, Reason: messages.ReasonAuthFailed})
		default:
			n.emit(messages.NetworkEvent{Kind: messages.NetworkGotAddress, IP: hostIP()})
		}
	}()
	return nil
}

// Drop simulates losing the access point.
func (n *Network) Drop(reason messages.DisconnectReason) {
	go n.emit(messages.NetworkEvent{Kind: messages.NetworkDisconnected, Reason: reason})
}

// Verify is what the pairing transport uses to accept or reject credentials.
func (n *Network) Verify(creds model.Credentials) error {
	if creds.SSID != n.ssid {
		return fmt.Errorf("%w: %q", ErrUnknownSSID, creds.SSID)
	}
	return nil
}

func (n *Network) emit(ev messages.NetworkEvent) {
	n.events <- ev
}

func hostIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return "127.0.0.1"
}

// HardwareAddr returns the configured MAC, or the first non-loopback interface address.
func HardwareAddr(configured string) (net.HardwareAddr, error) {
	if configured != "" {
		return net.ParseMAC(configured)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback == 0 && len(ifc.HardwareAddr) >= 3 {
			return ifc.HardwareAddr, nil
		}
	}
	return nil, errors.New("sim: no hardware address found, set device.mac")
}
