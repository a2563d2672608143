// Package hw holds the hardware-facing types shared by the sampling path and
// the low-power wake controller.
package hw

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrPinMoved = errors.New("hw: pin ownership already transferred")

// Pin is a GPIO number.
type Pin int

// FlowPin is the exclusive-ownership token for the flow sensing GPIO.
// Exactly one holder may use it; Take moves it and invalidates the source.
type FlowPin struct {
	num   Pin
	moved atomic.Bool
}

// ClaimFlowPin creates the single token for num at boot.
func ClaimFlowPin(num Pin) *FlowPin {
	return &FlowPin{num: num}
}

// Num returns the GPIO number, or ErrPinMoved if this token was handed off.
func (p *FlowPin) Num() (Pin, error) {
	if p == nil || p.moved.Load() {
		return 0, ErrPinMoved
	}
	return p.num, nil
}

// Take moves ownership into a fresh token. The receiver is unusable afterwards.
func (p *FlowPin) Take() (*FlowPin, error) {
	if p == nil || !p.moved.CompareAndSwap(false, true) {
		return nil, ErrPinMoved
	}
	return &FlowPin{num: p.num}, nil
}

func (p *FlowPin) String() string {
	if p == nil || p.moved.Load() {
		return "gpio(moved)"
	}
	return fmt.Sprintf("gpio%d", p.num)
}
