package link

import (
	"errors"
	"fmt"
)

// errors surfaced to user-initiated operations are sentinels so the
// caller can branch on them. background loops log and continue; they
// never propagate these out of the loop.

var ErrAuth = errors.New("Identity establishment failed.")

var ErrPairingNotFound = errors.New("Pairing token not found.")
var ErrPairingExpired = errors.New("Pairing token expired.")
var ErrPairingInvalidPayload = errors.New("Pairing token payload invalid.")

var ErrDeviceNotFound = errors.New("Device not found.")
var ErrGroupNotFound = errors.New("Sync group not found.")

// distinguishable from other join failures so the caller can show an
// upgrade prompt instead of a generic error
var ErrDeviceLimitReached = errors.New("Device limit reached for the current plan.")

var ErrOversizedPayload = errors.New("Payload exceeds the sync size ceiling.")

var ErrCapabilityUnavailable = errors.New("Native capability unavailable on this platform.")

type TransportError struct {
	Path string
	Err  error
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("store i/o failed at %s: %s", self.Path, self.Err)
}

func (self *TransportError) Unwrap() error {
	return self.Err
}

type TimeoutError struct {
	Op  string
	Err error
}

func (self *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %s", self.Op, self.Err)
}

func (self *TimeoutError) Unwrap() error {
	return self.Err
}
