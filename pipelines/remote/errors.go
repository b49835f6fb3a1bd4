// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrCancelled is returned by the wait loops when the pipeline has been
// cancelled.
var ErrCancelled = errors.New("cancelled")

// ConnectivityError means the host name does not resolve or the network is
// unreachable. It indicates misconfiguration, not a sleeping host, and is
// never retried.
type ConnectivityError struct {
	Host string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot reach %s: %v", e.Host, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// AuthError is returned when the remote host rejects our credentials.
type AuthError struct {
	User string
	Host string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s@%s: %v", e.User, e.Host, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// HostKeyError is returned when the host key does not match known_hosts.
type HostKeyError struct {
	Host string
	Err  error
}

func (e *HostKeyError) Error() string {
	return fmt.Sprintf("host key for %s: %v", e.Host, e.Err)
}

func (e *HostKeyError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a dial or command exceeds its deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// UnavailableError covers refused connections and unreachable hosts. The
// host is most likely asleep.
type UnavailableError struct {
	Host string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Host, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Classify converts a raw dial or handshake error into one of the typed
// errors above. Errors that are already typed are returned unchanged.
func Classify(host string, err error) error {
	if err == nil {
		return nil
	}
	var (
		connErr    *ConnectivityError
		authErr    *AuthError
		hostKeyErr *HostKeyError
		timeoutErr *TimeoutError
		unavailErr *UnavailableError
	)
	switch {
	case errors.As(err, &connErr), errors.As(err, &authErr), errors.As(err, &hostKeyErr),
		errors.As(err, &timeoutErr), errors.As(err, &unavailErr):
		return err
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTimeout {
		return &ConnectivityError{Host: host, Err: err}
	}
	if errors.Is(err, syscall.ENETUNREACH) {
		return &ConnectivityError{Host: host, Err: err}
	}

	var keyErr *knownhosts.KeyError
	var revokedErr *knownhosts.RevokedError
	if errors.As(err, &keyErr) || errors.As(err, &revokedErr) {
		return &HostKeyError{Host: host, Err: err}
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return &AuthError{Host: host, Err: err}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{Op: "dial " + host, Err: err}
	}
	return &UnavailableError{Host: host, Err: err}
}

// IsFatal reports whether err must stop the run without retrying.
func IsFatal(err error) bool {
	var connErr *ConnectivityError
	var authErr *AuthError
	var hostKeyErr *HostKeyError
	return errors.As(err, &connErr) || errors.As(err, &authErr) || errors.As(err, &hostKeyErr)
}
