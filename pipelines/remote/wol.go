// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package remote

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
)

// WakeSender delivers a Wake-on-LAN signal.
type WakeSender interface {
	Send(mac net.HardwareAddr) error
}

// MagicPacket returns the Wake-on-LAN payload for mac: six 0xFF bytes
// followed by the address repeated sixteen times.
func MagicPacket(mac net.HardwareAddr) []byte {
	var b bytes.Buffer
	b.Write(bytes.Repeat([]byte{0xff}, 6))
	for i := 0; i < 16; i++ {
		b.Write(mac)
	}
	return b.Bytes()
}

// UDPWaker broadcasts magic packets over UDP.
type UDPWaker struct {
	Broadcast string // defaults to 255.255.255.255
	Port      int    // defaults to 9
}

func (w UDPWaker) Send(mac net.HardwareAddr) error {
	if len(mac) != 6 {
		return fmt.Errorf("wake: %s is not a 48-bit hardware address", mac)
	}
	host, port := w.Broadcast, w.Port
	if host == "" {
		host = "255.255.255.255"
	}
	if port == 0 {
		port = 9
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("wake: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write(MagicPacket(mac)); err != nil {
		return fmt.Errorf("wake: %w", err)
	}
	return nil
}
