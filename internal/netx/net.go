// Package netx resolves the addresses a device announces to its peers.
package netx

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Port extracts the numeric port of a listen address such as ":47321".
func Port(listen string) (int, error) {
	_, p, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("listen address %q: invalid port", listen)
	}
	return port, nil
}

// interfaceAddrs is a test seam.
var interfaceAddrs = net.InterfaceAddrs

// AdvertisedAddress turns a listen address into one a peer on the LAN can
// dial. An unspecified host is replaced by the first private IPv4 address
// of this machine.
func AdvertisedAddress(listen string) (string, error) {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("listen address %q: %w", listen, err)
	}
	port, err := Port(listen)
	if err != nil {
		return "", err
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return net.JoinHostPort(host, strconv.Itoa(port)), nil
	}

	ip, err := LANAddress()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}

var ErrNoLANAddress = errors.New("no LAN address")

// LANAddress picks the first private IPv4 interface address, falling back
// to any non-loopback IPv4 address.
func LANAddress() (net.IP, error) {
	addrs, err := interfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("interface addresses: %w", err)
	}
	var fallback net.IP
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP.To4()
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		if ip.IsPrivate() {
			return ip, nil
		}
		if fallback == nil {
			fallback = ip
		}
	}
	if fallback == nil {
		return nil, ErrNoLANAddress
	}
	return fallback, nil
}

// HostOf returns the host part of a network address, or the address itself
// when it carries no port.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
