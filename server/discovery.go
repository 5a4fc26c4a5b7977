package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

// advertise registers the service over mDNS so agents without a configured
// backend can find it. The caller shuts the returned server down.
func advertise(service, addr string) (*zeroconf.Server, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse listen port %q: %w", portStr, err)
	}
	host, _ := os.Hostname()
	return zeroconf.Register(
		fmt.Sprintf("%s-%s", "teleop", host),
		service,
		"local.",
		port,
		[]string{"txtv=0", "scheme=http"},
		nil,
	)
}
