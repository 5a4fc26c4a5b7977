package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// discoverBackend browses mDNS for the control service and returns the
// base URL of the first usable entry.
func discoverBackend(ctx context.Context, service string, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return "", fmt.Errorf("browse for %s: %w", service, err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no %s service found within %s", service, timeout)
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("no %s service found within %s", service, timeout)
			}
			if u := backendURL(entry); u != "" {
				return u, nil
			}
		}
	}
}

func backendURL(e *zeroconf.ServiceEntry) string {
	scheme := "http"
	for _, txt := range e.Text {
		if v, ok := strings.CutPrefix(txt, "scheme="); ok && v != "" {
			scheme = v
		}
	}

	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	case e.HostName != "":
		host = strings.TrimSuffix(e.HostName, ".")
	default:
		return ""
	}
	if e.Port <= 0 {
		return ""
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(e.Port))
}
