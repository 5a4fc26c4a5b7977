package main

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func entry(port int, txt ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry("teleop-lab", "_teleop._tcp", "local.")
	e.Port = port
	e.Text = txt
	return e
}

func TestBackendURL(t *testing.T) {
	v4 := entry(8000, "txtv=0", "scheme=http")
	v4.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}

	tls := entry(8443, "scheme=https")
	tls.AddrIPv4 = []net.IP{net.ParseIP("10.0.0.5")}

	v6 := entry(8000)
	v6.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	named := entry(8000)
	named.HostName = "robot-pc.local."

	bare := entry(8000)

	noPort := entry(0)
	noPort.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}

	tests := []struct {
		name string
		e    *zeroconf.ServiceEntry
		want string
	}{
		{"ipv4", v4, "http://192.168.1.20:8000"},
		{"scheme from txt", tls, "https://10.0.0.5:8443"},
		{"ipv6", v6, "http://[fe80::1]:8000"},
		{"hostname", named, "http://robot-pc.local:8000"},
		{"no address", bare, ""},
		{"no port", noPort, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backendURL(tt.e); got != tt.want {
				t.Fatalf("backendURL = %q, want %q", got, tt.want)
			}
		})
	}
}
