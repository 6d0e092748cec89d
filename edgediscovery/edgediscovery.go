// Package edgediscovery locates edge servers through DNS: an SRV
// lookup of the origintunneld service (RFC 2782 ordering, done by the
// resolver) followed by A/AAAA resolution of every target. The SRV
// port is reused for QUIC over UDP.
package edgediscovery

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
)

const (
	srvService = "v2-origintunneld"
	srvProto   = "tcp"
	srvName    = "argotunnel.com"
)

// IPVersion filters resolved addresses.
type IPVersion int

const (
	IPVersionAuto IPVersion = iota
	IPVersionV4Only
	IPVersionV6Only
)

// EdgeAddr is one usable edge endpoint.
type EdgeAddr struct {
	IP   net.IP
	Port uint16
}

func (a EdgeAddr) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
}

// ServiceName returns the SRV service label, with the optional region
// prefix applied.
func ServiceName(region string) string {
	if region != "" {
		return region + "-" + srvService
	}
	return srvService
}

// SRVDomain renders the full SRV query domain for diagnostics, e.g.
// "_v2-origintunneld._tcp.argotunnel.com".
func SRVDomain(region string) string {
	return "_" + ServiceName(region) + "._" + srvProto + "." + srvName
}

// ResolveEdgeAddrs discovers the edge address groups, one group per
// SRV record in RFC 2782 order. Every group holds the resolved
// addresses of one target with the SRV port attached.
func ResolveEdgeAddrs(ctx context.Context, region string, ipv IPVersion, logger zerolog.Logger) ([][]EdgeAddr, error) {
	logger = logger.With().Str("com", "edgediscovery").Logger()

	_, records, err := net.DefaultResolver.LookupSRV(ctx, ServiceName(region), srvProto, srvName)
	if err != nil {
		return nil, fmt.Errorf("srv lookup %s: %w", SRVDomain(region), err)
	}
	logger.Info().Str("domain", SRVDomain(region)).Int("records", len(records)).Msg("resolved srv records")

	groups := make([][]EdgeAddr, 0, len(records))
	for _, srv := range records {
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, srv.Target)
		if err != nil {
			return nil, fmt.Errorf("resolve srv target %s: %w", srv.Target, err)
		}

		addrs := FilterAddrs(ips, srv.Port, ipv)
		if len(addrs) == 0 {
			return nil, fmt.Errorf("srv target %s resolved to no usable addresses after filtering", srv.Target)
		}
		groups = append(groups, addrs)
	}

	if len(groups) < 2 {
		return nil, fmt.Errorf("expected at least 2 edge regions, srv returned %d", len(groups))
	}
	return groups, nil
}

// FilterAddrs applies the IP version filter and attaches the SRV port.
func FilterAddrs(ips []net.IPAddr, port uint16, ipv IPVersion) []EdgeAddr {
	addrs := make([]EdgeAddr, 0, len(ips))
	for _, ip := range ips {
		isV4 := ip.IP.To4() != nil
		if ipv == IPVersionV4Only && !isV4 {
			continue
		}
		if ipv == IPVersionV6Only && isV4 {
			continue
		}
		addrs = append(addrs, EdgeAddr{IP: ip.IP, Port: port})
	}
	return addrs
}
