package smtpd

import (
	"context"
	"fmt"
	"net"
	"time"
)

// SpamBlacklistLookupServers are DNSBL zones consulted by DNSBLRange: each
// offers a DNS-based blacklist look-up service where resolving the
// reversed client IP under the zone name (e.g. 4.3.2.1.bl.spamcop.net)
// succeeds only if the address has been reported for spamming.
var SpamBlacklistLookupServers = []string{"dnsbl.sorbs.net", "bl.spamcop.net"}

// DNSBLRange implements rules.NetRange by querying a set of DNSBL zones,
// for wiring into Services.DNSxL and consulting from a Connect-stage
// directive.
type DNSBLRange struct {
	Zones   []string
	Timeout time.Duration
}

// NewDNSBLRange builds a DNSBLRange using SpamBlacklistLookupServers and a
// one second lookup timeout.
func NewDNSBLRange() DNSBLRange {
	return DNSBLRange{Zones: SpamBlacklistLookupServers, Timeout: time.Second}
}

// Contains reports whether ip is listed by any configured DNSBL zone.
func (d DNSBLRange) Contains(ip net.IP) bool {
	return IsClientIPBlacklisted(ip.String(), d.Zones, d.Timeout)
}

// BlacklistLookupName returns the DNS name that, once resolved, answers
// whether suspectIP is reported by blLookupDomain. For example, looking
// up suspect IP 1.2.3.4 against bl.spamcop.net resolves to
// "4.3.2.1.bl.spamcop.net".
func BlacklistLookupName(suspectIP, blLookupDomain string) (string, error) {
	suspectIPv4 := net.ParseIP(suspectIP).To4()
	if suspectIPv4 == nil || len(suspectIPv4) < 4 {
		return "", fmt.Errorf("smtpd: suspect IP %q is not a valid IPv4 address", suspectIP)
	}
	return fmt.Sprintf("%d.%d.%d.%d.%s", suspectIPv4[3], suspectIPv4[2], suspectIPv4[1], suspectIPv4[0], blLookupDomain), nil
}

// IsClientIPBlacklisted queries every zone concurrently and returns true
// as soon as any one of them reports the address; a lookup failure or
// timeout against every zone resolves to false rather than blocking the
// connection on a flaky DNSBL provider.
func IsClientIPBlacklisted(suspectIP string, zones []string, timeout time.Duration) bool {
	hit := make(chan bool, len(zones))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, zone := range zones {
		go func(zone string) {
			name, err := BlacklistLookupName(suspectIP, zone)
			if err != nil {
				hit <- false
				return
			}
			_, err = net.DefaultResolver.LookupIPAddr(ctx, name)
			hit <- err == nil
		}(zone)
	}
	for range zones {
		select {
		case <-ctx.Done():
			return false
		case ret := <-hit:
			if ret {
				return true
			}
		}
	}
	return false
}
