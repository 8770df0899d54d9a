package kiss

import (
	"context"
	"fmt"
	"time"

	"github.com/brutella/dnssd"
)

// dnsSDService is the DNS-SD service type a TCP KISS TNC advertises itself
// under. Kept identical to the service type Dire Wolf's own KISS-over-TCP
// announcer uses, so this link manager can find a Dire Wolf instance (or any
// other TNC using the same convention) without any extra configuration.
const dnsSDService = "_kiss-tnc._tcp"

// DiscoverTCPTNC browses the local network for one instance of dnsSDService
// and returns its host and port. It gives up and returns an error if nothing
// answers within timeout.
func DiscoverTCPTNC(ctx context.Context, timeout time.Duration) (host string, port int, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := make(chan dnssd.BrowseEntry, 1)

	addFn := func(e dnssd.BrowseEntry) {
		select {
		case found <- e:
		default:
		}
	}
	removeFn := func(dnssd.BrowseEntry) {}

	lookupErr := dnssd.LookupType(ctx, dnsSDService+".local.", addFn, removeFn)
	if lookupErr != nil && ctx.Err() == nil {
		return "", 0, fmt.Errorf("kiss: dns-sd lookup failed: %w", lookupErr)
	}

	select {
	case entry := <-found:
		if len(entry.IPs) == 0 {
			return "", 0, fmt.Errorf("kiss: dns-sd entry %q has no addresses", entry.Name)
		}
		return entry.IPs[0].String(), entry.Port, nil
	default:
		return "", 0, fmt.Errorf("kiss: no %s TNC found via dns-sd within %s", dnsSDService, timeout)
	}
}
