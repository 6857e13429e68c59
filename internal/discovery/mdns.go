package discovery

import (
	"context"
	"net"
	"strings"

	"github.com/libp2p/zeroconf/v2"
)

// Entry is one resolved DNS-SD service instance
type Entry struct {
	Instance string
	HostName string
	Port     int
	Text     []string
	IPv4     []net.IP
	IPv6     []net.IP
}

// TXT returns the value of key in the entry's TXT records
func (e Entry) TXT(key string) (string, bool) {
	prefix := key + "="
	for _, kv := range e.Text {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// Browser collects service instances until ctx is done
type Browser interface {
	Browse(ctx context.Context, service, domain string) ([]Entry, error)
}

// Publisher advertises one service instance. The returned function
// withdraws it.
type Publisher interface {
	Publish(instance, service, domain string, port int, text []string) (func(), error)
}

// MDNS implements Browser and Publisher over multicast DNS
type MDNS struct{}

// Browse runs one browse until ctx is done and returns what was seen.
// Later answers for the same instance replace earlier ones.
func (MDNS) Browse(ctx context.Context, service, domain string) ([]Entry, error) {
	results := make(chan *zeroconf.ServiceEntry, 16)
	finished := make(chan struct{})
	collected := make(chan []Entry, 1)

	go func() {
		byInstance := make(map[string]Entry)
		var order []string
		add := func(se *zeroconf.ServiceEntry) {
			if se == nil {
				return
			}
			if _, ok := byInstance[se.Instance]; !ok {
				order = append(order, se.Instance)
			}
			byInstance[se.Instance] = Entry{
				Instance: se.Instance,
				HostName: strings.TrimSuffix(se.HostName, "."),
				Port:     se.Port,
				Text:     se.Text,
				IPv4:     se.AddrIPv4,
				IPv6:     se.AddrIPv6,
			}
		}

	loop:
		for {
			select {
			case se, ok := <-results:
				if !ok {
					break loop
				}
				add(se)
			case <-finished:
				// Browse has returned, nothing else will be sent
				for {
					select {
					case se, ok := <-results:
						if !ok {
							break loop
						}
						add(se)
					default:
						break loop
					}
				}
			}
		}

		entries := make([]Entry, 0, len(order))
		for _, name := range order {
			entries = append(entries, byInstance[name])
		}
		collected <- entries
	}()

	err := zeroconf.Browse(ctx, service, domain, results)
	close(finished)
	entries := <-collected
	if err != nil && ctx.Err() == nil {
		return entries, err
	}
	return entries, nil
}

// Publish registers the instance on every multicast interface
func (MDNS) Publish(instance, service, domain string, port int, text []string) (func(), error) {
	server, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, err
	}
	return server.Shutdown, nil
}
