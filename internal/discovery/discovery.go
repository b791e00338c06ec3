// ABOUTME: UDP multicast/broadcast service discovery for locating Cores
// ABOUTME: Implements the one-shot SOOD query/response procedure
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Port is the well-known SOOD UDP port.
const Port = 9003

// MulticastGroup is the SOOD multicast group address.
const MulticastGroup = "239.255.90.90"

// QueryServiceID is the fixed service identifier the client queries for.
const QueryServiceID = "00720724-5143-4a9b-abac-0e50cba674bb"

// DefaultTimeout bounds the overall discovery window.
const DefaultTimeout = 3 * time.Second

// recvTimeout is the short per-recv timeout so the overall deadline is
// honored even if no more datagrams ever arrive.
const recvTimeout = 500 * time.Millisecond

// Core describes a discovered Core.
type Core struct {
	UniqueID string
	Host     string
	Port     int
	Name     string
	Version  string

	// LastSeen is set by Watch, not by the one-shot Discover procedure or
	// the wire format itself, so a long-lived discovery session can tell
	// how stale an entry is.
	LastSeen time.Time
}

// Discover runs the one-shot SOOD procedure: enumerate up, non-loopback
// IPv4 interfaces, send one query to the multicast group and one to each
// interface's broadcast address, then collect responses until timeout.
// Responses are de-duplicated by unique_id; the last writer wins.
func Discover(ctx context.Context, timeout time.Duration) ([]Core, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("discovery: open socket: %w", err)
	}
	defer conn.Close()

	if err := enableBroadcast(conn); err != nil {
		return nil, fmt.Errorf("discovery: enable broadcast: %w", err)
	}

	broadcasts, err := broadcastAddrs()
	if err != nil {
		return nil, fmt.Errorf("discovery: enumerate interfaces: %w", err)
	}

	query, err := Encode(Message{
		Type: TypeQuery,
		Properties: []Property{
			{Name: "_tid", Value: []byte(uuid.New().String())},
			{Name: "query_service_id", Value: []byte(QueryServiceID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: encode query: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)

	mcAddr := &net.UDPAddr{IP: net.ParseIP(MulticastGroup), Port: Port}
	g.Go(func() error {
		// Errors on individual sends are ignored; other interfaces may still succeed.
		conn.WriteToUDP(query, mcAddr)
		return nil
	})
	for _, addr := range broadcasts {
		addr := addr
		g.Go(func() error {
			conn.WriteToUDP(query, addr)
			return nil
		})
	}
	_ = g.Wait() // thunks never return an error; this just joins the fan-out

	found := make(map[string]Core)
	deadline := time.Now().Add(timeout)

	buf := make([]byte, 8192)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		readDeadline := recvTimeout
		if remaining < readDeadline {
			readDeadline = remaining
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			break
		}

		core, ok := parseResponse(buf[:n], src)
		if !ok {
			continue
		}
		found[core.UniqueID] = core
	}

	result := make([]Core, 0, len(found))
	for _, c := range found {
		result = append(result, c)
	}
	return result, nil
}

// parseResponse filters a decoded SOOD datagram down to a Core: service_id
// must match the query service, and both http_port and unique_id must be
// present.
func parseResponse(data []byte, src *net.UDPAddr) (Core, bool) {
	msg, ok := Decode(data)
	if !ok || msg.Type != TypeResponse {
		return Core{}, false
	}

	serviceID, ok := msg.Get("service_id")
	if !ok || serviceID != QueryServiceID {
		return Core{}, false
	}

	uniqueID, ok := msg.Get("unique_id")
	if !ok {
		return Core{}, false
	}

	portStr, ok := msg.Get("http_port")
	if !ok {
		return Core{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Core{}, false
	}

	host := src.IP.String()
	if replyAddr, ok := msg.Get("_replyaddr"); ok && replyAddr != "" {
		host = replyAddr
	}

	core := Core{UniqueID: uniqueID, Host: host, Port: port}
	if name, ok := msg.Get("name"); ok {
		core.Name = name
	}
	if version, ok := msg.Get("display_version"); ok {
		core.Version = version
	}

	return core, true
}

// broadcastAddrs returns the directed broadcast address of every up,
// non-loopback IPv4 interface.
func broadcastAddrs() ([]*net.UDPAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var addrs []*net.UDPAddr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, a := range ifAddrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}

			bcast := broadcastFor(ip4, ipnet.Mask)
			addrs = append(addrs, &net.UDPAddr{IP: bcast, Port: Port})
		}
	}
	return addrs, nil
}

func broadcastFor(ip net.IP, mask net.IPMask) net.IP {
	bcast := make(net.IP, len(ip))
	for i := range ip {
		bcast[i] = ip[i] | ^mask[i]
	}
	return bcast
}
