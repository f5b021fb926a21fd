package netprobe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"ringmesh/internal/core/domain"

	"github.com/pion/stun/v3"
)

// Probe is one raw network-quality observation. Probers produce it; the
// Collector shapes it into a ParticipantMetrics record.
type Probe struct {
	NATTier        uint8
	UploadKbps     uint32
	RTT            time.Duration
	STUNSuccessPct uint8
	PublicAddress  string
	PublicPort     uint16
	ConnectionType uint8
}

// Prober abstracts how raw quality numbers are obtained, so the election
// path never depends on a particular probing implementation.
type Prober interface {
	Probe(ctx context.Context) (Probe, error)
}

// StaticProber returns fixed values. It stands in where real probing is
// unavailable (tests, loopback demos, environments without STUN reachability).
type StaticProber struct {
	Result Probe
}

// DefaultStaticProbe mirrors the placeholder numbers the system shipped
// with before real probing existed: mid-tier NAT, 50 Mbps upload, 90%
// STUN success.
func DefaultStaticProbe() Probe {
	return Probe{
		NATTier:        domain.NATTierRestricted,
		UploadKbps:     50000,
		RTT:            30 * time.Millisecond,
		STUNSuccessPct: 90,
		PublicAddress:  "127.0.0.1",
		PublicPort:     0,
		ConnectionType: domain.ConnectionDirect,
	}
}

func (p *StaticProber) Probe(ctx context.Context) (Probe, error) {
	return p.Result, nil
}

// STUNProber derives NAT tier, RTT, and the public mapping from binding
// requests against a set of STUN servers. Differing mapped addresses across
// servers indicate a symmetric NAT; agreement indicates a cone variant.
type STUNProber struct {
	Servers []string
	Timeout time.Duration
}

func NewSTUNProber(servers []string, timeout time.Duration) *STUNProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &STUNProber{Servers: servers, Timeout: timeout}
}

func (p *STUNProber) Probe(ctx context.Context) (Probe, error) {
	if len(p.Servers) == 0 {
		return Probe{}, fmt.Errorf("no STUN servers configured")
	}

	var (
		mapped  []netAddr
		rtts    []time.Duration
		lastErr error
	)
	for _, server := range p.Servers {
		addr, rtt, err := p.probeServer(ctx, server)
		if err != nil {
			lastErr = err
			continue
		}
		mapped = append(mapped, addr)
		rtts = append(rtts, rtt)
	}

	if len(mapped) == 0 {
		return Probe{}, fmt.Errorf("all STUN probes failed: %w", lastErr)
	}

	successPct := uint8(len(mapped) * 100 / len(p.Servers))

	var total time.Duration
	for _, rtt := range rtts {
		total += rtt
	}

	return Probe{
		NATTier:        classifyNAT(mapped),
		UploadKbps:     0, // bandwidth probing is a separate concern
		RTT:            total / time.Duration(len(rtts)),
		STUNSuccessPct: successPct,
		PublicAddress:  mapped[0].ip,
		PublicPort:     mapped[0].port,
		ConnectionType: domain.ConnectionDirect,
	}, nil
}

type netAddr struct {
	ip   string
	port uint16
}

// classifyNAT compares mapped addresses from multiple servers: a mapping
// that changes per destination is symmetric, a stable one is cone-like.
// A single observation cannot distinguish the cone variants.
func classifyNAT(mapped []netAddr) uint8 {
	if len(mapped) < 2 {
		return domain.NATTierRestricted
	}
	first := mapped[0]
	for _, addr := range mapped[1:] {
		if addr != first {
			return domain.NATTierSymmetric
		}
	}
	return domain.NATTierFullCone
}

func (p *STUNProber) probeServer(ctx context.Context, server string) (netAddr, time.Duration, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return netAddr{}, 0, fmt.Errorf("empty STUN server")
	}

	dialer := net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "udp4", server)
	if err != nil {
		return netAddr{}, 0, fmt.Errorf("dial %s: %w", server, err)
	}

	client, err := stun.NewClient(conn, stun.WithRTO(p.Timeout))
	if err != nil {
		conn.Close()
		return netAddr{}, 0, fmt.Errorf("stun client %s: %w", server, err)
	}
	defer client.Close()

	message, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return netAddr{}, 0, err
	}

	var (
		result  netAddr
		callErr error
	)
	start := time.Now()
	err = client.Do(message, func(res stun.Event) {
		if res.Error != nil {
			callErr = res.Error
			return
		}
		var xor stun.XORMappedAddress
		if getErr := xor.GetFrom(res.Message); getErr != nil {
			callErr = getErr
			return
		}
		result = netAddr{ip: xor.IP.String(), port: uint16(xor.Port)}
	})
	rtt := time.Since(start)

	if err != nil {
		return netAddr{}, 0, fmt.Errorf("binding request %s: %w", server, err)
	}
	if callErr != nil {
		return netAddr{}, 0, fmt.Errorf("binding response %s: %w", server, callErr)
	}
	return result, rtt, nil
}
