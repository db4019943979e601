// Package arp implements the ARP resolution core: a fixed-size cache
// with pending-packet queues, request broadcast, and reply generation
// (spec.md §4.8). Wire parsing/serialization goes through
// github.com/google/gopacket's layers package rather than hand-rolled
// byte offsets, the way a networking-heavy example in this corpus
// builds and reads Ethernet frames.
package arp

import (
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"wos/internal/kerrno"
)

// CacheSize is the fixed entry count spec.md §4.8 "Table" specifies.
const CacheSize = 64

// PendingQueueCap bounds the number of packets queued per incomplete
// entry.
const PendingQueueCap = 64

// RequestTimeout is how long an incomplete entry is given before it is
// considered failed (spec.md §4.8 "Resolve").
const RequestTimeout = 5 * time.Second

// EthernetBroadcast is the all-ones MAC address.
var EthernetBroadcast = net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// entryState is one cache slot's lifecycle state.
type entryState int

const (
	stateFree entryState = iota
	stateIncomplete
	stateReachable
)

type entry struct {
	state      entryState
	ip         net.IP
	mac        net.HardwareAddr
	requestAt  time.Time
	pending    [][]byte
}

// ResolveStatus reports Resolve's outcome to the caller.
type ResolveStatus int

const (
	// ResolveOK means mac is populated and the caller can transmit now.
	ResolveOK ResolveStatus = iota
	// ResolvePending means a request was sent and pkt was queued; the
	// caller should expect delivery once Ingress completes resolution.
	ResolvePending
	// ResolveFailed means a prior request timed out and pkt was dropped.
	ResolveFailed
)

// Transmitter sends a raw Ethernet frame, the boundary spec.md §4.8
// draws between cache operations (under lock) and packet transmission
// (outside it).
type Transmitter interface {
	Transmit(frame []byte) error
}

// Cache is the fixed-size ARP table (spec.md §3 "ArpEntry" / §4.8
// "Table"). A single mutex serializes all cache operations, matching
// the single-spinlock concurrency note in spec.md §4.8.
type Cache struct {
	mu      sync.Mutex
	entries [CacheSize]*entry

	LocalIP  net.IP
	LocalMAC net.HardwareAddr
	Tx       Transmitter
}

// NewCache constructs an empty cache bound to the given interface
// identity.
func NewCache(localIP net.IP, localMAC net.HardwareAddr, tx Transmitter) *Cache {
	return &Cache{LocalIP: localIP, LocalMAC: localMAC, Tx: tx}
}

func (c *Cache) findLocked(ip net.IP) (*entry, int) {
	for i, e := range c.entries {
		if e != nil && e.ip.Equal(ip) {
			return e, i
		}
	}
	return nil, -1
}

// allocateLocked returns a free slot, evicting a reachable entry if the
// cache is full (spec.md §4.8 "Resolve": "evict a reachable entry if
// the cache is full").
func (c *Cache) allocateLocked() int {
	for i, e := range c.entries {
		if e == nil {
			return i
		}
	}
	for i, e := range c.entries {
		if e.state == stateReachable {
			return i
		}
	}
	return 0
}

// Resolve implements spec.md §4.8 "Resolve(ip, pkt)". Broadcast
// addresses short-circuit without touching the cache; the transmit
// call for a freshly-sent ARP request happens outside the lock.
func (c *Cache) Resolve(ip net.IP, pkt []byte) (net.HardwareAddr, ResolveStatus, error) {
	if isBroadcast(ip) {
		return EthernetBroadcast, ResolveOK, nil
	}

	var toSend []byte
	var status ResolveStatus
	var mac net.HardwareAddr
	var resolveErr error

	c.mu.Lock()
	e, idx := c.findLocked(ip)
	switch {
	case e != nil && e.state == stateReachable:
		mac = append(net.HardwareAddr(nil), e.mac...)
		status = ResolveOK

	case e != nil && e.state == stateIncomplete:
		if time.Since(e.requestAt) > RequestTimeout {
			c.entries[idx] = nil
			status = ResolveFailed
			resolveErr = errors.Wrapf(kerrno.ETIMEOUT, "arp: resolution of %s timed out", ip)
		} else {
			if len(e.pending) < PendingQueueCap {
				e.pending = append(e.pending, pkt)
			}
			status = ResolvePending
		}

	default:
		idx = c.allocateLocked()
		ne := &entry{state: stateIncomplete, ip: append(net.IP(nil), ip...), requestAt: time.Now()}
		ne.pending = append(ne.pending, pkt)
		c.entries[idx] = ne
		status = ResolvePending
		toSend = c.buildRequest(ip)
	}
	c.mu.Unlock()

	if toSend != nil && c.Tx != nil {
		if err := c.Tx.Transmit(toSend); err != nil {
			return nil, status, err
		}
	}
	return mac, status, resolveErr
}

func isBroadcast(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return v4[0] == 255 && v4[1] == 255 && v4[2] == 255 && v4[3] == 255
}

func (c *Cache) buildRequest(target net.IP) []byte {
	return serializeARP(c.LocalMAC, EthernetBroadcast, layers.ARPRequest,
		c.LocalMAC, c.LocalIP, make(net.HardwareAddr, 6), target)
}

func serializeARP(srcMAC, dstMAC net.HardwareAddr, op uint16, senderMAC net.HardwareAddr, senderIP net.IP, targetMAC net.HardwareAddr, targetIP net.IP) []byte {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeARP}
	a := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   []byte(senderMAC),
		SourceProtAddress: []byte(senderIP.To4()),
		DstHwAddress:      []byte(targetMAC),
		DstProtAddress:    []byte(targetIP.To4()),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, a); err != nil {
		return nil
	}
	return buf.Bytes()
}

// Ingress implements spec.md §4.8 "Ingress": any ARP packet updates the
// cache with the sender mapping, flushing queued packets once an entry
// transitions out of incomplete; an ARP request for one of our IPv4
// addresses draws a reply.
func (c *Cache) Ingress(frame []byte) error {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	arpLayer := packet.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return nil
	}
	a, ok := arpLayer.(*layers.ARP)
	if !ok {
		return errors.Wrap(kerrno.EINVAL, "arp: malformed ARP layer")
	}

	senderIP := net.IP(a.SourceProtAddress)
	senderMAC := net.HardwareAddr(a.SourceHwAddress)

	var flushed [][]byte
	c.mu.Lock()
	e, idx := c.findLocked(senderIP)
	wasIncomplete := e != nil && e.state == stateIncomplete
	if e == nil {
		idx = c.allocateLocked()
		e = &entry{ip: append(net.IP(nil), senderIP...)}
		c.entries[idx] = e
	}
	e.mac = append(net.HardwareAddr(nil), senderMAC...)
	e.state = stateReachable
	if wasIncomplete {
		flushed = e.pending
		e.pending = nil
	}
	c.mu.Unlock()

	for _, pkt := range flushed {
		if c.Tx != nil {
			if err := c.Tx.Transmit(pkt); err != nil {
				return err
			}
		}
	}

	if a.Operation == layers.ARPRequest && net.IP(a.DstProtAddress).Equal(c.LocalIP) {
		reply := serializeARP(c.LocalMAC, senderMAC, layers.ARPReply,
			c.LocalMAC, c.LocalIP, senderMAC, senderIP)
		if c.Tx != nil && reply != nil {
			return c.Tx.Transmit(reply)
		}
	}
	return nil
}
