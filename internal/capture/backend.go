package capture

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

var (
	// ErrNoInterfaces means the host has no capturable interface.
	ErrNoInterfaces = errors.New("no capturable network interfaces present")
	// ErrPermission means the capture device could not be opened for lack
	// of privilege (root or CAP_NET_RAW).
	ErrPermission = errors.New("insufficient privilege to open the capture device")
	// ErrReadTimeout is returned by Handle.ReadPacketData when no frame
	// arrived within the read timeout. The reader retries.
	ErrReadTimeout = errors.New("capture read timeout")
	// ErrNotFound is returned when an identity has no session.
	ErrNotFound = errors.New("no capture session")
)

// Handle is an open capture device. It is owned by exactly one session.
type Handle interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
	Close()
}

// Backend lists and opens capture devices. Open failures must wrap
// ErrPermission or ErrNoInterfaces where they apply.
type Backend interface {
	Devices() ([]string, error)
	Open(device string, snapLen int) (Handle, error)
}

// DefaultSnapLen is the number of bytes captured per frame.
const DefaultSnapLen = 1600

// pcapReadTimeout bounds how long a read blocks, and so how long Stop waits.
const pcapReadTimeout = 500 * time.Millisecond

// PcapBackend captures through libpcap.
type PcapBackend struct {
	Promiscuous bool
}

// Devices returns the interfaces that have at least one address, loopback
// last. ErrNoInterfaces when there is none.
func (b PcapBackend) Devices() ([]string, error) {
	ifaces, err := pcap.FindAllDevs()
	if err != nil {
		return nil, classifyOpenError(err)
	}
	var out, loop []string
	for _, ifc := range ifaces {
		if ifc.Name == "any" || len(ifc.Addresses) == 0 {
			continue
		}
		if strings.HasPrefix(ifc.Name, "lo") {
			loop = append(loop, ifc.Name)
			continue
		}
		out = append(out, ifc.Name)
	}
	out = append(out, loop...)
	if len(out) == 0 {
		return nil, ErrNoInterfaces
	}
	return out, nil
}

// Open opens device for live capture.
func (b PcapBackend) Open(device string, snapLen int) (Handle, error) {
	h, err := pcap.OpenLive(device, int32(snapLen), b.Promiscuous, pcapReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, classifyOpenError(err))
	}
	return &pcapHandle{h: h}, nil
}

// classifyOpenError maps libpcap failures, which only carry text, onto the
// package's typed errors. This is the one place that reads error text.
func classifyOpenError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case strings.Contains(msg, "no such device") || strings.Contains(msg, "no suitable device"):
		return fmt.Errorf("%w: %v", ErrNoInterfaces, err)
	}
	return err
}

type pcapHandle struct {
	h *pcap.Handle
}

func (p *pcapHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := p.h.ReadPacketData()
	if errors.Is(err, pcap.NextErrorTimeoutExpired) {
		return nil, ci, ErrReadTimeout
	}
	return data, ci, err
}

func (p *pcapHandle) LinkType() layers.LinkType { return p.h.LinkType() }

func (p *pcapHandle) Close() { p.h.Close() }
