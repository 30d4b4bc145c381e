package capture

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Features is what the classifier sees of one frame.
type Features struct {
	Timestamp   time.Time `json:"timestamp"`
	SrcIP       string    `json:"srcIP"`
	DstIP       string    `json:"dstIP"`
	SrcPort     int       `json:"srcPort,omitempty"`
	DstPort     int       `json:"dstPort,omitempty"`
	Protocol    string    `json:"protocol"`
	Length      int       `json:"length"`
	Description string    `json:"description"`
}

// Decode extracts Features from a captured frame. Frames without an IPv4 or
// IPv6 layer are skipped.
func Decode(data []byte, link gopacket.Decoder, ci gopacket.CaptureInfo) (Features, bool) {
	pkt := gopacket.NewPacket(data, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	f := Features{Timestamp: ci.Timestamp, Length: ci.Length}
	if f.Length == 0 {
		f.Length = len(data)
	}

	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		f.SrcIP, f.DstIP = ip.SrcIP.String(), ip.DstIP.String()
		f.Protocol = ip.Protocol.String()
	case *layers.IPv6:
		f.SrcIP, f.DstIP = ip.SrcIP.String(), ip.DstIP.String()
		f.Protocol = ip.NextHeader.String()
	default:
		return Features{}, false
	}

	var flags []string
	switch t := pkt.TransportLayer().(type) {
	case *layers.TCP:
		f.Protocol = "TCP"
		f.SrcPort, f.DstPort = int(t.SrcPort), int(t.DstPort)
		for _, fl := range []struct {
			set  bool
			name string
		}{{t.SYN, "SYN"}, {t.ACK, "ACK"}, {t.FIN, "FIN"}, {t.RST, "RST"}, {t.PSH, "PSH"}, {t.URG, "URG"}} {
			if fl.set {
				flags = append(flags, fl.name)
			}
		}
	case *layers.UDP:
		f.Protocol = "UDP"
		f.SrcPort, f.DstPort = int(t.SrcPort), int(t.DstPort)
	default:
		if l := pkt.Layer(layers.LayerTypeICMPv4); l != nil {
			f.Protocol = "ICMPv4"
			flags = append(flags, l.(*layers.ICMPv4).TypeCode.String())
		} else if l := pkt.Layer(layers.LayerTypeICMPv6); l != nil {
			f.Protocol = "ICMPv6"
			flags = append(flags, l.(*layers.ICMPv6).TypeCode.String())
		}
	}

	f.Description = describe(f, flags)
	return f, true
}

func describe(f Features, flags []string) string {
	var b strings.Builder
	b.WriteString(f.Protocol)
	b.WriteByte(' ')
	if f.SrcPort != 0 || f.DstPort != 0 {
		fmt.Fprintf(&b, "%s -> %s", hostPort(f.SrcIP, f.SrcPort), hostPort(f.DstIP, f.DstPort))
	} else {
		fmt.Fprintf(&b, "%s -> %s", f.SrcIP, f.DstIP)
	}
	if len(flags) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(flags, ","))
	}
	fmt.Fprintf(&b, " len=%d", f.Length)
	return b.String()
}

func hostPort(ip string, port int) string {
	if strings.Contains(ip, ":") {
		return fmt.Sprintf("[%s]:%d", ip, port)
	}
	return fmt.Sprintf("%s:%d", ip, port)
}
