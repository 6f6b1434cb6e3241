package transport

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 65536

// PcapWriter записывает MGCP датаграммы в pcap файл, синтезируя
// заголовки Ethernet/IPv4/UDP. IPv6 датаграммы пропускаются.
type PcapWriter struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
}

// NewPcapWriter пишет заголовок файла в w
func NewPcapWriter(w io.Writer) (*PcapWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	return &PcapWriter{w: pw}, nil
}

// OpenPcap создает файл захвата
func OpenPcap(path string) (*PcapWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	pw, err := NewPcapWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	pw.closer = f
	return pw, nil
}

// WriteDatagram записывает одну UDP датаграмму
func (p *PcapWriter) WriteDatagram(ts time.Time, src, dst *net.UDPAddr, payload []byte) error {
	if src == nil || dst == nil {
		return nil
	}
	srcIP := src.IP.To4()
	dstIP := dst.IP.To4()
	if srcIP == nil || dstIP == nil {
		return nil
	}
	if srcIP.IsUnspecified() {
		srcIP = net.IPv4(127, 0, 0, 1).To4()
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return err
	}

	frame := buf.Bytes()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}

// Close закрывает файл, если writer его открывал
func (p *PcapWriter) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}
