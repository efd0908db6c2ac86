// Package capture records served EtherNet/IP traffic to a PCAP file.
package capture

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 65535

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

type flowKey struct {
	client string
	server string
}

type flow struct {
	client, server *net.TCPAddr
	clientSeq      uint32
	serverSeq      uint32
}

// Recorder writes each ENIP frame as one Ethernet/IP/TCP packet. The first
// frame of a connection is preceded by a synthesized three-way handshake so
// dissectors follow the stream.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	writer  *pcapgo.Writer
	flows   map[flowKey]*flow
	packets int
	now     func() time.Time
}

// NewRecorder creates path and writes the PCAP file header.
func NewRecorder(path string) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap file: %w", err)
	}

	writer := pcapgo.NewWriter(file)
	if err := writer.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		file.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}

	return &Recorder{
		file:   file,
		writer: writer,
		flows:  make(map[flowKey]*flow),
		now:    time.Now,
	}, nil
}

// RecordFrame appends one frame travelling between client and server.
func (r *Recorder) RecordFrame(client, server net.Addr, toServer bool, frame []byte) error {
	c, err := tcpAddr(client)
	if err != nil {
		return err
	}
	s, err := tcpAddr(server)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return fmt.Errorf("recorder closed")
	}

	key := flowKey{client: c.String(), server: s.String()}
	f, ok := r.flows[key]
	if !ok {
		f = &flow{client: c, server: s, clientSeq: 1000, serverSeq: 5000}
		r.flows[key] = f
		if err := r.handshake(f); err != nil {
			return err
		}
	}

	tcp := &layers.TCP{PSH: true, ACK: true, Window: 65535}
	if toServer {
		tcp.Seq, tcp.Ack = f.clientSeq, f.serverSeq
		f.clientSeq += uint32(len(frame))
		return r.write(f, true, tcp, frame)
	}
	tcp.Seq, tcp.Ack = f.serverSeq, f.clientSeq
	f.serverSeq += uint32(len(frame))
	return r.write(f, false, tcp, frame)
}

// CloseFlow writes a FIN exchange for the connection and forgets it. A flow
// that never carried a frame is ignored.
func (r *Recorder) CloseFlow(client, server net.Addr) error {
	c, err := tcpAddr(client)
	if err != nil {
		return err
	}
	s, err := tcpAddr(server)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := flowKey{client: c.String(), server: s.String()}
	f, ok := r.flows[key]
	if !ok {
		return nil
	}
	delete(r.flows, key)
	if r.file == nil {
		return nil
	}

	finServer := &layers.TCP{FIN: true, ACK: true, Seq: f.serverSeq, Ack: f.clientSeq, Window: 65535}
	if err := r.write(f, false, finServer, nil); err != nil {
		return err
	}
	finClient := &layers.TCP{FIN: true, ACK: true, Seq: f.clientSeq, Ack: f.serverSeq + 1, Window: 65535}
	if err := r.write(f, true, finClient, nil); err != nil {
		return err
	}
	ack := &layers.TCP{ACK: true, Seq: f.serverSeq + 1, Ack: f.clientSeq + 1, Window: 65535}
	return r.write(f, false, ack, nil)
}

// FlowCount returns the number of connections currently tracked.
func (r *Recorder) FlowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}

func (r *Recorder) handshake(f *flow) error {
	syn := &layers.TCP{SYN: true, Seq: f.clientSeq - 1, Window: 65535}
	if err := r.write(f, true, syn, nil); err != nil {
		return err
	}
	synAck := &layers.TCP{SYN: true, ACK: true, Seq: f.serverSeq - 1, Ack: f.clientSeq, Window: 65535}
	if err := r.write(f, false, synAck, nil); err != nil {
		return err
	}
	ack := &layers.TCP{ACK: true, Seq: f.clientSeq, Ack: f.serverSeq, Window: 65535}
	return r.write(f, true, ack, nil)
}

// write must be called with r.mu held.
func (r *Recorder) write(f *flow, toServer bool, tcp *layers.TCP, payload []byte) error {
	src, dst := f.client, f.server
	srcMAC, dstMAC := clientMAC, serverMAC
	if !toServer {
		src, dst = f.server, f.client
		srcMAC, dstMAC = serverMAC, clientMAC
	}
	tcp.SrcPort = layers.TCPPort(src.Port)
	tcp.DstPort = layers.TCPPort(dst.Port)

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	var network gopacket.SerializableLayer
	if src4, dst4 := src.IP.To4(), dst.IP.To4(); src4 != nil && dst4 != nil {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src4, DstIP: dst4}
		tcp.SetNetworkLayerForChecksum(ip)
		network = ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP, SrcIP: src.IP.To16(), DstIP: dst.IP.To16()}
		tcp.SetNetworkLayerForChecksum(ip)
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, network, tcp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize packet: %w", err)
	}

	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: r.now(), CaptureLength: len(data), Length: len(data)}
	if err := r.writer.WritePacket(ci, data); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	r.packets++
	return nil
}

// PacketCount returns the number of packets written, handshakes included.
func (r *Recorder) PacketCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets
}

// Close flushes and closes the file (idempotent).
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func tcpAddr(addr net.Addr) (*net.TCPAddr, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a, nil
	case nil:
		return nil, fmt.Errorf("missing address")
	default:
		resolved, err := net.ResolveTCPAddr("tcp", addr.String())
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", addr, err)
		}
		return resolved, nil
	}
}
