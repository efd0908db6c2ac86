package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/tturner/plcsim/internal/enip"
)

// Frame is one ENIP frame reassembled from a capture.
type Frame struct {
	Encap     enip.ENIPEncapsulation
	Raw       []byte
	ToServer  bool
	Timestamp time.Time
	Src       string
	Dst       string
}

// ExtractFrames reassembles the TCP streams of a capture and splits them
// into ENIP frames. Packets to serverPort are treated as requests.
func ExtractFrames(path string, serverPort uint16) ([]Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pcap file: %w", err)
	}
	defer file.Close()

	reader, err := pcapgo.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("read pcap header: %w", err)
	}

	var frames []Frame
	streams := make(map[string][]byte)
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	for {
		packet, err := source.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return frames, fmt.Errorf("read packet: %w", err)
		}

		tcpLayer := packet.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			continue
		}
		tcp, _ := tcpLayer.(*layers.TCP)
		if len(tcp.Payload) == 0 || packet.NetworkLayer() == nil {
			continue
		}
		if uint16(tcp.SrcPort) != serverPort && uint16(tcp.DstPort) != serverPort {
			continue
		}

		netFlow := packet.NetworkLayer().NetworkFlow()
		src := fmt.Sprintf("%s:%d", netFlow.Src(), tcp.SrcPort)
		dst := fmt.Sprintf("%s:%d", netFlow.Dst(), tcp.DstPort)
		key := src + "->" + dst

		buf := append(streams[key], tcp.Payload...)
		for len(buf) >= 24 {
			total := 24 + int(binary.LittleEndian.Uint16(buf[2:4]))
			if len(buf) < total {
				break
			}
			raw := make([]byte, total)
			copy(raw, buf[:total])
			buf = buf[total:]

			encap, err := enip.DecodeENIP(raw)
			if err != nil {
				return frames, fmt.Errorf("decode frame %s: %w", key, err)
			}
			frames = append(frames, Frame{
				Encap:     encap,
				Raw:       raw,
				ToServer:  uint16(tcp.DstPort) == serverPort,
				Timestamp: packet.Metadata().Timestamp,
				Src:       src,
				Dst:       dst,
			})
		}
		streams[key] = buf
	}
	return frames, nil
}
