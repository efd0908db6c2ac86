package capture

import (
	"fmt"
	"io"
	"sort"

	"github.com/tturner/plcsim/internal/cip/protocol"
	"github.com/tturner/plcsim/internal/cip/spec"
	"github.com/tturner/plcsim/internal/enip"
)

// Summary counts what a capture contains.
type Summary struct {
	Frames      int
	Requests    int
	Replies     int
	Commands    map[string]int
	Services    map[string]int
	Tags        map[string]int
	ENIPErrors  map[string]int
	CIPErrors   map[string]int
	Undecodable int
}

// Summarize tallies ENIP commands, CIP services, tag names and error
// statuses across frames.
func Summarize(frames []Frame) *Summary {
	s := &Summary{
		Commands:   make(map[string]int),
		Services:   make(map[string]int),
		Tags:       make(map[string]int),
		ENIPErrors: make(map[string]int),
		CIPErrors:  make(map[string]int),
	}
	for _, f := range frames {
		s.Frames++
		if f.ToServer {
			s.Requests++
		} else {
			s.Replies++
		}
		s.Commands[enip.CommandName(f.Encap.Command)]++
		if !f.ToServer && f.Encap.Status != enip.ENIPStatusSuccess {
			s.ENIPErrors[enip.StatusName(f.Encap.Status)]++
		}
		if f.Encap.Command != enip.ENIPCommandSendRRData {
			continue
		}

		if f.ToServer {
			data, err := enip.ParseSendRRDataRequest(f.Encap.Data)
			if err != nil {
				s.Undecodable++
				continue
			}
			req, err := protocol.DecodeRequest(data)
			if err != nil {
				if _, ok := err.(*protocol.PathSegmentError); !ok {
					s.Undecodable++
					continue
				}
			}
			s.Services[spec.ServiceName(req.Service)]++
			if req.Tag != "" {
				s.Tags[req.Tag]++
			}
			continue
		}

		data, err := enip.ParseSendRRDataResponse(f.Encap.Data)
		if err != nil {
			s.Undecodable++
			continue
		}
		resp, err := protocol.DecodeResponse(data)
		if err != nil {
			s.Undecodable++
			continue
		}
		if resp.Status != spec.StatusSuccess {
			s.CIPErrors[spec.StatusName(resp.Status)]++
		}
	}
	return s
}

// WriteText renders the summary for a terminal.
func (s *Summary) WriteText(w io.Writer) {
	fmt.Fprintf(w, "Frames: %d (%d requests, %d replies)\n", s.Frames, s.Requests, s.Replies)
	writeCounts(w, "ENIP commands", s.Commands)
	writeCounts(w, "CIP services", s.Services)
	writeCounts(w, "Tags", s.Tags)
	writeCounts(w, "ENIP errors", s.ENIPErrors)
	writeCounts(w, "CIP errors", s.CIPErrors)
	if s.Undecodable > 0 {
		fmt.Fprintf(w, "Undecodable frames: %d\n", s.Undecodable)
	}
}

func writeCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-40s %d\n", k, counts[k])
	}
}
