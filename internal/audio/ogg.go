package audio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Ogg page framing per RFC 3533, reduced to what the voice send path
// needs: sequential packet extraction. Seeking and CRC validation are
// skipped, so a corrupt page surfaces as a read error.

const (
	oggPageHeaderSize = 27

	oggFlagContinued = 0x01
	oggFlagEOS       = 0x04
)

var (
	// ErrNotOgg is returned when the stream does not carry Ogg page
	// framing at the expected position.
	ErrNotOgg = errors.New("audio: not an ogg stream")

	// ErrNoPackets is returned when an Ogg stream holds no audio
	// packets beyond its codec headers.
	ErrNoPackets = errors.New("audio: ogg stream has no audio packets")
)

// OggReader extracts logical packets from an Ogg stream in order,
// reassembling packets that span page boundaries.
type OggReader struct {
	r       *bufio.Reader
	packets [][]byte // complete packets from the current page
	partial []byte   // packet fragment continued on the next page
	eos     bool
}

func NewOggReader(r io.Reader) *OggReader {
	return &OggReader{r: bufio.NewReader(r)}
}

// ReadPacket returns the next packet, or io.EOF at the end of the stream.
func (o *OggReader) ReadPacket() ([]byte, error) {
	for len(o.packets) == 0 {
		if o.eos {
			return nil, io.EOF
		}
		if err := o.readPage(); err != nil {
			return nil, err
		}
	}
	p := o.packets[0]
	o.packets = o.packets[1:]
	return p, nil
}

// readPage consumes one page and appends its completed packets.
func (o *OggReader) readPage() error {
	var hdr [oggPageHeaderSize]byte
	if _, err := io.ReadFull(o.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return fmt.Errorf("audio: truncated ogg page header: %w", io.EOF)
		}
		return err
	}
	if !bytes.Equal(hdr[:4], oggCapturePattern) {
		return ErrNotOgg
	}
	if hdr[4] != 0 {
		return fmt.Errorf("audio: unsupported ogg version %d", hdr[4])
	}
	flags := hdr[5]

	// Lacing values: one byte per segment, 255 means the packet
	// continues into the next segment (or page).
	segCount := int(hdr[26])
	lacing := make([]byte, segCount)
	if _, err := io.ReadFull(o.r, lacing); err != nil {
		return fmt.Errorf("audio: truncated ogg segment table: %w", err)
	}
	bodyLen := 0
	for _, v := range lacing {
		bodyLen += int(v)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(o.r, body); err != nil {
		return fmt.Errorf("audio: truncated ogg page body: %w", err)
	}

	cur := o.partial
	o.partial = nil
	if flags&oggFlagContinued == 0 && cur != nil {
		// The previous page promised a continuation that never came.
		cur = nil
	}

	off := 0
	for _, v := range lacing {
		cur = append(cur, body[off:off+int(v)]...)
		off += int(v)
		if v < 255 {
			o.packets = append(o.packets, cur)
			cur = nil
		}
	}
	o.partial = cur

	if flags&oggFlagEOS != 0 {
		o.eos = true
	}
	return nil
}

// OpusPackets decodes an Ogg/Opus clip into its raw Opus packets, in
// order, with the OpusHead and OpusTags header packets dropped. This is
// the form a voice transport wants: one packet per 20 ms frame.
func OpusPackets(data []byte) ([][]byte, error) {
	r := NewOggReader(bytes.NewReader(data))
	var out [][]byte
	for {
		p, err := r.ReadPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(p) >= 8 && (bytes.Equal(p[:8], []byte("OpusHead")) || bytes.Equal(p[:8], []byte("OpusTags"))) {
			continue
		}
		if len(p) == 0 {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, ErrNoPackets
	}
	return out, nil
}
