package audio

import "bytes"

// Container identifies the byte-stream framing of an encoded audio clip.
// Synthesis providers are not consistent about what they return, so the
// container is always probed from the bytes rather than trusted from
// headers or file extensions.
type Container int

const (
	ContainerUnknown Container = iota
	ContainerOggOpus
	ContainerWebM
	ContainerMP3
	ContainerWAV
)

func (c Container) String() string {
	switch c {
	case ContainerOggOpus:
		return "ogg/opus"
	case ContainerWebM:
		return "webm"
	case ContainerMP3:
		return "mp3"
	case ContainerWAV:
		return "wav"
	default:
		return "unknown"
	}
}

// Clip is a playable audio resource: the encoded bytes of one synthesized
// utterance plus the container framing they were probed as. A Clip is
// immutable once built and safe to share across goroutines.
type Clip struct {
	Data      []byte
	Container Container
}

var (
	oggCapturePattern = []byte("OggS")
	ebmlHeader        = []byte{0x1A, 0x45, 0xDF, 0xA3}
	riffHeader        = []byte("RIFF")
	waveFormat        = []byte("WAVE")
	id3Header         = []byte("ID3")
)

// Probe inspects the leading bytes of an encoded stream and reports its
// container. MP3 detection accepts either an ID3 tag or a bare MPEG frame
// sync, which is how most TTS providers emit it.
func Probe(data []byte) Container {
	switch {
	case len(data) >= 4 && bytes.Equal(data[:4], oggCapturePattern):
		return ContainerOggOpus
	case len(data) >= 4 && bytes.Equal(data[:4], ebmlHeader):
		return ContainerWebM
	case len(data) >= 12 && bytes.Equal(data[:4], riffHeader) && bytes.Equal(data[8:12], waveFormat):
		return ContainerWAV
	case len(data) >= 3 && bytes.Equal(data[:3], id3Header):
		return ContainerMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return ContainerMP3
	default:
		return ContainerUnknown
	}
}
