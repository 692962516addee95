// Package processing turns newly uploaded audio into a ready track: it
// extracts technical metadata, renders the waveform envelope, and finalizes
// the track status.
package processing

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	trackdomain "github.com/soundrail/soundrail/internal/track/domain"
)

// Extraction failures no retry can fix.
var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrCorruptAudio      = errors.New("corrupt audio file")
)

// waveformBuckets is the resolution of the rendered envelope.
const waveformBuckets = 256

// ProbeResult is the output of a successful extraction. Peaks is nil when the
// container carries compressed frames we do not decode (mp3); metadata is
// still extracted from the frame headers.
type ProbeResult struct {
	Metadata trackdomain.TechnicalMetadata
	Peaks    []float64
}

// Probe extracts technical metadata and, for PCM containers, the normalized
// waveform envelope. It reads headers and scans samples in one pass without
// buffering the whole file.
func Probe(r io.Reader, mimeType string) (ProbeResult, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	switch normalizeMime(mimeType) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return probeWAV(br)
	case "audio/mpeg", "audio/mp3":
		return probeMP3(br)
	default:
		return ProbeResult{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, mimeType)
	}
}

func normalizeMime(mime string) string {
	mime = strings.TrimSpace(strings.ToLower(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}

type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	byteRate      uint32
	blockAlign    uint16
	bitsPerSample uint16
}

func probeWAV(r *bufio.Reader) (ProbeResult, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return ProbeResult{}, fmt.Errorf("%w: truncated riff header", ErrCorruptAudio)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return ProbeResult{}, fmt.Errorf("%w: not a riff/wave container", ErrCorruptAudio)
	}

	var format *wavFormat
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return ProbeResult{}, fmt.Errorf("%w: no data chunk", ErrCorruptAudio)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			f, err := readWAVFormat(r, size)
			if err != nil {
				return ProbeResult{}, err
			}
			format = f
		case "data":
			if format == nil {
				return ProbeResult{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrCorruptAudio)
			}
			return finishWAV(r, format, size)
		default:
			if err := skipChunk(r, size); err != nil {
				return ProbeResult{}, fmt.Errorf("%w: truncated %s chunk", ErrCorruptAudio, id)
			}
		}
	}
}

func readWAVFormat(r io.Reader, size uint32) (*wavFormat, error) {
	if size < 16 {
		return nil, fmt.Errorf("%w: fmt chunk too small", ErrCorruptAudio)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: truncated fmt chunk", ErrCorruptAudio)
	}
	if size%2 == 1 {
		if err := skipChunk(r, 1); err != nil {
			return nil, fmt.Errorf("%w: truncated fmt padding", ErrCorruptAudio)
		}
	}
	f := &wavFormat{
		audioFormat:   binary.LittleEndian.Uint16(buf[0:2]),
		channels:      binary.LittleEndian.Uint16(buf[2:4]),
		sampleRate:    binary.LittleEndian.Uint32(buf[4:8]),
		byteRate:      binary.LittleEndian.Uint32(buf[8:12]),
		blockAlign:    binary.LittleEndian.Uint16(buf[12:14]),
		bitsPerSample: binary.LittleEndian.Uint16(buf[14:16]),
	}
	if f.channels == 0 || f.sampleRate == 0 || f.byteRate == 0 || f.blockAlign == 0 {
		return nil, fmt.Errorf("%w: zeroed fmt fields", ErrCorruptAudio)
	}
	return f, nil
}

func finishWAV(r *bufio.Reader, f *wavFormat, dataSize uint32) (ProbeResult, error) {
	meta := trackdomain.TechnicalMetadata{
		DurationSeconds: float64(dataSize) / float64(f.byteRate),
		BitrateKbps:     int(f.byteRate * 8 / 1000),
		SampleRateHz:    int(f.sampleRate),
		Channels:        int(f.channels),
		Format:          "wav",
	}

	// The envelope is only rendered for 16-bit PCM; other encodings keep
	// their metadata but skip the artifact.
	if f.audioFormat != 1 || f.bitsPerSample != 16 {
		return ProbeResult{Metadata: meta}, nil
	}

	peaks, err := scanPCM16Peaks(r, f, dataSize)
	if err != nil {
		return ProbeResult{}, err
	}
	return ProbeResult{Metadata: meta, Peaks: peaks}, nil
}

// scanPCM16Peaks reduces the first channel of the data chunk to
// waveformBuckets normalized peak amplitudes.
func scanPCM16Peaks(r io.Reader, f *wavFormat, dataSize uint32) ([]float64, error) {
	frameSize := int(f.blockAlign)
	totalFrames := int(dataSize) / frameSize
	if totalFrames == 0 {
		return nil, fmt.Errorf("%w: empty data chunk", ErrCorruptAudio)
	}

	buckets := waveformBuckets
	if totalFrames < buckets {
		buckets = totalFrames
	}
	framesPerBucket := totalFrames / buckets

	peaks := make([]float64, 0, buckets)
	frame := make([]byte, frameSize)
	var bucketMax, inBucket int
	for i := 0; i < totalFrames; i++ {
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, fmt.Errorf("%w: truncated pcm data", ErrCorruptAudio)
		}
		sample := int(int16(binary.LittleEndian.Uint16(frame[0:2])))
		if sample < 0 {
			sample = -sample
		}
		if sample > bucketMax {
			bucketMax = sample
		}
		inBucket++
		if inBucket == framesPerBucket && len(peaks) < buckets {
			peaks = append(peaks, float64(bucketMax)/32768.0)
			bucketMax, inBucket = 0, 0
		}
	}
	if inBucket > 0 && len(peaks) < buckets {
		peaks = append(peaks, float64(bucketMax)/32768.0)
	}
	return peaks, nil
}

func skipChunk(r io.Reader, size uint32) error {
	// RIFF chunks are word aligned.
	if size%2 == 1 {
		size++
	}
	_, err := io.CopyN(io.Discard, r, int64(size))
	return err
}

var (
	mp3BitratesV1L3 = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320}
	mp3BitratesV2L3 = [16]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160}

	mp3SampleRatesV1  = [4]int{44100, 48000, 32000, 0}
	mp3SampleRatesV2  = [4]int{22050, 24000, 16000, 0}
	mp3SampleRatesV25 = [4]int{11025, 12000, 8000, 0}
)

// probeMP3 reads the first frame header after any ID3v2 tag. Duration assumes
// constant bitrate, which keeps the probe header-only; VBR files get an
// estimate.
func probeMP3(r *bufio.Reader) (ProbeResult, error) {
	if err := skipID3v2(r); err != nil {
		return ProbeResult{}, err
	}

	header, scanned, err := findFrameSync(r)
	if err != nil {
		return ProbeResult{}, err
	}

	version := (header[1] >> 3) & 0x3
	layer := (header[1] >> 1) & 0x3
	bitrateIndex := (header[2] >> 4) & 0xF
	sampleRateIndex := (header[2] >> 2) & 0x3
	channelMode := (header[3] >> 6) & 0x3

	if layer != 0x1 { // layer III only
		return ProbeResult{}, fmt.Errorf("%w: mpeg layer other than III", ErrUnsupportedFormat)
	}

	var bitrate, sampleRate int
	switch version {
	case 0x3: // MPEG 1
		bitrate = mp3BitratesV1L3[bitrateIndex]
		sampleRate = mp3SampleRatesV1[sampleRateIndex]
	case 0x2: // MPEG 2
		bitrate = mp3BitratesV2L3[bitrateIndex]
		sampleRate = mp3SampleRatesV2[sampleRateIndex]
	case 0x0: // MPEG 2.5
		bitrate = mp3BitratesV2L3[bitrateIndex]
		sampleRate = mp3SampleRatesV25[sampleRateIndex]
	default:
		return ProbeResult{}, fmt.Errorf("%w: reserved mpeg version", ErrCorruptAudio)
	}
	if bitrate == 0 || sampleRate == 0 {
		return ProbeResult{}, fmt.Errorf("%w: invalid frame header", ErrCorruptAudio)
	}

	channels := 2
	if channelMode == 0x3 {
		channels = 1
	}

	rest, err := io.Copy(io.Discard, r)
	if err != nil {
		return ProbeResult{}, err
	}
	audioBytes := scanned + len(header) + int(rest)

	return ProbeResult{
		Metadata: trackdomain.TechnicalMetadata{
			DurationSeconds: float64(audioBytes) * 8 / float64(bitrate*1000),
			BitrateKbps:     bitrate,
			SampleRateHz:    sampleRate,
			Channels:        channels,
			Format:          "mp3",
		},
	}, nil
}

func skipID3v2(r *bufio.Reader) error {
	head, err := r.Peek(10)
	if err != nil || string(head[0:3]) != "ID3" {
		return nil
	}
	// Tag size is a 28-bit syncsafe integer, excluding the 10-byte header.
	size := int(head[6]&0x7F)<<21 | int(head[7]&0x7F)<<14 | int(head[8]&0x7F)<<7 | int(head[9]&0x7F)
	if _, err := io.CopyN(io.Discard, r, int64(10+size)); err != nil {
		return fmt.Errorf("%w: truncated id3 tag", ErrCorruptAudio)
	}
	return nil
}

// findFrameSync scans a bounded window for the 11-bit frame sync and returns
// the 4-byte header plus the number of bytes skipped before it.
func findFrameSync(r *bufio.Reader) ([]byte, int, error) {
	const window = 64 * 1024
	for scanned := 0; scanned < window; scanned++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: no mpeg frame found", ErrCorruptAudio)
		}
		if b != 0xFF {
			continue
		}
		next, err := r.Peek(3)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: truncated frame header", ErrCorruptAudio)
		}
		if next[0]&0xE0 != 0xE0 {
			continue
		}
		if _, err := r.Discard(3); err != nil {
			return nil, 0, err
		}
		return []byte{b, next[0], next[1], next[2]}, scanned, nil
	}
	return nil, 0, fmt.Errorf("%w: no mpeg frame in first 64KiB", ErrCorruptAudio)
}
