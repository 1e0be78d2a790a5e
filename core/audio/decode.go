package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

var ErrEmptyPayload = errors.New("empty audio payload")

// PayloadKind is the container sniffed from a synthesized speech payload.
type PayloadKind string

const (
	PayloadMPEG PayloadKind = "mpeg"
	PayloadWAV  PayloadKind = "wav"
	PayloadRaw  PayloadKind = "raw"
)

// SniffPayload guesses the container of an audio payload from its header.
// Anything unrecognised is treated as raw PCM already in the target encoding.
func SniffPayload(payload []byte) PayloadKind {
	switch {
	case len(payload) >= 3 && string(payload[:3]) == "ID3":
		return PayloadMPEG
	case len(payload) >= 2 && payload[0] == 0xFF && payload[1]&0xE0 == 0xE0:
		return PayloadMPEG
	case len(payload) >= 12 && string(payload[:4]) == "RIFF" && string(payload[8:12]) == "WAVE":
		return PayloadWAV
	}
	return PayloadRaw
}

// DecodePayload turns a synthesized speech payload into mono linear16 PCM at
// the target sample rate.
func DecodePayload(payload []byte, target EncodingInfo) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if target.IsZero() {
		target = GetDefaultEncodingInfo()
	}

	switch SniffPayload(payload) {
	case PayloadMPEG:
		return decodeMPEG(payload, target)
	case PayloadWAV:
		return decodeWAV(payload, target)
	default:
		return payload, nil
	}
}

func decodeMPEG(payload []byte, target EncodingInfo) ([]byte, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to open mpeg stream: %w", err)
	}

	raw, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mpeg stream: %w", err)
	}

	// go-mp3 always yields 16-bit little-endian stereo
	mono := Downmix(Linear16Samples(raw), 2)
	return Linear16Bytes(Resample(mono, decoder.SampleRate(), target.SampleRate)), nil
}

func decodeWAV(payload []byte, target EncodingInfo) ([]byte, error) {
	var (
		channels      int
		sampleRate    int
		bitsPerSample int
		data          []byte
	)

	pos := 12
	for pos+8 <= len(payload) {
		chunkID := string(payload[pos : pos+4])
		chunkSize := int(binary.LittleEndian.Uint32(payload[pos+4 : pos+8]))
		pos += 8
		if chunkSize < 0 || pos+chunkSize > len(payload) {
			chunkSize = len(payload) - pos
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("invalid wav fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(payload[pos:]); format != 1 {
				return nil, fmt.Errorf("unsupported wav format %d", format)
			}
			channels = int(binary.LittleEndian.Uint16(payload[pos+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(payload[pos+4:]))
			bitsPerSample = int(binary.LittleEndian.Uint16(payload[pos+14:]))
		case "data":
			data = payload[pos : pos+chunkSize]
		}

		pos += chunkSize + chunkSize%2
	}

	if data == nil || channels == 0 {
		return nil, fmt.Errorf("wav payload is missing fmt or data chunk")
	}
	if bitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported wav bit depth %d", bitsPerSample)
	}

	mono := Downmix(Linear16Samples(data), channels)
	return Linear16Bytes(Resample(mono, sampleRate, target.SampleRate)), nil
}
