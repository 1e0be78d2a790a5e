package deepgram

import (
	"fmt"
	"slices"

	"github.com/koscakluka/ema-voice/core/audio"
)

// liveSampleRates lists the sample rates the live endpoint accepts for each
// raw encoding. Companded formats are telephony only.
var liveSampleRates = map[string][]int{
	audio.EncodingLinear16.Name(): {8000, 16000, 24000, 32000, 44100, 48000},
	audio.EncodingMulaw.Name():    {8000},
	audio.EncodingALaw.Name():     {8000},
}

// streamEncoding maps the capture encoding onto listen query options. A zero
// encoding means the default capture format.
func streamEncoding(info audio.EncodingInfo) (connectionOptions, error) {
	if info.IsZero() {
		info = audio.GetDefaultEncodingInfo()
	}

	name := info.Format.Name()
	rates, ok := liveSampleRates[name]
	if !ok {
		return connectionOptions{}, fmt.Errorf("unsupported encoding %q", name)
	}
	if !slices.Contains(rates, info.SampleRate) {
		return connectionOptions{}, fmt.Errorf("unsupported sample rate %d for %s", info.SampleRate, name)
	}

	return connectionOptions{sampleRate: info.SampleRate, encoding: name}, nil
}
