// Package audio describes the raw input and compressed output formats of the
// transcode pipeline, and validates them.
package audio

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Constants for the raw PCM produced by the speech generator.
const (
	DEFAULT_INPUT_SAMPLE_RATE = 24000
	DEFAULT_INPUT_BIT_DEPTH   = 16
	DEFAULT_INPUT_CHANNELS    = 1
)

// Constants for the compressed artifact.
const (
	DEFAULT_OUTPUT_SAMPLE_RATE = 44100
	DEFAULT_OUTPUT_BITRATE     = "128k"
	DEFAULT_OUTPUT_CODEC       = "libmp3lame"
)

// Constants for supported bit depths.
const (
	BIT_DEPTH_8  = 8
	BIT_DEPTH_16 = 16
	BIT_DEPTH_24 = 24
	BIT_DEPTH_32 = 32
)

// Constants for validation limits.
const (
	MAX_SAMPLE_RATE = 192000
	MAX_CHANNELS    = 8
	bitsPerByte     = 8
)

// Constants for error messages and formats.
const (
	ERR_FMT_SAMPLE_RATE_RANGE = "%w: %s sample rate must be between 1 and %d Hz"
	ERR_FMT_BIT_DEPTH_VALUES  = "%w: bit depth must be 8, 16, 24, or 32"
	ERR_FMT_CHANNELS_RANGE    = "%w: channels must be between 1 and %d"
	ERR_FMT_BITRATE           = "%w: bitrate %q must look like 128k"
	ERR_FMT_CODEC_EMPTY       = "%w: output codec cannot be empty"
)

// ErrInvalidProfile is wrapped by every validation failure in this package.
var ErrInvalidProfile = errors.New("invalid audio profile")

// Format represents a container or sample format understood by the encoder.
type Format string

const (
	FORMAT_S16LE Format = "s16le"
	FORMAT_S24LE Format = "s24le"
	FORMAT_S32LE Format = "s32le"
	FORMAT_U8    Format = "u8"
	FORMAT_MP3   Format = "mp3"
)

// Profile fixes the headerless input format and the compressed output format.
type Profile struct {
	InputSampleRate  int    `json:"inputSampleRate"`
	InputBitDepth    int    `json:"inputBitDepth"`
	InputChannels    int    `json:"inputChannels"`
	OutputCodec      string `json:"outputCodec"`
	OutputSampleRate int    `json:"outputSampleRate"`
	Bitrate          string `json:"bitrate"`
}

// NewDefaultProfile returns 24 kHz mono 16-bit PCM in, 44.1 kHz 128k MP3 out.
func NewDefaultProfile() Profile {
	return Profile{
		InputSampleRate:  DEFAULT_INPUT_SAMPLE_RATE,
		InputBitDepth:    DEFAULT_INPUT_BIT_DEPTH,
		InputChannels:    DEFAULT_INPUT_CHANNELS,
		OutputCodec:      DEFAULT_OUTPUT_CODEC,
		OutputSampleRate: DEFAULT_OUTPUT_SAMPLE_RATE,
		Bitrate:          DEFAULT_OUTPUT_BITRATE,
	}
}

// Validate checks that the profile can be handed to the encoder.
func (p *Profile) Validate() error {
	err := validateSampleRate("input", p.InputSampleRate)
	if err != nil {
		return err
	}

	err = validateBitDepth(p.InputBitDepth)
	if err != nil {
		return err
	}

	err = validateChannels(p.InputChannels)
	if err != nil {
		return err
	}

	err = validateSampleRate("output", p.OutputSampleRate)
	if err != nil {
		return err
	}

	if p.OutputCodec == "" {
		return fmt.Errorf(ERR_FMT_CODEC_EMPTY, ErrInvalidProfile)
	}

	return validateBitrate(p.Bitrate)
}

// InputFormat is the ffmpeg sample format name for the raw input.
func (p *Profile) InputFormat() Format {
	switch p.InputBitDepth {
	case BIT_DEPTH_8:
		return FORMAT_U8
	case BIT_DEPTH_24:
		return FORMAT_S24LE
	case BIT_DEPTH_32:
		return FORMAT_S32LE
	default:
		return FORMAT_S16LE
	}
}

// BytesPerSecond is the size of one second of raw input.
func (p *Profile) BytesPerSecond() int {
	return p.InputSampleRate * p.InputChannels * p.InputBitDepth / bitsPerByte
}

// Duration is the playback length of n bytes of raw input.
func (p *Profile) Duration(n int) time.Duration {
	perSecond := p.BytesPerSecond()
	if perSecond == 0 {
		return 0
	}

	return time.Duration(float64(n) / float64(perSecond) * float64(time.Second))
}

// ContentType is the MIME type of the encoded artifact.
func (p *Profile) ContentType() string {
	return "audio/mpeg"
}

// Extension is the file extension of the encoded artifact.
func (p *Profile) Extension() string {
	return "." + string(FORMAT_MP3)
}

// FFmpegArgs builds the argument list that reads raw PCM from stdin and writes
// the artifact to outputPath.
func (p *Profile) FFmpegArgs(outputPath string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", string(p.InputFormat()),
		"-ar", strconv.Itoa(p.InputSampleRate),
		"-ac", strconv.Itoa(p.InputChannels),
		"-i", "pipe:0",
		"-codec:a", p.OutputCodec,
		"-ar", strconv.Itoa(p.OutputSampleRate),
		"-b:a", p.Bitrate,
		"-f", string(FORMAT_MP3),
		"-y", outputPath,
	}
}

//
// Validation Helpers
//

func validateSampleRate(which string, sampleRate int) error {
	if sampleRate <= 0 || sampleRate > MAX_SAMPLE_RATE {
		return fmt.Errorf(ERR_FMT_SAMPLE_RATE_RANGE, ErrInvalidProfile, which, MAX_SAMPLE_RATE)
	}

	return nil
}

func validateBitDepth(bitDepth int) error {
	switch bitDepth {
	case BIT_DEPTH_8, BIT_DEPTH_16, BIT_DEPTH_24, BIT_DEPTH_32:
		return nil
	default:
		return fmt.Errorf(ERR_FMT_BIT_DEPTH_VALUES, ErrInvalidProfile)
	}
}

func validateChannels(channels int) error {
	if channels <= 0 || channels > MAX_CHANNELS {
		return fmt.Errorf(ERR_FMT_CHANNELS_RANGE, ErrInvalidProfile, MAX_CHANNELS)
	}

	return nil
}

func validateBitrate(bitrate string) error {
	if len(bitrate) < 2 || bitrate[len(bitrate)-1] != 'k' {
		return fmt.Errorf(ERR_FMT_BITRATE, ErrInvalidProfile, bitrate)
	}

	value, err := strconv.Atoi(bitrate[:len(bitrate)-1])
	if err != nil || value <= 0 {
		return fmt.Errorf(ERR_FMT_BITRATE, ErrInvalidProfile, bitrate)
	}

	return nil
}
