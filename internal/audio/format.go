package audio

import (
	"encoding/binary"
	"path/filepath"
	"strings"
)

// Format describes how an audio source must be declared to the speech backend
type Format struct {
	// Encoding is empty for containerized audio; the backend reads the header.
	Encoding   string
	SampleRate int
	Channels   int
	Container  string // "wav", "mp3", ... or "" for raw PCM
}

// Raw reports whether the audio is headerless PCM
func (f Format) Raw() bool {
	return f.Container == ""
}

var rawExtensions = map[string]bool{
	".pcm": true,
	".raw": true,
	".s16": true,
}

// DetectFormat infers the format of an audio file from its name and first
// bytes. Headerless PCM is assumed to be in the live capture format.
func DetectFormat(name string, header []byte) Format {
	if info, ok := parseWAVHeader(header); ok {
		return Format{SampleRate: info.sampleRate, Channels: info.channels, Container: "wav"}
	}

	ext := strings.ToLower(filepath.Ext(name))
	if rawExtensions[ext] {
		return Format{Encoding: Encoding, SampleRate: SampleRate, Channels: Channels}
	}

	switch {
	case len(header) >= 4 && string(header[:4]) == "OggS":
		return Format{Container: "ogg"}
	case len(header) >= 4 && string(header[:4]) == "fLaC":
		return Format{Container: "flac"}
	case len(header) >= 3 && string(header[:3]) == "ID3",
		len(header) >= 2 && header[0] == 0xFF && header[1]&0xE0 == 0xE0:
		return Format{Container: "mp3"}
	}

	container := strings.TrimPrefix(ext, ".")
	if container == "" {
		container = "unknown"
	}
	return Format{Container: container}
}

type wavHeader struct {
	sampleRate int
	channels   int
}

// parseWAVHeader walks the RIFF chunks up to "fmt ". Only the header bytes are
// needed, so a missing data chunk is not an error.
func parseWAVHeader(b []byte) (wavHeader, bool) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return wavHeader{}, false
	}

	offset := 12
	for offset+8 <= len(b) {
		id := string(b[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(b[offset+4 : offset+8]))

		if id == "fmt " {
			if size < 16 || offset+8+16 > len(b) {
				break
			}
			fmtData := b[offset+8:]
			return wavHeader{
				channels:   int(binary.LittleEndian.Uint16(fmtData[2:4])),
				sampleRate: int(binary.LittleEndian.Uint32(fmtData[4:8])),
			}, true
		}

		// Chunks are word aligned
		offset += 8 + size
		if size%2 != 0 {
			offset++
		}
	}
	// RIFF/WAVE without a readable fmt chunk; let the backend sniff it
	return wavHeader{}, true
}
