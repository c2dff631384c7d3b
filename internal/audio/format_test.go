package audio

import (
	"encoding/binary"
	"io"
	"testing"
)

func wavHeaderBytes(channels, rate int, extra ...string) []byte {
	b := []byte("RIFF\x00\x00\x00\x00WAVE")
	for _, id := range extra {
		b = append(b, id...)
		b = binary.LittleEndian.AppendUint32(b, 3)
		b = append(b, 0, 0, 0, 0) // 3 bytes plus pad
	}
	b = append(b, "fmt "...)
	b = binary.LittleEndian.AppendUint32(b, 16)
	b = binary.LittleEndian.AppendUint16(b, 1) // PCM
	b = binary.LittleEndian.AppendUint16(b, uint16(channels))
	b = binary.LittleEndian.AppendUint32(b, uint32(rate))
	b = binary.LittleEndian.AppendUint32(b, uint32(rate*channels*2))
	b = binary.LittleEndian.AppendUint16(b, uint16(channels*2))
	b = binary.LittleEndian.AppendUint16(b, 16)
	return b
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name       string
		file       string
		header     []byte
		container  string
		encoding   string
		sampleRate int
		channels   int
	}{
		{"wav", "call.wav", wavHeaderBytes(2, 8000), "wav", "", 8000, 2},
		{"wav with list chunk", "call.bin", wavHeaderBytes(1, 44100, "LIST"), "wav", "", 44100, 1},
		{"raw pcm", "call.pcm", []byte{0x01, 0x02, 0x03, 0x04}, "", Encoding, SampleRate, Channels},
		{"ogg", "call.opus", []byte("OggS\x00\x02"), "ogg", "", 0, 0},
		{"flac", "call", []byte("fLaC\x00"), "flac", "", 0, 0},
		{"mp3 id3", "call.mp3", []byte("ID3\x04"), "mp3", "", 0, 0},
		{"mp3 frame sync", "call", []byte{0xFF, 0xFB, 0x90}, "mp3", "", 0, 0},
		{"extension fallback", "call.m4a", []byte{0, 0, 0, 0x20}, "m4a", "", 0, 0},
		{"unknown", "call", []byte{0, 0, 0, 0}, "unknown", "", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := DetectFormat(tt.file, tt.header)
			if f.Container != tt.container {
				t.Errorf("Expected container %q, got %q", tt.container, f.Container)
			}
			if f.Encoding != tt.encoding {
				t.Errorf("Expected encoding %q, got %q", tt.encoding, f.Encoding)
			}
			if f.SampleRate != tt.sampleRate || f.Channels != tt.channels {
				t.Errorf("Expected %d Hz x%d, got %d Hz x%d", tt.sampleRate, tt.channels, f.SampleRate, f.Channels)
			}
			if f.Raw() != (tt.container == "") {
				t.Errorf("Raw() = %v for container %q", f.Raw(), f.Container)
			}
		})
	}
}

func TestChunkReader(t *testing.T) {
	chunks := make(chan []byte, 3)
	chunks <- []byte{1, 2, 3}
	chunks <- []byte{}
	chunks <- []byte{4, 5}
	close(chunks)

	got, err := io.ReadAll(NewChunkReader(chunks))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	want := []byte{1, 2, 3, 4, 5}
	if string(got) != string(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestChunkReader_SmallBuffer(t *testing.T) {
	chunks := make(chan []byte, 1)
	chunks <- []byte{1, 2, 3}
	close(chunks)

	r := NewChunkReader(chunks)
	buf := make([]byte, 2)
	n, err := r.Read(buf)
	if err != nil || n != 2 {
		t.Fatalf("Expected 2 bytes, got %d (%v)", n, err)
	}
	n, err = r.Read(buf)
	if err != nil || n != 1 || buf[0] != 3 {
		t.Fatalf("Expected remaining byte, got %d (%v)", n, err)
	}
	if _, err := r.Read(buf); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}
