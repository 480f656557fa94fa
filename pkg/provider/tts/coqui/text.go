package coqui

import (
	"encoding/binary"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// splitSentences cuts the complete sentences off s. A sentence ends at a
// '.', '!' or '?' followed by whitespace or the end of s, or at a CJK full
// stop. Whatever follows the last boundary is returned as rest.
func splitSentences(s string) (sentences []string, rest string) {
	start := 0
	for i, r := range s {
		end := -1
		switch r {
		case '。', '！', '？':
			end = i + utf8.RuneLen(r)
		case '.', '!', '?':
			if next := i + 1; next == len(s) || unicode.IsSpace(rune(s[next])) {
				end = next
			}
		}
		if end < 0 {
			continue
		}
		if sentence := strings.TrimSpace(s[start:end]); sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = end
	}
	return sentences, s[start:]
}

type wavInfo struct {
	dataOffset int
	sampleRate int
	channels   int
}

// parseWAV walks the RIFF chunks of wav to the PCM data.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: response is not a WAV file")
	}
	le := binary.LittleEndian
	info := wavInfo{sampleRate: 22050, channels: 1}
	for off := 12; off+8 <= len(wav); {
		size := int(le.Uint32(wav[off+4 : off+8]))
		switch string(wav[off : off+4]) {
		case "fmt ":
			if size >= 16 && off+24 <= len(wav) {
				info.channels = int(le.Uint16(wav[off+10 : off+12]))
				info.sampleRate = int(le.Uint32(wav[off+12 : off+16]))
			}
		case "data":
			info.dataOffset = off + 8
			return info, nil
		}
		// Chunks are padded to an even size.
		off += 8 + size + size%2
	}
	return wavInfo{}, errors.New("coqui: WAV has no data chunk")
}
