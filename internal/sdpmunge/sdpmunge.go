// Package sdpmunge rewrites and checks session descriptions before they are
// handed to the media engine or sent to a peer.
package sdpmunge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

var ErrInvalidSDP = errors.New("sdpmunge: invalid session description")

// PreferAudioCodec moves the payload type of codec to the front of every
// m=audio format list that carries it. The remaining formats keep their
// order. When the description has no m=audio line, or no a=rtpmap line for
// codec inside the audio section, raw is returned unchanged.
//
// The rewrite is textual so everything else, including line endings, is
// preserved byte for byte.
func PreferAudioCodec(raw, codec string) string {
	codec = strings.TrimSpace(codec)
	if codec == "" || !strings.Contains(raw, "m=audio") {
		return raw
	}

	lines := strings.SplitAfter(raw, "\n")
	changed := false
	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], "m=audio ") {
			continue
		}
		end := i + 1
		for end < len(lines) && !strings.HasPrefix(lines[end], "m=") {
			end++
		}
		if pt, ok := findPayloadType(lines[i+1:end], codec); ok {
			if rewritten, ok := moveFormatFirst(lines[i], pt); ok && rewritten != lines[i] {
				lines[i] = rewritten
				changed = true
			}
		}
		i = end - 1
	}
	if !changed {
		return raw
	}
	return strings.Join(lines, "")
}

// findPayloadType returns the payload type of the first
// "a=rtpmap:<pt> <codec>/..." line in section.
func findPayloadType(section []string, codec string) (string, bool) {
	for _, line := range section {
		value, ok := strings.CutPrefix(trimEOL(line), "a=rtpmap:")
		if !ok {
			continue
		}
		pt, encoding, ok := strings.Cut(value, " ")
		if !ok || pt == "" {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimSpace(encoding), "/")
		if strings.EqualFold(name, codec) {
			return pt, true
		}
	}
	return "", false
}

// moveFormatFirst rewrites "m=audio <port> <proto> <fmt>..." so pt leads the
// format list.
func moveFormatFirst(line, pt string) (string, bool) {
	body := trimEOL(line)
	eol := line[len(body):]

	fields := strings.Split(body, " ")
	if len(fields) < 4 {
		return line, false
	}
	formats := fields[3:]
	idx := -1
	for i, f := range formats {
		if f == pt {
			idx = i
			break
		}
	}
	if idx < 0 {
		return line, false
	}
	reordered := make([]string, 0, len(formats))
	reordered = append(reordered, pt)
	reordered = append(reordered, formats[:idx]...)
	reordered = append(reordered, formats[idx+1:]...)

	out := append(append([]string{}, fields[:3]...), reordered...)
	return strings.Join(out, " ") + eol, true
}

func trimEOL(line string) string {
	return strings.TrimRight(line, "\r\n")
}

// Validate parses raw with pion/sdp and checks it carries at least one media
// section. It returns the parsed description for callers that want to inspect
// it.
func Validate(raw string) (*sdp.SessionDescription, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSDP)
	}
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("%w: no media sections", ErrInvalidSDP)
	}
	return &desc, nil
}

// AudioFormats returns the format list of the first m=audio section, or nil.
func AudioFormats(desc *sdp.SessionDescription) []string {
	if desc == nil {
		return nil
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return md.MediaName.Formats
		}
	}
	return nil
}
