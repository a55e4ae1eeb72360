package device

import (
	"strings"

	"github.com/chaz8081/gostt-live/internal/audio"
)

// Score rates how well deviceName matches the system source described by
// info. Zero means no evidence at all.
func Score(info SourceInfo, deviceName string) int {
	name := normalize(deviceName)
	if name == "" {
		return 0
	}

	score := 0
	for _, cand := range info.candidates() {
		norm := normalize(cand)
		if norm == "" {
			continue
		}
		if strings.Contains(name, norm) {
			score += 5
		}
		for _, tok := range tokenize(cand) {
			if strings.Contains(name, tok) {
				score++
			}
		}
	}

	if info.DeviceDescription != "" && normalize(info.DeviceDescription) == name {
		score += 10
	}
	if info.Description != "" && normalize(info.Description) == name {
		score += 6
	}
	if info.Bluetooth() && strings.Contains(name, "bluetooth") {
		score += 4
	}
	return score
}

// BestMatch returns the index and score of the highest scoring device.
// Ties keep the earlier device. idx is -1 when nothing scores above zero.
func BestMatch(info SourceInfo, devices []audio.DeviceInfo) (idx, score int) {
	idx = -1
	for i, d := range devices {
		if s := Score(info, d.Name); s > score {
			idx, score = i, s
		}
	}
	return idx, score
}

// normalize lowercases s and drops everything but ASCII letters and digits.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if isAlnum(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// tokenize splits s on non-alphanumerics, keeping lowercase words longer
// than two characters.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return !isAlnum(r) })
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

func findDevice(devices []audio.DeviceInfo, want string) int {
	for i, d := range devices {
		if d.ID == want || d.Name == want {
			return i
		}
	}
	for i, d := range devices {
		if strings.EqualFold(d.Name, want) {
			return i
		}
	}
	return -1
}
