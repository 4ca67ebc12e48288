package vault

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/CrisisCore-Systems/pain-tracker-sub010/internal/misc"
)

// Run-length transform for large serialized records. The format is a marker
// prefix followed by a token stream: literal bytes pass through, a literal
// '~' doubles to "~~", and a run longer than misc.MinCompressRun encodes as
// "~<count>*" plus the repeated byte. Short runs stay literal, which bounds
// worst-case expansion to the escaped tildes.
//
// The v1 marker identifies payloads written by the legacy encoder; the token
// stream is identical, only the marker differs, so one decoder serves both
// generations.
const (
	compressMarkerV2 = "__CMPv2__:"
	compressMarkerV1 = "__CMPv1__:"

	runEscape = '~'
)

// compressPayload applies the transform when it actually helps. Input that
// does not shrink is returned unchanged and unmarked; serialized JSON can
// never begin with the marker byte, so an unmarked payload is unambiguous.
func compressPayload(data []byte) []byte {
	encoded := encodeRuns(data)
	if len(encoded)+len(compressMarkerV2) >= len(data) {
		return data
	}

	out := make([]byte, 0, len(compressMarkerV2)+len(encoded))
	out = append(out, compressMarkerV2...)
	out = append(out, encoded...)
	return out
}

// decompressPayload reverses compressPayload, accepting both marker
// generations. Unmarked input passes through untouched.
func decompressPayload(data []byte) ([]byte, error) {
	s := string(data)
	switch {
	case strings.HasPrefix(s, compressMarkerV2):
		return decodeRuns(data[len(compressMarkerV2):])
	case strings.HasPrefix(s, compressMarkerV1):
		return decodeRuns(data[len(compressMarkerV1):])
	default:
		return data, nil
	}
}

func encodeRuns(data []byte) []byte {
	var out []byte
	for i := 0; i < len(data); {
		b := data[i]
		runLen := 1
		for i+runLen < len(data) && data[i+runLen] == b {
			runLen++
		}

		if runLen > misc.MinCompressRun {
			out = append(out, runEscape)
			out = strconv.AppendInt(out, int64(runLen), 10)
			out = append(out, '*', b)
		} else {
			for j := 0; j < runLen; j++ {
				if b == runEscape {
					out = append(out, runEscape, runEscape)
				} else {
					out = append(out, b)
				}
			}
		}
		i += runLen
	}
	return out
}

func decodeRuns(data []byte) ([]byte, error) {
	var out []byte
	for i := 0; i < len(data); {
		b := data[i]
		if b != runEscape {
			out = append(out, b)
			i++
			continue
		}

		if i+1 >= len(data) {
			return nil, fmt.Errorf("truncated compression stream")
		}
		if data[i+1] == runEscape {
			out = append(out, runEscape)
			i += 2
			continue
		}

		// "~<count>*<byte>"
		j := i + 1
		for j < len(data) && data[j] != '*' {
			j++
		}
		if j >= len(data)-1 {
			return nil, fmt.Errorf("truncated run token")
		}
		count, err := strconv.Atoi(string(data[i+1 : j]))
		if err != nil || count <= 0 {
			return nil, fmt.Errorf("invalid run length in compression stream")
		}
		for k := 0; k < count; k++ {
			out = append(out, data[j+1])
		}
		i = j + 2
	}
	return out, nil
}
