package sheet

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	EncodingUTF8    = "utf-8"
	EncodingUTF16LE = "utf-16le"
	EncodingUTF16BE = "utf-16be"
	EncodingSJIS    = "shift_jis"
	EncodingEUCJP   = "euc-jp"
)

// sniffLimit bounds how many leading bytes the legacy-charset scoring reads.
const sniffLimit = 4096

// DetectEncoding guesses the character set of raw CSV bytes. A BOM wins;
// otherwise lead-byte frequencies decide between Shift_JIS and EUC-JP, and
// anything inconclusive is treated as UTF-8.
func DetectEncoding(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}):
		return EncodingUTF8
	case bytes.HasPrefix(b, []byte{0xFF, 0xFE}):
		return EncodingUTF16LE
	case bytes.HasPrefix(b, []byte{0xFE, 0xFF}):
		return EncodingUTF16BE
	}

	sjis, euc := 0, 0
	n := len(b)
	if n > sniffLimit {
		n = sniffLimit
	}
	for _, c := range b[:n] {
		if (c >= 0x81 && c <= 0x9F) || (c >= 0xE0 && c <= 0xEF) {
			sjis++
		}
		if c == 0x8E || (c >= 0xA1 && c <= 0xFE) {
			euc++
		}
	}
	if sjis > 10 && sjis > euc {
		return EncodingSJIS
	}
	if euc > 10 && euc > sjis {
		return EncodingEUCJP
	}
	return EncodingUTF8
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", EncodingUTF8, "utf8":
		return unicode.UTF8BOM, nil
	case EncodingUTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), nil
	case EncodingUTF16BE:
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM), nil
	case EncodingSJIS, "sjis", "cp932", "windows-31j":
		return japanese.ShiftJIS, nil
	case EncodingEUCJP, "eucjp":
		return japanese.EUCJP, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
}

// DecodeText converts raw bytes to UTF-8. "auto" or an empty name runs
// DetectEncoding first. When decoding fails the bytes are read as UTF-8
// with invalid sequences replaced.
func DecodeText(b []byte, name string) (string, string) {
	if name == "" || strings.EqualFold(name, "auto") {
		name = DetectEncoding(b)
	}
	enc, err := lookupEncoding(name)
	if err == nil {
		out, _, terr := transform.Bytes(enc.NewDecoder(), b)
		if terr == nil {
			return string(out), name
		}
	}
	b = bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(b) {
		return string(b), EncodingUTF8
	}
	return strings.ToValidUTF8(string(b), "�"), EncodingUTF8
}
