package ftpcore

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// LineEncoding selects the text encoding ReadLine/WriteLine use to convert
// between wire bytes and Go strings.
type LineEncoding int

const (
	// EncodingASCII is the default, per RFC 959.
	EncodingASCII LineEncoding = iota
	// EncodingUTF8 is adopted after auto-promotion via FEAT/OPTS, or
	// explicit configuration.
	EncodingUTF8
)

func (e LineEncoding) String() string {
	if e == EncodingUTF8 {
		return "UTF-8"
	}
	return "ASCII"
}

// codec returns the golang.org/x/text/encoding.Encoding backing e. ASCII is
// a strict 7-bit subset of UTF-8, so it's represented with encoding.Nop: FTP
// servers that advertise only ASCII still send bytes that decode cleanly as
// UTF-8, and encoding.Nop avoids rejecting any byte a lenient server sends.
func (e LineEncoding) codec() encoding.Encoding {
	switch e {
	case EncodingUTF8:
		return unicode.UTF8
	default:
		return encoding.Nop
	}
}

// encodeLine converts text to wire bytes under e.
func (e LineEncoding) encodeLine(text string) ([]byte, error) {
	return e.codec().NewEncoder().Bytes([]byte(text))
}

// decodeLine converts wire bytes to text under e.
func (e LineEncoding) decodeLine(raw []byte) (string, error) {
	decoded, err := e.codec().NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
