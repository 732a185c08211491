package sbt86

import "strings"

// Signature is a compiled binary pattern: a hex string with optional
// whitespace, "#"-to-end-of-line comments, a single ':' anchor marking the
// match address, and "__" byte-aligned wildcards.
//
// This plays the same role as the original translator's Signature class
// (original_source/scripts/sbt86.py), which compiled the pattern to a Python
// `re` over byte strings. Go's regexp package assumes UTF-8 text, which does
// not round-trip arbitrary binary bytes (0x80-0xFF are not valid standalone
// UTF-8), so sbt86 matches the compiled byte/wildcard-mask pair directly
// instead of going through regexp — the same algorithm the original's regex
// reduces to once wildcards are just "don't compare this byte."
type Signature struct {
	Text      string
	preLength int
	bytes     []byte
	wild      []bool
}

// NewSignature parses a signature pattern, returning a *BadSignatureFormatError
// for an unbalanced byte count, a missing/duplicated anchor, or a
// non-byte-aligned wildcard.
func NewSignature(text string) (*Signature, error) {
	stripped := stripSignatureComments(text)
	stripped = strings.NewReplacer("\n", "", "\t", "", " ", "", "\r", "").Replace(stripped)

	for _, c := range stripped {
		if !isHexDigit(byte(c)) && c != '_' && c != ':' {
			return nil, &BadSignatureFormatError{Pattern: text, Reason: "invalid character " + string(c)}
		}
	}

	parts := strings.Split(stripped, ":")
	if len(parts) != 2 {
		return nil, &BadSignatureFormatError{Pattern: text, Reason: "pattern must have exactly one ':' anchor"}
	}
	pre, post := parts[0], parts[1]
	if len(pre)%2 != 0 {
		return nil, &BadSignatureFormatError{Pattern: text, Reason: "anchor does not fall on a byte boundary"}
	}
	preLength := len(pre) / 2
	combined := pre + post
	if len(combined)%2 != 0 {
		return nil, &BadSignatureFormatError{Pattern: text, Reason: "pattern must have an even number of hex digits"}
	}

	n := len(combined) / 2
	pbytes := make([]byte, n)
	wild := make([]bool, n)
	for i := 0; i < n; i++ {
		pair := combined[i*2 : i*2+2]
		switch {
		case pair == "__":
			wild[i] = true
		case strings.Contains(pair, "_"):
			return nil, &BadSignatureFormatError{Pattern: text, Reason: "wildcard bytes must be byte-aligned ('__' only)"}
		default:
			b, err := hexByte(pair)
			if err != nil {
				return nil, &BadSignatureFormatError{Pattern: text, Reason: err.Error()}
			}
			pbytes[i] = b
		}
	}

	return &Signature{Text: text, preLength: preLength, bytes: pbytes, wild: wild}, nil
}

// FindAll returns every buffer offset at which the signature matches,
// expressed as the offset of the byte at the anchor. Overlapping matches are
// all reported.
func (s *Signature) FindAll(buf []byte) []int {
	var out []int
	if len(s.bytes) == 0 {
		return out
	}
	limit := len(buf) - len(s.bytes)
	for start := 0; start <= limit; start++ {
		match := true
		for i, want := range s.bytes {
			if s.wild[i] {
				continue
			}
			if buf[start+i] != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, start+s.preLength)
		}
	}
	return out
}

func stripSignatureComments(text string) string {
	var out strings.Builder
	inComment := false
	for _, c := range text {
		switch {
		case inComment:
			if c == '\n' {
				inComment = false
			}
		case c == '#':
			inComment = true
		default:
			out.WriteRune(c)
		}
	}
	return out.String()
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

func hexByte(pair string) (byte, error) {
	var v byte
	for _, c := range pair {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= byte(c - '0')
		case c >= 'a' && c <= 'f':
			v |= byte(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= byte(c-'A') + 10
		default:
			return 0, &BadSignatureFormatError{Pattern: pair, Reason: "not a hex digit"}
		}
	}
	return v, nil
}
