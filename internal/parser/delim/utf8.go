package delim

import (
	"errors"
	"unicode/utf8"

	"golang.org/x/text/transform"
)

// ErrInvalidUTF8 is returned by the strict decoder when the input contains a
// byte sequence that is not well-formed UTF-8. This is an integrity error:
// the whole file is refused.
var ErrInvalidUTF8 = errors.New("invalid UTF-8 byte sequence")

// utf8Policy validates (or repairs) the byte stream before it reaches the
// CSV reader. In strict mode any ill-formed sequence aborts the transform
// with ErrInvalidUTF8; in replace mode each ill-formed byte becomes U+FFFD
// and is counted so the caller can report how lossy the read was.
type utf8Policy struct {
	replace  bool
	replaced *int64
}

// Reset implements transform.Transformer.
func (utf8Policy) Reset() {}

// Transform implements transform.Transformer. It copies well-formed runs of
// bytes verbatim; a truncated sequence at the end of src is deferred with
// ErrShortSrc unless atEOF, mirroring how transform.Reader feeds chunks.
func (p utf8Policy) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c < utf8.RuneSelf {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = c
			nDst++
			nSrc++
			continue
		}
		r, size := utf8.DecodeRune(src[nSrc:])
		if r == utf8.RuneError && size <= 1 {
			if !atEOF && !utf8.FullRune(src[nSrc:]) {
				return nDst, nSrc, transform.ErrShortSrc
			}
			if !p.replace {
				return nDst, nSrc, ErrInvalidUTF8
			}
			if nDst+len("�") > len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			nDst += copy(dst[nDst:], "�")
			nSrc++
			if p.replaced != nil {
				*p.replaced++
			}
			continue
		}
		if nDst+size > len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		nDst += copy(dst[nDst:], src[nSrc:nSrc+size])
		nSrc += size
	}
	return nDst, nSrc, nil
}
