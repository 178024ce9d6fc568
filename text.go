package durablestreams

import (
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// textDecoder decodes a byte stream delivered in arbitrary pieces as UTF-8.
// Invalid bytes become U+FFFD; an incomplete sequence at the end of a piece
// is carried over to the next one.
type textDecoder struct {
	t       transform.Transformer
	pending []byte
}

func newTextDecoder() *textDecoder {
	return &textDecoder{t: unicode.UTF8.NewDecoder()}
}

// decode returns the text completed by p.
func (d *textDecoder) decode(p []byte) string {
	return d.run(p, false)
}

// flush returns whatever is still pending, replacing a truncated trailing
// sequence with U+FFFD.
func (d *textDecoder) flush() string {
	return d.run(nil, true)
}

func (d *textDecoder) run(p []byte, atEOF bool) string {
	src := append(d.pending, p...)
	d.pending = nil
	if len(src) == 0 {
		return ""
	}

	// Each invalid byte expands to the 3-byte replacement character.
	dst := make([]byte, 3*len(src)+4)
	nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
	if err == transform.ErrShortSrc {
		d.pending = append([]byte(nil), src[nSrc:]...)
	}
	return string(dst[:nDst])
}
