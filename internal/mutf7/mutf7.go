// Package mutf7 implements Modified UTF-7 (RFC 3501 section 5.1.3), the
// mailbox-name encoding based on RFC 2152's UTF-7 with "," in place of "/"
// and no base64 padding. Mailbox names store non-ASCII runs as
// "&...-"-delimited escapes produced by this codec; internal/mboxname calls
// Decode to validate names in Policy and Decode/Encode in Canonicalize.
package mutf7

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

// ErrInvalid is returned for malformed escape sequences: an unterminated
// "&", an odd-length decoded run, or a trailing high surrogate with no pair.
var ErrInvalid = errors.New("mutf7: invalid modified UTF-7")

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,"

var b64 = base64.NewEncoding(alphabet).WithPadding(base64.NoPadding)

// Decode converts a modified-UTF-7 mailbox name to UTF-8.
func Decode(src string) (string, error) {
	dst, err := AppendDecode(nil, []byte(src))
	if err != nil {
		return "", err
	}
	return string(dst), nil
}

// Encode converts a UTF-8 mailbox name to modified UTF-7.
func Encode(src string) string {
	dst, _ := AppendEncode(nil, []byte(src))
	return string(dst)
}

// AppendDecode appends the UTF-8 decoding of src to dst.
func AppendDecode(dst, src []byte) ([]byte, error) {
	for len(src) > 0 {
		c := src[0]
		src = src[1:]
		if c != '&' {
			dst = append(dst, c)
			continue
		}
		i := bytes.IndexByte(src, '-')
		if i == -1 {
			return nil, ErrInvalid
		}
		if i == 0 {
			src = src[1:]
			dst = append(dst, '&')
			continue
		}

		scratch := make([]byte, b64.DecodedLen(i))
		n, err := b64.Decode(scratch, src[:i])
		src = src[i+1:]
		if err != nil {
			return nil, fmt.Errorf("mutf7: decode: %w", err)
		}
		scratch = scratch[:n]
		if len(scratch)%2 == 1 {
			return nil, ErrInvalid
		}
		for len(scratch) > 0 {
			r := rune(scratch[0])<<8 | rune(scratch[1])
			scratch = scratch[2:]
			if utf16.IsSurrogate(r) {
				if len(scratch) < 2 {
					return nil, ErrInvalid
				}
				r2 := rune(scratch[0])<<8 | rune(scratch[1])
				scratch = scratch[2:]
				r = utf16.DecodeRune(r, r2)
				if r == utf8.RuneError {
					return nil, ErrInvalid
				}
			}
			dst = appendRune(dst, r)
		}
	}
	return dst, nil
}

func appendRune(dst []byte, r rune) []byte {
	var b [4]byte
	return append(dst, b[:utf8.EncodeRune(b[:], r)]...)
}

// AppendEncode appends the modified-UTF-7 encoding of src to dst.
func AppendEncode(dst, src []byte) ([]byte, error) {
	for len(src) > 0 {
		r, sz := utf8.DecodeRune(src)
		if r == '&' {
			dst = append(dst, '&', '-')
			src = src[1:]
			continue
		}
		if r < utf8.RuneSelf {
			dst = append(dst, byte(r))
			src = src[1:]
			continue
		}

		var scratch []byte
		for len(src) > 0 {
			r, sz = utf8.DecodeRune(src)
			if r < utf8.RuneSelf {
				break
			}
			src = src[sz:]
			if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
				scratch = append(scratch, byte(r1>>8), byte(r1))
				r = r2
			}
			scratch = append(scratch, byte(r>>8), byte(r))
		}

		n := b64.EncodedLen(len(scratch))
		dst = append(dst, '&')
		dst = append(dst, make([]byte, n)...)
		b64.Encode(dst[len(dst)-n:], scratch)
		dst = append(dst, '-')
	}
	return dst, nil
}
