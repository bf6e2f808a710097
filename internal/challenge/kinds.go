package challenge

import (
	"math/rand"
	"strconv"
	"strings"
)

// Kind is one challenge variant. Issue returns the text shown to the client
// and the secret kept server-side; Check compares a response to that secret.
type Kind interface {
	Issue() (public, secret string)
	Check(secret, response string) bool
}

// intn returns a value in [0,n).
type intn func(n int) int

func orDefault(f intn) intn {
	if f == nil {
		return rand.Intn
	}
	return f
}

// =============================================================================
// Arithmetic
// =============================================================================

// Arithmetic asks for the result of a + b, a - b or a × b with operands in
// [1,100].
type Arithmetic struct {
	rand intn
}

func NewArithmetic(r intn) *Arithmetic {
	return &Arithmetic{rand: orDefault(r)}
}

func (a *Arithmetic) Issue() (string, string) {
	x := a.rand(100) + 1
	y := a.rand(100) + 1

	var op string
	var result int
	switch a.rand(3) {
	case 0:
		op, result = "+", x+y
	case 1:
		op, result = "-", x-y
	default:
		op, result = "×", x*y
	}
	return strconv.Itoa(x) + " " + op + " " + strconv.Itoa(y), strconv.Itoa(result)
}

// Check requires an exact numeric match; "12" and "12.0" both match 12.
func (a *Arithmetic) Check(secret, response string) bool {
	want, err := strconv.ParseFloat(secret, 64)
	if err != nil {
		return false
	}
	got, err := strconv.ParseFloat(strings.TrimSpace(response), 64)
	if err != nil {
		return false
	}
	return got == want
}

// =============================================================================
// Honeypot
// =============================================================================

// Honeypot hands out a decoy form field name. The field is hidden from
// people, so any value in it fails the check.
type Honeypot struct {
	Fields []string
	rand   intn
}

func NewHoneypot(fields []string, r intn) *Honeypot {
	if len(fields) == 0 {
		fields = []string{"website"}
	}
	return &Honeypot{Fields: fields, rand: orDefault(r)}
}

func (h *Honeypot) Issue() (string, string) {
	field := h.Fields[h.rand(len(h.Fields))]
	return field, field
}

func (h *Honeypot) Check(_, response string) bool {
	return response == ""
}

// =============================================================================
// Captcha
// =============================================================================

// Unambiguous characters only: no I, O, 0 or 1.
const captchaAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Captcha issues a short random code. The code itself is the public text;
// nothing renders it as an image.
type Captcha struct {
	Length int
	rand   intn
}

func NewCaptcha(length int, r intn) *Captcha {
	if length <= 0 {
		length = 6
	}
	return &Captcha{Length: length, rand: orDefault(r)}
}

func (c *Captcha) Issue() (string, string) {
	var b strings.Builder
	b.Grow(c.Length)
	for i := 0; i < c.Length; i++ {
		b.WriteByte(captchaAlphabet[c.rand(len(captchaAlphabet))])
	}
	code := b.String()
	return code, code
}

func (c *Captcha) Check(secret, response string) bool {
	return secret != "" && strings.EqualFold(strings.TrimSpace(response), secret)
}
