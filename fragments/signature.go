package fragments

import "fmt"

// Signature is a raw DBus type signature string, e.g. "a{sv}" or
// "(ii)". It is not validated until Validate or Next is called.
type Signature string

// Token describes one complete type parsed off the front of a
// Signature by Next.
type Token struct {
	// Code is the type's leading byte: a basic type code, 'a' for
	// array, '(' for struct, or '{' for dict entry.
	Code byte
	// Inner is the signature nested within a container type:
	//   - for an array, the element type.
	//   - for a struct, the field types concatenated (no parens).
	//   - for a dict entry, the key type followed by the value type.
	//   - empty for every basic type and for variant.
	Inner Signature
}

// IsContainer reports whether t describes a container type (array,
// struct, or dict entry) as opposed to a basic type or a variant.
func (t Token) IsContainer() bool {
	switch t.Code {
	case TypeArray, TypeStructOpen, TypeDictOpen:
		return true
	default:
		return false
	}
}

// Next consumes the first complete type off the front of sig and
// returns it as a Token, along with the remainder of the signature.
// inArray indicates that sig is being parsed as the content of an
// array (so that a leading '{' is permitted to start a dict entry).
//
// Next returns an error if sig is empty, or if the leading type is
// malformed: an unterminated struct or dict entry, a dict entry with
// anything other than exactly one basic key type followed by one
// complete value type, an array with no element type, or an unknown
// type code.
func (sig Signature) Next(inArray bool) (tok Token, rest Signature, err error) {
	if sig == "" {
		return Token{}, "", fmt.Errorf("empty signature has no type to read")
	}

	c := sig[0]
	if _, ok := FixedSize(c); ok {
		return Token{Code: c}, sig[1:], nil
	}
	switch c {
	case TypeString, TypeObjectPath, TypeSignature, TypeVariant:
		return Token{Code: c}, sig[1:], nil
	case TypeArray:
		elemTok, elemRest, err := Signature(sig[1:]).Next(true)
		if err != nil {
			return Token{}, "", fmt.Errorf("reading array element type: %w", err)
		}
		elemLen := len(sig[1:]) - len(elemRest)
		return Token{Code: TypeArray, Inner: sig[1 : 1+elemLen]}, elemRest, nil
	case TypeStructOpen:
		body := sig[1:]
		if body == "" {
			return Token{}, "", fmt.Errorf("missing closing ) in struct signature %q", sig)
		}
		start := body
		for body != "" && body[0] != TypeStructClose {
			_, rest, err := body.Next(false)
			if err != nil {
				return Token{}, "", fmt.Errorf("reading struct field type: %w", err)
			}
			body = rest
		}
		if body == "" {
			return Token{}, "", fmt.Errorf("missing closing ) in struct signature %q", sig)
		}
		inner := start[:len(start)-len(body)]
		return Token{Code: TypeStructOpen, Inner: inner}, body[1:], nil
	case TypeDictOpen:
		if !inArray {
			return Token{}, "", fmt.Errorf("dict entry type %q found outside array", sig)
		}
		body := sig[1:]
		keyTok, rest, err := body.Next(false)
		if err != nil {
			return Token{}, "", fmt.Errorf("reading dict entry key type: %w", err)
		}
		if !IsBasic(keyTok.Code) {
			return Token{}, "", fmt.Errorf("dict entry key type %q is not a basic type", keyTok.Code)
		}
		keyLen := len(body) - len(rest)
		_, rest2, err := rest.Next(false)
		if err != nil {
			return Token{}, "", fmt.Errorf("reading dict entry value type: %w", err)
		}
		if rest2 == "" || rest2[0] != TypeDictClose {
			return Token{}, "", fmt.Errorf("missing closing } in dict entry signature %q", sig)
		}
		valLen := len(rest) - len(rest2)
		return Token{Code: TypeDictOpen, Inner: body[:keyLen+valLen]}, rest2[1:], nil
	default:
		return Token{}, "", fmt.Errorf("unknown type code %q in signature %q", c, sig)
	}
}

// Validate walks the whole signature with repeated calls to Next and
// reports the first error encountered, if any. An empty signature is
// valid (it describes a void value).
func (sig Signature) Validate() error {
	rest := sig
	for rest != "" {
		_, next, err := rest.Next(false)
		if err != nil {
			return fmt.Errorf("invalid signature %q: %w", sig, err)
		}
		rest = next
	}
	return nil
}

// Tokens returns every top-level type in sig, in order. It assumes sig
// is already valid; use Validate first if that is not known.
func (sig Signature) Tokens() ([]Token, error) {
	var ret []Token
	rest := sig
	for rest != "" {
		tok, next, err := rest.Next(false)
		if err != nil {
			return nil, err
		}
		ret = append(ret, tok)
		rest = next
	}
	return ret, nil
}

// IsSingle reports whether sig describes exactly one complete type.
func (sig Signature) IsSingle() bool {
	toks, err := sig.Tokens()
	return err == nil && len(toks) == 1
}

func (sig Signature) String() string { return string(sig) }
