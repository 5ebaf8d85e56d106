package fragments

import "fmt"

// Type codes for the DBus basic and container types, as defined by
// the DBus specification's type system chapter.
const (
	TypeByte       byte = 'y'
	TypeBool       byte = 'b'
	TypeInt16      byte = 'n'
	TypeUint16     byte = 'q'
	TypeInt32      byte = 'i'
	TypeUint32     byte = 'u'
	TypeInt64      byte = 'x'
	TypeUint64     byte = 't'
	TypeFloat64    byte = 'd'
	TypeString     byte = 's'
	TypeObjectPath byte = 'o'
	TypeSignature  byte = 'g'
	TypeUnixFD     byte = 'h'
	TypeArray      byte = 'a'
	TypeStructOpen byte = '('
	TypeStructClose byte = ')'
	TypeVariant    byte = 'v'
	TypeDictOpen   byte = '{'
	TypeDictClose  byte = '}'
)

// Align returns the natural alignment, in bytes, of the DBus type
// named by code. It panics if code is not a recognized type code.
func Align(code byte) int {
	switch code {
	case TypeByte, TypeSignature, TypeVariant:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeBool, TypeInt32, TypeUint32, TypeUnixFD, TypeString, TypeObjectPath, TypeArray:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64, TypeStructOpen, TypeDictOpen:
		return 8
	default:
		panic(fmt.Sprintf("fragments: no alignment defined for type code %q", code))
	}
}

// FixedSize reports the on-wire size of code if it is a fixed-width
// basic type, and whether code is such a type at all. Strings,
// signatures, arrays, structs, dict entries and variants do not have a
// fixed size and report ok=false.
func FixedSize(code byte) (size int, ok bool) {
	switch code {
	case TypeByte:
		return 1, true
	case TypeInt16, TypeUint16:
		return 2, true
	case TypeBool, TypeInt32, TypeUint32, TypeUnixFD:
		return 4, true
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8, true
	default:
		return 0, false
	}
}

// IsBasic reports whether code is one of the DBus basic (non-container)
// types, which are the only types permitted as dict entry keys.
func IsBasic(code byte) bool {
	switch code {
	case TypeByte, TypeBool, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeFloat64, TypeString, TypeObjectPath,
		TypeSignature, TypeUnixFD:
		return true
	default:
		return false
	}
}
