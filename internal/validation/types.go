package validation

import "math"

// Kind identifies how a raw CLI parameter is checked and converted.
type Kind int

const (
	// KindString passes the sanitized string through
	KindString Kind = iota
	// KindInt parses a base-10 integer and checks Min/Max
	KindInt
	// KindBool parses true/false/1/0
	KindBool
	// KindHash is a 64-character block hash or txid
	KindHash
	// KindAddress is an address for the configured network
	KindAddress
	// KindAmount is a positive BTC amount
	KindAmount
	// KindRawTx is a hex-encoded serialized transaction
	KindRawTx
	// KindRawBlock is a hex-encoded serialized block
	KindRawBlock
	// KindRawHeader is a hex-encoded 80-byte block header
	KindRawHeader
	// KindEnum is a string from Choices
	KindEnum
	// KindHostPort is a host name or IP with an optional port
	KindHostPort
	// KindSubnet is an IP address or CIDR subnet
	KindSubnet
)

// String returns the kind's name as used in usage strings
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindHash:
		return "hash"
	case KindAddress:
		return "address"
	case KindAmount:
		return "amount"
	case KindRawTx:
		return "hex tx"
	case KindRawBlock:
		return "hex block"
	case KindRawHeader:
		return "hex header"
	case KindEnum:
		return "choice"
	case KindHostPort:
		return "host[:port]"
	case KindSubnet:
		return "subnet"
	default:
		return "unknown"
	}
}

// ParamSpec declares one positional parameter of an RPC method.
type ParamSpec struct {
	Name     string
	Kind     Kind
	Required bool
	Min      int64
	Max      int64
	Choices  []string
}

// MethodSpec declares the ordered parameters of an RPC method. Prefix values
// are sent ahead of the validated parameters whenever at least one parameter
// is given; it carries positional placeholders the node requires but the
// sanitizer would reject.
type MethodSpec struct {
	Params []ParamSpec
	Prefix []interface{}
}

// Optional returns a copy of p that may be omitted.
func (p ParamSpec) Optional() ParamSpec {
	p.Required = false
	return p
}

// Usage renders p for help output, e.g. "<height>" or "[verbose]".
func (p ParamSpec) Usage() string {
	if p.Required {
		return "<" + p.Name + ">"
	}
	return "[" + p.Name + "]"
}

// String declares a required free-form string parameter
func String(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindString, Required: true}
}

// Int declares a required integer parameter within [lo, hi]
func Int(name string, lo, hi int64) ParamSpec {
	return ParamSpec{Name: name, Kind: KindInt, Required: true, Min: lo, Max: hi}
}

// NonNegative declares a required integer parameter that must be >= 0
func NonNegative(name string) ParamSpec {
	return Int(name, 0, math.MaxInt64)
}

// Bool declares a required boolean parameter
func Bool(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindBool, Required: true}
}

// Hash declares a required block hash or txid parameter
func Hash(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindHash, Required: true}
}

// Address declares a required address parameter
func Address(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindAddress, Required: true}
}

// Amount declares a required BTC amount parameter
func Amount(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindAmount, Required: true}
}

// RawTx declares a required serialized transaction parameter
func RawTx(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindRawTx, Required: true}
}

// RawBlock declares a required serialized block parameter
func RawBlock(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindRawBlock, Required: true}
}

// RawHeader declares a required serialized block header parameter
func RawHeader(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindRawHeader, Required: true}
}

// Enum declares a required parameter restricted to choices
func Enum(name string, choices ...string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindEnum, Required: true, Choices: choices}
}

// HostPort declares a required node address parameter
func HostPort(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindHostPort, Required: true}
}

// Subnet declares a required IP or CIDR parameter
func Subnet(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindSubnet, Required: true}
}
