// Package validation checks CLI-supplied RPC parameters before they are
// placed into a JSON-RPC request.
// Every raw parameter must first pass the sanitizer pattern; each is then
// parsed against the method's declared parameter kind.
package validation

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/btcwrap/pkg/errors"
)

// SafeParamPattern is the character allow-list applied to every raw parameter.
var SafeParamPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_./:]+$`)

// blockHeaderSize is the serialized size of a Bitcoin block header.
const blockHeaderSize = 80

var hostLabel = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// Validator checks raw parameters against per-method declarations.
// It performs no I/O.
type Validator struct {
	params  *chaincfg.Params
	methods map[string]MethodSpec
}

// NewValidator creates a validator for the given network and method table
func NewValidator(params *chaincfg.Params, methods map[string]MethodSpec) *Validator {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &Validator{
		params:  params,
		methods: methods,
	}
}

// Sanitize rejects a parameter containing characters outside SafeParamPattern.
func Sanitize(name, value string) error {
	if !SafeParamPattern.MatchString(value) {
		return invalid(name, "invalid characters in parameter %s: %s", name, value)
	}
	return nil
}

// Validate checks raw against the declaration for method and returns the
// typed parameter list to send. The returned slice is never nil.
func (v *Validator) Validate(method string, raw []string) ([]interface{}, error) {
	spec, ok := v.methods[method]
	if !ok {
		return nil, errors.New(errors.ErrorTypeUnknownCommand, "validate_params",
			fmt.Sprintf("no parameter declaration for method %s", method))
	}

	// Sanitize everything before looking at arity or types
	for i, value := range raw {
		if err := Sanitize(paramName(spec.Params, i), value); err != nil {
			return nil, err
		}
	}

	if len(raw) > len(spec.Params) {
		return nil, invalid(paramName(spec.Params, len(spec.Params)),
			"too many parameters for %s: got %d, accepts at most %d",
			method, len(raw), len(spec.Params))
	}

	for _, p := range spec.Params[len(raw):] {
		if p.Required {
			return nil, invalid(p.Name, "missing required parameter %s for %s", p.Name, method)
		}
	}

	out := make([]interface{}, 0, len(spec.Prefix)+len(raw))
	if len(raw) > 0 {
		out = append(out, spec.Prefix...)
	}
	for i, value := range raw {
		converted, err := v.convert(spec.Params[i], value)
		if err != nil {
			return nil, err
		}
		out = append(out, converted)
	}

	return out, nil
}

// convert parses one sanitized value according to its declared kind
func (v *Validator) convert(p ParamSpec, value string) (interface{}, error) {
	switch p.Kind {
	case KindString:
		return value, nil

	case KindInt:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, invalid(p.Name, "parameter %s must be an integer: %s", p.Name, value)
		}
		if n < p.Min || n > p.Max {
			return nil, invalid(p.Name, "parameter %s out of range: %d not in %s", p.Name, n, rangeString(p))
		}
		return n, nil

	case KindBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, invalid(p.Name, "parameter %s must be true or false: %s", p.Name, value)
		}
		return b, nil

	case KindHash:
		if len(value) != chainhash.MaxHashStringSize {
			return nil, invalid(p.Name, "invalid %s: must be %d hex characters", p.Name, chainhash.MaxHashStringSize)
		}
		if _, err := chainhash.NewHashFromStr(value); err != nil {
			return nil, invalid(p.Name, "invalid %s: %v", p.Name, err)
		}
		return value, nil

	case KindAddress:
		addr, err := btcutil.DecodeAddress(value, v.params)
		if err != nil || !addr.IsForNet(v.params) {
			return nil, invalid(p.Name, "invalid Bitcoin address for %s: %s", v.params.Name, value)
		}
		return value, nil

	case KindAmount:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, invalid(p.Name, "parameter %s must be a BTC amount: %s", p.Name, value)
		}
		amt, err := btcutil.NewAmount(f)
		if err != nil {
			return nil, invalid(p.Name, "invalid %s: %v", p.Name, err)
		}
		if amt <= 0 || amt > btcutil.MaxSatoshi {
			return nil, invalid(p.Name, "parameter %s must be greater than 0 and at most %v", p.Name, btcutil.Amount(btcutil.MaxSatoshi))
		}
		return amt.ToBTC(), nil

	case KindRawTx:
		raw, err := decodeHex(p.Name, value)
		if err != nil {
			return nil, err
		}
		var tx wire.MsgTx
		if err := deserializeAll(raw, tx.Deserialize); err != nil {
			return nil, invalid(p.Name, "invalid transaction in %s: %v", p.Name, err)
		}
		return value, nil

	case KindRawBlock:
		raw, err := decodeHex(p.Name, value)
		if err != nil {
			return nil, err
		}
		var block wire.MsgBlock
		if err := deserializeAll(raw, block.Deserialize); err != nil {
			return nil, invalid(p.Name, "invalid block in %s: %v", p.Name, err)
		}
		return value, nil

	case KindRawHeader:
		raw, err := decodeHex(p.Name, value)
		if err != nil {
			return nil, err
		}
		if len(raw) != blockHeaderSize {
			return nil, invalid(p.Name, "parameter %s must be a %d-byte block header, got %d bytes",
				p.Name, blockHeaderSize, len(raw))
		}
		var header wire.BlockHeader
		if err := deserializeAll(raw, header.Deserialize); err != nil {
			return nil, invalid(p.Name, "invalid block header in %s: %v", p.Name, err)
		}
		return value, nil

	case KindEnum:
		if !slices.Contains(p.Choices, value) {
			return nil, invalid(p.Name, "parameter %s must be one of %s: %s",
				p.Name, strings.Join(p.Choices, ", "), value)
		}
		return value, nil

	case KindHostPort:
		if !validHostPort(value) {
			return nil, invalid(p.Name, "invalid node address for %s: %s", p.Name, value)
		}
		return value, nil

	case KindSubnet:
		if net.ParseIP(value) == nil {
			if _, _, err := net.ParseCIDR(value); err != nil {
				return nil, invalid(p.Name, "invalid subnet for %s: %s", p.Name, value)
			}
		}
		return value, nil

	default:
		return nil, errors.New(errors.ErrorTypeInternal, "validate_params",
			fmt.Sprintf("parameter %s has unknown kind %d", p.Name, p.Kind))
	}
}

func invalid(name, format string, args ...interface{}) *errors.ServiceError {
	return errors.Newf(errors.ErrorTypeValidation, "validate_params", format, args...).
		WithContext("param", name)
}

func paramName(params []ParamSpec, i int) string {
	if i < len(params) {
		return params[i].Name
	}
	return fmt.Sprintf("param%d", i+1)
}

func rangeString(p ParamSpec) string {
	if p.Max == math.MaxInt64 {
		return fmt.Sprintf("[%d, inf)", p.Min)
	}
	return fmt.Sprintf("[%d, %d]", p.Min, p.Max)
}

func decodeHex(name, value string) ([]byte, error) {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, invalid(name, "parameter %s must be valid hexadecimal", name)
	}
	return raw, nil
}

// deserializeAll runs fn over raw and rejects trailing bytes.
func deserializeAll(raw []byte, fn func(r io.Reader) error) error {
	r := bytes.NewReader(raw)
	if err := fn(r); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes", r.Len())
	}
	return nil
}

func validHostPort(value string) bool {
	host := value
	if h, port, err := net.SplitHostPort(value); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return false
		}
		host = h
	}
	if net.ParseIP(host) != nil {
		return true
	}
	if host == "" || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if !hostLabel.MatchString(label) {
			return false
		}
	}
	return true
}
