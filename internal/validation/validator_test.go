package validation

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/btcwrap/pkg/errors"
)

const genesisHash = "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"

var testMethods = map[string]MethodSpec{
	"getblockcount": {},
	"getblock": {Params: []ParamSpec{
		Hash("blockhash"),
		Int("verbosity", 0, 3).Optional(),
	}},
	"getblockhash":  {Params: []ParamSpec{NonNegative("height")}},
	"getrawmempool": {Params: []ParamSpec{Bool("verbose").Optional()}},
	"getbalance": {
		Params: []ParamSpec{NonNegative("minconf").Optional(), Bool("include_watchonly").Optional()},
		Prefix: []interface{}{"*"},
	},
	"sendtoaddress":      {Params: []ParamSpec{Address("address"), Amount("amount"), String("comment").Optional()}},
	"sendrawtransaction": {Params: []ParamSpec{RawTx("hexstring")}},
	"submitblock":        {Params: []ParamSpec{RawBlock("hexdata")}},
	"submitheader":       {Params: []ParamSpec{RawHeader("hexdata")}},
	"addnode":            {Params: []ParamSpec{HostPort("node"), Enum("command", "add", "remove", "onetry")}},
	"setban":             {Params: []ParamSpec{Subnet("subnet"), Enum("command", "add", "remove")}},
}

func newTestValidator() *Validator {
	return NewValidator(&chaincfg.MainNetParams, testMethods)
}

func serializeHex(t *testing.T, fn func(*bytes.Buffer) error) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, fn(&buf))
	return hex.EncodeToString(buf.Bytes())
}

func requireValidationError(t *testing.T, err error, param string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), "got %v", err)
	if param != "" {
		assert.Equal(t, param, errors.GetContext(err)["param"])
	}
}

func TestSanitize(t *testing.T) {
	valid := []string{"abc", "ABC-123", "under_score", "1.5", "a/b", "host:8333", "-1"}
	for _, v := range valid {
		assert.NoError(t, Sanitize("p", v), v)
	}

	invalid := []string{"", "not-a-hash!", "a b", "*", "x;rm", "it's", `"q"`, "$(id)", "café", "a\nb", "{}", "a,b"}
	for _, v := range invalid {
		t.Run(v, func(t *testing.T) {
			requireValidationError(t, Sanitize("p", v), "p")
		})
	}
}

func TestValidate_SanitizesEveryParameterFirst(t *testing.T) {
	v := newTestValidator()

	// Arity would also fail, but the sanitizer reports first
	_, err := v.Validate("getblockcount", []string{"ok", "bad!"})
	requireValidationError(t, err, "param2")
	assert.Contains(t, err.Error(), "invalid characters")

	_, err = v.Validate("getblock", []string{"not-a-hash!"})
	requireValidationError(t, err, "blockhash")
}

func TestValidate_NoParams(t *testing.T) {
	got, err := newTestValidator().Validate("getblockcount", nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestValidate_Hash(t *testing.T) {
	v := newTestValidator()

	got, err := v.Validate("getblock", []string{genesisHash, "2"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{genesisHash, int64(2)}, got)

	_, err = v.Validate("getblock", []string{genesisHash[:63]})
	requireValidationError(t, err, "blockhash")

	_, err = v.Validate("getblock", []string{strings.Repeat("z", 64)})
	requireValidationError(t, err, "blockhash")
}

func TestValidate_IntRanges(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		name   string
		method string
		raw    []string
		param  string
	}{
		{"negative height", "getblockhash", []string{"-1"}, "height"},
		{"non-numeric height", "getblockhash", []string{"tip"}, "height"},
		{"verbosity too high", "getblock", []string{genesisHash, "4"}, "verbosity"},
		{"negative verbosity", "getblock", []string{genesisHash, "-1"}, "verbosity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.method, tt.raw)
			requireValidationError(t, err, tt.param)
		})
	}

	got, err := v.Validate("getblockhash", []string{"0"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(0)}, got)
}

func TestValidate_Arity(t *testing.T) {
	v := newTestValidator()

	_, err := v.Validate("getblockhash", nil)
	requireValidationError(t, err, "height")
	assert.Contains(t, err.Error(), "missing required parameter height")

	_, err = v.Validate("getblockhash", []string{"1", "2"})
	requireValidationError(t, err, "param2")
	assert.Contains(t, err.Error(), "too many parameters")
}

func TestValidate_Bool(t *testing.T) {
	v := newTestValidator()

	got, err := v.Validate("getrawmempool", []string{"true"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{true}, got)

	_, err = v.Validate("getrawmempool", []string{"maybe"})
	requireValidationError(t, err, "verbose")
}

func TestValidate_Prefix(t *testing.T) {
	v := newTestValidator()

	got, err := v.Validate("getbalance", nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = v.Validate("getbalance", []string{"6", "false"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"*", int64(6), false}, got)
}

func TestValidate_AddressAndAmount(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		name    string
		raw     []string
		param   string
		wantErr bool
	}{
		{"legacy mainnet", []string{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "0.001"}, "", false},
		{"bech32 mainnet", []string{"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", "1"}, "", false},
		{"testnet address on mainnet", []string{"tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", "1"}, "address", true},
		{"garbage address", []string{"notanaddress", "1"}, "address", true},
		{"zero amount", []string{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "0"}, "amount", true},
		{"negative amount", []string{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "-0.5"}, "amount", true},
		{"nan amount", []string{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "NaN"}, "amount", true},
		{"above supply", []string{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "21000001"}, "amount", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate("sendtoaddress", tt.raw)
			if tt.wantErr {
				requireValidationError(t, err, tt.param)
				return
			}
			require.NoError(t, err)
		})
	}

	got, err := v.Validate("sendtoaddress", []string{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "0.001", "rent"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", 0.001, "rent"}, got)
}

func TestValidate_TestnetAddress(t *testing.T) {
	v := NewValidator(&chaincfg.TestNet3Params, testMethods)

	_, err := v.Validate("sendtoaddress", []string{"tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", "1"})
	require.NoError(t, err)

	_, err = v.Validate("sendtoaddress", []string{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "1"})
	requireValidationError(t, err, "address")
}

func TestValidate_RawData(t *testing.T) {
	v := newTestValidator()
	genesis := chaincfg.MainNetParams.GenesisBlock

	blockHex := serializeHex(t, func(b *bytes.Buffer) error { return genesis.Serialize(b) })
	headerHex := serializeHex(t, func(b *bytes.Buffer) error { return genesis.Header.Serialize(b) })
	txHex := serializeHex(t, func(b *bytes.Buffer) error { return genesis.Transactions[0].Serialize(b) })

	tests := []struct {
		name    string
		method  string
		value   string
		wantErr bool
	}{
		{"block", "submitblock", blockHex, false},
		{"block with trailing bytes", "submitblock", blockHex + "00", true},
		{"truncated block", "submitblock", blockHex[:200], true},
		{"header", "submitheader", headerHex, false},
		{"short header", "submitheader", headerHex[:158], true},
		{"long header", "submitheader", headerHex + "00", true},
		{"transaction", "sendrawtransaction", txHex, false},
		{"truncated transaction", "sendrawtransaction", txHex[:40], true},
		{"odd-length hex", "sendrawtransaction", "abc", true},
		{"non-hex", "sendrawtransaction", "zz", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Validate(tt.method, []string{tt.value})
			if tt.wantErr {
				requireValidationError(t, err, "")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []interface{}{tt.value}, got)
		})
	}
}

func TestValidate_EnumHostAndSubnet(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		name    string
		method  string
		raw     []string
		param   string
		wantErr bool
	}{
		{"ip with port", "addnode", []string{"192.168.1.10:8333", "add"}, "", false},
		{"hostname", "addnode", []string{"node.example.com", "onetry"}, "", false},
		{"bare ipv6", "addnode", []string{"::1", "remove"}, "", false},
		{"bad command", "addnode", []string{"192.168.1.10", "replace"}, "command", true},
		{"bad port", "addnode", []string{"192.168.1.10:99999", "add"}, "node", true},
		{"underscore host", "addnode", []string{"bad_host", "add"}, "node", true},
		{"cidr", "setban", []string{"192.168.0.0/24", "add"}, "", false},
		{"single ip", "setban", []string{"10.0.0.1", "remove"}, "", false},
		{"bad subnet", "setban", []string{"nope", "add"}, "subnet", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.method, tt.raw)
			if tt.wantErr {
				requireValidationError(t, err, tt.param)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidate_UnknownMethod(t *testing.T) {
	_, err := newTestValidator().Validate("stop", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnknownCommand))
}

func TestParamSpec_Usage(t *testing.T) {
	assert.Equal(t, "<height>", NonNegative("height").Usage())
	assert.Equal(t, "[verbose]", Bool("verbose").Optional().Usage())
	assert.Equal(t, "hex header", KindRawHeader.String())
}
