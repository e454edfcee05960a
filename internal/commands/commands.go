// Package commands holds the closed allow-list of node RPC commands and the
// router that turns one CLI invocation into a JSON envelope.
package commands

import (
	"sort"
	"strings"

	"github.com/bardlex/btcwrap/internal/validation"
	"github.com/bardlex/btcwrap/pkg/errors"
)

// Command is one allow-listed subcommand. The zero value is not a command.
type Command int

const (
	invalidCommand Command = iota

	// Blockchain
	GetBlockchainInfo
	GetBlockCount
	GetBestBlockHash
	GetBlock
	GetBlockHash
	GetBlockHeader
	GetChainTips
	GetDifficulty
	GetMempoolInfo
	GetRawMempool
	GetTxOutSetInfo
	VerifyChain
	GetRawTransaction
	SendRawTransaction

	// Network
	GetNetworkInfo
	GetPeerInfo
	GetConnectionCount
	AddNode
	DisconnectNode
	GetAddedNodeInfo
	GetNetTotals
	ListBanned
	SetBan
	ClearBanned
	Ping
	GetNodeAddresses
	SetNetworkActive
	SubmitBlock
	SubmitHeader
	GetMiningInfo
	NodeInfo

	// Wallet
	GetWalletInfo
	GetBalance
	GetNewAddress
	GetAddressInfo
	GetReceivedByAddress
	ListTransactions
	GetTransaction
	SendToAddress
	ListUnspent
	ListLockUnspent
	BackupWallet
	WalletLock

	numCommands
)

// Category groups commands for help output and routing.
type Category string

const (
	CategoryBlockchain Category = "blockchain"
	CategoryNetwork    Category = "network"
	CategoryWallet     Category = "wallet"
)

type commandInfo struct {
	name     string
	category Category
	summary  string
	spec     validation.MethodSpec
}

// nodeInfoName is served locally from getblockchaininfo and getnetworkinfo
// rather than forwarded as a single RPC.
const nodeInfoName = "nodeinfo"

var addressTypes = []string{"legacy", "p2sh-segwit", "bech32", "bech32m"}

func params(p ...validation.ParamSpec) validation.MethodSpec {
	return validation.MethodSpec{Params: p}
}

var commandTable = [numCommands]commandInfo{
	GetBlockchainInfo: {"getblockchaininfo", CategoryBlockchain, "Get blockchain information", params()},
	GetBlockCount:     {"getblockcount", CategoryBlockchain, "Get current block count", params()},
	GetBestBlockHash:  {"getbestblockhash", CategoryBlockchain, "Get best block hash", params()},
	GetBlock: {"getblock", CategoryBlockchain, "Get block by hash", params(
		validation.Hash("blockhash"),
		validation.Int("verbosity", 0, 3).Optional(),
	)},
	GetBlockHash: {"getblockhash", CategoryBlockchain, "Get block hash by height", params(
		validation.NonNegative("height"),
	)},
	GetBlockHeader: {"getblockheader", CategoryBlockchain, "Get block header by hash", params(
		validation.Hash("blockhash"),
		validation.Bool("verbose").Optional(),
	)},
	GetChainTips:    {"getchaintips", CategoryBlockchain, "Get known chain tips", params()},
	GetDifficulty:   {"getdifficulty", CategoryBlockchain, "Get proof-of-work difficulty", params()},
	GetMempoolInfo:  {"getmempoolinfo", CategoryBlockchain, "Get mempool information", params()},
	GetRawMempool:   {"getrawmempool", CategoryBlockchain, "List mempool transactions", params(validation.Bool("verbose").Optional())},
	GetTxOutSetInfo: {"gettxoutsetinfo", CategoryBlockchain, "Get UTXO set statistics", params()},
	VerifyChain: {"verifychain", CategoryBlockchain, "Verify the blockchain database", params(
		validation.Int("checklevel", 0, 4).Optional(),
		validation.NonNegative("nblocks").Optional(),
	)},
	GetRawTransaction: {"getrawtransaction", CategoryBlockchain, "Get raw transaction by txid", params(
		validation.Hash("txid"),
		validation.Bool("verbose").Optional(),
	)},
	SendRawTransaction: {"sendrawtransaction", CategoryBlockchain, "Broadcast a serialized transaction", params(
		validation.RawTx("hexstring"),
	)},

	GetNetworkInfo:     {"getnetworkinfo", CategoryNetwork, "Get network information", params()},
	GetPeerInfo:        {"getpeerinfo", CategoryNetwork, "Get peer information", params()},
	GetConnectionCount: {"getconnectioncount", CategoryNetwork, "Get connection count", params()},
	AddNode: {"addnode", CategoryNetwork, "Add, remove or try a peer", params(
		validation.HostPort("node"),
		validation.Enum("command", "add", "remove", "onetry"),
	)},
	DisconnectNode:   {"disconnectnode", CategoryNetwork, "Disconnect a peer", params(validation.HostPort("address"))},
	GetAddedNodeInfo: {"getaddednodeinfo", CategoryNetwork, "Get manually added peers", params(validation.HostPort("node").Optional())},
	GetNetTotals:     {"getnettotals", CategoryNetwork, "Get network traffic totals", params()},
	ListBanned:       {"listbanned", CategoryNetwork, "List banned subnets", params()},
	SetBan: {"setban", CategoryNetwork, "Ban or unban a subnet", params(
		validation.Subnet("subnet"),
		validation.Enum("command", "add", "remove"),
		validation.NonNegative("bantime").Optional(),
		validation.Bool("absolute").Optional(),
	)},
	ClearBanned:      {"clearbanned", CategoryNetwork, "Clear all bans", params()},
	Ping:             {"ping", CategoryNetwork, "Ping all peers", params()},
	GetNodeAddresses: {"getnodeaddresses", CategoryNetwork, "Get known peer addresses", params(validation.NonNegative("count").Optional())},
	SetNetworkActive: {"setnetworkactive", CategoryNetwork, "Enable or disable networking", params(validation.Bool("state"))},
	SubmitBlock:      {"submitblock", CategoryNetwork, "Submit a serialized block", params(validation.RawBlock("hexdata"))},
	SubmitHeader:     {"submitheader", CategoryNetwork, "Submit a serialized block header", params(validation.RawHeader("hexdata"))},
	GetMiningInfo:    {"getmininginfo", CategoryNetwork, "Get mining information", params()},
	NodeInfo:         {nodeInfoName, CategoryNetwork, "Summarize chain tip, version and peers", params()},

	GetWalletInfo: {"getwalletinfo", CategoryWallet, "Get wallet information", params()},
	GetBalance: {"getbalance", CategoryWallet, "Get wallet balance", validation.MethodSpec{
		Prefix: []interface{}{"*"},
		Params: []validation.ParamSpec{
			validation.NonNegative("minconf").Optional(),
			validation.Bool("include_watchonly").Optional(),
		},
	}},
	GetNewAddress: {"getnewaddress", CategoryWallet, "Get a new receiving address", params(
		validation.String("label").Optional(),
		validation.Enum("address_type", addressTypes...).Optional(),
	)},
	GetAddressInfo: {"getaddressinfo", CategoryWallet, "Get address information", params(validation.Address("address"))},
	GetReceivedByAddress: {"getreceivedbyaddress", CategoryWallet, "Get amount received by an address", params(
		validation.Address("address"),
		validation.NonNegative("minconf").Optional(),
	)},
	ListTransactions: {"listtransactions", CategoryWallet, "List wallet transactions", params(
		validation.String("label").Optional(),
		validation.NonNegative("count").Optional(),
		validation.NonNegative("skip").Optional(),
		validation.Bool("include_watchonly").Optional(),
	)},
	GetTransaction: {"gettransaction", CategoryWallet, "Get wallet transaction by txid", params(
		validation.Hash("txid"),
		validation.Bool("include_watchonly").Optional(),
	)},
	SendToAddress: {"sendtoaddress", CategoryWallet, "Send an amount to an address", params(
		validation.Address("address"),
		validation.Amount("amount"),
		validation.String("comment").Optional(),
		validation.String("comment_to").Optional(),
		validation.Bool("subtractfeefromamount").Optional(),
	)},
	ListUnspent: {"listunspent", CategoryWallet, "List unspent outputs", params(
		validation.NonNegative("minconf").Optional(),
		validation.NonNegative("maxconf").Optional(),
	)},
	ListLockUnspent: {"listlockunspent", CategoryWallet, "List locked outputs", params()},
	BackupWallet:    {"backupwallet", CategoryWallet, "Back up the wallet file", params(validation.String("destination"))},
	WalletLock:      {"walletlock", CategoryWallet, "Lock the wallet", params()},
}

var byName = func() map[string]Command {
	m := make(map[string]Command, numCommands)
	for c := invalidCommand + 1; c < numCommands; c++ {
		m[commandTable[c].name] = c
	}
	return m
}()

// Parse resolves a subcommand name. Names are matched exactly.
func Parse(name string) (Command, error) {
	if c, ok := byName[name]; ok {
		return c, nil
	}
	return invalidCommand, errors.New(errors.ErrorTypeUnknownCommand, "parse_command",
		"Unknown command: "+name+". Available commands: "+strings.Join(Names(), ", ")).
		WithContext("command", name)
}

// All returns every command in declaration order.
func All() []Command {
	all := make([]Command, 0, numCommands-1)
	for c := invalidCommand + 1; c < numCommands; c++ {
		all = append(all, c)
	}
	return all
}

// Names returns every command name, sorted.
func Names() []string {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Methods returns the parameter specs of every command keyed by name, for
// building a validation.Validator.
func Methods() map[string]validation.MethodSpec {
	m := make(map[string]validation.MethodSpec, len(byName))
	for name, c := range byName {
		m[name] = commandTable[c].spec
	}
	return m
}

// Valid reports whether c is an allow-listed command.
func (c Command) Valid() bool {
	return c > invalidCommand && c < numCommands
}

// String returns the CLI name
func (c Command) String() string {
	if !c.Valid() {
		return "invalid"
	}
	return commandTable[c].name
}

// Method returns the node RPC method the command forwards to.
func (c Command) Method() string {
	return c.String()
}

// Category returns the command's group
func (c Command) Category() Category {
	if !c.Valid() {
		return ""
	}
	return commandTable[c].category
}

// Summary returns a one-line description for help output.
func (c Command) Summary() string {
	if !c.Valid() {
		return ""
	}
	return commandTable[c].summary
}

// Spec returns the command's parameter declarations.
func (c Command) Spec() validation.MethodSpec {
	if !c.Valid() {
		return validation.MethodSpec{}
	}
	return commandTable[c].spec
}

// Usage renders the positional parameters, e.g. "<blockhash> [verbosity]".
func (c Command) Usage() string {
	spec := c.Spec()
	parts := make([]string, 0, len(spec.Params))
	for _, p := range spec.Params {
		parts = append(parts, p.Usage())
	}
	return strings.Join(parts, " ")
}

// Wallet reports whether the command is sent to the wallet endpoint.
func (c Command) Wallet() bool {
	return c.Category() == CategoryWallet
}

// Local reports whether the command is answered by btcwrap itself from
// several node calls instead of being forwarded.
func (c Command) Local() bool {
	return c == NodeInfo
}
