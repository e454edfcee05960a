// Package bitcoin provides the JSON-RPC client used to talk to a Bitcoin Core
// or Knots node.
package bitcoin

// BlockchainInfo holds the subset of getblockchaininfo used for diagnostics.
// Fields whose type changed across node releases are left out so decoding
// works against old and new nodes alike.
type BlockchainInfo struct {
	Chain                string  `json:"chain"`
	Blocks               int64   `json:"blocks"`
	Headers              int64   `json:"headers"`
	BestBlockHash        string  `json:"bestblockhash"`
	Difficulty           float64 `json:"difficulty"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
	Pruned               bool    `json:"pruned"`
}

// NetworkInfo holds the subset of getnetworkinfo used for diagnostics.
type NetworkInfo struct {
	Version         int32  `json:"version"`
	SubVersion      string `json:"subversion"`
	ProtocolVersion int32  `json:"protocolversion"`
	Connections     int32  `json:"connections"`
	NetworkActive   bool   `json:"networkactive"`
}

// NodeInfo is the combined summary returned by the nodeinfo command.
type NodeInfo struct {
	Chain         string `json:"chain"`
	Blocks        int64  `json:"blocks"`
	Headers       int64  `json:"headers"`
	BestBlockHash string `json:"bestblockhash"`
	Version       int32  `json:"version"`
	SubVersion    string `json:"subversion"`
	Connections   int32  `json:"connections"`
}
