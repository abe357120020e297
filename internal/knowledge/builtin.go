package knowledge

// Builtin 返回未配置知识库文件时使用的内置条目。
func Builtin() []Snippet {
	return []Snippet{
		{
			Title:    "Lightning Network",
			Content:  "The Lightning Network is a layer-two payment protocol on top of Bitcoin. Payments are routed through a network of bidirectional payment channels and settle off-chain.",
			Keywords: []string{"lightning", "layer 2", "layer two", "off-chain"},
		},
		{
			Title:    "Payment channels",
			Content:  "A channel is a 2-of-2 multisig output funded on-chain. Balances move between the two parties by exchanging signed commitment transactions; only opening and closing touch the blockchain.",
			Keywords: []string{"channel", "multisig", "commitment"},
		},
		{
			Title:    "Invoices",
			Content:  "A BOLT11 invoice encodes the payee, amount, expiry and payment hash. The payer routes an HTLC locked to that hash and receives the preimage once the payee settles.",
			Keywords: []string{"invoice", "bolt11", "htlc", "preimage"},
		},
		{
			Title:    "L402",
			Content:  "L402 pairs HTTP 402 Payment Required with a macaroon and a Lightning invoice. After paying, the client retries with Authorization: L402 <macaroon>:<preimage>.",
			Keywords: []string{"l402", "lsat", "402", "macaroon", "paywall"},
		},
		{
			Title:    "Bitcoin",
			Content:  "Bitcoin is a proof-of-work blockchain with a fixed supply of 21 million coins. One bitcoin is 100,000,000 satoshis.",
			Keywords: []string{"bitcoin", "btc", "satoshi", "sat", "blockchain", "proof-of-work", "mining"},
		},
	}
}
