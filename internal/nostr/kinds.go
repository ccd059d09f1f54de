package nostr

// Event kinds used by Nostr Wallet Connect (NIP-47)
const (
	KindWalletInfo          = 13194
	KindWalletRequest       = 23194
	KindWalletResponse      = 23195
	KindWalletNotification  = 23196 // NIP-04 encrypted
	KindWalletNotification2 = 23197 // NIP-44 encrypted
)
