package classify

import "strings"

// Package classify infers the likely category of a contract from the set of
// event signatures it emits. It is a pure enrichment helper, fully decoupled
// from interaction detection.

// Category is the inferred kind of dApp behind a contract.
type Category string

const (
	CategoryDEX            Category = "DEX"
	CategoryLending        Category = "LENDING"
	CategoryToken          Category = "TOKEN"
	CategoryNFT            Category = "NFT"
	CategoryNFTMarketplace Category = "NFT_MARKETPLACE"
	CategoryGovernance     Category = "GOVERNANCE"
	CategoryBridge         Category = "BRIDGE"
	CategoryDeFi           Category = "DEFI"
	CategoryUnknown        Category = "UNKNOWN"
)

// Result carries the best-scoring category and a confidence in [0, 1].
type Result struct {
	Category   Category
	Confidence float64
}

// Keccak256 hashes of common event signatures.
const (
	sigTransfer        = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	sigApproval        = "0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925"
	sigSwap            = "0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822"
	sigSync            = "0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1"
	sigMint            = "0x4c209b5fc8ad50758f13e2e1088ba56a560dff690a1c6fef26394f4c03821c4f"
	sigBurn            = "0xdccd412f0b1252819cb1fd330b93224ca42612892bb3f4f789976e6d81936496"
	sigPairCreated     = "0x0d3648bd0f6ba80134a33ba9275ac585d9d315f0ad8355cddefde31afa28d0e9"
	sigTransferSingle  = "0xc3d58168c5ae7397731d063d5bbf3d657854427343f4c083240f7aacaa2d0f62"
	sigTransferBatch   = "0x4a39dc06d4c0dbc64b70af90fd698a233a518aa5d07e595d983b8c0526c8f7fb"
	sigDeposit         = "0xe1fffcc4923d04b559f4d29a8bfc6cda04eb5b0d3c460751c2402c5c5cc9109c"
	sigWithdraw        = "0x884edad9ce6fa2440d8a54cc123490eb96d2768479d49ff9c7366125a9424364"
	sigBorrow          = "0x13ed6866d4e1ee6da46f845c46d7e54120883d75c5ea9a2dacc1c4ca8984ab80"
	sigRepay           = "0x1a2a22cb034d26d1854bdc6666a5b91fe25efbbb5dcad3b0355478d6f5c362a1"
	sigStake           = "0x9e71bc8eea02a63969f509818f2dafb9254532904319f9dbda79b67bd34a5f3d"
	sigProposalCreated = "0x7d84a6263ae0d98d3329bd7b46bb4e8d6f98cd35a7adb45c274c8b7fd5ebd5e0"
	sigVoteCast        = "0xb8e138887d0aa13bab447e82de9d5c1777041ecd21ca36ba824ff1e6c07ddda4"
	sigTokensLocked    = "0x9b1bfa7fa9ee420a16e124f794c35ac9f90472acc99140eb2f6447c714cad8eb"
	sigOrderFilled     = "0x9d9af8e38d66c62e2c12f0225249fd9d721c54b83f48d9352c97c6cacdcb6f31"
)

// maxScore is the score a single decisive signature contributes; confidence
// is normalized against it.
const maxScore = 15.0

// Classify scores the signature set against known per-category event
// patterns and returns the best match. Signatures are topic0 hashes
// (case-insensitive).
func Classify(signatures []string) Result {
	has := make(map[string]bool, len(signatures))
	for _, sig := range signatures {
		has[strings.ToLower(sig)] = true
	}

	scores := map[Category]float64{}

	// DEX (AMM pair traffic)
	if has[sigSwap] {
		scores[CategoryDEX] += 15
	}
	if has[sigSync] {
		scores[CategoryDEX] += 10
	}
	if has[sigPairCreated] {
		scores[CategoryDEX] += 12
	}
	if has[sigMint] && has[sigBurn] {
		scores[CategoryDEX] += 8
	}

	// Lending
	if has[sigBorrow] {
		scores[CategoryLending] += 15
	}
	if has[sigRepay] {
		scores[CategoryLending] += 15
	}
	if has[sigDeposit] && has[sigWithdraw] {
		scores[CategoryLending] += 10
	}

	// NFT collections and marketplaces
	if has[sigTransferSingle] {
		scores[CategoryNFT] += 15
	}
	if has[sigTransferBatch] {
		scores[CategoryNFT] += 15
	}
	if has[sigOrderFilled] {
		scores[CategoryNFTMarketplace] += 15
	}
	if has[sigTransfer] && (has[sigTransferSingle] || has[sigTransferBatch]) {
		scores[CategoryNFTMarketplace] += 8
	}

	// Plain tokens
	if has[sigTransfer] {
		scores[CategoryToken] += 5
	}
	if has[sigApproval] {
		scores[CategoryToken] += 3
	}

	// Generic DeFi (staking/farming without a loan book)
	if has[sigStake] {
		scores[CategoryDeFi] += 12
	}
	if has[sigDeposit] && !has[sigBorrow] {
		scores[CategoryDeFi] += 8
	}

	// Governance
	if has[sigProposalCreated] {
		scores[CategoryGovernance] += 15
	}
	if has[sigVoteCast] {
		scores[CategoryGovernance] += 15
	}

	// Bridges
	if has[sigTokensLocked] {
		scores[CategoryBridge] += 15
	}

	// Fixed evaluation order keeps ties deterministic.
	order := []Category{
		CategoryDEX, CategoryLending, CategoryNFT, CategoryNFTMarketplace,
		CategoryToken, CategoryDeFi, CategoryGovernance, CategoryBridge,
	}
	best := Result{Category: CategoryUnknown}
	var bestScore float64
	for _, cat := range order {
		if score := scores[cat]; score > bestScore {
			bestScore = score
			best.Category = cat
		}
	}
	best.Confidence = bestScore / maxScore
	if best.Confidence > 1 {
		best.Confidence = 1
	}
	return best
}
