package power

import (
	"math"
	"slices"
	"strings"

	"powergate/internal/models"
)

// Mining algorithms with a known energy efficiency.
const (
	AlgorithmSHA256    = "sha256"
	AlgorithmEtchash   = "etchash"
	AlgorithmKawpow    = "kawpow"
	AlgorithmAutolykos = "autolykos"
	AlgorithmOctopus   = "octopus"
)

// joulesPerGH is the network-average energy cost per gigahash.
var joulesPerGH = map[string]float64{
	AlgorithmSHA256:    0.045,
	AlgorithmEtchash:   0.050,
	AlgorithmKawpow:    0.060,
	AlgorithmAutolykos: 0.055,
	AlgorithmOctopus:   0.058,
}

const (
	defaultJoulesPerGH = 0.05

	// overheadFactor covers cooling and power delivery on top of the miners.
	overheadFactor = 1.35

	// Proof-of-stake Ethereum is sized from its node count: 0.01 TWh a year
	// spread over a reference population of 500k validators.
	ethereumAnnualTWh      = 0.01
	ethereumReferenceNodes = 500000
	hoursPerYear           = 8760

	previousHashrateFactor = 0.98
	trendThreshold         = 0.05
)

// source selects the upstream API that measures a chain.
type source int

const (
	sourceWhatToMine source = iota
	sourceBlockchair
	sourceEthernodes
)

// Chain describes how one blockchain's power draw is measured.
type Chain struct {
	Name      string
	CoinID    int
	Algorithm string
	source    source
}

var chains = map[string]Chain{
	"bitcoin":         {Name: "bitcoin", CoinID: 1, Algorithm: AlgorithmSHA256, source: sourceBlockchair},
	"ethereum":        {Name: "ethereum", source: sourceEthernodes},
	"eticacoin":       {Name: "eticacoin", CoinID: 382, Algorithm: AlgorithmEtchash},
	"ethereumclassic": {Name: "ethereumclassic", CoinID: 162, Algorithm: AlgorithmEtchash},
	"ravencoin":       {Name: "ravencoin", CoinID: 234, Algorithm: AlgorithmKawpow},
	"ergo":            {Name: "ergo", CoinID: 340, Algorithm: AlgorithmAutolykos},
	"conflux":         {Name: "conflux", CoinID: 337, Algorithm: AlgorithmOctopus},
}

// LookupChain finds a supported chain by case-insensitive name.
func LookupChain(name string) (Chain, bool) {
	c, ok := chains[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// SupportedChains returns the supported chain names, sorted.
func SupportedChains() []string {
	names := make([]string, 0, len(chains))
	for name := range chains {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Hashrate is a network hashrate sample in H/s with the figure it is
// compared against for the trend.
type Hashrate struct {
	Current  float64
	Previous float64
}

func newHashrate(current float64) Hashrate {
	return Hashrate{Current: current, Previous: current * previousHashrateFactor}
}

// EstimateWattage converts a hashrate in H/s into watts for algorithm,
// including facility overhead. Unknown algorithms use a generic efficiency.
func EstimateWattage(hashrate float64, algorithm string) int64 {
	j, ok := joulesPerGH[algorithm]
	if !ok {
		j = defaultJoulesPerGH
	}
	return int64(math.Round(hashrate / 1e9 * j * overheadFactor))
}

// EstimateEthereumWattage sizes the network's draw from its node count.
func EstimateEthereumWattage(nodes float64) int64 {
	total := ethereumAnnualTWh * 1e9 / hoursPerYear
	return int64(math.Round(total * nodes / ethereumReferenceNodes))
}

// DetermineTrend compares a hashrate sample against its reference.
func DetermineTrend(h Hashrate) string {
	switch {
	case h.Current > h.Previous*(1+trendThreshold):
		return models.TrendIncreasing
	case h.Current < h.Previous*(1-trendThreshold):
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}
