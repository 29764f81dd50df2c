package rewards

import (
	"fmt"
	"math/big"
	"sort"
	"strconv"

	"devpn/core/types"
)

// Config controls how eligible traffic converts into token amounts.
type Config struct {
	// Scale converts quality- and reputation-weighted megabytes into the
	// smallest recorded token unit.
	Scale int64
	// DefaultReputation is used for nodes without a published reputation.
	DefaultReputation int
}

// DefaultConfig returns the production reward formula constants.
func DefaultConfig() Config {
	return Config{Scale: 1000, DefaultReputation: types.DefaultReputation}
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.Scale <= 0 {
		return fmt.Errorf("reward scale must be greater than zero")
	}
	if c.DefaultReputation < 0 || c.DefaultReputation > 100 {
		return fmt.Errorf("default reputation must be within [0,100]")
	}
	return nil
}

// Amount computes trafficMB × quality/100 × reputation/100 × scale truncated
// toward zero. The arithmetic is exact over the decimal form of the inputs so
// that values such as 0.29 do not lose a unit to binary rounding.
func Amount(trafficMB, quality float64, reputation int, scale int64) *big.Int {
	if trafficMB <= 0 || quality <= 0 || reputation <= 0 || scale <= 0 {
		return new(big.Int)
	}
	product := decimalRat(trafficMB)
	product.Mul(product, decimalRat(quality))
	product.Mul(product, big.NewRat(int64(reputation), 1))
	product.Mul(product, big.NewRat(scale, 10_000))
	return new(big.Int).Quo(product.Num(), product.Denom())
}

func decimalRat(v float64) *big.Rat {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(v, 'f', -1, 64))
	if !ok {
		return new(big.Rat)
	}
	return r
}

// Calculator applies Config to per-node totals.
type Calculator struct {
	cfg Config
}

// NewCalculator constructs a calculator.
func NewCalculator(cfg Config) Calculator {
	return Calculator{cfg: cfg}
}

// Config returns the constants in use.
func (c Calculator) Config() Config { return c.cfg }

// Reputation resolves the reputation applied to node.
func (c Calculator) Reputation(node types.Node) int {
	return node.Reputation(c.cfg.DefaultReputation)
}

// Amount computes the payout for node given its eligible traffic and quality.
func (c Calculator) Amount(node types.Node, trafficMB, quality float64) *big.Int {
	return Amount(trafficMB, quality, c.Reputation(node), c.cfg.Scale)
}

// Formula describes the computation for operators verifying a payout.
func (c Calculator) Formula() string {
	return fmt.Sprintf("trafficMB × (quality/100) × (reputation/100) × %d", c.cfg.Scale)
}

// NodeTotal aggregates one node's traffic for an epoch.
type NodeTotal struct {
	Node            types.Node
	TrafficMB       float64
	EligibleRecords int
	TotalRecords    int
	Quality         float64
	Reputation      int
	Amount          *big.Int
}

// Tally accumulates eligible traffic per node.
type Tally struct {
	totals map[uint]*NodeTotal
}

// NewTally returns an empty tally.
func NewTally() *Tally {
	return &Tally{totals: make(map[uint]*NodeTotal)}
}

// Add records one evaluated sample for node.
func (t *Tally) Add(node types.Node, trafficMB float64, eligible bool) {
	total, ok := t.totals[node.ID]
	if !ok {
		total = &NodeTotal{Node: node}
		t.totals[node.ID] = total
	}
	total.TotalRecords++
	if eligible {
		total.EligibleRecords++
		total.TrafficMB += trafficMB
	}
}

// Totals returns nodes with at least one eligible sample, ordered by node id,
// with quality, reputation and amount filled in.
func (t *Tally) Totals(calc Calculator, quality func(types.Node) float64) []NodeTotal {
	out := make([]NodeTotal, 0, len(t.totals))
	for _, total := range t.totals {
		if total.EligibleRecords == 0 {
			continue
		}
		entry := *total
		entry.Quality = quality(entry.Node)
		entry.Reputation = calc.Reputation(entry.Node)
		entry.Amount = Amount(entry.TrafficMB, entry.Quality, entry.Reputation, calc.cfg.Scale)
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node.ID < out[j].Node.ID })
	return out
}

// SumTraffic returns the total megabytes across totals.
func SumTraffic(totals []NodeTotal) float64 {
	var sum float64
	for _, total := range totals {
		sum += total.TrafficMB
	}
	return sum
}

// SumAmount returns the total payout across totals.
func SumAmount(totals []NodeTotal) *big.Int {
	sum := new(big.Int)
	for _, total := range totals {
		if total.Amount != nil {
			sum.Add(sum, total.Amount)
		}
	}
	return sum
}
