package exports

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"devpn/core/types"
)

// Format names an export encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

// ParseFormat accepts csv, jsonl or parquet in any case.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case FormatCSV, FormatJSONL, FormatParquet:
		return f, nil
	default:
		return "", fmt.Errorf("exports: unknown format %q", raw)
	}
}

// ContentType returns the HTTP media type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSONL:
		return "application/x-ndjson"
	case FormatParquet:
		return "application/vnd.apache.parquet"
	default:
		return "text/csv"
	}
}

// Row is one reward line of a settled epoch.
type Row struct {
	Epoch      uint64
	Node       string
	Amount     int64
	TrafficMB  float64
	MerkleRoot string
	Proof      []string
	TxHash     string
	Claimed    bool
	ClaimedAt  *time.Time
	CreatedAt  time.Time
}

// Rows flattens the rewards of a committed epoch, ordered by node address.
func Rows(epoch types.Epoch, rewards []types.Reward) ([]Row, error) {
	if !epoch.Committed() {
		return nil, fmt.Errorf("exports: epoch %d is %s, not committed", epoch.EpochID, epoch.Status)
	}
	root := ""
	if epoch.MerkleRoot != nil {
		root = *epoch.MerkleRoot
	}
	rows := make([]Row, 0, len(rewards))
	for _, r := range rewards {
		proof, err := r.Proof()
		if err != nil {
			return nil, fmt.Errorf("exports: reward %d: %w", r.ID, err)
		}
		row := Row{
			Epoch:      epoch.EpochID,
			Node:       r.NodeAddress,
			Amount:     r.Amount,
			TrafficMB:  r.TrafficMB,
			MerkleRoot: root,
			Proof:      proof,
			Claimed:    r.Claimed,
			ClaimedAt:  r.ClaimedAt,
			CreatedAt:  r.CreatedAt,
		}
		if r.TxHash != nil {
			row.TxHash = *r.TxHash
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Node < rows[j].Node })
	return rows, nil
}

// Export encodes rows in format and returns the payload with its SHA-256
// checksum.
func Export(format Format, rows []Row) ([]byte, string, error) {
	switch format {
	case FormatCSV:
		return RewardsCSV(rows)
	case FormatJSONL:
		return RewardsJSONL(rows)
	case FormatParquet:
		return RewardsParquet(rows)
	default:
		return nil, "", fmt.Errorf("exports: unknown format %q", format)
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
