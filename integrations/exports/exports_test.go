package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devpn/core/types"
)

func committedEpoch() (types.Epoch, []types.Reward) {
	root := "0x" + strings.Repeat("ab", 32)
	epoch := types.Epoch{EpochID: 3, Status: types.EpochCommitted, MerkleRoot: &root}
	proofA, _ := types.EncodeProof([]string{"0x" + strings.Repeat("01", 32)})
	proofB, _ := types.EncodeProof([]string{"0x" + strings.Repeat("02", 32)})
	claimedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tx := "0xfeed"
	return epoch, []types.Reward{
		{ID: 2, EpochID: 3, NodeAddress: "0x2000000000000000000000000000000000000002", Amount: 15000, TrafficMB: 50, MerkleProof: proofB},
		{ID: 1, EpochID: 3, NodeAddress: "0x1000000000000000000000000000000000000001", Amount: 40000, TrafficMB: 100, MerkleProof: proofA, Claimed: true, ClaimedAt: &claimedAt, TxHash: &tx},
	}
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestRowsRequireCommittedEpoch(t *testing.T) {
	epoch, rewards := committedEpoch()
	rows, err := Rows(epoch, rewards)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "0x1000000000000000000000000000000000000001", rows[0].Node)
	require.Equal(t, "0xfeed", rows[0].TxHash)

	epoch.Status = types.EpochProcessing
	_, err = Rows(epoch, rewards)
	require.Error(t, err)
}

func TestRewardsCSV(t *testing.T) {
	epoch, rewards := committedEpoch()
	rows, err := Rows(epoch, rewards)
	require.NoError(t, err)
	data, checksum, err := Export(FormatCSV, rows)
	require.NoError(t, err)
	require.Equal(t, sha(data), checksum)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "epoch,node,amount,traffic_mb,merkle_root,proof,tx_hash,claimed,claimed_at", lines[0])
	require.True(t, strings.HasPrefix(lines[1], "3,0x1000000000000000000000000000000000000001,40000,100,"))
	require.True(t, strings.HasSuffix(lines[1], ",0xfeed,true,2026-01-02T03:04:05Z"))
}

func TestRewardsJSONL(t *testing.T) {
	epoch, rewards := committedEpoch()
	rows, err := Rows(epoch, rewards)
	require.NoError(t, err)
	data, checksum, err := Export(FormatJSONL, rows)
	require.NoError(t, err)
	require.Equal(t, sha(data), checksum)

	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 2)
	var second map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &second))
	require.Equal(t, float64(15000), second["amount"])
	require.Equal(t, false, second["claimed"])
	require.Len(t, second["proof"], 1)
	require.NotContains(t, second, "claimed_at")
}

func TestRewardsParquet(t *testing.T) {
	epoch, rewards := committedEpoch()
	rows, err := Rows(epoch, rewards)
	require.NoError(t, err)
	data, checksum, err := Export(FormatParquet, rows)
	require.NoError(t, err)
	require.Equal(t, sha(data), checksum)
	require.True(t, bytes.HasPrefix(data, []byte("PAR1")))
	require.True(t, bytes.HasSuffix(data, []byte("PAR1")))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" JSONL ")
	require.NoError(t, err)
	require.Equal(t, FormatJSONL, f)
	require.Equal(t, "application/x-ndjson", f.ContentType())
	_, err = ParseFormat("xml")
	require.Error(t, err)
}
