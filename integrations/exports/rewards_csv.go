package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"
	"strings"
)

// RewardsCSV builds a CSV export for the supplied rows and returns the
// serialised data alongside a SHA-256 checksum of the payload. Proof hashes
// are joined with semicolons.
func RewardsCSV(rows []Row) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"epoch", "node", "amount", "traffic_mb", "merkle_root", "proof", "tx_hash", "claimed", "claimed_at"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.Epoch, 10),
			row.Node,
			strconv.FormatInt(row.Amount, 10),
			strconv.FormatFloat(row.TrafficMB, 'f', -1, 64),
			row.MerkleRoot,
			strings.Join(row.Proof, ";"),
			row.TxHash,
			strconv.FormatBool(row.Claimed),
			formatTime(row.ClaimedAt),
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
