package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

type jsonRow struct {
	Epoch      uint64   `json:"epoch"`
	Node       string   `json:"node"`
	Amount     int64    `json:"amount"`
	TrafficMB  float64  `json:"traffic_mb"`
	MerkleRoot string   `json:"merkle_root,omitempty"`
	Proof      []string `json:"proof"`
	TxHash     string   `json:"tx_hash,omitempty"`
	Claimed    bool     `json:"claimed"`
	ClaimedAt  string   `json:"claimed_at,omitempty"`
}

// RewardsJSONL builds a JSON Lines export for the supplied rows and returns
// the serialised payload alongside a checksum.
func RewardsJSONL(rows []Row) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, row := range rows {
		proof := row.Proof
		if proof == nil {
			proof = []string{}
		}
		payload := jsonRow{
			Epoch:      row.Epoch,
			Node:       row.Node,
			Amount:     row.Amount,
			TrafficMB:  row.TrafficMB,
			MerkleRoot: row.MerkleRoot,
			Proof:      proof,
			TxHash:     row.TxHash,
			Claimed:    row.Claimed,
			ClaimedAt:  formatTime(row.ClaimedAt),
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
