package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	Epoch      int64   `parquet:"name=epoch, type=INT64"`
	Node       string  `parquet:"name=node, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     int64   `parquet:"name=amount, type=INT64"`
	TrafficMB  float64 `parquet:"name=traffic_mb, type=DOUBLE"`
	MerkleRoot string  `parquet:"name=merkle_root, type=BYTE_ARRAY, convertedtype=UTF8"`
	Proof      string  `parquet:"name=proof, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash     string  `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Claimed    bool    `parquet:"name=claimed, type=BOOLEAN"`
	ClaimedAt  string  `parquet:"name=claimed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// RewardsParquet builds a Snappy-compressed Parquet export for the supplied
// rows and returns the file bytes alongside a checksum.
func RewardsParquet(rows []Row) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	fw := writerfile.NewWriterFile(buffer)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return nil, "", fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			Epoch:      int64(row.Epoch),
			Node:       row.Node,
			Amount:     row.Amount,
			TrafficMB:  row.TrafficMB,
			MerkleRoot: row.MerkleRoot,
			Proof:      strings.Join(row.Proof, ";"),
			TxHash:     row.TxHash,
			Claimed:    row.Claimed,
			ClaimedAt:  formatTime(row.ClaimedAt),
		}
		if err := pw.Write(pr); err != nil {
			_ = pw.WriteStop()
			return nil, "", fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, "", fmt.Errorf("exports: parquet flush: %w", err)
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
