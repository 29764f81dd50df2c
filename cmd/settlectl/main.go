package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"devpn/cmd/internal/passphrase"
	"devpn/core/merkle"
	"devpn/crypto"
	"devpn/integrations/exports"
	"devpn/observability/logging"
	"devpn/services/settled"
	"devpn/storage"
)

const (
	settleCommand   = "settle"
	sweepCommand    = "sweep"
	proofCommand    = "proof"
	verifyCommand   = "verify-proof"
	exportCommand   = "export"
	keystoreCommand = "keystore"

	defaultConfig  = "settled.yaml"
	defaultKeyEnv  = "SETTLED_PAYER_KEY"
	defaultPassEnv = "SETTLED_KEYSTORE_PASSPHRASE"
)

var errInvalidProof = errors.New("proof does not match root")

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, out io.Writer) error {
	switch command {
	case settleCommand:
		return runSettle(ctx, args, out)
	case sweepCommand:
		return runSweep(ctx, args, out)
	case proofCommand:
		return runProof(ctx, args, out)
	case verifyCommand:
		return runVerifyProof(args, out)
	case exportCommand:
		return runExport(ctx, args, out)
	case keystoreCommand:
		return runKeystore(args, out)
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runSettle(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(settleCommand, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the settled config file")
	epochID := fs.Uint64("epoch", 0, "Epoch number to settle")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *epochID == 0 {
		return errors.New("-epoch is required")
	}
	app, err := buildApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	summary, err := app.Orchestrator.SettleEpoch(ctx, *epochID)
	if printErr := printJSON(out, summary); printErr != nil {
		return printErr
	}
	return err
}

func runSweep(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(sweepCommand, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the settled config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	app, err := buildApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	if _, err := app.Epochs.Rollover(ctx); err != nil {
		return fmt.Errorf("rollover: %w", err)
	}
	summary, err := app.Orchestrator.Sweep(ctx)
	if printErr := printJSON(out, summary); printErr != nil {
		return printErr
	}
	return err
}

func runProof(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(proofCommand, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the settled config file")
	node := fs.String("node", "", "Node address")
	epochID := fs.Uint64("epoch", 0, "Epoch number")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*node) == "" || *epochID == 0 {
		return errors.New("-node and -epoch are required")
	}
	store, err := openStore(*configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.NodeByAddress(ctx, *node)
	if err != nil {
		return fmt.Errorf("node %s: %w", *node, err)
	}
	epoch, err := store.EpochByID(ctx, *epochID)
	if err != nil {
		return fmt.Errorf("epoch %d: %w", *epochID, err)
	}
	if !epoch.Committed() || epoch.MerkleRoot == nil {
		return fmt.Errorf("epoch %d is %s, not committed", *epochID, epoch.Status)
	}
	reward, err := store.RewardFor(ctx, n.ID, *epochID)
	if err != nil {
		return fmt.Errorf("reward: %w", err)
	}
	proof, err := reward.Proof()
	if err != nil {
		return err
	}
	if err := verifyProof(*epoch.MerkleRoot, n.Address, big.NewInt(reward.Amount), proof); err != nil {
		return err
	}
	return printJSON(out, map[string]interface{}{
		"epoch":       *epochID,
		"node":        n.Address,
		"amount":      reward.Amount,
		"proof":       proof,
		"merkle_root": *epoch.MerkleRoot,
	})
}

func runVerifyProof(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(verifyCommand, flag.ContinueOnError)
	root := fs.String("root", "", "Merkle root committed on chain")
	node := fs.String("node", "", "Node address")
	amount := fs.String("amount", "", "Reward amount in base units")
	proof := fs.String("proof", "", "Comma separated sibling hashes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(*amount), 10)
	if !ok {
		return fmt.Errorf("invalid amount %q", *amount)
	}
	var siblings []string
	for _, item := range strings.Split(*proof, ",") {
		if item = strings.TrimSpace(item); item != "" {
			siblings = append(siblings, item)
		}
	}
	if err := verifyProof(*root, *node, value, siblings); err != nil {
		return err
	}
	_, err := fmt.Fprintln(out, "valid")
	return err
}

func verifyProof(rawRoot, node string, amount *big.Int, rawProof []string) error {
	if !common.IsHexAddress(node) {
		return fmt.Errorf("invalid node address %q", node)
	}
	root, err := merkle.ParseHash(rawRoot)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	proof, err := merkle.ParseHexProof(rawProof)
	if err != nil {
		return err
	}
	leaf, err := merkle.LeafHash(common.HexToAddress(node), amount)
	if err != nil {
		return err
	}
	if !merkle.Verify(proof, leaf, root) {
		return errInvalidProof
	}
	return nil
}

func runExport(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(exportCommand, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the settled config file")
	epochID := fs.Uint64("epoch", 0, "Epoch number to export")
	rawFormat := fs.String("format", string(exports.FormatCSV), "csv, jsonl or parquet")
	outPath := fs.String("out", "", "Output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := exports.ParseFormat(*rawFormat)
	if err != nil {
		return err
	}
	store, err := openStore(*configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	epoch, err := store.EpochByID(ctx, *epochID)
	if err != nil {
		return fmt.Errorf("epoch %d: %w", *epochID, err)
	}
	rewards, err := store.RewardsForEpoch(ctx, *epochID)
	if err != nil {
		return err
	}
	rows, err := exports.Rows(epoch, rewards)
	if err != nil {
		return err
	}
	body, checksum, err := exports.Export(format, rows)
	if err != nil {
		return err
	}
	if *outPath == "" {
		_, err = out.Write(body)
		return err
	}
	if err := os.WriteFile(*outPath, body, 0o644); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "Wrote %d rows to %s (sha256 %s)\n", len(rows), *outPath, checksum)
	return err
}

func runKeystore(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(keystoreCommand, flag.ContinueOnError)
	keyEnv := fs.String("key-env", defaultKeyEnv, "Environment variable holding the hex payer key")
	keyFile := fs.String("key-file", "", "File holding the hex payer key (overrides -key-env)")
	outPath := fs.String("out", "payer.keystore", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(*outPath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use -force to overwrite)", *outPath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	src := crypto.KeySource{Env: *keyEnv}
	if *keyFile != "" {
		src = crypto.KeySource{File: *keyFile}
	}
	key, err := crypto.LoadKey(src)
	if err != nil {
		return err
	}
	pass, err := passphrase.NewSource(*passEnv, "payer keystore", passphrase.WithConfirmation()).Get()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*outPath, key, pass); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	_, err = fmt.Fprintf(out, "Wrote keystore for %s to %s\n", crypto.Address(key).Hex(), *outPath)
	return err
}

func buildApp(ctx context.Context, configPath string) (*settled.App, error) {
	cfg, err := settled.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, closer := logging.SetupWithOptions("settlectl", cfg.Environment, cfg.LogOptions())
	app, err := settled.Build(ctx, cfg, logger, passphrase.NewSource(cfg.Payer.PassphraseEnv, "payer keystore").Get)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	return app, nil
}

func openStore(configPath string) (*storage.Store, error) {
	cfg, err := settled.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	dsn, err := cfg.DatabaseDSN()
	if err != nil {
		return nil, err
	}
	return storage.Open(cfg.Database.Driver, dsn)
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "settlectl <command> [flags]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintf(out, "  %-14s Settle one epoch now\n", settleCommand)
	fmt.Fprintf(out, "  %-14s Roll the epoch over and settle everything due\n", sweepCommand)
	fmt.Fprintf(out, "  %-14s Print the stored merkle proof for a node\n", proofCommand)
	fmt.Fprintf(out, "  %-14s Check a proof against a root offline\n", verifyCommand)
	fmt.Fprintf(out, "  %-14s Write the rewards of a committed epoch\n", exportCommand)
	fmt.Fprintf(out, "  %-14s Convert a hex payer key to an encrypted keystore\n", keystoreCommand)
}
