// veilpool CLI - shielded transfer client
//
// This CLI demonstrates the veilpool library's capabilities for depositing
// into and withdrawing from the privacy pool through a relayer.
//
// Example usage:
//
//	# Show the spendable balance
//	veilpool balance --relayer https://relayer.example --key <hex>
//
//	# List spendable notes
//	veilpool scan --relayer https://relayer.example --key <hex>
//
//	# Deposit 0.01, signing through the host wallet command
//	veilpool deposit --relayer https://relayer.example --key <hex> \
//	  --amount 0.01 --sign-cmd "wallet-sign --keyfile id.json"
//
//	# Withdraw 0.005 to a recipient
//	veilpool withdraw --relayer https://relayer.example --key <hex> \
//	  --amount 0.005 --recipient <address>
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/veil-labs/veilpool/pkg/engine"
	"github.com/veil-labs/veilpool/pkg/field"
	"github.com/veil-labs/veilpool/pkg/note"
	"github.com/veil-labs/veilpool/pkg/plan"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	var err error
	switch command {
	case "scan":
		err = cmdScan(os.Args[2:])
	case "balance":
		err = cmdBalance(os.Args[2:])
	case "deposit":
		err = cmdDeposit(os.Args[2:])
	case "withdraw":
		err = cmdWithdraw(os.Args[2:])
	case "version":
		fmt.Printf("veilpool %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`veilpool - shielded transfer client

Usage:
  veilpool <command> [options]

Commands:
  scan                         List spendable notes
  balance                      Show the spendable balance
  deposit                      Deposit into the pool
  withdraw                     Withdraw from the pool to a recipient
  version                      Show version information
  help                         Show this help message

Common options:
  --relayer <url>              Relayer base URL
  --program <address>          Pool program id
  --circuits <dir>             Circuit artifact directory
  --key <hex>                  31-byte note-encryption key (hex)
  --verbose                    Debug logging

Deposits need the host wallet to sign the assembled transaction; pass a
signing command with --sign-cmd. The command receives the base64 payload
on stdin and must print the signed transaction as base64 on stdout.`)
}

// commonFlags holds the options every subcommand shares.
type commonFlags struct {
	relayerURL string
	programID  string
	circuits   string
	keyHex     string
	verbose    bool
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.relayerURL, "relayer", "", "relayer base URL")
	fs.StringVar(&c.programID, "program", "", "pool program id (base58)")
	fs.StringVar(&c.circuits, "circuits", "circuits", "circuit artifact directory")
	fs.StringVar(&c.keyHex, "key", "", "note-encryption key (hex, 31 bytes)")
	fs.BoolVar(&c.verbose, "verbose", false, "debug logging")
	return c
}

func (c *commonFlags) buildEngine() (*engine.Engine, []byte, error) {
	key, err := hex.DecodeString(c.keyHex)
	if err != nil || len(key) != note.EncryptionKeyLen {
		return nil, nil, fmt.Errorf("--key must be %d hex-encoded bytes", note.EncryptionKeyLen)
	}

	cfg := *engine.DefaultConfig()
	cfg.RelayerURL = c.relayerURL
	cfg.ProgramID = c.programID
	cfg.CircuitPath = c.circuits
	cfg.Verbose = c.verbose
	cfg.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	e, err := engine.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return e, key, nil
}

func cmdScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	common := registerCommon(fs)
	refresh := fs.Bool("refresh", false, "drop the cache and rescan from the start")
	fs.Parse(args)

	e, key, err := common.buildEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	notes, err := e.Scan(ctx, key, field.NativeAssetTagNumeric(), *refresh)
	if err != nil {
		return err
	}

	fmt.Printf("%d spendable note(s)\n", len(notes))
	for _, n := range notes {
		fmt.Printf("  index=%-8d amount=%s\n", n.Index, plan.FormatAmount(n.Amount, plan.NativeDecimals))
	}
	return nil
}

func cmdBalance(args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	common := registerCommon(fs)
	fs.Parse(args)

	e, key, err := common.buildEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	balance, err := e.Balance(ctx, key, field.NativeAssetTagNumeric())
	if err != nil {
		return err
	}
	fmt.Printf("spendable: %s\n", plan.FormatAmount(balance, plan.NativeDecimals))
	return nil
}

func cmdDeposit(args []string) error {
	fs := flag.NewFlagSet("deposit", flag.ExitOnError)
	common := registerCommon(fs)
	amount := fs.String("amount", "", "amount in natural units (e.g. 0.01)")
	signCmd := fs.String("sign-cmd", "", "wallet command that signs the payload (base64 on stdin, signed base64 on stdout)")
	depositor := fs.String("depositor", "", "depositor address bound into the transaction (base58)")
	batch := fs.Bool("batch", false, "split into standard denominations")
	fs.Parse(args)

	if *amount == "" || *signCmd == "" {
		return fmt.Errorf("--amount and --sign-cmd are required")
	}

	base, err := plan.ParseAmount(*amount, plan.NativeDecimals)
	if err != nil {
		return err
	}

	e, key, err := common.buildEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	sign := commandSigner(*signCmd)

	if *batch {
		result, err := e.BatchDeposit(ctx, engine.BatchDepositRequest{
			EncryptionKey: key,
			Amount:        base,
			Depositor:     *depositor,
			Sign:          sign,
		})
		if err != nil {
			return err
		}
		for _, sig := range result.Signatures {
			fmt.Printf("signature: %s\n", sig)
		}
		if result.IsPartial {
			fmt.Printf("partial: deposited %s of %s\n",
				plan.FormatAmount(result.Executed, plan.NativeDecimals),
				plan.FormatAmount(result.Requested, plan.NativeDecimals))
		}
		return nil
	}

	result, err := e.Deposit(ctx, engine.DepositRequest{
		EncryptionKey: key,
		Amount:        base,
		Depositor:     *depositor,
		Sign:          sign,
	})
	if err != nil {
		return err
	}
	fmt.Printf("signature: %s\n", result.Signature)
	if !result.Observed {
		fmt.Println("warning: output notes not observed in the tree yet")
	}
	return nil
}

// commandSigner wraps an external wallet command as the engine's signing
// callback. The payload goes to the command base64-encoded on stdin; the
// command prints the signed transaction as base64 on stdout.
func commandSigner(command string) engine.SignFunc {
	return func(payload []byte) ([]byte, error) {
		cmd := exec.Command("sh", "-c", command)
		cmd.Stdin = strings.NewReader(base64.StdEncoding.EncodeToString(payload))
		cmd.Stderr = os.Stderr
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("signing command failed: %w", err)
		}
		signed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(out)))
		if err != nil {
			return nil, fmt.Errorf("signing command output is not base64: %w", err)
		}
		return signed, nil
	}
}

func cmdWithdraw(args []string) error {
	fs := flag.NewFlagSet("withdraw", flag.ExitOnError)
	common := registerCommon(fs)
	amount := fs.String("amount", "", "amount in natural units (e.g. 0.005)")
	recipient := fs.String("recipient", "", "recipient address (base58)")
	delay := fs.Int("delay", 0, "delay minutes (0 = immediate)")
	batch := fs.Bool("batch", false, "split across transactions when two inputs cannot cover the amount")
	fs.Parse(args)

	if *amount == "" || *recipient == "" {
		return fmt.Errorf("--amount and --recipient are required")
	}

	base, err := plan.ParseAmount(*amount, plan.NativeDecimals)
	if err != nil {
		return err
	}

	e, key, err := common.buildEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if *batch {
		result, err := e.BatchWithdraw(ctx, engine.BatchWithdrawRequest{
			EncryptionKey: key,
			Amount:        base,
			Recipient:     *recipient,
		})
		if err != nil {
			return err
		}
		for _, sig := range result.Signatures {
			fmt.Printf("signature: %s\n", sig)
		}
		if result.IsPartial {
			fmt.Printf("partial: withdrew %s of %s\n",
				plan.FormatAmount(result.Executed, plan.NativeDecimals),
				plan.FormatAmount(result.Requested, plan.NativeDecimals))
		}
		return nil
	}

	result, err := e.Withdraw(ctx, engine.WithdrawRequest{
		EncryptionKey: key,
		Amount:        base,
		Recipient:     *recipient,
		DelayMinutes:  *delay,
	})
	if err != nil {
		return err
	}
	if result.Delayed {
		fmt.Printf("scheduled: id=%d executeAt=%s\n", result.DelayedID, result.ExecuteAt)
		return nil
	}
	fmt.Printf("signature: %s\n", result.Signature)
	if !result.Observed {
		fmt.Println("warning: output notes not observed in the tree yet")
	}
	return nil
}
