package main

import (
	crand "crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"p2pescrow/config"
	"p2pescrow/core"
	"p2pescrow/core/types"
	"p2pescrow/crypto"
	"p2pescrow/storage"
)

const (
	initCommand    = "init-config"
	commitCommand  = "commit"
	addressCommand = "address"
	eventsCommand  = "events"
	defaultConfig  = "./ledger.toml"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case initCommand:
		err = runInit(os.Args[2:])
	case commitCommand:
		err = runCommit(os.Args[2:], os.Stdout)
	case addressCommand:
		err = runAddress(os.Args[2:], os.Stdout)
	case eventsCommand:
		err = runEvents(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet(initCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the ledger config file")
	fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil {
		return fmt.Errorf("config %s already exists", *configPath)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if _, err := core.OptionsFromConfig(cfg); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}
	fmt.Printf("Wrote default ledger config to %s (data dir %s)\n", *configPath, cfg.DataDir)
	return nil
}

type commitment struct {
	Resolver      string `json:"resolver"`
	VoteForSeller bool   `json:"voteForSeller"`
	Salt          string `json:"salt"`
	Commitment    string `json:"commitment"`
}

// sealVote computes the commitment a resolver submits during the commit phase.
// A random salt is drawn when saltHex is empty.
func sealVote(resolverRaw, vote, saltHex string, rand io.Reader) (*commitment, error) {
	resolver, err := crypto.ParseAddress(resolverRaw)
	if err != nil {
		return nil, fmt.Errorf("resolver: %w", err)
	}
	var forSeller bool
	switch strings.ToLower(strings.TrimSpace(vote)) {
	case "seller", "release":
		forSeller = true
	case "buyer", "refund":
		forSeller = false
	default:
		return nil, fmt.Errorf("vote must be seller or buyer")
	}
	var salt [32]byte
	if strings.TrimSpace(saltHex) == "" {
		if _, err := io.ReadFull(rand, salt[:]); err != nil {
			return nil, fmt.Errorf("draw salt: %w", err)
		}
	} else if salt, err = crypto.ParseHash(saltHex); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	digest := crypto.VoteCommitment(resolver, forSeller, salt)
	return &commitment{
		Resolver:      crypto.FormatAddress(resolver),
		VoteForSeller: forSeller,
		Salt:          crypto.FormatHash(salt),
		Commitment:    crypto.FormatHash(digest),
	}, nil
}

func runCommit(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(commitCommand, flag.ExitOnError)
	resolver := fs.String("resolver", "", "Resolver settlement address (bech32 or hex)")
	vote := fs.String("vote", "", "seller (release) or buyer (refund)")
	salt := fs.String("salt", "", "Optional 32-byte hex salt; random when omitted")
	fs.Parse(args)

	sealed, err := sealVote(*resolver, *vote, *salt, crand.Reader)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(sealed)
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(addressCommand, flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: settlectl %s <address>", addressCommand)
	}
	addr, err := crypto.ParseAddress(fs.Arg(0))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n0x%x\n", crypto.FormatAddress(addr), addr[:])
	return err
}

// runEvents dumps committed ledger events as JSON lines. The ledger store must
// not be open in a running gateway.
func runEvents(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(eventsCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the ledger config file")
	after := fs.Uint64("after", 0, "Only print events with a greater sequence")
	limit := fs.Int("limit", 100, "Maximum number of events to print")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	opts, err := core.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return err
	}
	ledger, err := core.NewLedger(db, opts)
	if err != nil {
		db.Close()
		return err
	}
	defer ledger.Close()
	return dumpEvents(ledger, *after, *limit, out)
}

type eventLog interface {
	EventsSince(after uint64, limit int) ([]*types.LedgerEvent, error)
}

func dumpEvents(log eventLog, after uint64, limit int, out io.Writer) error {
	events, err := log.EventsSince(after, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, evt := range events {
		if err := enc.Encode(evt); err != nil {
			return err
		}
	}
	return nil
}

func usage() {
	fmt.Println("settlectl <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Printf("  %s    Write a default ledger config file\n", initCommand)
	fmt.Printf("  %s         Seal a resolver vote into a commitment\n", commitCommand)
	fmt.Printf("  %s        Print an address in bech32 and hex form\n", addressCommand)
	fmt.Printf("  %s         Dump committed ledger events as JSON lines\n", eventsCommand)
}
