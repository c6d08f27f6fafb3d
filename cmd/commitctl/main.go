// commitctl is the control CLI for commitd: one subcommand per Local
// API call (spec §10, "CLI ... one-to-one with the Local API"),
// grounded on witnessctl's flag-based subcommand dispatch.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"commitmentd/internal/anchor"
	"commitmentd/internal/canon"
	"commitmentd/internal/commitmentd"
	"commitmentd/internal/config"
	"commitmentd/internal/store"
)

var configPath = flag.String("config", "", "path to config file")

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "init":
		cmdInit()
	case "status":
		cmdStatus()
	case "commit":
		cmdCommit(args)
	case "get":
		cmdGet(args)
	case "query":
		cmdQuery(args)
	case "count":
		cmdCount()
	case "prove":
		cmdProve(args)
	case "verify":
		cmdVerify(args)
	case "pubkey":
		cmdPubkey()
	case "payload":
		cmdPayload()
	case "anchor":
		cmdAnchor(args)
	case "record-anchor":
		cmdRecordAnchor(args)
	case "refresh-anchor":
		cmdRefreshAnchor(args)
	case "latest-anchor":
		cmdLatestAnchor()
	case "list-anchors":
		cmdListAnchors()
	case "unanchored-count":
		cmdUnanchoredCount()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `commitctl - control utility for commitd

Usage: commitctl [options] <command> [args]

Commands:
  init                              Generate the identity key if absent, print its public key
  status                            Show commitment count, unanchored count, and latest anchor
  commit -type T -subject S -content C [-counterparty P] [-metadata JSON]
                                     Create and sign a new commitment
  get <id>                          Print one commitment as JSON
  query [-type][-subject][-counterparty][-since][-until][-limit][-offset]
                                     Print matching commitments as JSON
  count                             Print the total commitment count
  prove <id>                        Print the proof for a commitment as JSON
  verify <prooffile.json> [-pubkey HEX]
                                     Verify a proof file's inclusion and signature
  pubkey                            Print the store's public key
  payload                           Print the current anchor payload, hex-encoded
  anchor -txid TX [-fee-rate F] [-dry-run]
                                     Record TX (already broadcast externally) as the anchor for the current tree
  record-anchor -txid TX [-timestamp RFC3339]
                                     Repair the log after a broadcast that wasn't recorded
  refresh-anchor -txid TX -confirmed -height H
                                     Record a confirmation fact obtained from a block explorer
  latest-anchor                     Print the most recently recorded anchor
  list-anchors                      Print every recorded anchor
  unanchored-count                  Print the number of commitments not yet covered by an anchor
  help                              Show this help message

Options:
  -config <path>  Path to config file (default: ~/.local/share/commitd/config.toml)`)
}

func openStore() commitmentd.Store {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fatal("%v", err)
	}
	s, err := commitmentd.Open(config.DataDir(), cfg, commitmentd.Deps{})
	if err != nil {
		fatal("open store: %v", err)
	}
	return s
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "commitctl: "+format+"\n", args...)
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encode output: %v", err)
	}
}

func cmdInit() {
	s := openStore()
	defer s.Close()
	fmt.Printf("identity public key: %s\n", s.PublicKey())
}

func cmdStatus() {
	s := openStore()
	defer s.Close()
	ctx := context.Background()

	count, err := s.Count(ctx)
	if err != nil {
		fatal("count: %v", err)
	}
	unanchored, err := s.GetUnanchoredCount(ctx)
	if err != nil {
		fatal("unanchored count: %v", err)
	}
	latest, err := s.GetLatestAnchor(ctx)
	if err != nil {
		fatal("latest anchor: %v", err)
	}

	fmt.Println("=== commitd status ===")
	fmt.Printf("public key:        %s\n", s.PublicKey())
	fmt.Printf("commitments:       %d\n", count)
	fmt.Printf("unanchored:        %d\n", unanchored)
	if latest == nil {
		fmt.Println("latest anchor:     none")
		return
	}
	fmt.Printf("latest anchor:     %s (index %d, %d commitments)\n", latest.Txid, latest.AnchorIndex, latest.CommitmentCount)
	if latest.BlockHeight != nil {
		fmt.Printf("confirmed at:      block %d\n", *latest.BlockHeight)
	} else {
		fmt.Println("confirmed at:      not yet confirmed")
	}
}

func cmdCommit(args []string) {
	fs := flag.NewFlagSet("commit", flag.ExitOnError)
	commitType := fs.String("type", "", "commitment type: agreement, attestation, state, or custom")
	subject := fs.String("subject", "", "payload subject")
	content := fs.String("content", "", "payload content")
	counterparty := fs.String("counterparty", "", "payload counterparty (optional)")
	metadataJSON := fs.String("metadata", "", "payload metadata, as a JSON object (optional)")
	fs.Parse(args)

	payload := canon.Payload{Subject: *subject, Content: *content, Counterparty: *counterparty}
	if *metadataJSON != "" {
		var metadata map[string]any
		if err := json.Unmarshal([]byte(*metadataJSON), &metadata); err != nil {
			fatal("decode -metadata: %v", err)
		}
		payload.Metadata = metadata
	}

	s := openStore()
	defer s.Close()

	c, err := s.Commit(context.Background(), commitmentd.CommitRequest{Type: *commitType, Payload: payload})
	if err != nil {
		fatal("commit: %v", err)
	}
	printJSON(c)
}

func cmdGet(args []string) {
	if len(args) < 1 {
		fatal("usage: commitctl get <id>")
	}
	s := openStore()
	defer s.Close()

	c, err := s.Get(context.Background(), args[0])
	if err != nil {
		fatal("get: %v", err)
	}
	if c == nil {
		fatal("no commitment with id %q", args[0])
	}
	printJSON(c)
}

func cmdQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	commitType := fs.String("type", "", "filter by type")
	subject := fs.String("subject", "", "filter by subject")
	counterparty := fs.String("counterparty", "", "filter by counterparty")
	since := fs.Int64("since", 0, "filter by timestamp >= since (unix millis)")
	until := fs.Int64("until", 0, "filter by timestamp <= until (unix millis)")
	limit := fs.Int("limit", 20, "maximum results")
	offset := fs.Int("offset", 0, "result offset")
	fs.Parse(args)

	s := openStore()
	defer s.Close()

	results, err := s.Query(context.Background(), store.Filters{
		Type:         *commitType,
		Subject:      *subject,
		Counterparty: *counterparty,
		Since:        *since,
		Until:        *until,
		Limit:        *limit,
		Offset:       *offset,
	})
	if err != nil {
		fatal("query: %v", err)
	}
	printJSON(results)
}

func cmdCount() {
	s := openStore()
	defer s.Close()
	n, err := s.Count(context.Background())
	if err != nil {
		fatal("count: %v", err)
	}
	fmt.Println(n)
}

func cmdProve(args []string) {
	if len(args) < 1 {
		fatal("usage: commitctl prove <id>")
	}
	s := openStore()
	defer s.Close()

	proof, err := s.Prove(context.Background(), args[0])
	if err != nil {
		fatal("prove: %v", err)
	}
	if proof == nil {
		fatal("no proof available for %q (absent or not yet anchored)", args[0])
	}
	printJSON(proof)
}

func cmdVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	pubkey := fs.String("pubkey", "", "public key to check the commitment's signature against (optional)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatal("usage: commitctl verify <prooffile.json> [-pubkey HEX]")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fatal("read proof file: %v", err)
	}
	var proof commitmentd.Proof
	if err := json.Unmarshal(data, &proof); err != nil {
		fatal("decode proof file: %v", err)
	}

	s := openStore()
	defer s.Close()

	ok, err := s.Verify(&proof, *pubkey)
	if err != nil {
		fatal("verify: %v", err)
	}
	if !ok {
		fmt.Println("INVALID")
		os.Exit(1)
	}
	fmt.Println("VALID")
}

func cmdPubkey() {
	s := openStore()
	defer s.Close()
	fmt.Println(s.PublicKey())
}

func cmdPayload() {
	s := openStore()
	defer s.Close()
	payload, err := s.BuildAnchorPayload(context.Background())
	if err != nil {
		fatal("build payload: %v", err)
	}
	fmt.Println(hex.EncodeToString(payload))
}

// manualBroadcaster fulfills anchor.Broadcaster by handing back a txid
// the operator already obtained from an external wallet; it never
// talks to a network, since broadcasting is explicitly out of scope
// for this core.
type manualBroadcaster struct{ txid string }

func (m manualBroadcaster) Broadcast(ctx context.Context, payload []byte, feeRate float64, dryRun bool) (string, error) {
	return m.txid, nil
}

var _ anchor.Broadcaster = manualBroadcaster{}

func cmdAnchor(args []string) {
	fs := flag.NewFlagSet("anchor", flag.ExitOnError)
	txid := fs.String("txid", "", "transaction id already broadcast by an external wallet")
	feeRate := fs.Float64("fee-rate", 1.0, "fee rate passed through to the broadcaster")
	dryRun := fs.Bool("dry-run", false, "preview the anchor without persisting it")
	fs.Parse(args)
	if *txid == "" {
		fatal("anchor: -txid is required (obtain it by broadcasting the output of `commitctl payload` through an external wallet)")
	}

	s := openStore()
	defer s.Close()

	a, err := s.Anchor(context.Background(), commitmentd.AnchorOptions{
		Broadcaster: manualBroadcaster{txid: *txid},
		FeeRate:     *feeRate,
		DryRun:      *dryRun,
	})
	if err != nil {
		fatal("anchor: %v", err)
	}
	printJSON(a)
}

func cmdRecordAnchor(args []string) {
	fs := flag.NewFlagSet("record-anchor", flag.ExitOnError)
	txid := fs.String("txid", "", "transaction id to record")
	timestamp := fs.String("timestamp", "", "RFC3339 timestamp (defaults to now)")
	fs.Parse(args)
	if *txid == "" {
		fatal("record-anchor: -txid is required")
	}

	var ts *time.Time
	if *timestamp != "" {
		t, err := time.Parse(time.RFC3339, *timestamp)
		if err != nil {
			fatal("parse -timestamp: %v", err)
		}
		ts = &t
	}

	s := openStore()
	defer s.Close()

	a, err := s.RecordAnchor(context.Background(), *txid, ts)
	if err != nil {
		fatal("record-anchor: %v", err)
	}
	printJSON(a)
}

func cmdRefreshAnchor(args []string) {
	fs := flag.NewFlagSet("refresh-anchor", flag.ExitOnError)
	txid := fs.String("txid", "", "transaction id to refresh")
	confirmed := fs.Bool("confirmed", false, "whether the explorer reports this txid as confirmed")
	height := fs.Uint("height", 0, "block height, if confirmed")
	fs.Parse(args)
	if *txid == "" {
		fatal("refresh-anchor: -txid is required")
	}

	var heightPtr *uint32
	if *confirmed {
		h := uint32(*height)
		heightPtr = &h
	}

	s := openStore()
	defer s.Close()

	a, err := s.RefreshAnchor(context.Background(), *txid, *confirmed, heightPtr)
	if err != nil {
		fatal("refresh-anchor: %v", err)
	}
	if a == nil {
		fatal("no anchor with txid %q", *txid)
	}
	printJSON(a)
}

func cmdLatestAnchor() {
	s := openStore()
	defer s.Close()
	a, err := s.GetLatestAnchor(context.Background())
	if err != nil {
		fatal("latest-anchor: %v", err)
	}
	if a == nil {
		fmt.Println("null")
		return
	}
	printJSON(a)
}

func cmdListAnchors() {
	s := openStore()
	defer s.Close()
	anchors, err := s.ListAnchors(context.Background())
	if err != nil {
		fatal("list-anchors: %v", err)
	}
	printJSON(anchors)
}

func cmdUnanchoredCount() {
	s := openStore()
	defer s.Close()
	n, err := s.GetUnanchoredCount(context.Background())
	if err != nil {
		fatal("unanchored-count: %v", err)
	}
	fmt.Println(n)
}
