// Command auditcheck verifies the hash chain of an audit log written by the
// api or ledger binaries (AUDIT_LOG_PATH).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/example/alias-ledger/pkg/audit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	path := flag.String("file", os.Getenv("AUDIT_LOG_PATH"), "audit log to verify")
	flag.Parse()
	if *path == "" {
		logger.Error("no audit log given; pass -file or set AUDIT_LOG_PATH")
		os.Exit(2)
	}

	f, err := os.Open(*path)
	if err != nil {
		logger.Error("open audit log", "path", *path, "error", err)
		os.Exit(1)
	}
	defer f.Close()

	entries, err := audit.ReadEntries(f)
	if err != nil {
		logger.Error("read audit log", "path", *path, "error", err)
		os.Exit(1)
	}

	broken := 0
	for i, seg := range audit.Segments(entries) {
		ok := audit.VerifyChain(seg)
		logger.Info("segment checked",
			"segment", i+1,
			"entries", len(seg),
			"first_timestamp", seg[0].Timestamp,
			"valid", ok)
		if !ok {
			broken++
		}
	}

	fmt.Printf("%d entries, %d broken segment(s)\n", len(entries), broken)
	if broken > 0 {
		os.Exit(1)
	}
}
