package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ILLUVRSE/traceledger/internal/canonical"
	"github.com/ILLUVRSE/traceledger/internal/digest"
	"github.com/ILLUVRSE/traceledger/internal/models"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: canonicalize_tool <event.json>\n")
		os.Exit(1)
	}

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
		os.Exit(1)
	}

	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
		os.Exit(1)
	}

	payload, err := canonical.EncodeEvent(ev.Fields())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error canonicalizing: %v\n", err)
		os.Exit(1)
	}
	sum := digest.Sum(payload)

	os.Stdout.Write(payload)
	fmt.Printf("\nsha256: %s\n", sum)

	// exit status 2 flags a stored hash that does not match
	if ev.DataHash != "" && ev.DataHash != sum {
		fmt.Fprintf(os.Stderr, "dataHash mismatch: stored %s\n", ev.DataHash)
		os.Exit(2)
	}
}
