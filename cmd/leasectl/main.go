package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vegaswarrior/leasesign/internal/render"
	"github.com/vegaswarrior/leasesign/pkg/dochash"
)

const usage = "usage: leasectl lease render --terms <path> [--out <path>] [--html] | leasectl artifact verify --file <path> --hash <sha256-hex>"

func main() {
	if len(os.Args) < 3 {
		failSummary("", "", usage)
		os.Exit(2)
	}
	switch os.Args[1] + " " + os.Args[2] {
	case "lease render":
		runRender(os.Args[3:])
	case "artifact verify":
		runVerify(os.Args[3:])
	default:
		failSummary("", "", usage)
		os.Exit(2)
	}
}

func runRender(args []string) {
	fs := flag.NewFlagSet("lease render", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	termsPath := fs.String("terms", "", "path to lease terms json")
	outPath := fs.String("out", "", "write the rendered document here instead of stdout")
	asHTML := fs.Bool("html", false, "emit the html rendering instead of plain text")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*termsPath) == "" {
		failSummary("", "", "--terms is required")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*termsPath)
	if err != nil {
		failSummary("", "", "read terms failed: "+err.Error())
		os.Exit(1)
	}
	var terms render.LeaseTerms
	if err := json.Unmarshal(raw, &terms); err != nil {
		failSummary("", "", "parse terms failed: "+err.Error())
		os.Exit(1)
	}

	doc, err := render.Render(terms)
	if err != nil {
		failSummary(terms.LeaseID, "", err.Error())
		os.Exit(1)
	}
	body := doc.Text
	if *asHTML {
		body = render.ToHTML(doc.Text)
	}

	if strings.TrimSpace(*outPath) != "" {
		if err := os.WriteFile(*outPath, []byte(body), 0o644); err != nil {
			failSummary(terms.LeaseID, doc.Hash(), "write document failed: "+err.Error())
			os.Exit(1)
		}
	} else {
		fmt.Println(body)
	}
	passSummary(terms.LeaseID, doc.Hash())
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("artifact verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	filePath := fs.String("file", "", "path to the signed artifact html")
	wantHash := fs.String("hash", "", "expected sha-256 hash, hex")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*filePath) == "" || strings.TrimSpace(*wantHash) == "" {
		failSummary("", "", "both --file and --hash are required")
		os.Exit(2)
	}

	body, err := os.ReadFile(*filePath)
	if err != nil {
		failSummary("", "", "read artifact failed: "+err.Error())
		os.Exit(1)
	}
	got := dochash.SHA256Hex(body)
	if !dochash.Verify(body, strings.TrimSpace(*wantHash)) {
		failSummary("", got, "artifact hash mismatch")
		os.Exit(1)
	}
	passSummary("", got)
}

func passSummary(leaseID, hash string) {
	fmt.Printf("{\"status\":\"PASS\",\"lease_id\":%s,\"document_sha256\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(leaseID), jsonQuote(hash), time.Now().UTC().Format(time.RFC3339))
}

func failSummary(leaseID, hash, reason string) {
	fmt.Printf("{\"status\":\"FAIL\",\"lease_id\":%s,\"document_sha256\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(leaseID), jsonQuote(hash), jsonQuote(reason), time.Now().UTC().Format(time.RFC3339))
}

func jsonQuote(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}
