package main

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"campusmerit.org/internal/merkle"
)

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b0"
)

func TestReadAllocationsCSVAndJSONAgree(t *testing.T) {
	csvIn := "account,amount\n" + alice + ",100\n" + bob + ", 250\n"
	jsonIn := `[{"account":"` + alice + `","amount":"100"},{"account":"` + bob + `","amount":"250"}]`

	fromCSV, err := readAllocations(strings.NewReader(csvIn), "csv")
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	fromJSON, err := readAllocations(strings.NewReader(jsonIn), "json")
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(fromCSV) != 2 || len(fromJSON) != 2 {
		t.Fatalf("unexpected lengths %d %d", len(fromCSV), len(fromJSON))
	}

	a, err := buildBundle(fromCSV)
	if err != nil {
		t.Fatalf("bundle csv: %v", err)
	}
	b, err := buildBundle(fromJSON)
	if err != nil {
		t.Fatalf("bundle json: %v", err)
	}
	if a.Root != b.Root || a.Total != "350" || a.Count != 2 {
		t.Fatalf("bundles differ: %+v vs %+v", a, b)
	}
	for _, c := range a.Claims {
		amount, _ := parseAllocation(c.Account.Hex(), c.Amount)
		if !merkle.VerifyClaim(a.Root, c.Account, amount.Amount, c.Proof) {
			t.Fatalf("claim for %s does not verify", c.Account.Hex())
		}
	}
	if a.Claims[0].Account != common.HexToAddress(alice) {
		t.Fatalf("input order not kept")
	}
}

func TestReadAllocationsRejectsBadRows(t *testing.T) {
	cases := []struct {
		name   string
		format string
		in     string
	}{
		{"bad address", "csv", "nope,1\n"},
		{"bad amount", "csv", alice + ",-3\n"},
		{"extra column", "csv", alice + ",1,2\n"},
		{"bad json", "json", `{"account":1}`},
		{"unknown format", "xml", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := readAllocations(strings.NewReader(tc.in), tc.format); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestBuildBundleRejectsDuplicates(t *testing.T) {
	allocs, err := readAllocations(strings.NewReader(alice+",1\n"+alice+",2\n"), "csv")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := buildBundle(allocs); err != merkle.ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}
