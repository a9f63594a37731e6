package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"campusmerit.org/internal/merkle"
)

type allocationJSON struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// readAllocations accepts either a JSON array of {account, amount} objects or
// CSV rows of account,amount. A CSV header row is skipped.
func readAllocations(r io.Reader, format string) ([]merkle.Allocation, error) {
	switch format {
	case "json":
		var rows []allocationJSON
		if err := json.NewDecoder(r).Decode(&rows); err != nil {
			return nil, errors.Wrap(err, "decode json allocations")
		}
		out := make([]merkle.Allocation, 0, len(rows))
		for i, row := range rows {
			a, err := parseAllocation(row.Account, row.Amount)
			if err != nil {
				return nil, errors.Wrapf(err, "entry %d", i)
			}
			out = append(out, a)
		}
		return out, nil
	case "csv":
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = 2
		cr.TrimLeadingSpace = true
		records, err := cr.ReadAll()
		if err != nil {
			return nil, errors.Wrap(err, "read csv allocations")
		}
		out := make([]merkle.Allocation, 0, len(records))
		for i, rec := range records {
			if i == 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "account") {
				continue
			}
			a, err := parseAllocation(rec[0], rec[1])
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", i+1)
			}
			out = append(out, a)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func parseAllocation(account, amount string) (merkle.Allocation, error) {
	account = strings.TrimSpace(account)
	if !common.IsHexAddress(account) {
		return merkle.Allocation{}, fmt.Errorf("%q is not a hex address", account)
	}
	value, err := uint256.FromDecimal(strings.TrimSpace(amount))
	if err != nil {
		return merkle.Allocation{}, errors.Wrapf(err, "amount %q", amount)
	}
	return merkle.Allocation{Account: common.HexToAddress(account), Amount: value}, nil
}

// bundle is what gets handed to the distribution admin (root and total) and to
// claimants (their proof).
type bundle struct {
	Root   common.Hash    `json:"root"`
	Total  string         `json:"total"`
	Count  int            `json:"count"`
	Claims []merkle.Claim `json:"claims"`
}

func buildBundle(allocs []merkle.Allocation) (bundle, error) {
	tree, err := merkle.Build(allocs)
	if err != nil {
		return bundle{}, err
	}
	total, ok := tree.Total()
	if !ok {
		return bundle{}, errors.New("allocation total overflows 256 bits")
	}
	return bundle{
		Root:   tree.Root(),
		Total:  total.Dec(),
		Count:  tree.Len(),
		Claims: tree.Claims(),
	}, nil
}
