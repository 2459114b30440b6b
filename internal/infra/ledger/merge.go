package ledger

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
)

// Fingerprint identifies a row by its source content, independent of the file
// it came from.
func Fingerprint(tx *domain.Transaction) string {
	ts := ""
	if tx.HasTimestamp() {
		ts = tx.Timestamp.UTC().Format("2006-01-02T15:04:05")
	}
	bal := ""
	if tx.BalanceAfter.Valid {
		bal = tx.BalanceAfter.Decimal.String()
	}
	parts := []string{
		string(tx.Platform), ts, tx.PayerName, tx.PayeeName,
		tx.Amount.String(), tx.DirectionFlag,
		tx.Summary, tx.Remark, tx.TypeLabel, bal, tx.Account,
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:16])
}

// Merge combines batches per platform. The merged batch keeps the first
// batch's column map; direction flags of later batches are recoded into it so
// every row reads against one map. Rows that appear in more than one source
// file are kept once; repeats inside a single file are genuine and kept. Batches are returned in domain.Platforms order and their rows sorted
// by timestamp (unknown timestamps last), stable within equal times.
func Merge(batches ...*domain.Batch) []*domain.Batch {
	byPlatform := make(map[domain.Platform]*domain.Batch)
	origin := make(map[string]string)

	for _, b := range batches {
		if b == nil {
			continue
		}
		m, ok := byPlatform[b.Platform]
		if !ok {
			m = &domain.Batch{
				Platform: b.Platform,
				Columns:  b.Columns,
				Fields:   make(map[domain.Field]bool),
			}
			byPlatform[b.Platform] = m
		}
		m.SourceFile = joinSource(m.SourceFile, b.SourceFile)
		for f, ok := range b.Fields {
			if ok {
				m.Fields[f] = true
			}
		}
		recode := flagsDiffer(b.Columns, m.Columns)
		for _, tx := range b.Transactions {
			id := tx.ID
			if recode {
				if flag := recodeFlag(tx.DirectionFlag, b.Columns, m.Columns); flag != tx.DirectionFlag {
					tx.DirectionFlag = flag
					id = ""
				}
			}
			if id == "" {
				id = Fingerprint(&tx)
				tx.ID = id
			}
			if src, seen := origin[id]; seen && src != tx.SourceFile {
				continue
			}
			origin[id] = tx.SourceFile
			m.Transactions = append(m.Transactions, tx)
		}
	}

	out := make([]*domain.Batch, 0, len(byPlatform))
	for _, p := range domain.Platforms {
		m, ok := byPlatform[p]
		if !ok {
			continue
		}
		sort.SliceStable(m.Transactions, func(i, j int) bool {
			a, b := m.Transactions[i], m.Transactions[j]
			if a.HasTimestamp() != b.HasTimestamp() {
				return a.HasTimestamp()
			}
			return a.Timestamp.Before(b.Timestamp)
		})
		out = append(out, m)
	}
	return out
}

func flagsDiffer(from, to domain.ColumnMap) bool {
	return from.IncomeFlag != to.IncomeFlag || from.ExpenseFlag != to.ExpenseFlag
}

// recodeFlag translates a direction flag written under from into the flag
// to uses for the same side. Unknown flags pass through unchanged.
func recodeFlag(flag string, from, to domain.ColumnMap) string {
	switch {
	case flag == "":
		return flag
	case flag == from.IncomeFlag && to.IncomeFlag != "":
		return to.IncomeFlag
	case flag == from.ExpenseFlag && to.ExpenseFlag != "":
		return to.ExpenseFlag
	}
	return flag
}

func joinSource(have, add string) string {
	if add == "" {
		return have
	}
	if have == "" {
		return add
	}
	for _, s := range strings.Split(have, ";") {
		if s == add {
			return have
		}
	}
	return have + ";" + add
}
