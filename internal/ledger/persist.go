package ledger

import (
	"bufio"
	"bytes"
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"
)

// Record type tags of the partition file.
const (
	recClient      = "CLIENTE"
	recAccount     = "CUENTA"
	recTransaction = "TRANSACCION"
)

// timestampLayouts are accepted when loading; the first one is used when writing.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// partitionData is the decoded content of a partition file.
type partitionData struct {
	clients      map[int64]Client
	accounts     map[int64]*Account
	transactions []Transaction
}

func newPartitionData() partitionData {
	return partitionData{
		clients:  make(map[int64]Client),
		accounts: make(map[int64]*Account),
	}
}

// loadPartitionFile reads path, creating an empty file when it does not exist.
func loadPartitionFile(path string, partitionID int) (partitionData, error) {
	data := newPartitionData()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return data, fmt.Errorf("create partition dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return data, fmt.Errorf("open partition file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := data.apply(line, partitionID); err != nil {
			return data, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return data, fmt.Errorf("read partition file: %w", err)
	}

	slices.SortFunc(data.transactions, func(a, b Transaction) int { return cmp.Compare(a.ID, b.ID) })
	return data, nil
}

// apply decodes one record line into d.
func (d *partitionData) apply(line string, partitionID int) error {
	parts := strings.Split(line, "|")
	switch parts[0] {
	case recClient:
		if len(parts) != 5 {
			return fmt.Errorf("%w: %q", ErrMalformedRecord, line)
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: client id %q", ErrMalformedRecord, parts[1])
		}
		d.clients[id] = Client{ID: id, Name: parts[2], Email: parts[3], Phone: parts[4]}

	case recAccount:
		if len(parts) != 5 {
			return fmt.Errorf("%w: %q", ErrMalformedRecord, line)
		}
		id, err1 := strconv.ParseInt(parts[1], 10, 64)
		clientID, err2 := strconv.ParseInt(parts[2], 10, 64)
		balance, err3 := decimal.NewFromString(parts[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return fmt.Errorf("%w: %q", ErrMalformedRecord, line)
		}
		d.accounts[id] = &Account{ID: id, ClientID: clientID, Balance: balance.Round(2), Kind: parts[4]}

	case recTransaction:
		if len(parts) != 7 {
			return fmt.Errorf("%w: %q", ErrMalformedRecord, line)
		}
		id, err1 := strconv.Atoi(parts[1])
		src, err2 := strconv.ParseInt(parts[2], 10, 64)
		dst, err3 := strconv.ParseInt(parts[3], 10, 64)
		amount, err4 := decimal.NewFromString(parts[4])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return fmt.Errorf("%w: %q", ErrMalformedRecord, line)
		}
		ts, err := parseTimestamp(parts[5])
		if err != nil {
			return fmt.Errorf("%w: timestamp %q", ErrMalformedRecord, parts[5])
		}
		status, err := parseStatus(parts[6])
		if err != nil {
			return err
		}
		d.transactions = append(d.transactions, Transaction{
			ID:        id,
			Partition: partitionID,
			Source:    src,
			Dest:      dst,
			Amount:    amount.Round(2),
			Timestamp: ts,
			Status:    status,
		})

	default:
		return fmt.Errorf("%w: unknown record type %q", ErrMalformedRecord, parts[0])
	}
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// parseStatus also accepts the CONFIRMADA/RECHAZADA spellings found in
// files produced by older seeding tools.
func parseStatus(s string) (TxStatus, error) {
	switch s {
	case string(TxConfirmed), "CONFIRMADA":
		return TxConfirmed, nil
	case string(TxRejected), "RECHAZADA":
		return TxRejected, nil
	}
	return "", fmt.Errorf("%w: status %q", ErrMalformedRecord, s)
}

// encode renders the full partition file content with records sorted by id.
func (d *partitionData) encode() []byte {
	var buf bytes.Buffer

	clientIDs := make([]int64, 0, len(d.clients))
	for id := range d.clients {
		clientIDs = append(clientIDs, id)
	}
	slices.Sort(clientIDs)
	for _, id := range clientIDs {
		c := d.clients[id]
		fmt.Fprintf(&buf, "%s|%d|%s|%s|%s\n", recClient, c.ID, c.Name, c.Email, c.Phone)
	}

	for _, a := range sortedAccounts(d.accounts) {
		fmt.Fprintf(&buf, "%s|%d|%d|%s|%s\n", recAccount, a.ID, a.ClientID, FormatAmount(a.Balance), a.Kind)
	}

	for _, t := range d.transactions {
		fmt.Fprintf(&buf, "%s|%d|%d|%d|%s|%s|%s\n", recTransaction,
			t.ID, t.Source, t.Dest, FormatAmount(t.Amount),
			t.Timestamp.Format(timestampLayouts[0]), t.Status)
	}
	return buf.Bytes()
}

// writeFileAtomic writes content to a temporary file next to path, syncs it
// and renames it over path.
func writeFileAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(content); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func sortedAccounts(m map[int64]*Account) []*Account {
	out := make([]*Account, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b *Account) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
