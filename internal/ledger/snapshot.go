package ledger

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"
)

// AccountRecord is one account as carried in a snapshot.
type AccountRecord struct {
	ID       int64
	ClientID int64
	Balance  decimal.Decimal
	Kind     string
}

// Snapshot is the full account set of a partition, ordered by account id.
type Snapshot struct {
	Accounts []AccountRecord
}

// wireAccount mirrors the JSON value stored under each account id. Pointer
// fields let the decoder tell a missing field from a zero value.
type wireAccount struct {
	ClientID *int64       `json:"id_cliente"`
	Balance  *json.Number `json:"saldo"`
	Kind     *string      `json:"tipo"`
}

type wireSnapshot struct {
	Accounts json.RawMessage `json:"cuentas"`
}

// MarshalJSON encodes the snapshot as {"cuentas":{"<id>":{...}}} with ids in
// ascending order and balances with two decimals.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	recs := append([]AccountRecord(nil), s.Accounts...)
	slices.SortFunc(recs, func(a, b AccountRecord) int { return cmp.Compare(a.ID, b.ID) })

	var buf bytes.Buffer
	buf.WriteString(`{"cuentas":{`)
	for i, r := range recs {
		if i > 0 {
			buf.WriteByte(',')
		}
		clientID := r.ClientID
		balance := json.Number(FormatAmount(r.Balance))
		kind := r.Kind
		value, err := json.Marshal(wireAccount{ClientID: &clientID, Balance: &balance, Kind: &kind})
		if err != nil {
			return nil, err
		}
		buf.WriteString(strconv.Quote(strconv.FormatInt(r.ID, 10)))
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes and validates a snapshot. Account ids must be in
// canonical decimal form and appear once. On error s is unchanged.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var ws wireSnapshot
	if err := dec.Decode(&ws); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data", ErrMalformedSnapshot)
	}
	if len(ws.Accounts) == 0 || string(ws.Accounts) == "null" {
		return fmt.Errorf("%w: missing cuentas", ErrMalformedSnapshot)
	}

	recs, err := decodeAccounts(ws.Accounts)
	if err != nil {
		return err
	}
	slices.SortFunc(recs, func(a, b AccountRecord) int { return cmp.Compare(a.ID, b.ID) })

	s.Accounts = recs
	return nil
}

// decodeAccounts walks the "cuentas" object key by key so repeated ids are
// seen rather than collapsed by a map.
func decodeAccounts(raw json.RawMessage) ([]AccountRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	dec.UseNumber()

	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, fmt.Errorf("%w: cuentas is not an object", ErrMalformedSnapshot)
	}
	seen := make(map[int64]bool)
	var recs []AccountRecord
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
		}
		key, _ := tok.(string)
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || strconv.FormatInt(id, 10) != key {
			return nil, fmt.Errorf("%w: account id %q", ErrMalformedSnapshot, key)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: account %d listed twice", ErrMalformedSnapshot, id)
		}
		seen[id] = true

		var wa *wireAccount
		if err := dec.Decode(&wa); err != nil {
			return nil, fmt.Errorf("%w: account %d: %v", ErrMalformedSnapshot, id, err)
		}
		if wa == nil || wa.ClientID == nil || wa.Balance == nil || wa.Kind == nil {
			return nil, fmt.Errorf("%w: account %d has missing fields", ErrMalformedSnapshot, id)
		}
		balance, err := decimal.NewFromString(wa.Balance.String())
		if err != nil || balance.IsNegative() {
			return nil, fmt.Errorf("%w: account %d balance %q", ErrMalformedSnapshot, id, wa.Balance.String())
		}
		if !validText(*wa.Kind) {
			return nil, fmt.Errorf("%w: account %d kind %q", ErrMalformedSnapshot, id, *wa.Kind)
		}
		recs = append(recs, AccountRecord{
			ID:       id,
			ClientID: *wa.ClientID,
			Balance:  balance.Round(2),
			Kind:     *wa.Kind,
		})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return recs, nil
}

// DecodeSnapshot parses a snapshot payload received on the wire.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		if _, ok := err.(*json.SyntaxError); ok {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
		}
		return Snapshot{}, err
	}
	return s, nil
}

func snapshotOf(accounts map[int64]*Account) Snapshot {
	recs := make([]AccountRecord, 0, len(accounts))
	for _, a := range sortedAccounts(accounts) {
		recs = append(recs, AccountRecord{ID: a.ID, ClientID: a.ClientID, Balance: a.Balance, Kind: a.Kind})
	}
	return Snapshot{Accounts: recs}
}

func (s Snapshot) accountMap() map[int64]*Account {
	m := make(map[int64]*Account, len(s.Accounts))
	for _, r := range s.Accounts {
		m[r.ID] = &Account{ID: r.ID, ClientID: r.ClientID, Balance: r.Balance, Kind: r.Kind}
	}
	return m
}
