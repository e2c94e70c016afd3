package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	logs "github.com/danmuck/smplog"
	"github.com/shopspring/decimal"
)

// OperationStats counts operations served by a partition.
type OperationStats struct {
	Queries   uint64 `json:"queries"`
	Transfers uint64 `json:"transfers"`
	Rejected  uint64 `json:"rejected"`
	Imports   uint64 `json:"imports"`
}

// PartitionInfo summarises a partition for monitoring.
type PartitionInfo struct {
	ID           int            `json:"id"`
	Path         string         `json:"path"`
	Accounts     int            `json:"accounts"`
	Transactions int            `json:"transactions"`
	Sum          string         `json:"sum"`
	Frozen       bool           `json:"frozen"`
	Ops          OperationStats `json:"operations"`
}

// Store holds one partition's clients, accounts and transaction history and
// mirrors them to a flat file.
//
// Thread Safety:
// All methods are safe for concurrent use. Mutations are serialized by an
// exclusive lock and blocked entirely while the partition is frozen.
type Store struct {
	id   int
	path string

	// gate is held shared by every mutation and exclusively by Freeze.
	gate sync.RWMutex
	// mu protects data.
	mu   sync.RWMutex
	data partitionData

	freezeMu  sync.Mutex
	frozen    atomic.Bool
	freezeGen uint64
	lease     *time.Timer

	queries   atomic.Uint64
	transfers atomic.Uint64
	rejected  atomic.Uint64
	imports   atomic.Uint64

	now func() time.Time
}

// Open loads the partition file at path, creating an empty one if absent.
func Open(partitionID int, path string) (*Store, error) {
	data, err := loadPartitionFile(path, partitionID)
	if err != nil {
		return nil, err
	}
	logs.Debugf("ledger: partition %d loaded from %s (%d accounts, %d transactions)",
		partitionID, path, len(data.accounts), len(data.transactions))
	return &Store{
		id:   partitionID,
		path: path,
		data: data,
		now:  time.Now,
	}, nil
}

// ID returns the partition id.
func (s *Store) ID() int { return s.id }

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Transfer moves amount from src to dst. Every attempt is appended to the
// history: CONFIRMED when applied, REJECTED when an account is unknown or the
// source balance is below amount. The file is rewritten before the lock is
// released. The returned transaction is the one recorded.
//
// Returns:
//   - ErrInvalidAmount (nothing recorded) for a non-positive amount
//   - ErrAccountNotFound or ErrInsufficientFunds for a rejected attempt
//   - a wrapped I/O error if the file could not be written; memory is then
//     rolled back to the pre-call state
func (s *Store) Transfer(src, dst int64, amount decimal.Decimal) (Transaction, error) {
	tx, _, err := s.transfer(src, dst, amount, false)
	return tx, err
}

// TransferSnapshot is Transfer that also returns the account set as it was
// right after the commit, captured before the lock is released. The snapshot
// is empty when the transfer fails.
func (s *Store) TransferSnapshot(src, dst int64, amount decimal.Decimal) (Transaction, Snapshot, error) {
	return s.transfer(src, dst, amount, true)
}

func (s *Store) transfer(src, dst int64, amount decimal.Decimal, capture bool) (Transaction, Snapshot, error) {
	if !amount.IsPositive() {
		return Transaction{}, Snapshot{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}
	amount = amount.Round(2)

	s.gate.RLock()
	defer s.gate.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	from, okFrom := s.data.accounts[src]
	to, okTo := s.data.accounts[dst]

	var cause error
	switch {
	case !okFrom || !okTo:
		cause = ErrAccountNotFound
	case from.Balance.LessThan(amount):
		cause = ErrInsufficientFunds
	}

	tx := Transaction{
		ID:        len(s.data.transactions) + 1,
		Partition: s.id,
		Source:    src,
		Dest:      dst,
		Amount:    amount,
		Timestamp: s.now().UTC(),
		Status:    TxConfirmed,
	}
	if cause != nil {
		tx.Status = TxRejected
	}

	var prevFrom, prevTo decimal.Decimal
	if cause == nil {
		prevFrom, prevTo = from.Balance, to.Balance
		from.Balance = from.Balance.Sub(amount)
		to.Balance = to.Balance.Add(amount)
	}
	s.data.transactions = append(s.data.transactions, tx)

	if err := s.flushLocked(); err != nil {
		s.data.transactions = s.data.transactions[:len(s.data.transactions)-1]
		if cause == nil {
			from.Balance, to.Balance = prevFrom, prevTo
		}
		return Transaction{}, Snapshot{}, fmt.Errorf("persist partition %d: %w", s.id, err)
	}

	if cause != nil {
		s.rejected.Add(1)
		logs.Debugf("ledger: partition %d rejected %d -> %d (%s): %v", s.id, src, dst, FormatAmount(amount), cause)
		return tx, Snapshot{}, cause
	}
	s.transfers.Add(1)
	logs.Debugf("ledger: partition %d transfer %s %d -> %d (%s)", s.id, tx.GlobalID(), src, dst, FormatAmount(amount))

	var snap Snapshot
	if capture {
		snap = snapshotOf(s.data.accounts)
	}
	return tx, snap, nil
}

// Balance returns the balance of an account.
func (s *Store) Balance(accountID int64) (decimal.Decimal, error) {
	s.queries.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.data.accounts[accountID]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	return a.Balance, nil
}

// Account returns a copy of an account.
func (s *Store) Account(accountID int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.data.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *a, nil
}

// LocalSum returns the sum of all balances in this partition.
func (s *Store) LocalSum() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumLocked()
}

func (s *Store) sumLocked() decimal.Decimal {
	total := decimal.Zero
	for _, a := range s.data.accounts {
		total = total.Add(a.Balance)
	}
	return total
}

// Snapshot returns the current account set.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotOf(s.data.accounts)
}

// ExportSnapshot returns the wire encoding of the account set.
func (s *Store) ExportSnapshot() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// ImportSnapshot replaces the whole account set with the decoded payload.
// Clients and transaction history are kept; nothing is appended to the
// history. A payload that fails to decode leaves the partition unchanged.
func (s *Store) ImportSnapshot(payload []byte) error {
	snap, err := DecodeSnapshot(payload)
	if err != nil {
		return err
	}
	return s.Restore(snap)
}

// Restore replaces the account set with snap.
func (s *Store) Restore(snap Snapshot) error {
	next := snap.accountMap()

	s.gate.RLock()
	defer s.gate.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.data.accounts
	s.data.accounts = next
	if err := s.flushLocked(); err != nil {
		s.data.accounts = prev
		return fmt.Errorf("persist partition %d: %w", s.id, err)
	}
	s.imports.Add(1)
	logs.Infof("ledger: partition %d restored from snapshot (%d accounts)", s.id, len(next))
	return nil
}

// MergeMissing adds the accounts of payload that this partition does not
// know. Existing accounts are never modified. It returns the number of
// accounts added.
func (s *Store) MergeMissing(payload []byte) (int, error) {
	snap, err := DecodeSnapshot(payload)
	if err != nil {
		return 0, err
	}

	s.gate.RLock()
	defer s.gate.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []int64
	for _, r := range snap.Accounts {
		if _, ok := s.data.accounts[r.ID]; ok {
			continue
		}
		s.data.accounts[r.ID] = &Account{ID: r.ID, ClientID: r.ClientID, Balance: r.Balance, Kind: r.Kind}
		added = append(added, r.ID)
	}
	if len(added) == 0 {
		return 0, nil
	}
	if err := s.flushLocked(); err != nil {
		for _, id := range added {
			delete(s.data.accounts, id)
		}
		return 0, fmt.Errorf("persist partition %d: %w", s.id, err)
	}
	return len(added), nil
}

// Freeze closes the mutation gate until Thaw is called or lease elapses
// (lease <= 0 means no expiry). It blocks until in-flight mutations finish.
// Freezing an already frozen partition only renews the lease and returns false.
func (s *Store) Freeze(lease time.Duration) bool {
	s.freezeMu.Lock()
	defer s.freezeMu.Unlock()

	if s.frozen.Load() {
		s.armLeaseLocked(lease)
		return false
	}
	s.gate.Lock()
	s.frozen.Store(true)
	s.freezeGen++
	s.armLeaseLocked(lease)
	logs.Infof("ledger: partition %d frozen", s.id)
	return true
}

func (s *Store) armLeaseLocked(lease time.Duration) {
	if s.lease != nil {
		s.lease.Stop()
		s.lease = nil
	}
	if lease <= 0 {
		return
	}
	gen := s.freezeGen
	s.lease = time.AfterFunc(lease, func() {
		s.freezeMu.Lock()
		defer s.freezeMu.Unlock()
		if s.freezeGen != gen || !s.frozen.Load() {
			return
		}
		logs.Warnf("ledger: partition %d freeze lease expired", s.id)
		s.thawLocked()
	})
}

// Thaw reopens the mutation gate. It returns false if the partition was not frozen.
func (s *Store) Thaw() bool {
	s.freezeMu.Lock()
	defer s.freezeMu.Unlock()
	if !s.frozen.Load() {
		return false
	}
	s.thawLocked()
	logs.Infof("ledger: partition %d thawed", s.id)
	return true
}

func (s *Store) thawLocked() {
	if s.lease != nil {
		s.lease.Stop()
		s.lease = nil
	}
	s.freezeGen++
	s.frozen.Store(false)
	s.gate.Unlock()
}

// Frozen reports whether the mutation gate is closed.
func (s *Store) Frozen() bool {
	return s.frozen.Load()
}

// Transactions returns a copy of the history in id order.
func (s *Store) Transactions() []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Transaction(nil), s.data.transactions...)
}

// Clients returns the number of clients in the partition.
func (s *Store) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.clients)
}

// Stats returns the operation counters.
func (s *Store) Stats() OperationStats {
	return OperationStats{
		Queries:   s.queries.Load(),
		Transfers: s.transfers.Load(),
		Rejected:  s.rejected.Load(),
		Imports:   s.imports.Load(),
	}
}

// Info returns metadata about the partition.
func (s *Store) Info() PartitionInfo {
	s.mu.RLock()
	info := PartitionInfo{
		ID:           s.id,
		Path:         s.path,
		Accounts:     len(s.data.accounts),
		Transactions: len(s.data.transactions),
		Sum:          FormatAmount(s.sumLocked()),
	}
	s.mu.RUnlock()

	info.Frozen = s.Frozen()
	info.Ops = s.Stats()
	return info
}

// flushLocked rewrites the partition file. Caller holds mu exclusively.
func (s *Store) flushLocked() error {
	return writeFileAtomic(s.path, s.data.encode())
}

// WriteSeed writes a partition file containing the given clients and
// accounts and no history, replacing any existing file.
func WriteSeed(path string, clients []Client, accounts []Account) error {
	data := newPartitionData()
	for _, c := range clients {
		if !validText(c.Name) || !validText(c.Email) || !validText(c.Phone) {
			return fmt.Errorf("%w: client %d", ErrMalformedRecord, c.ID)
		}
		data.clients[c.ID] = c
	}
	for _, a := range accounts {
		if !validText(a.Kind) {
			return fmt.Errorf("%w: account %d", ErrMalformedRecord, a.ID)
		}
		acc := a
		data.accounts[a.ID] = &acc
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data.encode())
}
