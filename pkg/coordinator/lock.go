package coordinator

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/journal"
)

// OperationType is the lock class guarding each tree-mutation contract
// method (spec.md §4.F): at most one of a given type may be live per
// account at a time.
type OperationType int

const (
	OpAddDevice OperationType = iota
	OpRemoveDevice
	OpRotateDevice
	OpStartRecovery
)

func (o OperationType) String() string {
	switch o {
	case OpAddDevice:
		return "add_device"
	case OpRemoveDevice:
		return "remove_device"
	case OpRotateDevice:
		return "rotate_device"
	case OpStartRecovery:
		return "start_recovery"
	default:
		return "unknown_operation"
	}
}

// LockPhase tags the three-fact life of one lock acquisition (spec.md
// §4.F "the lock itself is a fact class").
type LockPhase int

const (
	LockRequested LockPhase = iota
	LockGranted
	LockReleased
)

type lockKey struct {
	account ids.AccountId
	op      OperationType
}

// OperationLockFact is the payload folded by lockReducer. LotteryTicket
// and RequestEpoch together form the tie-break tuple from spec.md §5:
// "(lottery_ticket, request_epoch, device_id)".
type OperationLockFact struct {
	Operation     OperationType
	Account       ids.AccountId
	Device        ids.DeviceId
	LotteryTicket [32]byte
	RequestEpoch  uint64
	Phase         LockPhase
}

type wireOperationLockFact struct {
	Operation     int    `json:"operation"`
	Account       string `json:"account"`
	Device        string `json:"device"`
	LotteryTicket string `json:"lottery_ticket"`
	RequestEpoch  uint64 `json:"request_epoch"`
	Phase         int    `json:"phase"`
}

func encodeLockFact(f OperationLockFact) []byte {
	w := wireOperationLockFact{
		Operation:     int(f.Operation),
		Account:       f.Account.String(),
		Device:        f.Device.String(),
		LotteryTicket: hex.EncodeToString(f.LotteryTicket[:]),
		RequestEpoch:  f.RequestEpoch,
		Phase:         int(f.Phase),
	}
	b, _ := json.Marshal(w)
	return b
}

func decodeLockFact(b []byte) (OperationLockFact, error) {
	var w wireOperationLockFact
	if err := json.Unmarshal(b, &w); err != nil {
		return OperationLockFact{}, fmt.Errorf("coordinator: decode lock fact: %w", err)
	}
	accountBytes, err := hex.DecodeString(w.Account)
	if err != nil {
		return OperationLockFact{}, err
	}
	account, err := ids.AccountIdFromBytes(accountBytes)
	if err != nil {
		return OperationLockFact{}, err
	}
	deviceBytes, err := hex.DecodeString(w.Device)
	if err != nil {
		return OperationLockFact{}, err
	}
	device, err := ids.DeviceIdFromBytes(deviceBytes)
	if err != nil {
		return OperationLockFact{}, err
	}
	ticketBytes, err := hex.DecodeString(w.LotteryTicket)
	if err != nil {
		return OperationLockFact{}, err
	}
	var ticket [32]byte
	copy(ticket[:], ticketBytes)
	return OperationLockFact{
		Operation:     OperationType(w.Operation),
		Account:       account,
		Device:        device,
		LotteryTicket: ticket,
		RequestEpoch:  w.RequestEpoch,
		Phase:         LockPhase(w.Phase),
	}, nil
}

// LockState is lockReducer's accumulator: per (account, operation), the
// requests still awaiting a grant or release, and the current holder if
// any. Two coordinators folding the same journal arrive at the same
// LockState and therefore the same lottery winner, independent of fact
// arrival order (spec.md §4.B's convergence invariant, applied here to
// the lock fact class).
type LockState struct {
	Pending map[lockKey][]OperationLockFact
	Holder  map[lockKey]OperationLockFact
}

type lockReducer struct{}

// NewLockReducer folds the TypeOperationLock fact class into LockState.
func NewLockReducer() journal.FactReducer { return lockReducer{} }

func (lockReducer) TypeID() journal.TypeID { return journal.TypeOperationLock }

func (lockReducer) Zero() any {
	return LockState{
		Pending: make(map[lockKey][]OperationLockFact),
		Holder:  make(map[lockKey]OperationLockFact),
	}
}

func (lockReducer) Fold(acc any, f journal.Fact) any {
	st := acc.(LockState)
	lf, err := decodeLockFact(f.Payload)
	if err != nil {
		return st
	}
	key := lockKey{account: lf.Account, op: lf.Operation}
	switch lf.Phase {
	case LockRequested:
		st.Pending[key] = append(st.Pending[key], lf)
	case LockGranted:
		st.Holder[key] = lf
		st.Pending[key] = removeDevice(st.Pending[key], lf.Device)
	case LockReleased:
		if h, ok := st.Holder[key]; ok && h.Device == lf.Device {
			delete(st.Holder, key)
		}
		st.Pending[key] = removeDevice(st.Pending[key], lf.Device)
	}
	return st
}

func removeDevice(candidates []OperationLockFact, device ids.DeviceId) []OperationLockFact {
	out := candidates[:0:0]
	for _, c := range candidates {
		if c.Device != device {
			out = append(out, c)
		}
	}
	return out
}

// arbitrateLock picks the lottery winner among candidates requesting the
// same lock: ascending by (lottery_ticket, request_epoch, device_id), the
// same sort-and-take-first shape as tree.Arbitrate uses for conflicting
// intents (spec.md §5).
func arbitrateLock(candidates []OperationLockFact) OperationLockFact {
	sorted := make([]OperationLockFact, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, k int) bool {
		if c := bytes.Compare(sorted[i].LotteryTicket[:], sorted[k].LotteryTicket[:]); c != 0 {
			return c < 0
		}
		if sorted[i].RequestEpoch != sorted[k].RequestEpoch {
			return sorted[i].RequestEpoch < sorted[k].RequestEpoch
		}
		return sorted[i].Device.String() < sorted[k].Device.String()
	})
	return sorted[0]
}
