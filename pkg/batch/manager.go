// Package batch allocates and frees the batch ids that group related
// management requests into one multi-step operation.
package batch

import (
	"context"
	"math"
	"sync"

	"github.com/strand-protocol/strand/mgmtapi/pkg/protocol"
)

// Manager issues and frees batch ids. Implementations must be safe for
// concurrent use.
type Manager interface {
	// CreateBatchID returns an id unique among the ids this manager has
	// outstanding.
	CreateBatchID(ctx context.Context) (int32, error)
	// FreeBatchID releases an id returned by CreateBatchID.
	FreeBatchID(ctx context.Context, id int32) error
}

// codedError is a sentinel that also selects its wire error code.
type codedError struct {
	msg  string
	code uint16
}

func (e *codedError) Error() string     { return e.msg }
func (e *codedError) ErrorCode() uint16 { return e.code }

// FromRemote returns the local sentinel for a batch id failure reported by a
// peer, or nil when the code is not a batch id code.
func FromRemote(re *protocol.RemoteError) error {
	switch re.Code {
	case protocol.ErrCodeNoBatchIDManager:
		return ErrNoManager
	case protocol.ErrCodeUnknownBatchID:
		return ErrUnknownBatchID
	}
	return nil
}

var (
	// ErrNoManager is returned for batch id operations on a channel that has
	// no Manager installed. It is never papered over with a default id.
	ErrNoManager error = &codedError{msg: "mgmt batch: no batch id manager installed", code: protocol.ErrCodeNoBatchIDManager}
	// ErrUnknownBatchID is returned when freeing an id that is not outstanding.
	ErrUnknownBatchID error = &codedError{msg: "mgmt batch: unknown batch id", code: protocol.ErrCodeUnknownBatchID}
	// ErrExhausted is returned when every positive id is outstanding.
	ErrExhausted error = &codedError{msg: "mgmt batch: no free batch ids", code: protocol.ErrCodeInternal}
)

// MemoryManager hands out ids from an in-process counter.
type MemoryManager struct {
	mu          sync.Mutex
	next        int32
	outstanding map[int32]struct{}
}

// NewMemoryManager returns a manager whose first id is 1.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{next: 1, outstanding: make(map[int32]struct{})}
}

// CreateBatchID allocates the next id that is not outstanding, wrapping
// around inside the positive int32 range.
func (m *MemoryManager) CreateBatchID(ctx context.Context) (int32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outstanding) >= math.MaxInt32 {
		return 0, ErrExhausted
	}
	for {
		id := m.next
		if m.next == math.MaxInt32 {
			m.next = 1
		} else {
			m.next++
		}
		if _, used := m.outstanding[id]; !used {
			m.outstanding[id] = struct{}{}
			return id, nil
		}
	}
}

func (m *MemoryManager) FreeBatchID(_ context.Context, id int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.outstanding[id]; !ok {
		return ErrUnknownBatchID
	}
	delete(m.outstanding, id)
	return nil
}

// Outstanding returns the number of ids currently allocated.
func (m *MemoryManager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outstanding)
}
