package consolidator

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// idGenerator mints 128-bit, time-sortable event ids: the high 8 bytes are
// the consolidation timestamp's UnixNano, the low 8 bytes are a per-writer
// monotonic sequence. Formatting through uuid.UUID keeps the wire shape a
// standard UUID string while guaranteeing the strict event_id-vs-
// consolidated_at correspondence spec.md §8 property 2 requires — plain
// UUIDv7 carries random low bits that cannot make that guarantee when two
// events land in the same nanosecond-resolution instant.
type idGenerator struct {
	seq uint64
}

func (g *idGenerator) next(consolidatedAt time.Time) string {
	var u uuid.UUID
	binary.BigEndian.PutUint64(u[0:8], uint64(consolidatedAt.UnixNano()))
	binary.BigEndian.PutUint64(u[8:16], atomic.AddUint64(&g.seq, 1))
	return u.String()
}
