package thinpool

import "github.com/behrlich/thinpool/internal/interfaces"

// DataBackend is the pool's data device: the same Backend contract the
// queue runner speaks to, so any existing backend (memory, file-backed,
// …) can serve as a thin pool's data device unmodified.
type DataBackend = interfaces.Backend
