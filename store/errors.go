package store

import "errors"

// ErrPubSubUnsupported is returned by Subscribe or Publish on backends with
// no pub/sub, so DistributedSync can fall back to the §4.9 key-polling
// scheme. Memory and Redis both support pub/sub and never return it.
var ErrPubSubUnsupported = errors.New("store: backend does not support pub/sub")
