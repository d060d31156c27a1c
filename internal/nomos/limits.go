package nomos

// Size constants from §6. These bound buffer allocation during decode so a
// corrupt length field can never trigger an unbounded allocation.
const (
	maxBufSize              = 300000
	maxItemSize             = 300000
	maxTopLevelNameLength   = 16
	maxFileSize       int64 = 64 << 20 // 64 MiB
	minSyncTouchTimePercent = 0.10
	minSyncPutUpdateTime    = 300 // seconds
	shardsPerSubLevel       = 10
)
