// Package timeout supplies concrete per-operation deadlines for the
// protocol engine and connection manager.
//
// Policy.For always returns a usable duration. The adaptive strategy
// learns from observed operation times but falls back to the fixed table
// until it has enough history, so no code path can ever proceed without
// a deadline.
package timeout

import (
	"fmt"
	"sync"
	"time"
)

// Operation names the kind of protocol step a timeout applies to.
type Operation int

const (
	// OpConnect covers transport open plus the prompt resync on connect.
	OpConnect Operation = iota
	// OpEnterRaw covers the raw-mode banner exchange.
	OpEnterRaw
	// OpChunkAck covers waiting for one in-band flow-control byte.
	OpChunkAck
	// OpExecute covers a full execute round-trip after submission.
	OpExecute
	// OpDataTransfer covers writing the code payload; scaled by size.
	OpDataTransfer
)

// String returns a short operation name for logs and errors.
func (o Operation) String() string {
	switch o {
	case OpConnect:
		return "connect"
	case OpEnterRaw:
		return "enter-raw"
	case OpChunkAck:
		return "chunk-ack"
	case OpExecute:
		return "execute"
	case OpDataTransfer:
		return "data-transfer"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// Strategy selects how Policy.For derives durations.
type Strategy int

const (
	// StrategyFixed always uses the configured table.
	StrategyFixed Strategy = iota
	// StrategyAdaptive scales with observed history, with StrategyFixed
	// as the unconditional fallback.
	StrategyAdaptive
)

// Error reports an operation exceeding its configured deadline.
type Error struct {
	Op    Operation
	Limit time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("operation %s timed out after %s", e.Op, e.Limit)
}

// Config is the fixed timeout table. Zero fields take defaults. Read-only
// after the Policy is constructed.
type Config struct {
	Connect          time.Duration `yaml:"connect"`
	EnterRaw         time.Duration `yaml:"enter_raw"`
	ChunkAck         time.Duration `yaml:"chunk_ack"`
	Execute          time.Duration `yaml:"execute"`
	DataTransferBase time.Duration `yaml:"data_transfer_base"`
	Adaptive         bool          `yaml:"adaptive"`
}

// Defaults used for zero Config fields.
const (
	DefaultConnect          = 10 * time.Second
	DefaultEnterRaw         = 2 * time.Second
	DefaultChunkAck         = 1 * time.Second
	DefaultExecute          = 30 * time.Second
	DefaultDataTransferBase = 5 * time.Second

	// perKilobyte is the additional data-transfer allowance per KiB of
	// payload, covering slow serial links.
	perKilobyte = 100 * time.Millisecond

	// adaptiveMinSamples is the history required before the adaptive
	// strategy trusts its own estimate.
	adaptiveMinSamples = 5

	// adaptiveHeadroom multiplies the observed moving average so normal
	// variance does not trip the deadline.
	adaptiveHeadroom = 4
)

// Policy derives deadlines per operation. Safe for concurrent use.
type Policy struct {
	cfg      Config
	strategy Strategy

	mu      sync.Mutex
	history map[Operation]*movingAverage
}

type movingAverage struct {
	samples int
	avg     time.Duration
}

// NewPolicy builds a Policy, filling zero Config fields with defaults.
func NewPolicy(cfg Config) *Policy {
	if cfg.Connect <= 0 {
		cfg.Connect = DefaultConnect
	}
	if cfg.EnterRaw <= 0 {
		cfg.EnterRaw = DefaultEnterRaw
	}
	if cfg.ChunkAck <= 0 {
		cfg.ChunkAck = DefaultChunkAck
	}
	if cfg.Execute <= 0 {
		cfg.Execute = DefaultExecute
	}
	if cfg.DataTransferBase <= 0 {
		cfg.DataTransferBase = DefaultDataTransferBase
	}
	strategy := StrategyFixed
	if cfg.Adaptive {
		strategy = StrategyAdaptive
	}
	return &Policy{
		cfg:      cfg,
		strategy: strategy,
		history:  make(map[Operation]*movingAverage),
	}
}

// For returns the deadline budget for op. dataSize (bytes) only affects
// OpDataTransfer; pass 0 otherwise. The result is always positive.
func (p *Policy) For(op Operation, dataSize int) time.Duration {
	fixed := p.fixed(op, dataSize)

	if p.strategy != StrategyAdaptive {
		return fixed
	}

	p.mu.Lock()
	ma := p.history[op]
	p.mu.Unlock()
	if ma == nil || ma.samples < adaptiveMinSamples || ma.avg <= 0 {
		// Not enough history: the fixed table is the guaranteed fallback.
		return fixed
	}

	adaptive := ma.avg * adaptiveHeadroom
	if op == OpDataTransfer {
		adaptive += sizeAllowance(dataSize)
	}
	// The adaptive estimate only ever tightens the fixed budget.
	if adaptive < fixed {
		return adaptive
	}
	return fixed
}

// Observe records a completed operation's elapsed time for the adaptive
// strategy. Cheap no-op under the fixed strategy.
func (p *Policy) Observe(op Operation, elapsed time.Duration) {
	if p.strategy != StrategyAdaptive || elapsed <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ma := p.history[op]
	if ma == nil {
		ma = &movingAverage{}
		p.history[op] = ma
	}
	ma.samples++
	if ma.avg == 0 {
		ma.avg = elapsed
		return
	}
	// Exponential moving average, alpha = 1/4.
	ma.avg += (elapsed - ma.avg) / 4
}

func (p *Policy) fixed(op Operation, dataSize int) time.Duration {
	switch op {
	case OpConnect:
		return p.cfg.Connect
	case OpEnterRaw:
		return p.cfg.EnterRaw
	case OpChunkAck:
		return p.cfg.ChunkAck
	case OpExecute:
		return p.cfg.Execute
	case OpDataTransfer:
		return p.cfg.DataTransferBase + sizeAllowance(dataSize)
	default:
		return p.cfg.Execute
	}
}

func sizeAllowance(dataSize int) time.Duration {
	if dataSize <= 0 {
		return 0
	}
	return time.Duration((dataSize+1023)/1024) * perKilobyte
}
