// Package replay reconstructs terminal session state from a sequence of
// persisted, decrypted envelopes, and is the counterpart spec §4.10 and §8
// require to hold byte-exact to live operation: replaying a session's
// envelopes through a fresh engine must reach the same state hash the live
// engine held at the moment of the last envelope.
package replay

import (
	"fmt"

	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/engine"
)

// Result is the terminal outcome of a replay.
type Result struct {
	BreathState domain.BreathState
	Hash        [32]byte
}

// Replay validates the envelope sequence and feeds each one's payload into
// a fresh engine.Engine in order, returning the terminal BreathState and
// its hash. A validation or decode failure aborts immediately; replay never
// silently skips an envelope it cannot interpret.
func Replay(cfg engine.Config, envs []domain.Envelope) (Result, error) {
	if err := domain.ValidateEnvelopeSequence(envs); err != nil {
		return Result{}, fmt.Errorf("replay: %w", err)
	}

	e := engine.New(cfg)
	for _, env := range envs {
		if err := e.Apply(env.Kind, env.Payload, env.TsUs); err != nil {
			return Result{}, fmt.Errorf("replay: envelope seq=%d kind=%s: %w", env.Seq, env.Kind, err)
		}
	}

	return Result{BreathState: e.BreathState(), Hash: e.Hash()}, nil
}
