package simworld

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

// EntropyManager derives independent, reproducible
// pseudo-random streams from one master seed. Every decision
// in the simulation that would otherwise reach for ambient
// randomness (latency draws, loss draws, jitter, tie-breaks
// in application code) must come through here; any bypass is
// a correctness bug because it silently breaks replay.
//
// A stream is keyed by (seed, host, purpose). Re-requesting
// the same key returns the same stream object, call-count
// intact, so the key is referentially transparent within a
// run.
//
// Streams are owned by the Sim and only touched from the
// orchestrator thread, like every other piece of simulation
// state, so no locking here.
type EntropyManager struct {
	seed    [32]byte
	streams *dmap[skey, *EntropyStream]
}

func newEntropyManager(seed [32]byte) *EntropyManager {
	return &EntropyManager{
		seed:    seed,
		streams: newDmap[skey, *EntropyStream](),
	}
}

// SeedString returns the master seed in printable form,
// suitable for a run report.
func (em *EntropyManager) SeedString() string {
	return cristalbase64.URLEncoding.EncodeToString(em.seed[:])
}

// SeedFromString reverses SeedString.
func SeedFromString(s string) (seed [32]byte, err error) {
	by, err := cristalbase64.URLEncoding.DecodeString(s)
	if err != nil {
		return
	}
	if len(by) != 32 {
		err = fmt.Errorf("seed must decode to 32 bytes, got %v", len(by))
		return
	}
	copy(seed[:], by)
	return
}

func streamKey(host HostID, purpose string) skey {
	return skey(fmt.Sprintf("%08d/%s", host, purpose))
}

// StreamFor returns the stream keyed by (host, purpose),
// creating it on first use. The derivation is a pure
// function of (seed, host, purpose): we hash them together
// with blake3 keyed by the master seed, and the digest seeds
// the stream's own blake3 XOF. No map iteration, no
// addresses, no wall clock anywhere in the path.
func (em *EntropyManager) StreamFor(host HostID, purpose string) *EntropyStream {
	key := streamKey(host, purpose)
	if st, ok := em.streams.getid(string(key)); ok {
		return st
	}
	h := blake3.New(64, em.seed[:])
	var hb [8]byte
	binary.LittleEndian.PutUint64(hb[:], uint64(host))
	h.Write(hb[:])
	h.Write([]byte(purpose))
	digest := h.Sum(nil)

	var sk [32]byte
	copy(sk[:], digest[:32])

	st := &EntropyStream{
		host:    host,
		purpose: purpose,
		name:    cristalbase64.URLEncoding.EncodeToString(digest[:15]),
		xof:     blake3.New(64, sk[:]),
	}
	em.streams.upsert(key, st)
	return st
}

// EntropyStream is one reproducible pseudo-random sequence:
// a blake3 XOF read sequentially. The readOffset is the
// only mutable state, so the stream's output is a pure
// function of its key and its call count.
type EntropyStream struct {
	host    HostID
	purpose string
	name    string

	xof        *blake3.Hasher
	readOffset int64
	calls      int64
}

func (s *EntropyStream) String() string {
	return fmt.Sprintf("EntropyStream{host:%v purpose:%q name:%v calls:%v}",
		s.host, s.purpose, s.name, s.calls)
}

// Calls reports how many draws have been made.
func (s *EntropyStream) Calls() int64 { return s.calls }

func (s *EntropyStream) read(p []byte) {
	r := s.xof.XOF()
	r.Seek(s.readOffset, io.SeekStart)
	s.readOffset += int64(len(p))
	n, err := r.Read(p)
	panicOn(err)
	if n != len(p) {
		panic("short read???")
	}
}

// Uint64 is the primitive draw; everything else builds on it.
func (s *EntropyStream) Uint64() uint64 {
	s.calls++
	var b [8]byte
	s.read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Int63 returns r >= 0.
func (s *EntropyStream) Int63() (r int64) {
	r = int64(s.Uint64())
	if r < 0 {
		if r == math.MinInt64 {
			return 0
		}
		r = -r
	}
	return r
}

// Int63Range returns r in [0, nChoices) and avoids the
// inherent bias in modulo. We accept all draws <=
// redrawAbove and reject the small window at the top of the
// int64 range, so every residue is equally likely.
func (s *EntropyStream) Int63Range(nChoices int64) (r int64) {
	if nChoices <= 0 {
		panic(fmt.Sprintf("nChoices must be positive; we see %v", nChoices))
	}
	if nChoices == 1 {
		return 0
	}
	if nChoices == math.MaxInt64 {
		return s.Int63()
	}

	// compute the last valid acceptable value,
	// possibly leaving a small window at the top of the
	// int64 range that will require drawing again.
	redrawAbove := math.MaxInt64 - (((math.MaxInt64 % nChoices) + 1) % nChoices)
	// INVAR: redrawAbove % nChoices == (nChoices - 1).

	for {
		r = int64(s.Uint64())
		if r < 0 {
			// give 0 the last negative number too, so we
			// are not (very subtly) biased against zero.
			if r == math.MinInt64 {
				return 0
			}
			r = -r
		}
		if r > redrawAbove {
			continue
		}
		return r % nChoices
	}
}

// Bool flips a fair coin.
func (s *EntropyStream) Bool() bool {
	s.calls++
	var by [1]byte
	s.read(by[:])
	return by[0]%2 == 0
}

// Float64 returns r in [0, 1).
func (s *EntropyStream) Float64() float64 {
	return float64(s.Uint64()>>11) / (1 << 53)
}

// Choice returns an index in [0, n).
func (s *EntropyStream) Choice(n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("Choice needs n > 0; we see %v", n))
	}
	return int(s.Int63Range(int64(n)))
}

// Duration returns a draw uniform on [min, max]. A
// degenerate range (max <= min) costs no draw and
// returns min, keeping fixed-latency scenarios free of
// stream consumption.
func (s *EntropyStream) Duration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	vary := int64(max - min)
	// vary+1 so max itself is reachable.
	return min + time.Duration(s.Int63Range(vary+1))
}
