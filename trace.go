package simworld

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// EvKind labels one step of a run's causal history.
type EvKind string

const (
	EvSpawn    EvKind = "task.spawn"
	EvTaskDone EvKind = "task.done"
	EvTaskFail EvKind = "task.fail"

	EvBind    EvKind = "bind"
	EvConnect EvKind = "connect"
	EvAccept  EvKind = "accept"
	EvSend    EvKind = "send"
	EvDeliver EvKind = "deliver"
	EvClose   EvKind = "close"

	EvDropLoss      EvKind = "drop.loss"
	EvDropPartition EvKind = "drop.partition"
	EvDropClosed    EvKind = "drop.closed"

	EvTimerSet     EvKind = "timer.set"
	EvTimerFire    EvKind = "timer.fire"
	EvTimerDiscard EvKind = "timer.discard"

	EvFault     EvKind = "fault"
	EvPartition EvKind = "partition"
	EvHeal      EvKind = "heal"
	EvCrash     EvKind = "crash"
	EvRestart   EvKind = "restart"
)

// RunEvent is one entry in the trail. A and B are the
// participants (sender/receiver, host/addr); N carries a
// serial, a byte count, or a task id depending on Kind.
type RunEvent struct {
	Seq  int64      `json:"seq"`
	At   SimInstant `json:"at"`
	Kind EvKind     `json:"kind"`
	A    string     `json:"a,omitempty"`
	B    string     `json:"b,omitempty"`
	N    int64      `json:"n,omitempty"`
}

func (e RunEvent) String() string {
	return fmt.Sprintf("#%v %v %v a:%q b:%q n:%v", e.Seq, e.At, e.Kind, e.A, e.B, e.N)
}

// Trace is the ordered event trail of one run. Two runs of
// the same harness with the same seed must produce equal
// traces; that equality is the determinism contract, and
// TraceEqual is how a test checks it.
type Trace struct {
	Seed   string
	Events []RunEvent
}

func (tr *Trace) add(ev RunEvent) {
	tr.Events = append(tr.Events, ev)
}

// Blake3sum is a short content hash of the whole trail,
// seed included. Handy for a one-line determinism check in
// CI logs.
func (tr *Trace) Blake3sum() string {
	h := blake3.New(64, nil)
	fmt.Fprintf(h, "%v\n", tr.Seed)
	for i := range tr.Events {
		fmt.Fprintf(h, "%v\n", tr.Events[i])
	}
	sum := h.Sum(nil)
	return "blake3.33B-" + cristalbase64.URLEncoding.EncodeToString(sum[:33])
}

// traceHeader is the first JSON line of a saved trace.
type traceHeader struct {
	Seed   string `json:"seed"`
	Events int    `json:"events"`
}

// SaveTo writes the trace as JSON lines: a header line with
// the seed, then one line per event.
func (tr *Trace) SaveTo(w io.Writer) error {
	bw := bufio.NewWriter(w)
	hdr, err := json.Marshal(traceHeader{Seed: tr.Seed, Events: len(tr.Events)})
	if err != nil {
		return err
	}
	bw.Write(hdr)
	bw.WriteByte('\n')
	for i := range tr.Events {
		by, err := json.Marshal(tr.Events[i])
		if err != nil {
			return err
		}
		bw.Write(by)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// LoadTrace reads back what SaveTo wrote.
func LoadTrace(r io.Reader) (*Trace, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, io.ErrUnexpectedEOF
	}
	var hdr traceHeader
	if err := json.Unmarshal(sc.Bytes(), &hdr); err != nil {
		return nil, fmt.Errorf("trace header: %w", err)
	}
	tr := &Trace{
		Seed:   hdr.Seed,
		Events: make([]RunEvent, 0, hdr.Events),
	}
	for sc.Scan() {
		var ev RunEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("trace event %v: %w", len(tr.Events)+1, err)
		}
		tr.Events = append(tr.Events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(tr.Events) != hdr.Events {
		return nil, fmt.Errorf("trace truncated: header says %v events, read %v",
			hdr.Events, len(tr.Events))
	}
	return tr, nil
}

type zstdPress struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdPress() *zstdPress {
	// The nil argument means only do []byte compressions,
	// unless you do a Reset(io.Writer).
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	panicOn(err)
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	panicOn(err)
	return &zstdPress{enc: enc, dec: dec}
}

func (z *zstdPress) Close() {
	z.enc.Close()
	z.dec.Close()
}

// SaveZstdTo is SaveTo through a zstd frame; fault-heavy
// runs produce long, highly compressible trails.
func (tr *Trace) SaveZstdTo(w io.Writer) error {
	var buf bytes.Buffer
	if err := tr.SaveTo(&buf); err != nil {
		return err
	}
	z := newZstdPress()
	defer z.Close()
	_, err := w.Write(z.enc.EncodeAll(buf.Bytes(), nil))
	return err
}

func LoadZstdTrace(r io.Reader) (*Trace, error) {
	pressed, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	z := newZstdPress()
	defer z.Close()
	plain, err := z.dec.DecodeAll(pressed, nil)
	if err != nil {
		return nil, err
	}
	return LoadTrace(bytes.NewReader(plain))
}

// TraceEqual compares two trails and describes the first
// divergence, which is always much more useful than a bare
// boolean when a determinism test fails.
func TraceEqual(a, b *Trace) (equal bool, diff string) {
	if a.Seed != b.Seed {
		return false, fmt.Sprintf("seeds differ: %q vs %q", a.Seed, b.Seed)
	}
	n := len(a.Events)
	if len(b.Events) < n {
		n = len(b.Events)
	}
	for i := 0; i < n; i++ {
		if a.Events[i] != b.Events[i] {
			return false, fmt.Sprintf("first divergence at event %v:\n a: %v\n b: %v",
				i+1, a.Events[i], b.Events[i])
		}
	}
	if len(a.Events) != len(b.Events) {
		return false, fmt.Sprintf("a has %v events, b has %v; equal through the shorter",
			len(a.Events), len(b.Events))
	}
	return true, ""
}
