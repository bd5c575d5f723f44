package simworld

import (
	"bytes"
	"strings"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test600_trace_save_load_round_trip(t *testing.T) {

	cv.Convey("a run's trace survives SaveTo/LoadTrace and the zstd variants byte-for-byte", t, func() {

		s := chaosPairSim(9)
		s.Run()
		tr := s.EventTrace()
		cv.So(len(tr.Events), cv.ShouldBeGreaterThan, 0)

		var buf bytes.Buffer
		err := tr.SaveTo(&buf)
		cv.So(err, cv.ShouldBeNil)

		back, err := LoadTrace(bytes.NewReader(buf.Bytes()))
		cv.So(err, cv.ShouldBeNil)
		equal, diff := TraceEqual(tr, back)
		cv.So(diff, cv.ShouldEqual, "")
		cv.So(equal, cv.ShouldBeTrue)

		var zbuf bytes.Buffer
		err = tr.SaveZstdTo(&zbuf)
		cv.So(err, cv.ShouldBeNil)
		cv.So(zbuf.Len(), cv.ShouldBeLessThan, buf.Len())

		zback, err := LoadZstdTrace(bytes.NewReader(zbuf.Bytes()))
		cv.So(err, cv.ShouldBeNil)
		equal, _ = TraceEqual(tr, zback)
		cv.So(equal, cv.ShouldBeTrue)

		// a truncated file is an error, not a silent partial load.
		lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
		chopped := strings.Join(lines[:len(lines)-1], "\n") + "\n"
		_, err = LoadTrace(strings.NewReader(chopped))
		cv.So(err, cv.ShouldNotBeNil)
		cv.So(err.Error(), cv.ShouldContainSubstring, "truncated")
	})
}

func Test601_trace_equal_reports_first_divergence(t *testing.T) {

	cv.Convey("TraceEqual names the first differing event, which is what you want staring at a flaky-history report", t, func() {

		mk := func() *Trace {
			return &Trace{
				Seed: "s",
				Events: []RunEvent{
					{Seq: 1, At: BigBang, Kind: EvBind, A: "srv"},
					{Seq: 2, At: BigBang.Add(time.Millisecond), Kind: EvSend, A: "cli", B: "srv", N: 7},
					{Seq: 3, At: BigBang.Add(2 * time.Millisecond), Kind: EvDeliver, A: "cli", B: "srv", N: 7},
				},
			}
		}

		a := mk()
		b := mk()
		equal, diff := TraceEqual(a, b)
		cv.So(equal, cv.ShouldBeTrue)
		cv.So(diff, cv.ShouldEqual, "")

		b.Events[1].N = 8
		equal, diff = TraceEqual(a, b)
		cv.So(equal, cv.ShouldBeFalse)
		cv.So(diff, cv.ShouldContainSubstring, "event 2")

		// length mismatch after a common prefix.
		c := mk()
		c.Events = c.Events[:2]
		equal, diff = TraceEqual(a, c)
		cv.So(equal, cv.ShouldBeFalse)
		cv.So(diff, cv.ShouldContainSubstring, "3 events")

		// different seeds are different histories by definition.
		d := mk()
		d.Seed = "other"
		equal, _ = TraceEqual(a, d)
		cv.So(equal, cv.ShouldBeFalse)
	})
}
