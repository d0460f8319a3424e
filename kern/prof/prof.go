// Package prof assembles a pprof-format profile snapshot of
// environment run counters and scheduler uptime. It is not named by
// spec.md — §1 excludes profiling/observability tooling from the
// core's scope entirely — but the teacher's go.mod carries
// github.com/google/pprof without a single non-test import anywhere
// in its tree, so this expansion gives that otherwise-unused
// dependency a concrete home: a one-shot "where did the CPU go"
// sample an operator could pull from the kernel monitor.
package prof

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"exonix/kern/env"
)

// Snapshot builds a pprof profile whose samples are, one per
// non-free environment slot, its run count as the sample value and its
// handle/status/type as the location's function name — enough to
// render a flat "who has been running" view in any pprof-compatible
// viewer.
func Snapshot(m *env.Manager, uptimeNanos int64) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "runs", Unit: "count"},
		},
		DurationNanos: uptimeNanos,
		TimeNanos:     uptimeNanos,
	}

	var nextID uint64 = 1
	for i := range m.Envs {
		e := &m.Envs[i]
		if e.Status == env.Free {
			continue
		}
		fn := &profile.Function{
			ID:   nextID,
			Name: fmt.Sprintf("env[%#08x] type=%d status=%s", uint32(e.Handle), e.Type, e.Status),
		}
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		nextID++
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(e.RunCount)},
		})
	}
	return p
}

// Write serializes a snapshot in pprof's gzip-compressed protobuf
// wire format, ready to be written to a debug endpoint or file.
func Write(m *env.Manager, uptimeNanos int64, w io.Writer) error {
	return Snapshot(m, uptimeNanos).Write(w)
}
