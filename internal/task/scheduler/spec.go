package scheduler

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// maxFirstRunJitter bounds how far the first run of an interval schedule is
// pushed back.
const maxFirstRunJitter = 30 * time.Second

// Spec is a parsed schedule: a fixed interval when Every > 0, otherwise a
// cron expression. Accepted input:
//
//	every:1m | @every 1m | 1m      fixed interval
//	*/5 * * * * | @daily          cron, 5 or 6 fields or a descriptor
type Spec struct {
	Every time.Duration
	Cron  string
}

// ParseSpec parses raw without checking cron field ranges; Add does that
// with the scheduler's parser.
func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return Spec{}, fmt.Errorf("schedule required")
	case hasFoldPrefix(s, "every:"):
		return parseEvery(s[len("every:"):])
	case hasFoldPrefix(s, "@every "):
		return parseEvery(s[len("@every "):])
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return Spec{Cron: s}, nil
	}
	if sp, err := parseEvery(s); err == nil {
		return sp, nil
	}
	return Spec{}, fmt.Errorf("invalid schedule %q: want a cron expression like '*/5 * * * *' or an interval like 'every:1m'", raw)
}

func parseEvery(v string) (Spec, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return Spec{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0, got %s", d)
	}
	return Spec{Every: d}, nil
}

func hasFoldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func (s Spec) IsInterval() bool { return s.Every > 0 }

// String is the cron form, "@every <d>" for intervals.
func (s Spec) String() string {
	if s.IsInterval() {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

// jitteredEvery fires first at start+every+jitter, then every interval after
// that, so jobs registered together do not fire together.
type jitteredEvery struct {
	every cron.Schedule
	first time.Time
}

func (j *jitteredEvery) Next(t time.Time) time.Time {
	if t.Before(j.first) {
		return j.first
	}
	return j.every.Next(t)
}

// newJitteredEvery mixes the job name into the seed so jobs added in the
// same instant get different offsets.
func newJitteredEvery(every time.Duration, start time.Time, name string) (*jitteredEvery, time.Duration) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewSource(start.UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(min(every, maxFirstRunJitter))))
	return &jitteredEvery{every: cron.Every(every), first: start.Add(every + jitter)}, jitter
}
