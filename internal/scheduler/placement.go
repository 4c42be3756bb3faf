package scheduler

import (
	"errors"
	"math"
	"sort"

	"github.com/iambrandonn/roam/internal/protocol"
)

// ErrNoPlacement is returned when no runtime passes the placement
// filter. Loops treat it as "nothing to do", not as a failure.
var ErrNoPlacement = errors.New("scheduler: no eligible runtime")

// Stress thresholds. A runtime is stressed when its combined CPU and
// memory utilization exceeds stressUtil and its score lies more than
// stressDeviation population standard deviations below the mean.
const (
	stressUtil      = 1.6
	stressDeviation = 1.3
	// memoryWeight makes a megabyte of memory headroom worth three
	// megahertz of CPU headroom.
	memoryWeight = 3
)

// Score rates how much capacity a runtime has left. Higher is better.
//
//	avgClockMHz × (1 − cpuUtil) + 3 × (memLimitMB − memUsedMB)
func Score(s protocol.Summary) float64 {
	return s.Device.AvgClockMHz*(1-s.Stat.CPUUtil) + memoryWeight*(s.Stat.MemLimitMB-s.Stat.MemUsedMB)
}

// Cost rates how expensive an agent is to keep where it is.
func Cost(stat protocol.AgentStat) float64 {
	return stat.CPUPercent + memoryWeight*stat.MemoryMB
}

// Placement returns the id of the highest-scoring candidate that
// passes pred (nil accepts all). Ties go to whichever candidate sorts
// first; callers must not rely on the order.
func Placement(candidates []protocol.Summary, pred func(protocol.Summary) bool) (string, error) {
	type scored struct {
		id    string
		score float64
	}
	var eligible []scored
	for _, c := range candidates {
		if pred != nil && !pred(c) {
			continue
		}
		eligible = append(eligible, scored{id: c.ID, score: Score(c)})
	}
	if len(eligible) == 0 {
		return "", ErrNoPlacement
	}
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].score > eligible[j].score })
	return eligible[0].id, nil
}

// Stressed returns the ids of stressed runtimes, lowest score first.
func Stressed(runtimes []protocol.Summary) []string {
	if len(runtimes) == 0 {
		return nil
	}
	scores := make([]float64, len(runtimes))
	var sum float64
	for i, r := range runtimes {
		scores[i] = Score(r)
		sum += scores[i]
	}
	mean := sum / float64(len(scores))
	var sq float64
	for _, s := range scores {
		sq += (s - mean) * (s - mean)
	}
	stdev := math.Sqrt(sq / float64(len(scores)))
	if stdev == 0 {
		return nil
	}

	type flagged struct {
		id    string
		score float64
	}
	var out []flagged
	for i, r := range runtimes {
		util := r.Stat.CPUUtil + r.Stat.MemUtil()
		if util <= stressUtil {
			continue
		}
		if scores[i] >= mean || math.Abs(scores[i]-mean)/stdev <= stressDeviation {
			continue
		}
		out = append(out, flagged{id: r.ID, score: scores[i]})
	}
	if len(out) == 0 {
		return nil
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score < out[j].score })
	ids := make([]string, len(out))
	for i, f := range out {
		ids[i] = f.id
	}
	return ids
}
