// Package split assigns TRAIN/VAL/TEST partitions to training rows.
//
// Stratified sampling is preferred. When a label has too few members to be
// stratified, the assignment degrades to a positional 80/10/10 partition;
// the caller sees which path was taken through Outcome, never an error.
package split

import (
	"math"
	"math/rand/v2"
	"sort"
	"strings"
)

// Split set values.
const (
	Train     = "TRAIN"
	Val       = "VAL"
	Test      = "TEST"
	Unlabeled = "UNL"
)

const (
	fallbackTrainFraction = 0.8
	fallbackValFraction   = 0.1
)

// IsAssigned reports whether s is one of the three final partitions.
func IsAssigned(s string) bool {
	switch s {
	case Train, Val, Test:
		return true
	}
	return false
}

// Row is a single candidate for split assignment.
type Row struct {
	Key   string
	Label string
	Split string
}

// Options controls the stratified split.
type Options struct {
	TestFraction float64
	ValFraction  float64
	Seed         uint64
}

// DefaultOptions returns a 80/10/10 target.
func DefaultOptions() Options {
	return Options{TestFraction: 0.1, ValFraction: 0.1, Seed: 443}
}

// Method tells how a split was produced.
type Method string

const (
	MethodStratified Method = "stratified"
	MethodFallback   Method = "positional"
)

// Outcome is the tagged result of StratifiedSplit.
type Outcome struct {
	Method Method
	Rows   []Row
	// Reason explains why stratification was abandoned. Empty when Method
	// is MethodStratified.
	Reason string
}

// StratifiedSplit assigns TEST by stratified sampling on label, then splits
// the remainder into VAL and TRAIN the same way. If either step is
// infeasible the rows are partitioned positionally instead.
//
// The input slice is not modified.
func StratifiedSplit(rows []Row, opts Options) Outcome {
	out := make([]Row, len(rows))
	copy(out, rows)
	if len(out) == 0 {
		return Outcome{Method: MethodStratified, Rows: out}
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	all := make([]int, len(out))
	for i := range all {
		all[i] = i
	}

	numTest := int(math.Ceil(float64(len(out)) * opts.TestFraction))
	testIdx, rest, reason := stratify(out, all, numTest, rng)
	if reason != "" {
		return positional(out, reason)
	}

	numVal := int(math.Ceil(float64(len(out)) * opts.ValFraction))
	if numVal > len(rest) {
		numVal = len(rest)
	}
	valIdx, trainIdx, reason := stratify(out, rest, numVal, rng)
	if reason != "" {
		return positional(out, reason)
	}

	for _, i := range testIdx {
		out[i].Split = Test
	}
	for _, i := range valIdx {
		out[i].Split = Val
	}
	for _, i := range trainIdx {
		out[i].Split = Train
	}
	return Outcome{Method: MethodStratified, Rows: out}
}

// stratify selects n of the given indices so that every label is
// represented proportionally. It returns the selected and the remaining
// indices, or a non-empty reason when stratification is not possible.
func stratify(rows []Row, idx []int, n int, rng *rand.Rand) (selected, remaining []int, reason string) {
	byLabel := make(map[string][]int)
	var labels []string
	for _, i := range idx {
		l := rows[i].Label
		if _, ok := byLabel[l]; !ok {
			labels = append(labels, l)
		}
		byLabel[l] = append(byLabel[l], i)
	}
	for _, l := range labels {
		if len(byLabel[l]) < 2 {
			return nil, nil, "label " + quote(l) + " has fewer than 2 members"
		}
	}
	if n <= 0 {
		return nil, append([]int(nil), idx...), ""
	}
	// Every label keeps at least one member on the remaining side.
	if n > len(idx)-len(labels) {
		return nil, nil, "cannot hold out the requested rows and keep every label"
	}

	quota := apportion(labels, byLabel, n, len(idx))
	for _, l := range labels {
		members := append([]int(nil), byLabel[l]...)
		rng.Shuffle(len(members), func(a, b int) { members[a], members[b] = members[b], members[a] })
		selected = append(selected, members[:quota[l]]...)
		remaining = append(remaining, members[quota[l]:]...)
	}
	sort.Ints(selected)
	sort.Ints(remaining)
	return selected, remaining, ""
}

// apportion distributes n picks over labels proportionally to their size,
// using largest remainders, and caps each label at size-1.
func apportion(labels []string, byLabel map[string][]int, n, total int) map[string]int {
	quota := make(map[string]int, len(labels))
	type frac struct {
		label string
		rem   float64
		size  int
	}
	fracs := make([]frac, 0, len(labels))
	given := 0
	for _, l := range labels {
		size := len(byLabel[l])
		exact := float64(size) * float64(n) / float64(total)
		q := int(math.Floor(exact))
		if q > size-1 {
			q = size - 1
		}
		quota[l] = q
		given += q
		fracs = append(fracs, frac{label: l, rem: exact - float64(q), size: size})
	}
	sort.SliceStable(fracs, func(a, b int) bool {
		if fracs[a].rem != fracs[b].rem {
			return fracs[a].rem > fracs[b].rem
		}
		if fracs[a].size != fracs[b].size {
			return fracs[a].size > fracs[b].size
		}
		return fracs[a].label < fracs[b].label
	})
	for given < n {
		progressed := false
		for _, f := range fracs {
			if given == n {
				break
			}
			if quota[f.label] < f.size-1 {
				quota[f.label]++
				given++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return quota
}

// positional assigns the first 80% TRAIN, the next 10% VAL and the rest
// TEST, in the order given.
func positional(rows []Row, reason string) Outcome {
	n := len(rows)
	numTrain := int(math.Ceil(float64(n) * fallbackTrainFraction))
	numVal := int(math.Ceil(float64(n) * fallbackValFraction))
	for i := range rows {
		switch {
		case i < numTrain:
			rows[i].Split = Train
		case i < numTrain+numVal:
			rows[i].Split = Val
		default:
			rows[i].Split = Test
		}
	}
	return Outcome{Method: MethodFallback, Rows: rows, Reason: reason}
}

func quote(s string) string {
	return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
}
