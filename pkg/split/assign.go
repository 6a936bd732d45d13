package split

import "strings"

const errorMarker = "error"

// Partition groups rows by whether their label marks an error figure and
// whether they already hold a split.
type Partition struct {
	NoErrors []Row
	// ErrorsWithGroundTruth already carry a non-pool split.
	ErrorsWithGroundTruth []Row
	// ErrorsWithoutGroundTruth are error rows still in the unlabeled pool.
	ErrorsWithoutGroundTruth []Row
}

// Size returns the total row count across the three groups.
func (p Partition) Size() int {
	return len(p.NoErrors) + len(p.ErrorsWithGroundTruth) + len(p.ErrorsWithoutGroundTruth)
}

// SplitErrors partitions rows into three disjoint groups.
func SplitErrors(rows []Row) Partition {
	var p Partition
	for _, r := range rows {
		switch {
		case !strings.Contains(r.Label, errorMarker):
			p.NoErrors = append(p.NoErrors, r)
		case r.Split == Unlabeled:
			p.ErrorsWithoutGroundTruth = append(p.ErrorsWithoutGroundTruth, r)
		default:
			p.ErrorsWithGroundTruth = append(p.ErrorsWithGroundTruth, r)
		}
	}
	return p
}

// Assignment is the result of AssignSplitsToErrors.
type Assignment struct {
	Rows []Row
	// Errors describes how the pooled error rows were split.
	Errors Outcome
}

// AssignSplitsToErrors resolves the split of every pooled row. Pooled error
// rows are split with StratifiedSplit; other pooled rows become TRAIN. Rows
// that already hold a split are returned unchanged. The output keeps the
// producing groups together, so callers match rows back by Key.
func AssignSplitsToErrors(rows []Row, opts Options) Assignment {
	p := SplitErrors(rows)

	out := make([]Row, 0, len(rows))
	for _, r := range p.NoErrors {
		if r.Split == Unlabeled {
			r.Split = Train
		}
		out = append(out, r)
	}
	out = append(out, p.ErrorsWithGroundTruth...)

	outcome := StratifiedSplit(p.ErrorsWithoutGroundTruth, opts)
	out = append(out, outcome.Rows...)

	return Assignment{Rows: out, Errors: outcome}
}
