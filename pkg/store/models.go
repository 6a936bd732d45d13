package store

import (
	"time"
)

// Figure status values stored in the figures.status column.
const (
	FigureStatusNotPredicted = 0
	FigureStatusPredicted    = 1
	FigureStatusGroundTruth  = 2
)

// Figure type values stored in the figures.fig_type column.
const (
	FigureTypeCompound  = 0
	FigureTypeSubfigure = 1
)

// StagingRecord is one row of the project work table. A figure appears once
// per classifier it was routed through.
type StagingRecord struct {
	ID                  int64      `gorm:"column:id;primaryKey;autoIncrement:false"`
	SourceSchema        string     `gorm:"column:source_schema;primaryKey;size:63"`
	Classifier          string     `gorm:"column:classifier;primaryKey;size:63"`
	URI                 string     `gorm:"column:uri"`
	Label               string     `gorm:"column:label"`
	Prediction          string     `gorm:"column:prediction"`
	CorrectedLabel      *string    `gorm:"column:corrected_label"`
	CorrectionTimestamp *time.Time `gorm:"column:correction_timestamp"`
	SplitSet            string     `gorm:"column:split_set"`
}

// Session is one committed labeling session.
type Session struct {
	ID             uint      `gorm:"column:id;primaryKey;autoIncrement"`
	EndDate        time.Time `gorm:"column:end_date;not null"`
	Number         int       `gorm:"column:number;not null;uniqueIndex"`
	NumUpdates     int       `gorm:"column:num_updates;not null"`
	NumErrors      int       `gorm:"column:num_errors;not null"`
	NumClassifiers int       `gorm:"column:num_classifiers;not null"`
}

// ArchiveEntry is an immutable before/after record of one propagated
// correction.
type ArchiveEntry struct {
	ID                  uint       `gorm:"column:id;primaryKey;autoIncrement"`
	SubfigID            int64      `gorm:"column:subfig_id;not null;index"`
	SourceSchema        string     `gorm:"column:source_schema;not null"`
	Label               string     `gorm:"column:label"`
	CorrectedLabel      string     `gorm:"column:corrected_label"`
	CorrectionTimestamp *time.Time `gorm:"column:correction_timestamp"`
	SessionNumber       int        `gorm:"column:session_number;not null;index"`
	Prediction          string     `gorm:"column:prediction"`
}

// Figure is a source-of-truth row of a data schema's figures table.
type Figure struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement:false"`
	GroundTruth  *string    `gorm:"column:ground_truth"`
	LastUpdateBy *time.Time `gorm:"column:last_update_by"`
	Status       int        `gorm:"column:status;not null;default:0"`
	Label        *string    `gorm:"column:label"`
	URI          string     `gorm:"column:uri"`
	Width        int        `gorm:"column:width"`
	Height       int        `gorm:"column:height"`
	Source       string     `gorm:"column:source"`
	Caption      *string    `gorm:"column:caption"`
	Notes        *string    `gorm:"column:notes"`
	FigType      int        `gorm:"column:fig_type;not null;default:0"`
}
