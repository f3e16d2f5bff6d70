package database

// Run is one stored estimation run.
type Run struct {
	ID              string
	Region          string
	Source          string
	Population      int64
	RecoveryLagDays int
	Chains          int
	Seed            int64
	FirstDate       string
	LastDate        string
	Days            int
	ReportMarkdown  string
	CreatedAt       *string
}

// Estimate is the stored posterior summary of one day of a run. Values the
// sampler could not summarize are NaN.
type Estimate struct {
	RunID     string
	Parameter string
	Day       int
	Date      string
	Mean      float64
	Lower     float64
	Upper     float64
}

// Stats contains aggregate database statistics.
type Stats struct {
	Runs      int
	Regions   int
	Estimates int
}
