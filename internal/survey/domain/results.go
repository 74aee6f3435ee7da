package domain

import "time"

// Response is the finalized answer set for one user on one survey.
type Response struct {
	SurveyID    string
	UserID      string
	Answers     map[int]string
	Completed   bool
	SubmittedAt time.Time
}

// TallyEntry is one user's answer to one question, used only as aggregation input.
type TallyEntry struct {
	SurveyID      string
	QuestionIndex int
	UserID        string
	Option        string
	Timestamp     time.Time
}

// Submission groups every document written by a single atomic submit.
type Submission struct {
	Response Response
	Tallies  []TallyEntry
}

// QuestionKey identifies one question of one survey.
type QuestionKey struct {
	SurveyID      string
	QuestionIndex int
}

// OptionCounts maps an option to the number of tally entries selecting it.
type OptionCounts map[string]int

// CountEntries groups tally entries by option.
func CountEntries(entries []TallyEntry) OptionCounts {
	counts := OptionCounts{}
	for _, entry := range entries {
		counts[entry.Option]++
	}
	return counts
}

// Total returns the number of votes across all options.
func (c OptionCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Share returns the fraction of votes for option in [0,1].
func (c OptionCounts) Share(option string) float64 {
	total := c.Total()
	if total == 0 {
		return 0
	}
	return float64(c[option]) / float64(total)
}

// Clone copies the counts.
func (c OptionCounts) Clone() OptionCounts {
	out := make(OptionCounts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ResultSnapshot is a full recount of one question at a point in time.
type ResultSnapshot struct {
	SurveyID      string
	QuestionIndex int
	Counts        OptionCounts
	At            time.Time
}
