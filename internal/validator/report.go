package validator

import "MarketSignals/internal/domain"

// QualityReport summarizes a validated batch.
type QualityReport struct {
	Total           int                         `json:"total"`
	Valid           int                         `json:"valid"`
	Rejected        int                         `json:"rejected"`
	Duplicates      int                         `json:"duplicates"`
	ByReason        map[domain.RejectReason]int `json:"byReason"`
	MeanQuality     float64                     `json:"meanQuality"`
	ValidityRate    float64                     `json:"validityRate"`
	DuplicateRate   float64                     `json:"duplicateRate"`
	RejectionRate   float64                     `json:"rejectionRate"`
	Recommendations []string                    `json:"recommendations"`
}

// Report builds the batch report; duplicates comes from deduplication.
func (v *Validator) Report(duplicates int) QualityReport {
	v.mu.Lock()
	r := QualityReport{
		Valid:      v.accepted,
		Duplicates: duplicates,
		ByReason:   make(map[domain.RejectReason]int, len(v.rejected)),
	}
	for reason, n := range v.rejected {
		r.ByReason[reason] = n
		r.Rejected += n
	}
	if v.accepted > 0 {
		r.MeanQuality = v.quality / float64(v.accepted)
	}
	v.mu.Unlock()

	r.Total = r.Valid + r.Rejected
	if r.Total > 0 {
		r.ValidityRate = float64(r.Valid) / float64(r.Total)
		r.RejectionRate = float64(r.Rejected) / float64(r.Total)
		r.DuplicateRate = float64(r.Duplicates) / float64(r.Total)
	}
	r.Recommendations = recommend(r)
	return r
}

func recommend(r QualityReport) []string {
	var out []string
	if r.Total == 0 {
		return []string{"No records were validated; check the source and query"}
	}
	if r.ValidityRate < 0.8 {
		out = append(out, "Improve data collection to raise the share of valid records")
	}
	if r.DuplicateRate > 0.1 {
		out = append(out, "Duplicate rate is high; narrow queries or tighten deduplication")
	}
	if r.RejectionRate > 0.2 {
		out = append(out, "Review collection filters to reduce rejected records")
	}
	if r.ByReason[domain.RejectLowQuality] > r.Total/10 {
		out = append(out, "Many posts fail the quality threshold; revisit spam markers")
	}
	if len(out) == 0 {
		out = append(out, "Data quality is good, no immediate actions required")
	}
	return out
}
