package severity

// Skipped describes a crop that produced no record.
type Skipped struct {
	BoxIndex int        `json:"box_index"`
	Reason   SkipReason `json:"reason"`
	Err      error      `json:"-"`
	Message  string     `json:"message,omitempty"`
}

// CropOutcome is either a Record or a Skip, never both.
type CropOutcome struct {
	BoxIndex int
	Record   *SeverityRecord
	Skip     *Skipped
}

// Recorded wraps a finished record.
func Recorded(rec SeverityRecord) CropOutcome {
	return CropOutcome{BoxIndex: rec.BoxIndex, Record: &rec}
}

// SkippedBy wraps a per-crop error into a skip outcome.
func SkippedBy(boxIndex int, err error) CropOutcome {
	s := &Skipped{BoxIndex: boxIndex, Reason: ReasonFor(err), Err: err}
	if err != nil {
		s.Message = err.Error()
	}
	return CropOutcome{BoxIndex: boxIndex, Skip: s}
}

// IsRecord reports whether the outcome carries a record.
func (o CropOutcome) IsRecord() bool { return o.Record != nil }
