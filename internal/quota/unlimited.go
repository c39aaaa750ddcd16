package quota

// Unlimited admits and keeps everything. Usage is still credited when a
// tracker is present so it can be reported.
type Unlimited struct {
	tracker UsageTracker
}

func NewUnlimited(tracker UsageTracker) *Unlimited {
	return &Unlimited{tracker: tracker}
}

func (u *Unlimited) BeforeWrite(int64) bool {
	return true
}

func (u *Unlimited) AfterWrite(contentSize int64) bool {
	if u.tracker != nil {
		u.tracker.AddUsage(contentSize)
	}
	return true
}
