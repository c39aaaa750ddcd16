package maxsize

// Policy frees everything above MaxBytes.
//
// The cleaner bounds normal passes with it at the quota's target usage, so a
// pass started at the clean threshold brings usage back below it.
type Policy struct {
	MaxBytes int64
}

func (m *Policy) BytesToFree(currentSize int64) (int64, error) {
	if currentSize > m.MaxBytes {
		return currentSize - m.MaxBytes, nil
	}
	return 0, nil
}
