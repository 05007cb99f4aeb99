package tape

import "fmt"

func errShortLens(n, got int) error {
	return fmt.Errorf("tape: length table too short for n=%d: need %d bytes, got %d", n, n*lenWidth, got)
}

func errShortValues(i, offset int, l uint32, valuesLen int) error {
	return fmt.Errorf("tape: value bytes exhausted decoding task %d: offset=%d len=%d values=%d", i, offset, l, valuesLen)
}
