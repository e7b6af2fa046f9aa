package train

import "fmt"

// NumericalError halts training when the loss or gradient stops being
// finite. It is never recovered from automatically.
type NumericalError struct {
	Epoch    int
	Batch    int
	Quantity string
	Value    float64
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("non-finite %s %v at epoch %d batch %d", e.Quantity, e.Value, e.Epoch, e.Batch)
}
