package order

const (
	StepOrderInformation = "order_information"
	StepReview           = "review"
	StepPayment          = "payment"
	StepComplete         = "complete"
)

var DefaultSteps = []string{StepOrderInformation, StepReview, StepPayment, StepComplete}

// Flow is a fixed, ordered list of checkout steps.
type Flow struct {
	steps []string
	index map[string]int
}

func NewFlow(steps []string) *Flow {
	if len(steps) == 0 {
		steps = DefaultSteps
	}
	f := &Flow{steps: append([]string(nil), steps...), index: make(map[string]int, len(steps))}
	for i, s := range f.steps {
		f.index[s] = i
	}
	return f
}

func (f *Flow) PaymentStep() string {
	return StepPayment
}

// NextStep returns the step after step. The last step and unknown steps
// map to the last step.
func (f *Flow) NextStep(step string) string {
	i, ok := f.index[step]
	if !ok || i+1 >= len(f.steps) {
		return f.steps[len(f.steps)-1]
	}
	return f.steps[i+1]
}

// PreviousStep returns the step before step. The first step and unknown
// steps map to the first step.
func (f *Flow) PreviousStep(step string) string {
	i, ok := f.index[step]
	if !ok || i == 0 {
		return f.steps[0]
	}
	return f.steps[i-1]
}

func (f *Flow) Steps() []string {
	return append([]string(nil), f.steps...)
}
